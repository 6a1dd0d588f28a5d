// Package clapi defines the collaborator contracts at the pipeline's outer
// edge: convergence-layer sockets, the router-command wire surface, and
// beacon delivery. Per spec.md §1 these are external collaborators — the
// concrete TCPCL/TCPSPP framing, the text/JSON command parser, and the
// IPND beacon processor are out of scope — so this package holds only the
// interfaces cmd/upcnd wires a real or stub implementation against, plus
// the small pieces of wire format spec.md §6 specifies completely enough
// to implement here: the contact-event notification byte layout and the
// router-command opcode values.
package clapi

import (
	"bytes"
	"context"
	"io"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/upcn/agent/internal/contact"
	"github.com/upcn/agent/internal/eid"
	"github.com/upcn/agent/internal/routertask"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Conn is one convergence-layer connection: a de-framed byte stream feeding
// internal/bpparser, per spec.md §6 "the parser receives de-framed bundle
// bytes". The concrete TCPCL/TCPSPP implementation lives outside this
// module.
type Conn interface {
	io.Reader
	io.Closer
	RemoteGS() string
}

// Sender writes a fully-serialized bundle frame to a CLA connection for one
// contact. Concrete transport (socket write, framing) is external.
type Sender interface {
	SendFrame(ctx context.Context, frame []byte) error
}

// ClaDialer opens an outbound CLA connection to a Ground Station's
// CLAKind/CLAAddress, used by internal/contactmgr's ClaOpener at contact
// activation.
type ClaDialer interface {
	Dial(ctx context.Context, claKind, claAddress string) (Sender, error)
}

// CommandDecoder turns an already-received, already-decoded wire command
// (the external text/JSON router-config parser's output) into a
// routertask.RouterCommand. SPEC_FULL.md: "we still implement the command
// effects of §6, consuming an already-decoded Command struct."
type CommandDecoder interface {
	Decode(wire []byte) (routertask.RouterCommand, error)
}

// BeaconSource is the external discovery/IPND layer that supplies beacon
// payloads to forward (routertask.SigProcessBeacon).
type BeaconSource interface {
	NextBeacon(ctx context.Context) ([]byte, error)
}

// Opcode is the router-command surface's wire opcode byte, per spec.md §6:
// "opcodes 0x31..0x34".
type Opcode byte

const (
	OpcodeAdd    Opcode = 0x31
	OpcodeUpdate Opcode = 0x32
	OpcodeDelete Opcode = 0x33
	OpcodeQuery  Opcode = 0x34
)

// ToCommandOpcode maps a wire opcode byte to routertask's internal enum.
func (o Opcode) ToCommandOpcode() (routertask.CommandOpcode, error) {
	switch o {
	case OpcodeAdd:
		return routertask.OpAdd, nil
	case OpcodeUpdate:
		return routertask.OpUpdate, nil
	case OpcodeDelete:
		return routertask.OpDelete, nil
	case OpcodeQuery:
		return routertask.OpQuery, nil
	default:
		return 0, errors.Errorf("clapi: unknown router-command opcode 0x%02x", byte(o))
	}
}

// wireCommand is the JSON shape cmd/upcnctl sends over the router-command
// HTTP surface: a thin, directly-marshalable mirror of routertask.RouterCommand.
// contact.Endpoint and contact.Contact hold unexported eid.Handle/runtime
// state that can't round-trip through JSON directly, so wireCommand spells
// both out as their plain-data equivalents.
type wireCommand struct {
	Opcode         Opcode         `json:"opcode"`
	GSEID          string         `json:"gs_eid"`
	CLAKind        string         `json:"cla_kind,omitempty"`
	CLAAddress     string         `json:"cla_address,omitempty"`
	DefaultGateway bool           `json:"default_gateway,omitempty"`
	Endpoints      []wireEndpoint `json:"endpoints,omitempty"`
	Contacts       []wireContact  `json:"contacts,omitempty"`
}

// wireEndpoint is the JSON-friendly form of contact.Endpoint: an EID
// string in place of an already-interned *eid.Handle.
type wireEndpoint struct {
	EID         string  `json:"eid"`
	Probability float64 `json:"probability"`
}

// wireContact is the subset of contact.Contact the wire command surface
// accepts; the rest (Active, Remaining, Bundles) is runtime-only state a
// client never supplies.
type wireContact struct {
	From    int64 `json:"from"`
	To      int64 `json:"to"`
	Bitrate int64 `json:"bitrate"`
}

// JSONCommandDecoder implements CommandDecoder over the wireCommand JSON
// shape using json-iterator (SPEC_FULL.md DOMAIN STACK: "json-iterator/go
// ... the router-command wire decode"). It is the concrete decoder
// cmd/upcnd wires into its /command HTTP endpoint.
type JSONCommandDecoder struct{}

func (JSONCommandDecoder) Decode(wire []byte) (routertask.RouterCommand, error) {
	var w wireCommand
	if err := json.Unmarshal(wire, &w); err != nil {
		return routertask.RouterCommand{}, errors.Wrap(err, "clapi: decoding router command")
	}
	opcode, err := w.Opcode.ToCommandOpcode()
	if err != nil {
		return routertask.RouterCommand{}, err
	}
	contacts := make([]*contact.Contact, 0, len(w.Contacts))
	gs := &contact.GS{CLAKind: w.CLAKind, CLAAddress: w.CLAAddress}
	for _, wc := range w.Contacts {
		contacts = append(contacts, contact.NewContact(gs, wc.From, wc.To, wc.Bitrate))
	}
	endpoints := make([]contact.Endpoint, 0, len(w.Endpoints))
	for _, we := range w.Endpoints {
		endpoints = append(endpoints, contact.Endpoint{EID: eid.Alloc(we.EID), Probability: we.Probability})
	}
	return routertask.RouterCommand{
		Opcode:         opcode,
		GSEID:          w.GSEID,
		CLAKind:        w.CLAKind,
		CLAAddress:     w.CLAAddress,
		DefaultGateway: w.DefaultGateway,
		Endpoints:      endpoints,
		Contacts:       contacts,
	}, nil
}

// contactEventEnd/contactEventStart are COMM_TYPE_CONTACT_STATE's single-byte start/end flag values,
// per spec.md §6 "Contact events (outgoing)".
const (
	contactEventEnd   byte = 0x00
	contactEventStart byte = 0x01
)

// EncodeContactEvent builds the one-byte flag + NUL-terminated GS EID
// payload spec.md §6 describes for COMM_TYPE_CONTACT_STATE notifications.
func EncodeContactEvent(started bool, gsEID string) []byte {
	flag := contactEventEnd
	if started {
		flag = contactEventStart
	}
	buf := make([]byte, 0, 1+len(gsEID)+1)
	buf = append(buf, flag)
	buf = append(buf, gsEID...)
	buf = append(buf, 0)
	return buf
}

// DecodeContactEvent parses a COMM_TYPE_CONTACT_STATE payload back into its
// start/end flag and GS EID. Used by tests and by any collaborator that
// needs to interpret an emitted event.
func DecodeContactEvent(data []byte) (started bool, gsEID string, err error) {
	if len(data) < 2 {
		return false, "", errors.New("clapi: contact event payload too short")
	}
	switch data[0] {
	case contactEventStart:
		started = true
	case contactEventEnd:
		started = false
	default:
		return false, "", errors.Errorf("clapi: unknown contact event flag 0x%02x", data[0])
	}
	nul := bytes.IndexByte(data[1:], 0)
	if nul < 0 {
		return false, "", errors.New("clapi: contact event EID not NUL-terminated")
	}
	return started, string(data[1 : 1+nul]), nil
}

// ContactEventPublisher is implemented by anything that wants to observe
// the byte-level contact-event stream this package encodes — typically a
// thin adapter over internal/diag.Channel for in-process consumers, or a
// real outbound socket for an external monitor.
type ContactEventPublisher interface {
	PublishContactEvent(frame []byte)
}

// NotifyContactStarted/NotifyContactEnded are convenience wrappers gluing
// internal/contactmgr's lifecycle callbacks to the wire encoding above.
func NotifyContactStarted(pub ContactEventPublisher, gs *contact.GS) {
	if pub == nil || gs == nil {
		return
	}
	pub.PublishContactEvent(EncodeContactEvent(true, gs.EID.String()))
}

func NotifyContactEnded(pub ContactEventPublisher, gs *contact.GS) {
	if pub == nil || gs == nil {
		return
	}
	pub.PublishContactEvent(EncodeContactEvent(false, gs.EID.String()))
}
