package bpparser

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/upcn/agent/internal/bundle"
	"github.com/upcn/agent/internal/eid"
	"github.com/upcn/agent/internal/uerrors"
)

// Stage7 is the coarse state of the CBOR-framed v7 branch. Unlike V6Parser's
// fine-grained per-field stages, v7's "per-byte contract" (spec.md §4.3)
// reduces to accumulating bytes until one complete CBOR indefinite array can
// be decoded: CBOR's own length/type prefixes make sub-field boundaries
// self-describing, so there is no separate SDNV-style sub-parser to drive
// field by field the way v6 needs one.
type Stage7 int

const (
	Stage7InProgress Stage7 = iota
	Stage7Done
	Stage7Error
)

type wireEID struct {
	_      struct{} `cbor:",toarray"`
	Scheme string
	SSP    string
}

// primaryFixedFields is the number of positional elements every v7 primary
// block carries regardless of flags: version, flags, crc type, three EIDs,
// creation timestamp, lifetime. Fragmentation adds two trailing elements
// (fragment offset, total ADU length, in that order) and a present CRC type
// adds one more (the CRC value) after those, per spec.md §3/§4.3 — the real
// wire reason a fixed `,toarray` struct can't represent a v7 primary block.
const primaryFixedFields = 8

// blockFixedFields is the equivalent fixed prefix for an extension block:
// type, number, flags, crc type, data. A present CRC type adds one trailing
// CRC-value element.
const blockFixedFields = 5

// V7Parser accumulates CBOR-framed bundle bytes and decodes them once a
// complete top-level array is available. Grounded on spec.md §4.3's "v7
// parser covers the equivalent CBOR-framed structure ... selected by the
// first byte of input (0x9f CBOR indefinite array)".
type V7Parser struct {
	buf      bytes.Buffer
	stage    Stage7
	quota    uint64
	quotaMax uint64
	err      error
	b        *bundle.Bundle
}

func NewV7Parser(quotaMax uint64) *V7Parser {
	p := &V7Parser{quotaMax: quotaMax}
	p.Reset()
	return p
}

func (p *V7Parser) Reset() {
	p.buf.Reset()
	p.stage = Stage7InProgress
	p.quota = 0
	p.err = nil
	p.b = nil
}

func (p *V7Parser) Stage() Stage7 { return p.stage }
func (p *V7Parser) Err() error    { return p.err }

func (p *V7Parser) fail(kind uerrors.ParseErrorKind, msg string) {
	p.stage = Stage7Error
	p.err = uerrors.NewParseError(kind, msg)
}

// ReadByte feeds one wire byte. A failed trial decode due to insufficient
// data (io.ErrUnexpectedEOF/io.EOF) is expected and keeps the parser in
// Stage7InProgress; any other decode error is a terminal parse failure.
func (p *V7Parser) ReadByte(b byte) Stage7 {
	if p.stage != Stage7InProgress {
		return p.stage
	}
	p.buf.WriteByte(b)
	p.quota++
	if p.quota > p.quotaMax {
		p.fail(uerrors.QuotaExceeded, "bundle exceeds BUNDLE_QUOTA")
		return p.stage
	}

	var raw []cbor.RawMessage
	dec := cbor.NewDecoder(bytes.NewReader(p.buf.Bytes()))
	if err := dec.Decode(&raw); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return p.stage
		}
		p.fail(uerrors.UnexpectedEnd, err.Error())
		return p.stage
	}
	if len(raw) < 2 {
		p.fail(uerrors.InvariantViolation, "v7 bundle needs a primary block and at least one payload block")
		return p.stage
	}

	var items []cbor.RawMessage
	if err := cbor.Unmarshal(raw[0], &items); err != nil {
		p.fail(uerrors.InvariantViolation, "malformed primary block: "+err.Error())
		return p.stage
	}
	bnd, err := decodePrimary(items)
	if err != nil {
		p.fail(uerrors.InvariantViolation, err.Error())
		return p.stage
	}

	for _, item := range raw[1:] {
		var blkItems []cbor.RawMessage
		if err := cbor.Unmarshal(item, &blkItems); err != nil {
			bnd.Release()
			p.fail(uerrors.InvariantViolation, "malformed extension block: "+err.Error())
			return p.stage
		}
		blk, err := decodeBlock(blkItems)
		if err != nil {
			bnd.Release()
			p.fail(uerrors.InvariantViolation, err.Error())
			return p.stage
		}
		switch blk.Type {
		case bundle.BlockTypePayload:
			bnd.Payload = blk
		case bundle.BlockTypeBundleAge:
			bnd.BundleAge = int64(decodeAgeBlock(blk.Data))
		}
		bnd.Blocks = append(bnd.Blocks, blk)
	}

	p.b = bnd
	p.stage = Stage7Done
	return p.stage
}

// decodePrimary positionally decodes a v7 primary block's CBOR array,
// including the variable-arity tail that a fixed `,toarray` struct cannot
// represent: fragment offset/total ADU length appear only when the
// fragmentation flag is set, and a CRC value only when CRCType != 0.
// Grounded on spec.md §3/§4.3's description of the primary block's optional
// trailing fields.
func decodePrimary(items []cbor.RawMessage) (*bundle.Bundle, error) {
	if len(items) < primaryFixedFields {
		return nil, errors.New("bpparser: primary block missing required fields")
	}
	var (
		version  uint8
		flagsRaw uint64
		crcType  uint8
		dest     wireEID
		source   wireEID
		reportTo wireEID
		ts       [2]uint64
		lifetime uint64
	)
	fields := []struct {
		into any
		raw  cbor.RawMessage
	}{
		{&version, items[0]},
		{&flagsRaw, items[1]},
		{&crcType, items[2]},
		{&dest, items[3]},
		{&source, items[4]},
		{&reportTo, items[5]},
		{&ts, items[6]},
		{&lifetime, items[7]},
	}
	for _, f := range fields {
		if err := cbor.Unmarshal(f.raw, f.into); err != nil {
			return nil, errors.New("bpparser: malformed primary block field: " + err.Error())
		}
	}

	flags := bundle.ProcFlags(flagsRaw)
	idx := primaryFixedFields
	var fragOffset, totalADULen uint64
	if flags.Fragmented() {
		if len(items) < idx+2 {
			return nil, errors.New("bpparser: fragmented primary block missing fragment offset/total ADU length")
		}
		if err := cbor.Unmarshal(items[idx], &fragOffset); err != nil {
			return nil, errors.New("bpparser: malformed fragment offset: " + err.Error())
		}
		if err := cbor.Unmarshal(items[idx+1], &totalADULen); err != nil {
			return nil, errors.New("bpparser: malformed total ADU length: " + err.Error())
		}
		idx += 2
	}

	crcKind := crcKindOf(crcType)
	if crcKind != bundle.CRCNone {
		if len(items) < idx+1 {
			return nil, errors.New("bpparser: primary block declares a CRC type but carries no CRC value")
		}
		claimed, err := decodeCRCValue(items[idx])
		if err != nil {
			return nil, err
		}
		sum := crcOverItems(items[:idx])
		if !bundle.VerifyCRC(crcKind, sum, claimed) {
			return nil, errors.New("bpparser: primary block CRC mismatch")
		}
		idx++
	}
	if len(items) != idx {
		return nil, errors.New("bpparser: primary block has unexpected trailing elements")
	}

	return &bundle.Bundle{
		Version:           bundle.V7,
		Flags:             flags,
		CRC:               crcKind,
		Destination:       eid.Alloc(dest.Scheme + ":" + dest.SSP),
		Source:            eid.Alloc(source.Scheme + ":" + source.SSP),
		ReportTo:          eid.Alloc(reportTo.Scheme + ":" + reportTo.SSP),
		CreationTimestamp: ts[0],
		SequenceNumber:    ts[1],
		Lifetime:          lifetime,
		FragmentOffset:    fragOffset,
		TotalADULen:       totalADULen,
		BundleAge:         -1,
	}, nil
}

// decodeBlock positionally decodes one v7 extension (or payload) block,
// capturing a trailing CRC value when CRCType != 0 and verifying it against
// the block's own fixed fields plus data, the same variable-arity shape as
// the primary block.
func decodeBlock(items []cbor.RawMessage) (*bundle.Block, error) {
	if len(items) < blockFixedFields {
		return nil, errors.New("bpparser: extension block missing required fields")
	}
	var (
		typ     uint8
		number  uint64
		flags   uint64
		crcType uint8
		data    []byte
	)
	fields := []struct {
		into any
		raw  cbor.RawMessage
	}{
		{&typ, items[0]},
		{&number, items[1]},
		{&flags, items[2]},
		{&crcType, items[3]},
		{&data, items[4]},
	}
	for _, f := range fields {
		if err := cbor.Unmarshal(f.raw, f.into); err != nil {
			return nil, errors.New("bpparser: malformed extension block field: " + err.Error())
		}
	}

	crcKind := crcKindOf(crcType)
	idx := blockFixedFields
	if crcKind != bundle.CRCNone {
		if len(items) < idx+1 {
			return nil, errors.New("bpparser: extension block declares a CRC type but carries no CRC value")
		}
		claimed, err := decodeCRCValue(items[idx])
		if err != nil {
			return nil, err
		}
		sum := crcOverItems(items[:idx])
		if !bundle.VerifyCRC(crcKind, sum, claimed) {
			return nil, errors.New("bpparser: extension block CRC mismatch")
		}
		idx++
	}
	if len(items) != idx {
		return nil, errors.New("bpparser: extension block has unexpected trailing elements")
	}

	blk := &bundle.Block{Type: typ, CRC: crcKind, Data: data}
	_ = number // block number carries no parsing significance beyond its wire presence
	if flags&1 != 0 {
		blk.Flags |= bundle.BlockFlagLast
	}
	return blk, nil
}

// crcOverItems concatenates the raw CBOR bytes of a block's non-CRC fields,
// the input bundle.VerifyCRC checks the claimed trailing CRC value against.
func crcOverItems(items []cbor.RawMessage) []byte {
	var buf bytes.Buffer
	for _, item := range items {
		buf.Write(item)
	}
	return buf.Bytes()
}

// decodeCRCValue unwraps a CRC field's CBOR byte string into the big-endian
// integer it carries (RFC 9171 §4.2.1: the CRC field is a byte string
// holding the checksum in network byte order).
func decodeCRCValue(raw cbor.RawMessage) (uint32, error) {
	var b []byte
	if err := cbor.Unmarshal(raw, &b); err != nil {
		return 0, errors.New("bpparser: malformed CRC value: " + err.Error())
	}
	switch len(b) {
	case 2:
		return uint32(binary.BigEndian.Uint16(b)), nil
	case 4:
		return binary.BigEndian.Uint32(b), nil
	default:
		return 0, errors.New("bpparser: CRC value has unexpected width")
	}
}

func decodeAgeBlock(data []byte) uint64 {
	var age uint64
	_ = cbor.Unmarshal(data, &age)
	return age
}

func crcKindOf(wireType uint8) bundle.CRCKind {
	switch wireType {
	case 1:
		return bundle.CRC16
	case 2:
		return bundle.CRC32C
	default:
		return bundle.CRCNone
	}
}

// Finish validates and returns the decoded bundle, per spec.md §4.3
// "Validation before dispatch".
func (p *V7Parser) Finish() (*bundle.Bundle, error) {
	if p.stage != Stage7Done {
		return nil, uerrors.NewParseError(uerrors.UnexpectedEnd, "v7 bundle incomplete")
	}
	if err := p.b.Validate(); err != nil {
		p.b.Release()
		return nil, uerrors.NewParseError(uerrors.InvariantViolation, err.Error())
	}
	return p.b, nil
}
