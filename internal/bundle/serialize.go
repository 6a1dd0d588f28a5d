package bundle

import (
	"bytes"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"

	"github.com/upcn/agent/internal/sdnv"
)

// Serialize encodes the bundle back into its wire form, dispatching on the
// protocol version the same way bundle_serialize does. The output is the
// exact byte stream internal/bpparser accepts: an 0x06-prefixed SDNV stream
// for v6, an 0x9f-prefixed indefinite CBOR array for v7.
func (b *Bundle) Serialize() ([]byte, error) {
	switch b.Version {
	case V6:
		return b.serializeV6()
	case V7:
		return b.serializeV7()
	default:
		return nil, errors.Errorf("bundle: cannot serialize unknown protocol version %d", b.Version)
	}
}

// WireSize is the serialized byte length of the whole bundle, primary block
// and extension blocks included.
func (b *Bundle) WireSize() int {
	switch b.Version {
	case V6:
		return b.wire6Size(b.Flags.Fragmented())
	case V7:
		raw, err := b.serializeV7()
		if err != nil {
			return 0
		}
		return len(raw)
	default:
		return 0
	}
}

// noneEID stands in for an absent custodian (or any other unset well-known
// EID) in a built dictionary, the v6 null-endpoint convention.
const noneEID = "dtn:none"

func splitEID(value string) (scheme, ssp string) {
	if i := strings.IndexByte(value, ':'); i >= 0 {
		return value[:i], value[i+1:]
	}
	return value, ""
}

func eidText(b *Bundle, which int) string {
	var s string
	switch which {
	case 0:
		if b.Destination != nil {
			s = b.Destination.String()
		}
	case 1:
		if b.Source != nil {
			s = b.Source.String()
		}
	case 2:
		if b.ReportTo != nil {
			s = b.ReportTo.String()
		}
	case 3:
		if b.Custodian != nil {
			s = b.Custodian.String()
		}
	}
	if s == "" {
		return noneEID
	}
	return s
}

// BuildDictionary lays out the v6 dictionary byte array from the bundle's
// interned EID handles and fills in the four primary-block offset pairs.
// Strings already present are reused rather than appended again, the
// deduplication RFC 5050 asks of dictionary writers. Call before serializing
// a v6 bundle that was built in memory rather than parsed off the wire; a
// parsed bundle keeps the dictionary it arrived with.
func (b *Bundle) BuildDictionary() {
	var dict []byte
	offsets := make(map[string]uint64)
	place := func(s string) uint64 {
		if off, ok := offsets[s]; ok {
			return off
		}
		off := uint64(len(dict))
		offsets[s] = off
		dict = append(dict, s...)
		dict = append(dict, 0)
		return off
	}
	refs := [4]*EIDOffsetPair{&b.DestRef, &b.SourceRef, &b.ReportRef, &b.CustRef}
	for i, ref := range refs {
		scheme, ssp := splitEID(eidText(b, i))
		ref.SchemeOffset = place(scheme)
		ref.SSPOffset = place(ssp)
	}
	b.Dictionary = dict
}

func appendSDNV(out []byte, v uint64) []byte {
	buf := make([]byte, sdnv.Size(v))
	sdnv.Write(v, buf)
	return append(out, buf...)
}

// v6BlockDataLen is the on-wire declared data length of a v6 block: the data
// itself plus the CRC-16 trailer the parser strips on decode, when present.
func v6BlockDataLen(blk *Block) uint64 {
	n := uint64(len(blk.Data))
	if blk.CRC == CRC16 {
		n += crc16TrailerLen
	}
	return n
}

const crc16TrailerLen = 2

func (b *Bundle) serializeV6() ([]byte, error) {
	if len(b.Dictionary) == 0 {
		return nil, errors.New("bundle: v6 serialization requires a dictionary (BuildDictionary for built bundles)")
	}

	// Primary block tail: everything the declared primary block length
	// covers, i.e. all bytes after the length field itself.
	var tail []byte
	for _, ref := range []EIDOffsetPair{b.DestRef, b.SourceRef, b.ReportRef, b.CustRef} {
		tail = appendSDNV(tail, ref.SchemeOffset)
		tail = appendSDNV(tail, ref.SSPOffset)
	}
	tail = appendSDNV(tail, b.CreationTimestamp)
	tail = appendSDNV(tail, b.SequenceNumber)
	tail = appendSDNV(tail, b.Lifetime)
	tail = appendSDNV(tail, uint64(len(b.Dictionary)))
	tail = append(tail, b.Dictionary...)
	if b.Flags.Fragmented() {
		tail = appendSDNV(tail, b.FragmentOffset)
		tail = appendSDNV(tail, b.TotalADULen)
	}

	var wire []byte
	wire = append(wire, 0x06)
	wire = appendSDNV(wire, uint64(b.Flags))
	wire = appendSDNV(wire, uint64(len(tail)))
	wire = append(wire, tail...)

	for _, blk := range b.Blocks {
		wire = append(wire, blk.Type)
		wire = appendSDNV(wire, uint64(blk.Flags))
		wire = appendSDNV(wire, uint64(len(blk.EIDRef)))
		for _, ref := range blk.EIDRef {
			wire = appendSDNV(wire, ref.SchemeOffset)
			wire = appendSDNV(wire, ref.SSPOffset)
		}
		wire = appendSDNV(wire, v6BlockDataLen(blk))
		wire = append(wire, blk.Data...)
		if blk.CRC == CRC16 {
			sum := ComputeCRC(CRC16, blk.Data)
			wire = append(wire, byte(sum>>8), byte(sum))
		}
	}
	return wire, nil
}

// wire6Size computes serializeV6's output length without materializing it,
// the bundle6_get_serialized_size counterpart. forceFrag sizes the primary
// block as a fragment's would be, which the fragment-minimum estimators need
// for bundles not yet fragmented.
func (b *Bundle) wire6Size(forceFrag bool) int {
	n := b.v6PrimarySize(forceFrag)
	for _, blk := range b.Blocks {
		n += v6BlockHeaderSize(blk) + int(v6BlockDataLen(blk))
	}
	return n
}

func (b *Bundle) v6PrimarySize(withFragFields bool) int {
	tail := 0
	for _, ref := range []EIDOffsetPair{b.DestRef, b.SourceRef, b.ReportRef, b.CustRef} {
		tail += sdnv.Size(ref.SchemeOffset) + sdnv.Size(ref.SSPOffset)
	}
	tail += sdnv.Size(b.CreationTimestamp)
	tail += sdnv.Size(b.SequenceNumber)
	tail += sdnv.Size(b.Lifetime)
	tail += sdnv.Size(uint64(len(b.Dictionary))) + len(b.Dictionary)
	flags := b.Flags
	if withFragFields {
		flags |= FlagFragment
		// Offsets are bounded by the total ADU length; sizing both fields
		// at that magnitude upper-bounds any actual fragment's encoding.
		adu := b.TotalADULen
		if adu == 0 && b.Payload != nil {
			adu = uint64(len(b.Payload.Data))
		}
		tail += 2 * sdnv.Size(adu)
	}
	return 1 + sdnv.Size(uint64(flags)) + sdnv.Size(uint64(tail)) + tail
}

func v6BlockHeaderSize(blk *Block) int {
	n := 1 + sdnv.Size(uint64(blk.Flags)) + sdnv.Size(uint64(len(blk.EIDRef)))
	for _, ref := range blk.EIDRef {
		n += sdnv.Size(ref.SchemeOffset) + sdnv.Size(ref.SSPOffset)
	}
	return n + sdnv.Size(v6BlockDataLen(blk))
}

type wireEID struct {
	_      struct{} `cbor:",toarray"`
	Scheme string
	SSP    string
}

func wireEIDOf(b *Bundle, which int) wireEID {
	scheme, ssp := splitEID(eidText(b, which))
	return wireEID{Scheme: scheme, SSP: ssp}
}

func crcWireType(kind CRCKind) uint8 {
	switch kind {
	case CRC16:
		return 1
	case CRC32C:
		return 2
	default:
		return 0
	}
}

func crcValueBytes(kind CRCKind, sum uint32) []byte {
	if kind == CRC16 {
		return []byte{byte(sum >> 8), byte(sum)}
	}
	return []byte{byte(sum >> 24), byte(sum >> 16), byte(sum >> 8), byte(sum)}
}

// encodeItems marshals each positional element separately and assembles a
// definite-length CBOR array by hand, so that a trailing CRC value can be
// computed over exactly the concatenated item encodings the parser's
// crcOverItems checks against.
func encodeItems(items []any, crc CRCKind) ([]byte, error) {
	var body bytes.Buffer
	for _, item := range items {
		raw, err := cbor.Marshal(item)
		if err != nil {
			return nil, errors.Wrap(err, "bundle: v7 field encode")
		}
		body.Write(raw)
	}
	count := len(items)
	if crc != CRCNone {
		sum := ComputeCRC(crc, body.Bytes())
		raw, err := cbor.Marshal(crcValueBytes(crc, sum))
		if err != nil {
			return nil, errors.Wrap(err, "bundle: v7 CRC encode")
		}
		body.Write(raw)
		count++
	}
	if count >= 24 {
		return nil, errors.New("bundle: v7 block has too many positional elements")
	}
	out := make([]byte, 0, 1+body.Len())
	out = append(out, 0x80|byte(count))
	return append(out, body.Bytes()...), nil
}

func (b *Bundle) encodeV7Primary(flags ProcFlags) ([]byte, error) {
	items := []any{
		uint8(7),
		uint64(flags),
		crcWireType(b.CRC),
		wireEIDOf(b, 0),
		wireEIDOf(b, 1),
		wireEIDOf(b, 2),
		[2]uint64{b.CreationTimestamp, b.SequenceNumber},
		b.Lifetime,
	}
	if flags.Fragmented() {
		items = append(items, b.FragmentOffset, b.TotalADULen)
	}
	return encodeItems(items, b.CRC)
}

func encodeV7Block(blk *Block, number uint64) ([]byte, error) {
	var flags uint64
	if blk.Flags.Last() {
		flags = 1
	}
	items := []any{blk.Type, number, flags, crcWireType(blk.CRC), blk.Data}
	return encodeItems(items, blk.CRC)
}

func (b *Bundle) serializeV7() ([]byte, error) {
	primary, err := b.encodeV7Primary(b.Flags)
	if err != nil {
		return nil, err
	}
	wire := []byte{0x9f}
	wire = append(wire, primary...)
	number := uint64(2)
	for _, blk := range b.Blocks {
		// Payload is block number 1 on the wire; everything else numbers
		// sequentially after it.
		n := number
		if blk.Type == BlockTypePayload {
			n = 1
		} else {
			number++
		}
		raw, err := encodeV7Block(blk, n)
		if err != nil {
			return nil, err
		}
		wire = append(wire, raw...)
	}
	return append(wire, 0xff), nil
}

// FirstFragmentMinSize is the smallest serialized size the first fragment of
// this bundle can have: every block's headers and all non-payload block data,
// with none of the payload. Counterpart of bundle_get_first_fragment_min_size.
func (b *Bundle) FirstFragmentMinSize() int {
	if b.Version == V6 {
		payloadLen := 0
		if b.Payload != nil {
			payloadLen = len(b.Payload.Data)
		}
		return b.wire6Size(true) - payloadLen
	}
	n := b.v7FragmentShellSize()
	for _, blk := range b.Blocks {
		if blk == b.Payload {
			continue
		}
		raw, err := encodeV7Block(blk, 2)
		if err != nil {
			return 0
		}
		n += len(raw)
	}
	return n
}

// MidFragmentMinSize is the smallest serialized size of a middle fragment:
// the primary block plus a payload block header. For v7 every extension block
// travels with the first fragment, so middle and last coincide.
func (b *Bundle) MidFragmentMinSize() int {
	if b.Version == V6 {
		return b.v6PrimarySize(true) + b.payloadHeaderSize()
	}
	return b.v7FragmentShellSize()
}

// LastFragmentMinSize is the smallest serialized size of the last fragment:
// for v6 it additionally carries the blocks that follow the payload block.
func (b *Bundle) LastFragmentMinSize() int {
	if b.Version != V6 {
		return b.v7FragmentShellSize()
	}
	n := b.v6PrimarySize(true) + b.payloadHeaderSize()
	seen := false
	for _, blk := range b.Blocks {
		if blk == b.Payload {
			seen = true
			continue
		}
		if seen {
			n += v6BlockHeaderSize(blk) + int(v6BlockDataLen(blk))
		}
	}
	return n
}

func (b *Bundle) payloadHeaderSize() int {
	if b.Payload == nil {
		return 0
	}
	return v6BlockHeaderSize(b.Payload)
}

// v7FragmentShellSize is the envelope + primary block + payload block with
// its data removed, sized as a fragment.
func (b *Bundle) v7FragmentShellSize() int {
	primary, err := b.encodeV7Primary(b.Flags | FlagFragment)
	if err != nil {
		return 0
	}
	if b.Payload == nil {
		return 2 + len(primary)
	}
	blk, err := encodeV7Block(b.Payload, 1)
	if err != nil {
		return 0
	}
	return 2 + len(primary) + len(blk) - len(b.Payload.Data)
}
