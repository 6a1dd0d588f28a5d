// Package bundle holds the in-memory Bundle Protocol model shared by the v6
// and v7 parsers (internal/bpparser), the router (internal/router), and the
// contact manager's TX path. Grounded on spec.md §3 "DATA MODEL" and on
// _examples/original_source/components/upcn/include/upcn/bundle.h's field
// layout (retrieved only as referenced from bundle6/src/parser.c, since the
// header itself fell outside the retrieval pack).
package bundle

import (
	"github.com/pkg/errors"

	"github.com/upcn/agent/internal/eid"
)

// Version is the Bundle Protocol version a Bundle was parsed under.
type Version uint8

const (
	V6 Version = 6
	V7 Version = 7
)

// ProcFlags is the primary block's processing control flags bitset.
type ProcFlags uint32

const (
	FlagFragment ProcFlags = 1 << iota
	FlagAdminRecord
	FlagMustNotFragment
	FlagCustodyTransfer
	FlagSingleton
	FlagAckRequested

	// PriorityShift/PriorityMask extract the 2-bit priority class (0..2)
	// packed into the same flag word, matching the original's bitfield.
	PriorityShift = 8
)

const PriorityMask ProcFlags = 0x3 << PriorityShift

func (f ProcFlags) Priority() int { return int((f & PriorityMask) >> PriorityShift) }

func (f ProcFlags) Fragmented() bool    { return f&FlagFragment != 0 }
func (f ProcFlags) MustNotFragment() bool { return f&FlagMustNotFragment != 0 }

// EIDOffsetPair locates a v6 EID inside the bundle's dictionary byte array:
// scheme text starts at SchemeOffset, SSP text at SSPOffset, both NUL- or
// length-delimited per the dictionary's own encoding.
type EIDOffsetPair struct {
	SchemeOffset uint64
	SSPOffset    uint64
}

// Valid reports whether p addresses two distinct strings within a
// dict of the given length — eid_ref_is_valid in the original.
func (p EIDOffsetPair) Valid(dictLen uint64) bool {
	return p.SchemeOffset != p.SSPOffset && p.SchemeOffset < dictLen && p.SSPOffset < dictLen
}

// BlockFlags is a bundle block's per-block processing flags.
type BlockFlags uint16

const (
	BlockFlagLast BlockFlags = 1 << iota
	BlockFlagDiscardIfUnprocessed
	BlockFlagReportIfUnprocessed
	BlockFlagDeleteBundleIfUnprocessed
	BlockFlagCRCPresent
)

func (f BlockFlags) Last() bool { return f&BlockFlagLast != 0 }

// Block types recognized by the parser; the payload type is the only one
// with parsing significance today, everything else is opaque extension data.
const (
	BlockTypePayload   uint8 = 1
	BlockTypePrevNode  uint8 = 6
	BlockTypeBundleAge uint8 = 7
)

// Block is one element of a Bundle's ordered block list.
type Block struct {
	Type   uint8
	Flags  BlockFlags
	CRC    CRCKind
	EIDRef []EIDOffsetPair // v6 only; empty for v7 and for non-payload v6 blocks without refs
	Data   []byte
}

// Bundle is the fully-parsed, validated in-memory representation of one
// bundle or bundle fragment.
type Bundle struct {
	Version Version
	Flags   ProcFlags
	CRC     CRCKind

	Destination *eid.Handle
	Source      *eid.Handle
	ReportTo    *eid.Handle
	Custodian   *eid.Handle // optional; nil if the bundle carries none

	CreationTimestamp uint64
	SequenceNumber    uint64
	Lifetime          uint64 // seconds

	// Valid only when Flags.Fragmented().
	FragmentOffset uint64
	TotalADULen    uint64

	// BundleAge, when non-negative, is the value of an optional "bundle
	// age" extension block (supplemented from original_source, see
	// SPEC_FULL.md). -1 means the block was absent.
	BundleAge int64

	// PreviousNode, when non-nil, is the EID carried by an optional
	// "previous node" extension block.
	PreviousNode *eid.Handle

	Blocks  []*Block
	Payload *Block // always one of the elements of Blocks

	// v6 only.
	Dictionary []byte
	DestRef    EIDOffsetPair
	SourceRef  EIDOffsetPair
	ReportRef  EIDOffsetPair
	CustRef    EIDOffsetPair
}

// SerializedSize is the size the router accounts against contact capacity:
// the full wire length of the bundle, headers and extension blocks included,
// the bundle_get_serialized_size counterpart. PayloadLen is the ADU byte
// count the fragmentation loop slices over.
func (b *Bundle) SerializedSize() uint64 {
	return uint64(b.WireSize())
}

// PayloadLen is the payload block's data length.
func (b *Bundle) PayloadLen() uint64 {
	if b.Payload == nil {
		return 0
	}
	return uint64(len(b.Payload.Data))
}

// Validate checks the three invariants spec.md §3 lists for a Bundle:
// exactly one payload block, a fragment offset/length within the ADU, and
// (v6 only) dictionary-valid EID references. Grounded on bundle_is_valid in
// _examples/original_source/components/bundle6/src/parser.c.
func (b *Bundle) Validate() error {
	if b.Payload == nil {
		return errors.New("bundle: no payload block")
	}
	payloadCount := 0
	for _, blk := range b.Blocks {
		if blk == b.Payload {
			payloadCount++
		}
	}
	if payloadCount != 1 {
		return errors.New("bundle: payload block not exactly once in block list")
	}
	if b.Flags.Fragmented() {
		if b.FragmentOffset+uint64(len(b.Payload.Data)) > b.TotalADULen {
			return errors.New("bundle: fragment offset+length exceeds total ADU length")
		}
	}
	if b.Version == V6 {
		dictLen := uint64(len(b.Dictionary))
		// v6 always carries all four EID-reference pairs in the primary
		// block, custodian included, per bundle_is_valid in the original.
		refs := []EIDOffsetPair{b.DestRef, b.SourceRef, b.ReportRef, b.CustRef}
		for _, r := range refs {
			if !r.Valid(dictLen) {
				return errors.New("bundle: invalid v6 dictionary EID reference")
			}
		}
		for _, blk := range b.Blocks {
			for _, r := range blk.EIDRef {
				if !r.Valid(dictLen) {
					return errors.Errorf("bundle: invalid v6 dictionary EID reference in block type %d", blk.Type)
				}
			}
		}
	}
	return nil
}

// Release returns every interned EID handle the bundle owns. Call once the
// bundle-storage subsystem has freed all routed copies (spec.md §3's "freed
// after all routed copies terminate").
func (b *Bundle) Release() {
	eid.Free(b.Destination)
	eid.Free(b.Source)
	eid.Free(b.ReportTo)
	eid.Free(b.Custodian)
	eid.Free(b.PreviousNode)
}
