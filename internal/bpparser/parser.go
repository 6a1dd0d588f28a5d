package bpparser

import (
	"github.com/upcn/agent/internal/bundle"
	"github.com/upcn/agent/internal/eid"
	"github.com/upcn/agent/internal/sdnv"
	"github.com/upcn/agent/internal/uerrors"
)

// BulkRead is the "publish (next_buffer, next_bytes)" escape of spec.md
// §4.3: when non-nil, the framing layer must copy exactly len(Into) more
// bytes into Into (which already has the right length) and then call
// ResumeAfterBulk with no further bytes for that field.
type BulkRead struct {
	Into []byte
}

// V6Parser is the streaming state machine for Bundle Protocol v6, the
// `0x06`-prefixed branch of the top-level Parser. Grounded directly on
// bundle6_parser_next / bundle6_parser_read_byte in
// _examples/original_source/components/bundle6/src/parser.c.
type V6Parser struct {
	stage Stage
	sdnv  *sdnv.State

	quota    uint64
	quotaMax uint64

	// primaryRemaining is the declared primary block length's unread byte
	// budget, decremented per byte from the destination-scheme stage until
	// the block loop begins — primary_bytes_remaining in the original.
	primaryRemaining int64

	bulk *BulkRead

	b *bundle.Bundle

	// refTargets walks destination, source, report-to, custodian in that
	// exact order as the eight scheme/SSP-offset SDNVs are decoded.
	refTargets   []*bundle.EIDOffsetPair
	refTargetIdx int
	schemeOff    uint64

	curBlock        *bundle.Block
	blockRefCount   uint64
	blockRefIdx     int
	blockSchemeOff  uint64
	blockHaveScheme bool

	err error
}

// NewV6Parser returns a fresh parser bounded by the given BUNDLE_QUOTA.
func NewV6Parser(quotaMax uint64) *V6Parser {
	p := &V6Parser{quotaMax: quotaMax}
	p.Reset()
	return p
}

// Reset returns the parser to StageVersion ready to decode a new bundle. An
// already-fresh parser at StageVersion short-circuits, matching
// bundle6_parser_reset's own idempotent fast path.
func (p *V6Parser) Reset() {
	if p.stage == StageVersion && p.err == nil && p.quota == 0 && p.b != nil {
		return
	}
	p.stage = StageVersion
	p.sdnv = sdnv.NewState(sdnvWidthFor(StageProcFlags))
	p.quota = 0
	p.primaryRemaining = 0
	p.bulk = nil
	p.err = nil
	p.b = &bundle.Bundle{Version: bundle.V6}
	p.refTargets = []*bundle.EIDOffsetPair{&p.b.DestRef, &p.b.SourceRef, &p.b.ReportRef, &p.b.CustRef}
	p.refTargetIdx = 0
	p.curBlock = nil
	p.blockRefCount = 0
	p.blockRefIdx = 0
	p.blockHaveScheme = false
}

// sdnvWidthFor is the per-field decode width, one-for-one with the
// sdnv_read_u16/u32/u64 call the original makes for each stage: offsets,
// counts, and lengths of in-memory structures are 16-bit, flag words and
// block/fragment extents 32-bit, and the creation timestamp, sequence number
// and lifetime use the full 64 bits.
func sdnvWidthFor(s Stage) int {
	switch s {
	case StageProcFlags, StageBlockFlags, StageFragOffset, StageTotalADULen, StageBlockDataLength:
		return 32
	case StageTimestamp, StageSequenceNum, StageLifetime:
		return 64
	default:
		return 16
	}
}

// enterStage advances the state machine and retargets the SDNV sub-parser
// at the next field's width.
func (p *V6Parser) enterStage(next Stage) {
	p.stage = next
	p.sdnv.ResetWidth(sdnvWidthFor(next))
}

// Stage reports the parser's current state.
func (p *V6Parser) Stage() Stage { return p.stage }

// Err returns the terminal parse error, if the parser is in StageError.
func (p *V6Parser) Err() error { return p.err }

// Bulk returns the pending bulk-read request, or nil if none is pending.
func (p *V6Parser) Bulk() *BulkRead { return p.bulk }

func (p *V6Parser) fail(kind uerrors.ParseErrorKind, msg string) {
	p.stage = StageError
	p.err = uerrors.NewParseError(kind, msg)
}

func (p *V6Parser) chargeQuota(n uint64) bool {
	p.quota += n
	if p.quota > p.quotaMax {
		p.fail(uerrors.QuotaExceeded, "bundle exceeds BUNDLE_QUOTA")
		return false
	}
	return true
}

func (p *V6Parser) beginDictBulkRead(length uint64) {
	if !p.chargeQuota(length) {
		return
	}
	// Bulk bytes bypass ReadByte's per-byte budget, so the dictionary is
	// charged against the declared primary block length here.
	if int64(length) > p.primaryRemaining {
		p.fail(uerrors.UnexpectedEnd, "declared primary block length exhausted inside dictionary")
		return
	}
	p.primaryRemaining -= int64(length)
	p.b.Dictionary = make([]byte, length)
	p.bulk = &BulkRead{Into: p.b.Dictionary}
}

func (p *V6Parser) beginBlockDataBulkRead(length uint64) {
	if !p.chargeQuota(length) {
		return
	}
	p.curBlock.Data = make([]byte, length)
	p.bulk = &BulkRead{Into: p.curBlock.Data}
}

// ResumeAfterBulk must be called once the framing layer has filled the
// buffer named by Bulk(). It clears the escape and advances the state
// machine, per spec.md §4.3.
func (p *V6Parser) ResumeAfterBulk() {
	if p.bulk == nil {
		return
	}
	p.bulk = nil
	switch p.stage {
	case StageDictBytes:
		p.resolveEIDRefs()
		if p.b.Flags.Fragmented() {
			p.enterStage(StageFragOffset)
		} else {
			p.beginBlockLoop()
		}
	case StageBlockData:
		p.finishBlock()
	}
}

// resolveEIDRefs interns the four well-known EIDs once the dictionary bytes
// are in hand, per spec.md §4.3 validation step (iii).
func (p *V6Parser) resolveEIDRefs() {
	resolve := func(ref bundle.EIDOffsetPair) *eid.Handle {
		scheme := cString(p.b.Dictionary, ref.SchemeOffset)
		ssp := cString(p.b.Dictionary, ref.SSPOffset)
		return eid.Alloc(scheme + ":" + ssp)
	}
	p.b.Destination = resolve(p.b.DestRef)
	p.b.Source = resolve(p.b.SourceRef)
	p.b.ReportTo = resolve(p.b.ReportRef)
	p.b.Custodian = resolve(p.b.CustRef)
}

func cString(dict []byte, offset uint64) string {
	if offset >= uint64(len(dict)) {
		return ""
	}
	end := offset
	for end < uint64(len(dict)) && dict[end] != 0 {
		end++
	}
	return string(dict[offset:end])
}

func (p *V6Parser) beginBlockLoop() {
	p.stage = StageBlockType
}

// crcTrailerLen is the CRC-16/CCITT trailer width v6 appends to a block's
// data when BlockFlagCRCPresent is set. v6's wire format carries no separate
// CRC-kind field (unlike v7's CRCType), so CRC16 is the only kind this path
// verifies.
const crcTrailerLen = 2

// verifyAndStripBlockCRC checks and removes a trailing CRC-16/CCITT from a
// block's data, per spec.md §1's "passing CRC/length checks" requirement.
// Reports false if the block is too short to carry a trailer or the
// checksum doesn't match.
func verifyAndStripBlockCRC(blk *bundle.Block) bool {
	if len(blk.Data) < crcTrailerLen {
		return false
	}
	split := len(blk.Data) - crcTrailerLen
	payload, trailer := blk.Data[:split], blk.Data[split:]
	claimed := uint32(trailer[0])<<8 | uint32(trailer[1])
	ok := bundle.VerifyCRC(bundle.CRC16, payload, claimed)
	if ok {
		blk.CRC = bundle.CRC16
		blk.Data = payload
	}
	return ok
}

func (p *V6Parser) finishBlock() {
	if p.curBlock.Flags&bundle.BlockFlagCRCPresent != 0 && !verifyAndStripBlockCRC(p.curBlock) {
		p.fail(uerrors.InvariantViolation, "block CRC mismatch")
		return
	}
	p.b.Blocks = append(p.b.Blocks, p.curBlock)
	if p.curBlock.Type == bundle.BlockTypePayload {
		p.b.Payload = p.curBlock
	}
	last := p.curBlock.Flags.Last()
	p.curBlock = nil
	p.blockRefCount = 0
	p.blockRefIdx = 0
	p.blockHaveScheme = false
	if last {
		p.stage = StageDone
		return
	}
	p.stage = StageBlockType
}

// ReadByte feeds one wire byte into the state machine. Must not be called
// while a BulkRead is pending; the caller must service it first.
func (p *V6Parser) ReadByte(b byte) Stage {
	if p.stage == StageError || p.stage == StageDone {
		return p.stage
	}
	if p.bulk != nil {
		return p.stage // caller bug: should have serviced the bulk read first
	}
	if p.stage >= StageDestScheme && p.stage <= StageTotalADULen {
		// Every byte past the length field spends the declared primary
		// block length until the block loop begins.
		if p.primaryRemaining == 0 {
			p.fail(uerrors.UnexpectedEnd, "declared primary block length exhausted before end of primary block")
			return p.stage
		}
		p.primaryRemaining--
	}

	switch p.stage {
	case StageVersion:
		if b != 0x06 {
			p.fail(uerrors.UnknownVersion, "expected v6 version byte 0x06")
			return p.stage
		}
		p.enterStage(StageProcFlags)
		return p.stage

	case StageProcFlags:
		return p.readSDNVInto(b, func(v uint64) { p.b.Flags = bundle.ProcFlags(v) }, StageBlockLength)

	case StageBlockLength:
		return p.readSDNVInto(b, func(v uint64) { p.primaryRemaining = int64(v) }, StageDestScheme)

	case StageDestScheme:
		return p.readEIDOffsetScheme(b)
	case StageDestSSP:
		return p.readEIDOffsetSSP(b, StageSourceScheme)
	case StageSourceScheme:
		return p.readEIDOffsetScheme(b)
	case StageSourceSSP:
		return p.readEIDOffsetSSP(b, StageReportScheme)
	case StageReportScheme:
		return p.readEIDOffsetScheme(b)
	case StageReportSSP:
		return p.readEIDOffsetSSP(b, StageCustodianScheme)
	case StageCustodianScheme:
		return p.readEIDOffsetScheme(b)
	case StageCustodianSSP:
		return p.readEIDOffsetSSP(b, StageTimestamp)

	case StageTimestamp:
		return p.readSDNVInto(b, func(v uint64) { p.b.CreationTimestamp = v }, StageSequenceNum)
	case StageSequenceNum:
		return p.readSDNVInto(b, func(v uint64) { p.b.SequenceNumber = v }, StageLifetime)
	case StageLifetime:
		return p.readSDNVInto(b, func(v uint64) { p.b.Lifetime = v }, StageDictLength)

	case StageDictLength:
		return p.readSDNVInto(b, func(v uint64) { p.beginDictBulkRead(v) }, StageDictBytes)
	case StageDictBytes:
		return p.stage // serviced via BulkRead/ResumeAfterBulk only

	case StageFragOffset:
		return p.readSDNVInto(b, func(v uint64) { p.b.FragmentOffset = v }, StageTotalADULen)
	case StageTotalADULen:
		return p.readSDNVInto(b, func(v uint64) { p.b.TotalADULen = v; p.beginBlockLoop() }, StageBlockType)

	case StageBlockType:
		p.curBlock = &bundle.Block{Type: b}
		p.enterStage(StageBlockFlags)
		return p.stage
	case StageBlockFlags:
		return p.readSDNVInto(b, func(v uint64) { p.curBlock.Flags = bundle.BlockFlags(v) }, StageBlockEIDRefCount)
	case StageBlockEIDRefCount:
		return p.readBlockEIDRefCount(b)
	case StageBlockEIDRefPairs:
		return p.readBlockRefPair(b)
	case StageBlockDataLength:
		return p.readSDNVInto(b, func(v uint64) { p.beginBlockDataBulkRead(v) }, StageBlockData)
	case StageBlockData:
		return p.stage // serviced via BulkRead/ResumeAfterBulk only
	}
	p.fail(uerrors.InvariantViolation, "unreachable parser stage")
	return p.stage
}

func (p *V6Parser) nextBlockRefStage() Stage {
	if p.blockRefCount == 0 {
		return StageBlockDataLength
	}
	return StageBlockEIDRefPairs
}

// eidRefPairSize is the charged quota cost per EID-reference pair: two SDNVs,
// each at most 10 bytes wire-encoded, accounted at their decoded-struct size
// rather than their wire size since it is the decoded array that consumes
// memory (spec.md §4.3 "Quota": "EID-ref array" is one of the three things
// BUNDLE_QUOTA must cover).
const eidRefPairSize = 16

// readBlockEIDRefCount decodes the block's EID-reference-pair count and
// charges BUNDLE_QUOTA for the array it is about to allocate before
// allocating it, matching the dictionary and block-data bulk-read paths. It
// does not use readSDNVInto because the next stage depends on the value just
// decoded: evaluating p.nextBlockRefStage() as an ordinary argument would
// read p.blockRefCount before the store callback sets it.
func (p *V6Parser) readBlockEIDRefCount(b byte) Stage {
	switch p.sdnv.ReadByte(b) {
	case sdnv.InProgress:
		return p.stage
	case sdnv.Error:
		p.fail(uerrors.SdnvOverflow, p.sdnv.Err().Error())
		return p.stage
	default:
		v := p.sdnv.Value()
		if v > (^uint64(0))/eidRefPairSize {
			p.fail(uerrors.QuotaExceeded, "bundle exceeds BUNDLE_QUOTA")
			return p.stage
		}
		if !p.chargeQuota(v * eidRefPairSize) {
			return p.stage
		}
		p.blockRefCount = v
		p.blockRefIdx = 0
		p.blockHaveScheme = false
		p.curBlock.EIDRef = make([]bundle.EIDOffsetPair, v)
		p.enterStage(p.nextBlockRefStage())
		return p.stage
	}
}

// readSDNVInto feeds b to the embedded SDNV sub-parser; on Done it invokes
// store with the decoded value and transitions to next.
func (p *V6Parser) readSDNVInto(b byte, store func(uint64), next Stage) Stage {
	switch p.sdnv.ReadByte(b) {
	case sdnv.InProgress:
		return p.stage
	case sdnv.Error:
		p.fail(uerrors.SdnvOverflow, p.sdnv.Err().Error())
		return p.stage
	default: // Done
		store(p.sdnv.Value())
		if p.stage != StageError {
			p.enterStage(next)
		}
		return p.stage
	}
}

func (p *V6Parser) readEIDOffsetScheme(b byte) Stage {
	switch p.sdnv.ReadByte(b) {
	case sdnv.InProgress:
		return p.stage
	case sdnv.Error:
		p.fail(uerrors.SdnvOverflow, p.sdnv.Err().Error())
		return p.stage
	default:
		p.schemeOff = p.sdnv.Value()
		switch p.stage {
		case StageDestScheme:
			p.enterStage(StageDestSSP)
		case StageSourceScheme:
			p.enterStage(StageSourceSSP)
		case StageReportScheme:
			p.enterStage(StageReportSSP)
		case StageCustodianScheme:
			p.enterStage(StageCustodianSSP)
		}
		return p.stage
	}
}

func (p *V6Parser) readEIDOffsetSSP(b byte, next Stage) Stage {
	switch p.sdnv.ReadByte(b) {
	case sdnv.InProgress:
		return p.stage
	case sdnv.Error:
		p.fail(uerrors.SdnvOverflow, p.sdnv.Err().Error())
		return p.stage
	default:
		target := p.refTargets[p.refTargetIdx]
		target.SchemeOffset = p.schemeOff
		target.SSPOffset = p.sdnv.Value()
		p.refTargetIdx++
		p.enterStage(next)
		return p.stage
	}
}

func (p *V6Parser) readBlockRefPair(b byte) Stage {
	switch p.sdnv.ReadByte(b) {
	case sdnv.InProgress:
		return p.stage
	case sdnv.Error:
		p.fail(uerrors.SdnvOverflow, p.sdnv.Err().Error())
		return p.stage
	default:
		if !p.blockHaveScheme {
			p.blockSchemeOff = p.sdnv.Value()
			p.blockHaveScheme = true
			p.sdnv.Reset()
			return p.stage
		}
		p.curBlock.EIDRef[p.blockRefIdx] = bundle.EIDOffsetPair{
			SchemeOffset: p.blockSchemeOff,
			SSPOffset:    p.sdnv.Value(),
		}
		p.blockRefIdx++
		p.blockHaveScheme = false
		if p.blockRefIdx >= int(p.blockRefCount) {
			p.enterStage(StageBlockDataLength)
		} else {
			p.sdnv.Reset()
		}
		return p.stage
	}
}

// Finish validates the completed bundle per spec.md §4.3's "Validation
// before dispatch" and returns it. Called once Stage() == StageDone. On
// failure the bundle's interned EID handles are released and no bundle is
// returned, matching bundle6_parser_send_bundle's "free invalid bundles
// silently, never invoke the callback" behavior.
func (p *V6Parser) Finish() (*bundle.Bundle, error) {
	if p.stage != StageDone {
		return nil, uerrors.NewParseError(uerrors.UnexpectedEnd, "bundle incomplete")
	}
	if err := p.b.Validate(); err != nil {
		p.b.Release()
		return nil, uerrors.NewParseError(uerrors.InvariantViolation, err.Error())
	}
	return p.b, nil
}
