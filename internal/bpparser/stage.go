// Package bpparser implements the streaming Bundle Protocol parser: a single
// per-byte state machine (v6) plus a CBOR-framed decoder (v7) behind one
// logical Parser dispatched on the first input byte, per spec.md §4.3.
// Grounded throughout on
// _examples/original_source/components/bundle6/src/parser.c.
package bpparser

// Stage enumerates the v6 primary-block and block-loop parser states, in
// the exact order spec.md §4.3 lists them.
type Stage int

const (
	StageVersion Stage = iota
	StageProcFlags
	StageBlockLength

	StageDestScheme
	StageDestSSP
	StageSourceScheme
	StageSourceSSP
	StageReportScheme
	StageReportSSP
	StageCustodianScheme
	StageCustodianSSP

	StageTimestamp
	StageSequenceNum
	StageLifetime

	StageDictLength
	StageDictBytes

	StageFragOffset
	StageTotalADULen

	// Block loop, repeats until a block with the "last block" flag is seen.
	StageBlockType
	StageBlockFlags
	StageBlockEIDRefCount
	StageBlockEIDRefPairs
	StageBlockDataLength
	StageBlockData

	StageDone
	StageError
)
