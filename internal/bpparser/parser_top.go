package bpparser

import (
	"github.com/upcn/agent/internal/bundle"
	"github.com/upcn/agent/internal/uerrors"
)

// Parser is the single logical entry point spec.md §4.3 describes:
// "externally, these appear as one logical parser selected by the first
// byte of input (0x06 -> v6; 0x9f CBOR indefinite array -> v7)".
type Parser struct {
	quotaMax uint64
	started  bool
	isV7     bool
	v6       *V6Parser
	v7       *V7Parser
}

// NewParser returns a Parser ready to decode one bundle, bounded by
// quotaMax bytes of dictionary/block-data/EID-ref allocation.
func NewParser(quotaMax uint64) *Parser {
	return &Parser{quotaMax: quotaMax}
}

// Reset returns the parser to its pre-dispatch state, ready for a new
// bundle's first byte.
func (p *Parser) Reset() {
	p.started = false
	p.isV7 = false
	if p.v6 != nil {
		p.v6.Reset()
	}
	if p.v7 != nil {
		p.v7.Reset()
	}
}

// Done reports whether a complete bundle (or a terminal error) has been
// reached.
func (p *Parser) Done() bool {
	if !p.started {
		return false
	}
	if p.isV7 {
		return p.v7.Stage() != Stage7InProgress
	}
	return p.v6.Stage() == StageDone || p.v6.Stage() == StageError
}

// Failed reports whether the parser reached a terminal error state.
func (p *Parser) Failed() bool {
	if !p.started {
		return false
	}
	if p.isV7 {
		return p.v7.Stage() == Stage7Error
	}
	return p.v6.Stage() == StageError
}

// Err returns the terminal error, if Failed().
func (p *Parser) Err() error {
	if p.isV7 {
		return p.v7.Err()
	}
	return p.v6.Err()
}

// Bulk returns the v6 branch's pending bulk-read request, or nil. The v7
// branch never escapes to a bulk read (see v7.go's doc comment).
func (p *Parser) Bulk() *BulkRead {
	if p.isV7 || p.v6 == nil {
		return nil
	}
	return p.v6.Bulk()
}

// ResumeAfterBulk services a pending v6 bulk read.
func (p *Parser) ResumeAfterBulk() {
	if !p.isV7 && p.v6 != nil {
		p.v6.ResumeAfterBulk()
	}
}

// ReadByte feeds one wire byte, dispatching to the v6 or v7 branch on the
// very first byte of a bundle.
func (p *Parser) ReadByte(b byte) {
	if !p.started {
		p.started = true
		switch {
		case b == 0x06:
			p.isV7 = false
			p.v6 = NewV6Parser(p.quotaMax)
			p.v6.ReadByte(b)
			return
		case b == 0x9f:
			p.isV7 = true
			p.v7 = NewV7Parser(p.quotaMax)
			p.v7.ReadByte(b)
			return
		default:
			p.isV7 = false
			p.v6 = NewV6Parser(p.quotaMax)
			p.v6.fail(uerrors.UnknownVersion, "unrecognized first byte, neither v6 (0x06) nor v7 (0x9f)")
			return
		}
	}
	if p.isV7 {
		p.v7.ReadByte(b)
	} else {
		p.v6.ReadByte(b)
	}
}

// Finish validates and returns the completed bundle.
func (p *Parser) Finish() (*bundle.Bundle, error) {
	if p.isV7 {
		return p.v7.Finish()
	}
	return p.v6.Finish()
}
