package bpparser

import (
	"testing"

	"github.com/fxamacker/cbor/v2"

	"github.com/upcn/agent/internal/bundle"
	"github.com/upcn/agent/internal/sdnv"
)

func sdnvBytes(v uint64) []byte {
	buf := make([]byte, sdnv.Size(v))
	sdnv.Write(v, buf)
	return buf
}

func feedWire(t *testing.T, p *Parser, wire []byte) {
	t.Helper()
	i := 0
	for i < len(wire) {
		if bulk := p.Bulk(); bulk != nil {
			n := copy(bulk.Into, wire[i:])
			if n != len(bulk.Into) {
				t.Fatalf("short wire for bulk read: need %d got %d", len(bulk.Into), n)
			}
			i += n
			p.ResumeAfterBulk()
			continue
		}
		p.ReadByte(wire[i])
		i++
		if p.Failed() {
			t.Fatalf("parser failed mid-stream: %v", p.Err())
		}
	}
	if bulk := p.Bulk(); bulk != nil {
		t.Fatalf("wire ended with a pending bulk read of %d bytes", len(bulk.Into))
	}
}

func buildV6Wire() []byte {
	dict := []byte("dtn\x00node2\x00dtn\x00node1\x00dtn\x00node2\x00dtn\x00node1\x00")
	payload := []byte("hello")

	// The primary block tail is built first so the declared block length
	// (which the parser enforces byte for byte) can be written truthfully.
	var tail []byte
	tail = append(tail, sdnvBytes(0)...)    // dest scheme offset
	tail = append(tail, sdnvBytes(4)...)    // dest ssp offset
	tail = append(tail, sdnvBytes(10)...)   // source scheme offset
	tail = append(tail, sdnvBytes(14)...)   // source ssp offset
	tail = append(tail, sdnvBytes(20)...)   // report-to scheme offset
	tail = append(tail, sdnvBytes(24)...)   // report-to ssp offset
	tail = append(tail, sdnvBytes(30)...)   // custodian scheme offset
	tail = append(tail, sdnvBytes(34)...)   // custodian ssp offset
	tail = append(tail, sdnvBytes(1000)...) // creation timestamp
	tail = append(tail, sdnvBytes(1)...)    // sequence number
	tail = append(tail, sdnvBytes(3600)...) // lifetime
	tail = append(tail, sdnvBytes(uint64(len(dict)))...)
	tail = append(tail, dict...)
	// not fragmented: no frag-offset/total-ADU-length fields

	var wire []byte
	wire = append(wire, 0x06)
	wire = append(wire, sdnvBytes(0)...) // proc flags
	wire = append(wire, sdnvBytes(uint64(len(tail)))...)
	wire = append(wire, tail...)
	wire = append(wire, 1)               // block type: payload
	wire = append(wire, sdnvBytes(1)...) // block flags: last-block
	wire = append(wire, sdnvBytes(0)...) // EID-ref count: 0
	wire = append(wire, sdnvBytes(uint64(len(payload)))...)
	wire = append(wire, payload...)
	return wire
}

func TestV6ParserHappyPath(t *testing.T) {
	p := NewParser(1 << 20)
	feedWire(t, p, buildV6Wire())

	if !p.Done() || p.Failed() {
		t.Fatalf("expected a completed parse, done=%v failed=%v err=%v", p.Done(), p.Failed(), p.Err())
	}
	b, err := p.Finish()
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	if b.Source.String() != "dtn:node1" || b.Destination.String() != "dtn:node2" {
		t.Fatalf("unexpected EIDs: src=%s dest=%s", b.Source, b.Destination)
	}
	if string(b.Payload.Data) != "hello" {
		t.Fatalf("unexpected payload: %q", b.Payload.Data)
	}
	b.Release()
}

func TestV6ParserRejectsWrongVersionByte(t *testing.T) {
	p := NewParser(1 << 20)
	p.ReadByte(0x05)
	if !p.Failed() {
		t.Fatal("expected UnknownVersion failure")
	}
}

func TestV6ParserResetReusable(t *testing.T) {
	p := NewParser(1 << 20)
	feedWire(t, p, buildV6Wire())
	b, err := p.Finish()
	if err != nil {
		t.Fatalf("first parse failed: %v", err)
	}
	b.Release()

	p.Reset()
	feedWire(t, p, buildV6Wire())
	b2, err := p.Finish()
	if err != nil {
		t.Fatalf("second parse after Reset failed: %v", err)
	}
	b2.Release()
}

func TestV6ParserQuotaExceeded(t *testing.T) {
	p := NewParser(4) // far too small for any real dictionary
	wire := buildV6Wire()
	i := 0
	for i < len(wire) {
		if bulk := p.Bulk(); bulk != nil {
			copy(bulk.Into, wire[i:])
			i += len(bulk.Into)
			p.ResumeAfterBulk()
			continue
		}
		p.ReadByte(wire[i])
		i++
		if p.Failed() {
			break
		}
	}
	if !p.Failed() {
		t.Fatal("expected QuotaExceeded failure")
	}
}

func TestV6ParserRejectsFieldWidthOverflow(t *testing.T) {
	// The destination scheme offset decodes at 16-bit width
	// (sdnv_read_u16 in the original); a wire value needing more must
	// raise SdnvOverflow rather than being accepted silently.
	var wire []byte
	wire = append(wire, 0x06)
	wire = append(wire, sdnvBytes(0)...)       // proc flags
	wire = append(wire, sdnvBytes(64)...)      // primary block length (ample)
	wire = append(wire, sdnvBytes(1<<20)...)   // dest scheme offset: > 16 bits
	p := NewParser(1 << 20)
	for _, b := range wire {
		p.ReadByte(b)
		if p.Failed() {
			return
		}
	}
	t.Fatal("expected SdnvOverflow for a 16-bit field carrying a 21-bit value")
}

func TestV6ParserPrimaryLengthExhausted(t *testing.T) {
	// Declare a primary block length far shorter than the actual field
	// sequence; the parser must fail with UnexpectedEnd once the budget
	// runs out, not parse through to the end.
	wire := buildV6Wire()
	// wire[0] = version, wire[1] = proc flags (one byte), wire[2] = the
	// declared length SDNV (one byte for this wire's sizes).
	wire[2] = 3
	p := NewParser(1 << 20)
	i := 0
	for i < len(wire) {
		if bulk := p.Bulk(); bulk != nil {
			i += copy(bulk.Into, wire[i:])
			p.ResumeAfterBulk()
			continue
		}
		p.ReadByte(wire[i])
		i++
		if p.Failed() {
			return
		}
	}
	t.Fatal("expected UnexpectedEnd when the declared primary block length is exhausted")
}

func buildV7Wire(t *testing.T) []byte {
	t.Helper()
	type wireEID struct {
		_      struct{} `cbor:",toarray"`
		Scheme string
		SSP    string
	}
	type wirePrimary struct {
		_                 struct{} `cbor:",toarray"`
		Version           uint8
		Flags             uint64
		CRCType           uint8
		Dest              wireEID
		Source            wireEID
		ReportTo          wireEID
		CreationTimestamp [2]uint64
		Lifetime          uint64
	}
	type wireBlock struct {
		_       struct{} `cbor:",toarray"`
		Type    uint8
		Number  uint64
		Flags   uint64
		CRCType uint8
		Data    []byte
	}

	primary := wirePrimary{
		Version:           7,
		Dest:              wireEID{Scheme: "dtn", SSP: "node2"},
		Source:            wireEID{Scheme: "dtn", SSP: "node1"},
		ReportTo:          wireEID{Scheme: "dtn", SSP: "node1"},
		CreationTimestamp: [2]uint64{1000, 1},
		Lifetime:          3600,
	}
	payload := wireBlock{Type: 1, Number: 1, Flags: 1, Data: []byte("hello v7")}

	primaryRaw, err := cbor.Marshal(primary)
	if err != nil {
		t.Fatalf("marshal primary: %v", err)
	}
	blockRaw, err := cbor.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal block: %v", err)
	}
	// Hand-assemble a CBOR indefinite-length array (0x9f ... 0xff) rather
	// than a definite-length one, so the wire's first byte matches the
	// 0x9f dispatch byte spec.md §4.3 names for v7.
	wire := []byte{0x9f}
	wire = append(wire, primaryRaw...)
	wire = append(wire, blockRaw...)
	wire = append(wire, 0xff)
	return wire
}

func TestV7ParserHappyPath(t *testing.T) {
	wire := buildV7Wire(t)
	p := NewParser(1 << 20)
	for _, b := range wire {
		p.ReadByte(b)
		if p.Failed() {
			t.Fatalf("parser failed mid-stream: %v", p.Err())
		}
	}
	if !p.Done() {
		t.Fatal("expected parser to be done after full v7 wire")
	}
	b, err := p.Finish()
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	if string(b.Payload.Data) != "hello v7" {
		t.Fatalf("unexpected payload: %q", b.Payload.Data)
	}
	b.Release()
}

// buildV7FragmentWire builds a fragmented, CRC-16-bearing v7 primary block
// by hand-assembling the positional CBOR array rather than the fixed
// wirePrimary struct buildV7Wire uses, since a fragmented/CRC-bearing
// primary carries more positional elements than that fixed shape has room
// for.
func buildV7FragmentWire(t *testing.T, fragOffset, totalADULen uint64) []byte {
	t.Helper()
	type wireEID struct {
		_      struct{} `cbor:",toarray"`
		Scheme string
		SSP    string
	}
	const flagFragment = 1

	dest := wireEID{Scheme: "dtn", SSP: "node2"}
	src := wireEID{Scheme: "dtn", SSP: "node1"}
	reportTo := wireEID{Scheme: "dtn", SSP: "node1"}

	primaryItems := []any{
		uint8(7), uint64(flagFragment), uint8(0),
		dest, src, reportTo,
		[2]uint64{1000, 1}, uint64(3600),
		fragOffset, totalADULen,
	}
	primaryRaw, err := cbor.Marshal(primaryItems)
	if err != nil {
		t.Fatalf("marshal primary: %v", err)
	}

	type wireBlock struct {
		_       struct{} `cbor:",toarray"`
		Type    uint8
		Number  uint64
		Flags   uint64
		CRCType uint8
		Data    []byte
	}
	payload := wireBlock{Type: 1, Number: 1, Flags: 1, Data: []byte("partial")}
	blockRaw, err := cbor.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal block: %v", err)
	}

	wire := []byte{0x9f}
	wire = append(wire, primaryRaw...)
	wire = append(wire, blockRaw...)
	wire = append(wire, 0xff)
	return wire
}

func TestV7ParserPopulatesFragmentFields(t *testing.T) {
	wire := buildV7FragmentWire(t, 10, 100)
	p := NewParser(1 << 20)
	for _, b := range wire {
		p.ReadByte(b)
		if p.Failed() {
			t.Fatalf("parser failed mid-stream: %v", p.Err())
		}
	}
	if !p.Done() {
		t.Fatal("expected parser to be done after full fragmented v7 wire")
	}
	b, err := p.Finish()
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	if b.FragmentOffset != 10 || b.TotalADULen != 100 {
		t.Fatalf("expected FragmentOffset=10 TotalADULen=100, got %d/%d", b.FragmentOffset, b.TotalADULen)
	}
	b.Release()
}

// buildV7CRCBlockWire builds a single-block v7 bundle whose extension block
// declares CRC-16 and carries a correct (or, if corrupt is true,
// deliberately wrong) trailing CRC value, to exercise decodeBlock's CRC
// verification path.
func buildV7CRCBlockWire(t *testing.T, corrupt bool) []byte {
	t.Helper()
	type wireEID struct {
		_      struct{} `cbor:",toarray"`
		Scheme string
		SSP    string
	}
	type wirePrimary struct {
		_                 struct{} `cbor:",toarray"`
		Version           uint8
		Flags             uint64
		CRCType           uint8
		Dest              wireEID
		Source            wireEID
		ReportTo          wireEID
		CreationTimestamp [2]uint64
		Lifetime          uint64
	}
	primary := wirePrimary{
		Version:           7,
		Dest:              wireEID{Scheme: "dtn", SSP: "node2"},
		Source:            wireEID{Scheme: "dtn", SSP: "node1"},
		ReportTo:          wireEID{Scheme: "dtn", SSP: "node1"},
		CreationTimestamp: [2]uint64{1000, 1},
		Lifetime:          3600,
	}
	primaryRaw, err := cbor.Marshal(primary)
	if err != nil {
		t.Fatalf("marshal primary: %v", err)
	}

	fixed := []any{uint8(1), uint64(1), uint64(1), uint8(1), []byte("hello v7")}
	var sum []byte
	for _, f := range fixed {
		b, err := cbor.Marshal(f)
		if err != nil {
			t.Fatalf("marshal fixed field: %v", err)
		}
		sum = append(sum, b...)
	}
	claimed := bundle.ComputeCRC(bundle.CRC16, sum)
	if corrupt {
		claimed ^= 1
	}
	crcBytes := []byte{byte(claimed >> 8), byte(claimed)}

	blockItems := append(append([]any{}, fixed...), crcBytes)
	blockRaw, err := cbor.Marshal(blockItems)
	if err != nil {
		t.Fatalf("marshal block: %v", err)
	}

	wire := []byte{0x9f}
	wire = append(wire, primaryRaw...)
	wire = append(wire, blockRaw...)
	wire = append(wire, 0xff)
	return wire
}

func TestV7ParserVerifiesBlockCRC(t *testing.T) {
	wire := buildV7CRCBlockWire(t, false)
	p := NewParser(1 << 20)
	for _, b := range wire {
		p.ReadByte(b)
		if p.Failed() {
			t.Fatalf("parser failed mid-stream: %v", p.Err())
		}
	}
	b, err := p.Finish()
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	b.Release()
}

func TestV7ParserRejectsCorruptBlockCRC(t *testing.T) {
	wire := buildV7CRCBlockWire(t, true)
	p := NewParser(1 << 20)
	for _, b := range wire {
		p.ReadByte(b)
		if p.Failed() {
			return
		}
	}
	if !p.Failed() {
		t.Fatal("expected a CRC-mismatch failure")
	}
}
