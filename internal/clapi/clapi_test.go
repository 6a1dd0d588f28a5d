package clapi

import (
	"testing"

	"github.com/upcn/agent/internal/routertask"
)

func TestOpcodeMapping(t *testing.T) {
	cases := []struct {
		op   Opcode
		want routertask.CommandOpcode
	}{
		{OpcodeAdd, routertask.OpAdd},
		{OpcodeUpdate, routertask.OpUpdate},
		{OpcodeDelete, routertask.OpDelete},
		{OpcodeQuery, routertask.OpQuery},
	}
	for _, c := range cases {
		got, err := c.op.ToCommandOpcode()
		if err != nil {
			t.Fatalf("opcode 0x%02x: unexpected error: %v", byte(c.op), err)
		}
		if got != c.want {
			t.Fatalf("opcode 0x%02x: got %v want %v", byte(c.op), got, c.want)
		}
	}
}

func TestOpcodeMappingUnknown(t *testing.T) {
	if _, err := Opcode(0xFF).ToCommandOpcode(); err == nil {
		t.Fatal("expected error for unknown opcode")
	}
}

func TestContactEventRoundTrip(t *testing.T) {
	for _, started := range []bool{true, false} {
		frame := EncodeContactEvent(started, "dtn://gs1")
		gotStarted, gotEID, err := DecodeContactEvent(frame)
		if err != nil {
			t.Fatalf("DecodeContactEvent: %v", err)
		}
		if gotStarted != started || gotEID != "dtn://gs1" {
			t.Fatalf("round trip mismatch: got (%v,%q) want (%v,%q)", gotStarted, gotEID, started, "dtn://gs1")
		}
	}
}

func TestJSONCommandDecoderAdd(t *testing.T) {
	wire := []byte(`{"opcode":49,"gs_eid":"dtn://gs1/","cla_kind":"tcpcl","cla_address":"10.0.0.1:4556","contacts":[{"from":1,"to":5,"bitrate":400}]}`)
	cmd, err := JSONCommandDecoder{}.Decode(wire)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cmd.Opcode != routertask.OpAdd || cmd.GSEID != "dtn://gs1/" || cmd.CLAKind != "tcpcl" {
		t.Fatalf("unexpected command: %+v", cmd)
	}
	if len(cmd.Contacts) != 1 || cmd.Contacts[0].From != 1 || cmd.Contacts[0].To != 5 {
		t.Fatalf("unexpected contacts: %+v", cmd.Contacts)
	}
}

func TestJSONCommandDecoderUnknownOpcode(t *testing.T) {
	if _, err := (JSONCommandDecoder{}).Decode([]byte(`{"opcode":9,"gs_eid":"dtn://gs1/"}`)); err == nil {
		t.Fatal("expected error for unknown opcode")
	}
}

func TestJSONCommandDecoderMalformed(t *testing.T) {
	if _, err := (JSONCommandDecoder{}).Decode([]byte(`not json`)); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}

func TestDecodeContactEventMalformed(t *testing.T) {
	if _, _, err := DecodeContactEvent(nil); err == nil {
		t.Fatal("expected error on empty payload")
	}
	if _, _, err := DecodeContactEvent([]byte{0x02, 'a', 0}); err == nil {
		t.Fatal("expected error on unknown flag byte")
	}
	if _, _, err := DecodeContactEvent([]byte{0x01, 'a', 'b', 'c'}); err == nil {
		t.Fatal("expected error on missing NUL terminator")
	}
}
