package router

import (
	"testing"

	"github.com/upcn/agent/internal/bundle"
	"github.com/upcn/agent/internal/contact"
	"github.com/upcn/agent/internal/eid"
	"github.com/upcn/agent/internal/routing"
)

func smallBundle(dest *eid.Handle, size int) *bundle.Bundle {
	payload := &bundle.Block{Type: bundle.BlockTypePayload, Flags: bundle.BlockFlagLast, Data: make([]byte, size)}
	return &bundle.Bundle{
		Version:     bundle.V7,
		Destination: dest,
		Source:      eid.Alloc("dtn://src/"),
		ReportTo:    eid.Alloc("dtn://src/"),
		Blocks:      []*bundle.Block{payload},
		Payload:     payload,
	}
}

func TestRouteBundleNoRoute(t *testing.T) {
	tbl := routing.New()
	dest := eid.Alloc("dtn://nowhere/")
	defer eid.Free(dest)

	_, err := RouteBundle(tbl, DefaultConfig(), smallBundle(dest, 10))
	if err == nil {
		t.Fatal("expected NoRoute error")
	}
}

func TestRouteBundleDeterministicSingleContact(t *testing.T) {
	tbl := routing.New()
	dest := eid.Alloc("dtn://dest/")
	defer eid.Free(dest)

	gs := &contact.GS{EID: eid.Alloc("dtn://gs/")}
	tbl.AddGS(gs)
	c := contact.NewContact(gs, 0, 100, 1000) // capacity 100000
	tbl.MergeContacts(gs, []*contact.Contact{c})
	tbl.AddEndpoint(dest, c, 0.999)

	b := smallBundle(dest, 500)
	res, err := RouteBundle(tbl, DefaultConfig(), b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Fragments) != 1 || len(res.Fragments[0].Contacts) != 1 {
		t.Fatalf("expected single fragment/single contact, got %+v", res)
	}

	refs, err := Commit(DefaultConfig(), res, "store-1", 0)
	if err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if len(refs) != 1 {
		t.Fatalf("want 1 routed ref, got %d", len(refs))
	}
	if want := 100000 - int64(b.SerializedSize()); c.Remaining[0] != want {
		t.Fatalf("want remaining capacity %d, got %d", want, c.Remaining[0])
	}
}

func TestRouteBundleFragmentsAcrossContacts(t *testing.T) {
	tbl := routing.New()
	dest := eid.Alloc("dtn://far/")
	defer eid.Free(dest)

	gs := &contact.GS{EID: eid.Alloc("dtn://gsFrag/")}
	tbl.AddGS(gs)
	cA := contact.NewContact(gs, 1, 2, 400)  // capacity 400
	cB := contact.NewContact(gs, 3, 5, 400)  // capacity 800
	tbl.MergeContacts(gs, []*contact.Contact{cA, cB})
	tbl.AddEndpoint(dest, cA, 0.999)
	tbl.AddEndpoint(dest, cB, 0.999)

	b := smallBundle(dest, 1000) // exceeds either single contact
	res, err := RouteBundle(tbl, DefaultConfig(), b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Fragments) < 2 {
		t.Fatalf("expected fragmentation across contacts, got %d fragments", len(res.Fragments))
	}
	var total uint64
	firstMin := int64(b.FirstFragmentMinSize())
	for i, f := range res.Fragments {
		total += f.Length
		if f.Size < int64(f.Length) {
			t.Fatalf("fragment %d: serialized size %d below payload length %d", i, f.Size, f.Length)
		}
		if i == 0 && f.Size != int64(f.Length)+firstMin {
			t.Fatalf("first fragment: size %d != payload %d + min %d", f.Size, f.Length, firstMin)
		}
	}
	if total != b.PayloadLen() {
		t.Fatalf("fragment payload lengths sum to %d, want %d", total, b.PayloadLen())
	}
	want := res.Fragments[0].Probability
	for _, f := range res.Fragments[1:] {
		want *= f.Probability
	}
	if res.Probability != want {
		t.Fatalf("aggregate probability %f is not the product of per-fragment values %f", res.Probability, want)
	}
}

func TestRouteBundleMustNotFragmentTooLarge(t *testing.T) {
	tbl := routing.New()
	dest := eid.Alloc("dtn://strict/")
	defer eid.Free(dest)

	gs := &contact.GS{EID: eid.Alloc("dtn://gsStrict/")}
	tbl.AddGS(gs)
	c := contact.NewContact(gs, 0, 10, 20) // capacity 200
	tbl.MergeContacts(gs, []*contact.Contact{c})
	tbl.AddEndpoint(dest, c, 0.999)

	b := smallBundle(dest, 1000)
	b.Flags |= bundle.FlagMustNotFragment
	_, err := RouteBundle(tbl, DefaultConfig(), b)
	if err == nil {
		t.Fatal("expected NoTimelyContacts for an oversized must-not-fragment bundle")
	}
}

func TestRouteBundleOpportunisticAccumulates(t *testing.T) {
	tbl := routing.New()
	dest := eid.Alloc("dtn://dest2/")
	defer eid.Free(dest)

	gs1 := &contact.GS{EID: eid.Alloc("dtn://gsA/")}
	gs2 := &contact.GS{EID: eid.Alloc("dtn://gsB/")}
	tbl.AddGS(gs1)
	tbl.AddGS(gs2)
	c1 := contact.NewContact(gs1, 0, 10, 1000)
	c2 := contact.NewContact(gs2, 0, 10, 1000)
	tbl.MergeContacts(gs1, []*contact.Contact{c1})
	tbl.MergeContacts(gs2, []*contact.Contact{c2})
	tbl.AddEndpoint(dest, c1, 0.5)
	tbl.AddEndpoint(dest, c2, 0.5)

	res, err := RouteBundle(tbl, DefaultConfig(), smallBundle(dest, 100))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Fragments[0].Contacts) < 2 {
		t.Fatalf("expected accumulation of multiple opportunistic contacts, got %+v", res.Fragments[0].Contacts)
	}
	if res.Probability < DefaultConfig().MinProbability {
		t.Fatalf("combined probability %f below MinProbability", res.Probability)
	}
}

func TestRouteBundlePriorityAdmissionAndPreemptionHint(t *testing.T) {
	tbl := routing.New()
	dest := eid.Alloc("dtn://prio-dst/")
	defer eid.Free(dest)

	gs := &contact.GS{EID: eid.Alloc("dtn://prio-gs/")}
	tbl.AddGS(gs)
	full := contact.NewContact(gs, 0, 10, 1000)  // capacity 10000
	open := contact.NewContact(gs, 20, 30, 1000) // capacity 10000
	tbl.MergeContacts(gs, []*contact.Contact{full, open})
	tbl.AddEndpoint(dest, full, 0.999)
	tbl.AddEndpoint(dest, open, 0.999)

	// Priority-0 traffic exhausts the first contact's admission counter
	// while leaving its higher-priority counters untouched.
	if !full.ReserveForPriority(0, 9990) {
		t.Fatal("setup reservation failed")
	}

	b := smallBundle(dest, 500)
	b.Flags |= 2 << bundle.PriorityShift
	res, err := RouteBundle(tbl, DefaultConfig(), b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Fragments) != 1 || res.Fragments[0].Contacts[0] != open {
		t.Fatalf("expected the bundle seated on the open contact, got %+v", res)
	}
	if !res.PreemptionHint {
		t.Fatal("expected the full-at-admission contact to raise the preemption hint")
	}

	refs, err := Commit(DefaultConfig(), res, "store-p", b.Flags.Priority())
	if err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if len(refs) != 1 {
		t.Fatalf("want 1 routed ref, got %d", len(refs))
	}
	size := int64(b.SerializedSize())
	for p := 0; p < contact.NumPriorities; p++ {
		if open.Remaining[p] != open.TotalCapacity-size {
			t.Fatalf("priority-2 commit must reduce counters 0..2, got %v", open.Remaining)
		}
	}
}

func TestRouteBundleFallsBackToDefaultGateway(t *testing.T) {
	tbl := routing.New()
	dest := eid.Alloc("dtn://unmapped/")
	defer eid.Free(dest)

	gw := &contact.GS{EID: eid.Alloc("dtn://gw/"), DefaultGateway: true}
	tbl.AddGS(gw)
	c := contact.NewContact(gw, 0, 100, 1000)
	tbl.MergeContacts(gw, []*contact.Contact{c})

	res, err := RouteBundle(tbl, DefaultConfig(), smallBundle(dest, 100))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Fragments) != 1 || res.Fragments[0].Contacts[0] != c {
		t.Fatalf("expected the default gateway's contact, got %+v", res)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	bad := cfg
	bad.PriorityWeights = [3]float64{0.1, 0.1, 0.1}
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error for priority weights not summing to 1.0")
	}
}
