package contact

import (
	"testing"

	"github.com/upcn/agent/internal/eid"
)

func testGS(name string) *GS {
	return &GS{EID: eid.Alloc("dtn://" + name + "/")}
}

func TestNewContactCapacity(t *testing.T) {
	gs := testGS("gs1")
	c := NewContact(gs, 0, 10, 1000)
	if c.TotalCapacity != 10000 {
		t.Fatalf("want 10000, got %d", c.TotalCapacity)
	}
	for p, r := range c.Remaining {
		if r != 10000 {
			t.Fatalf("priority %d remaining want 10000, got %d", p, r)
		}
	}
}

func TestCapacityClamp(t *testing.T) {
	gs := testGS("gs2")
	c := NewContact(gs, 0, 1<<20, 1<<20)
	if c.TotalCapacity != maxCapacity {
		t.Fatalf("want clamp to %d, got %d", maxCapacity, c.TotalCapacity)
	}
}

func TestReserveAndReleaseForPriority(t *testing.T) {
	gs := testGS("gs3")
	c := NewContact(gs, 0, 10, 100) // capacity 1000
	if !c.ReserveForPriority(1, 400) {
		t.Fatal("expected reservation to succeed")
	}
	// Counter 0 is reduced by every bundle; counter 2 only by priority-2
	// traffic, so it still shows what a priority-2 bundle could preempt.
	if c.Remaining[0] != 600 || c.Remaining[1] != 600 || c.Remaining[2] != 1000 {
		t.Fatalf("unexpected remaining after reserve: %v", c.Remaining)
	}
	c.ReleaseForPriority(1, 400)
	if c.Remaining != [NumPriorities]int64{1000, 1000, 1000} {
		t.Fatalf("unexpected remaining after release: %v", c.Remaining)
	}
}

func TestAdjustBitrateDowngradeGoesNegative(t *testing.T) {
	gs := testGS("gs3n")
	c := NewContact(gs, 10, 20, 100) // capacity 1000
	if !c.ReserveForPriority(0, 800) {
		t.Fatal("expected reservation to succeed")
	}
	c.AdjustBitrate(50) // capacity 500, with 800 already committed
	if c.TotalCapacity != 500 {
		t.Fatalf("want total capacity 500, got %d", c.TotalCapacity)
	}
	if c.Remaining[0] != -300 {
		t.Fatalf("want remaining -300 so the router can see the overcommit, got %d", c.Remaining[0])
	}
}

func TestOverlapDetection(t *testing.T) {
	gs := testGS("gs4")
	c1 := NewContact(gs, 0, 10, 100)
	gs.Contacts = append(gs.Contacts, c1)
	if !WouldOverlap(gs, 5, 15) {
		t.Fatal("expected overlap")
	}
	if WouldOverlap(gs, 10, 20) {
		t.Fatal("adjacent (non-overlapping) window flagged as overlap")
	}
}

func TestUnionMergesIdenticalWindow(t *testing.T) {
	gs := testGS("gs5")
	c1 := NewContact(gs, 0, 10, 100)
	gs.Contacts = append(gs.Contacts, c1)

	incoming := NewContact(gs, 0, 10, 200)
	res := Union(gs, []*Contact{incoming})
	if len(res.Modified) != 1 {
		t.Fatalf("want 1 modified, got %d", len(res.Modified))
	}
	if gs.Contacts[0].Bitrate != 200 {
		t.Fatalf("want bitrate replaced to 200, got %d", gs.Contacts[0].Bitrate)
	}
}

func TestUnionRejectsConflictingDuplicate(t *testing.T) {
	gs := testGS("gs6")
	c1 := NewContact(gs, 0, 10, 100)
	gs.Contacts = append(gs.Contacts, c1)

	incoming := NewContact(gs, 0, 20, 200) // same From, different To
	res := Union(gs, []*Contact{incoming})
	if len(res.Rejected) != 1 {
		t.Fatalf("want 1 rejected, got %d", len(res.Rejected))
	}
	if gs.Contacts[0].To != 10 {
		t.Fatal("existing contact should be unchanged")
	}
}

func TestUnionRejectsOverlappingWindow(t *testing.T) {
	gs := testGS("gs6o")
	c1 := NewContact(gs, 0, 10, 100)
	gs.Contacts = append(gs.Contacts, c1)

	incoming := NewContact(gs, 5, 15, 200) // overlaps c1 without matching its From
	res := Union(gs, []*Contact{incoming})
	if len(res.Rejected) != 1 || len(res.Added) != 0 {
		t.Fatalf("want 1 rejected and 0 added, got rejected=%d added=%d", len(res.Rejected), len(res.Added))
	}
	if len(gs.Contacts) != 1 {
		t.Fatalf("overlapping contact must not be inserted, got %d contacts", len(gs.Contacts))
	}
}

func TestUnionRejectsDegenerateWindow(t *testing.T) {
	gs := testGS("gs6d")
	incoming := NewContact(gs, 10, 10, 100) // From == To
	res := Union(gs, []*Contact{incoming})
	if len(res.Rejected) != 1 || len(res.Added) != 0 {
		t.Fatalf("want the degenerate window rejected, got rejected=%d added=%d", len(res.Rejected), len(res.Added))
	}
}

func TestUnionReportsAddedContacts(t *testing.T) {
	gs := testGS("gs6a")
	incoming := NewContact(gs, 0, 10, 100)
	res := Union(gs, []*Contact{incoming})
	if len(res.Added) != 1 || res.Added[0] != incoming {
		t.Fatalf("want the new contact reported as Added, got %+v", res.Added)
	}
}

func TestDifferenceSubtractsEndpointsRegardlessOfListLength(t *testing.T) {
	gs := testGS("gs7e")
	e1, e2, e3 := eid.Alloc("dtn://e1/"), eid.Alloc("dtn://e2/"), eid.Alloc("dtn://e3/")
	c1 := NewContact(gs, 0, 10, 100)
	c1.Endpoints = []Endpoint{{EID: e1}, {EID: e2}, {EID: e3}}
	gs.Contacts = append(gs.Contacts, c1)

	// The removed contact's endpoint list is shorter than the kept
	// contact's, which used to suppress the subtraction entirely; spec.md
	// §4.4 says any non-empty endpoint list on the removed contact always
	// triggers subtraction instead of deletion.
	rm := NewContact(gs, 0, 10, 999)
	rm.Endpoints = []Endpoint{{EID: e1}}
	res := Difference(gs, []*Contact{rm})

	if len(res.Deleted) != 0 || len(res.Modified) != 1 {
		t.Fatalf("expected endpoint-subtraction not deletion, got deleted=%d modified=%d", len(res.Deleted), len(res.Modified))
	}
	if len(gs.Contacts) != 1 || len(gs.Contacts[0].Endpoints) != 2 {
		t.Fatalf("expected e1 subtracted and e2/e3 to remain, got %+v", gs.Contacts[0].Endpoints)
	}
}

func TestUnionThenDifferenceRestoresPlan(t *testing.T) {
	gs := testGS("gs7u")
	orig := NewContact(gs, 0, 10, 100)
	gs.Contacts = append(gs.Contacts, orig)

	batch := []*Contact{NewContact(gs, 20, 30, 200), NewContact(gs, 40, 50, 300)}
	Union(gs, batch)
	if len(gs.Contacts) != 3 {
		t.Fatalf("want 3 contacts after union, got %d", len(gs.Contacts))
	}

	res := Difference(gs, batch)
	if len(res.Deleted) != 2 {
		t.Fatalf("want both unioned contacts deleted, got %d", len(res.Deleted))
	}
	if len(gs.Contacts) != 1 || gs.Contacts[0] != orig {
		t.Fatalf("plan should return to its original single contact, got %+v", gs.Contacts)
	}
}

func TestDifferenceDeletesExactMatch(t *testing.T) {
	gs := testGS("gs7")
	c1 := NewContact(gs, 0, 10, 100)
	gs.Contacts = append(gs.Contacts, c1)

	res := Difference(gs, []*Contact{NewContact(gs, 0, 10, 999)})
	if len(res.Deleted) != 1 || len(gs.Contacts) != 0 {
		t.Fatalf("expected contact to be deleted, got %+v / %d remaining", res, len(gs.Contacts))
	}
}

func TestDifferenceKeepsActiveButMarksInactive(t *testing.T) {
	gs := testGS("gs8")
	c1 := NewContact(gs, 0, 10, 100)
	c1.Active = true
	gs.Contacts = append(gs.Contacts, c1)

	res := Difference(gs, []*Contact{NewContact(gs, 0, 10, 999)})
	if len(res.Deleted) != 0 {
		t.Fatalf("active contact should not be deleted, got %+v", res.Deleted)
	}
	if len(gs.Contacts) != 1 || gs.Contacts[0].Active {
		t.Fatal("active contact should remain in list but be marked inactive")
	}
}
