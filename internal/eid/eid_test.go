package eid

import "testing"

func TestAllocInterns(t *testing.T) {
	a := Alloc("dtn://node1/mail")
	b := Alloc("dtn://node1/mail")
	if a != b {
		t.Fatal("expected identical handle for identical EID string")
	}
	if RefCount(a) != 2 {
		t.Fatalf("want refcount 2, got %d", RefCount(a))
	}
	Free(a)
	Free(b)
}

func TestFreeReleasesEntry(t *testing.T) {
	before := Interned()
	h := Alloc("dtn://node2/ctrl")
	if Interned() != before+1 {
		t.Fatalf("want %d interned, got %d", before+1, Interned())
	}
	Free(h)
	if Interned() != before {
		t.Fatalf("want %d interned after free, got %d", before, Interned())
	}
}

func TestFreeNilIsNoOp(t *testing.T) {
	Free(nil)
}

func TestDistinctValuesDistinctHandles(t *testing.T) {
	a := Alloc("dtn://a/x")
	b := Alloc("dtn://b/x")
	if a == b {
		t.Fatal("different EID strings must not share a handle")
	}
	Free(a)
	Free(b)
}
