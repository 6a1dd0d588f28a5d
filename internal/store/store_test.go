package store

import "testing"

func openTemp(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestPutGetRoundTrip(t *testing.T) {
	c := openTemp(t)
	rec := Record{ID: "bid1:0", Destination: "dtn://dst", Priority: 1, Size: 500, Expiration: 1000}
	if err := c.Put(rec); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, ok, err := c.Get("bid1:0")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got != rec {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, rec)
	}
}

func TestGetMissing(t *testing.T) {
	c := openTemp(t)
	_, ok, err := c.Get("nope")
	if err != nil || ok {
		t.Fatalf("expected absent record, got ok=%v err=%v", ok, err)
	}
}

func TestDelete(t *testing.T) {
	c := openTemp(t)
	c.Put(Record{ID: "x", Expiration: 1})
	if err := c.Delete("x"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := c.Get("x"); ok {
		t.Fatal("expected record gone after Delete")
	}
	if err := c.Delete("x"); err != nil {
		t.Fatalf("Delete of already-absent id should not error: %v", err)
	}
}

func TestExpiredBefore(t *testing.T) {
	c := openTemp(t)
	c.Put(Record{ID: "a", Expiration: 100})
	c.Put(Record{ID: "b", Expiration: 200})
	c.Put(Record{ID: "c", Expiration: 300})

	expired, err := c.ExpiredBefore(200)
	if err != nil {
		t.Fatalf("ExpiredBefore: %v", err)
	}
	if len(expired) != 2 {
		t.Fatalf("expected 2 expired records at cutoff 200, got %d", len(expired))
	}
}

func TestAllAndLen(t *testing.T) {
	c := openTemp(t)
	c.Put(Record{ID: "a", Expiration: 1})
	c.Put(Record{ID: "b", Expiration: 2})

	all, err := c.All()
	if err != nil || len(all) != 2 {
		t.Fatalf("All: len=%d err=%v", len(all), err)
	}
	n, err := c.Len()
	if err != nil || n != 2 {
		t.Fatalf("Len: n=%d err=%v", n, err)
	}
}
