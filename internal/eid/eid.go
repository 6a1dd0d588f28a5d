// Package eid interns Endpoint Identifier strings behind refcounted handles.
// Every bundle field that names an EID (destination, source, report-to,
// custodian, previous node) holds a *Handle instead of a string, so that
// two bundles naming the same node share one allocation. A v6 block's EID
// references stay dictionary offset pairs and are not interned.
//
// Grounded on _examples/original_source/components/upcn/src/eidManager.c:
// a hash table keyed by the EID string guards the canonical allocation and
// its refcount, with a small pointer-keyed cache (ptr_lookup_table) in front
// of it so that repeated lookups of an already-resolved EID skip the table
// lookup. The Go rendition below keeps both layers: table is the map of
// record, cache is a fixed-size hash-bucket fast path guarded by the same
// mutex (the original uses one semaphore across both structures).
package eid

import (
	"sync"

	"github.com/upcn/agent/internal/uid"
)

// Handle is a refcounted, interned EID string. Two Alloc calls for the same
// value return the same *Handle; comparing handles by pointer is equivalent
// to comparing the underlying strings.
type Handle struct {
	value string
	refs  int32
}

// String returns the EID text. Safe to call without holding the handle's
// refcount lock; value is immutable for the handle's lifetime.
func (h *Handle) String() string { return h.value }

const cacheSlots = 256 // power of two, mirrors EIDMGR_PLOOKUP_SLOT_COUNT

var (
	mu    sync.Mutex
	table = make(map[string]*Handle)
	cache [cacheSlots]*Handle
)

func cacheSlot(value string) int {
	return int(uid.Hash64S(value) & (cacheSlots - 1))
}

// Alloc returns the canonical handle for value, allocating it on first use
// and incrementing its refcount on every use thereafter. Callers that retain
// a handle beyond the scope that produced it (e.g. storing it in a bundle
// that outlives the parser) must eventually call Free.
func Alloc(value string) *Handle {
	mu.Lock()
	defer mu.Unlock()

	slot := cacheSlot(value)
	if h := cache[slot]; h != nil && h.value == value {
		h.refs++
		return h
	}

	h, ok := table[value]
	if !ok {
		h = &Handle{value: value}
		table[value] = h
	}
	h.refs++
	cache[slot] = h
	return h
}

// Free decrements h's refcount, releasing the canonical entry and evicting
// any cache slot pointing at it once the count reaches zero. Freeing a nil
// handle is a no-op, matching the original's tolerance for an unset EID
// reference.
func Free(h *Handle) {
	if h == nil {
		return
	}
	mu.Lock()
	defer mu.Unlock()

	h.refs--
	if h.refs > 0 {
		return
	}
	delete(table, h.value)
	slot := cacheSlot(h.value)
	if cache[slot] == h {
		cache[slot] = nil
	}
}

// RefCount reports h's current refcount. Exposed for tests and diagnostics
// only; production code has no business branching on it.
func RefCount(h *Handle) int32 {
	mu.Lock()
	defer mu.Unlock()
	return h.refs
}

// Interned reports how many distinct EID strings are currently live. Used by
// the diagnostic snapshot and the interned-EID gauge.
func Interned() int {
	mu.Lock()
	defer mu.Unlock()
	return len(table)
}
