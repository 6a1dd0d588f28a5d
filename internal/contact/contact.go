// Package contact implements the Ground Station and Contact models and the
// contact-list algebra (union, difference, overlap checking, capacity
// accounting) that the routing table and router build on. Grounded on
// spec.md §3 "DATA MODEL" and §4.4, and on
// _examples/original_source/components/upcn/src/contactManager.c for the
// capacity-accounting details the spec describes only abstractly.
package contact

import (
	"sort"

	"github.com/upcn/agent/internal/eid"
)

const maxCapacity = (1 << 31) - 1

// NumPriorities is the number of routing priority classes (spec.md §3:
// "three remaining-capacity counters, one per routing priority class").
const NumPriorities = 3

// Endpoint is one EID reachable through a GS or a specific contact, with the
// per-hop probability of successful delivery via that path.
type Endpoint struct {
	EID         *eid.Handle
	Probability float64
}

// GS is a Ground Station: a CLA-addressable neighbor with a trust score and
// a time-ordered, non-overlapping contact list. A default gateway accepts
// bundles for destinations the node table has never seen.
type GS struct {
	EID            *eid.Handle
	CLAKind        string
	CLAAddress     string
	Trust          float64
	DefaultGateway bool
	Endpoints      []Endpoint
	Contacts       []*Contact // sorted by From; no two overlap
}

// Contact is one scheduled transmission window to a GS.
type Contact struct {
	GS *GS

	From, To int64 // unix seconds
	Bitrate  int64 // bytes/sec

	TotalCapacity int64
	Remaining     [NumPriorities]int64

	Endpoints []Endpoint
	Bundles   []RoutedRef // FIFO of bundles committed to this contact but not yet dispatched to the CLA TX queue

	Active bool
}

// RoutedRef is the contact-side handle to a bundle scheduled over it; the
// full RoutedBundle record lives in internal/routing.
type RoutedRef struct {
	ID       string
	Priority int
	Size     int64
}

func clampCapacity(v int64) int64 {
	if v > maxCapacity {
		return maxCapacity
	}
	if v < 0 {
		return 0
	}
	return v
}

// NewContact builds a contact with capacity derived from bitrate and the
// [from,to) window, per spec.md §3: total_capacity = (to-from)*bitrate,
// clamped to 2^31-1; all three priority counters start full.
func NewContact(gs *GS, from, to, bitrate int64) *Contact {
	cap := clampCapacity((to - from) * bitrate)
	c := &Contact{GS: gs, From: from, To: to, Bitrate: bitrate, TotalCapacity: cap}
	for p := range c.Remaining {
		c.Remaining[p] = cap
	}
	return c
}

// Overlaps reports whether c and other share any instant in [From,To).
func (c *Contact) Overlaps(other *Contact) bool {
	return c.From < other.To && other.From < c.To
}

// ReserveForPriority accounts size bytes against every remaining-capacity
// counter at or below priority p: counter k is reduced by every bundle
// committed at priority >= k, so counter 0 is touched by every bundle and
// gates admission, while counter p shows what a bundle of that class could
// still claim by preempting lower-priority traffic. The
// `remaining_capacity_p0 -= size; if (priority >= 1) ...` cascade in
// router.c's router_add_bundle_to_contact.
func (c *Contact) ReserveForPriority(priority int, size int64) bool {
	for p := 0; p <= priority; p++ {
		if c.Remaining[p] < size {
			return false
		}
	}
	for p := 0; p <= priority; p++ {
		c.Remaining[p] -= size
	}
	return true
}

// ReleaseForPriority undoes a prior ReserveForPriority, used to roll back a
// partially-failed multi-fragment commit.
func (c *Contact) ReleaseForPriority(priority int, size int64) {
	for p := 0; p <= priority; p++ {
		c.Remaining[p] += size
	}
}

// AdjustBitrate applies a bitrate change's delta to total and remaining
// capacity (spec.md §4.4: "on bitrate change the deltas are applied to all
// three remaining-capacity counters"). A downgrade can leave the remaining
// counters negative when more bundles are already committed than the new
// capacity admits; the router task watches for that and reschedules them.
func (c *Contact) AdjustBitrate(newBitrate int64) {
	oldCap := c.TotalCapacity
	newCap := clampCapacity((c.To - c.From) * newBitrate)
	delta := newCap - oldCap
	c.Bitrate = newBitrate
	c.TotalCapacity = newCap
	for p := range c.Remaining {
		c.Remaining[p] += delta
		if c.Remaining[p] > maxCapacity {
			c.Remaining[p] = maxCapacity
		}
	}
}

// MergeEndpoints unions two endpoint lists, the incoming list's probability
// winning on a shared EID. Order of first appearance is preserved.
func MergeEndpoints(a, b []Endpoint) []Endpoint {
	byEID := make(map[*eid.Handle]float64, len(a)+len(b))
	order := make([]*eid.Handle, 0, len(a)+len(b))
	for _, e := range a {
		if _, ok := byEID[e.EID]; !ok {
			order = append(order, e.EID)
		}
		byEID[e.EID] = e.Probability
	}
	for _, e := range b {
		if _, ok := byEID[e.EID]; !ok {
			order = append(order, e.EID)
		}
		byEID[e.EID] = e.Probability
	}
	out := make([]Endpoint, len(order))
	for i, h := range order {
		out[i] = Endpoint{EID: h, Probability: byEID[h]}
	}
	return out
}

// UnionResult is the outcome of merging an incoming contact list into a GS's
// existing one.
type UnionResult struct {
	Added    []*Contact // newly inserted, no conflict with the existing list
	Modified []*Contact // bitrate/capacity changed, or endpoint list merged
	Rejected []*Contact // same From, different To (invalid duplicate) or
	// overlapping an existing contact on the same GS: discarded
}

// Union merges incoming into gs.Contacts in place, per spec.md §4.4: contacts
// with identical (From,To) are merged (endpoints unioned, bitrate replaced,
// capacity recomputed); contacts sharing From but disagreeing on To are
// rejected as invalid duplicates; and, per §4.4 "Overlap check", a contact
// that overlaps any existing contact on the same GS (without matching its
// From exactly) is rejected rather than silently appended.
func Union(gs *GS, incoming []*Contact) UnionResult {
	var res UnionResult
	byFrom := make(map[int64]*Contact, len(gs.Contacts))
	for _, c := range gs.Contacts {
		byFrom[c.From] = c
	}
	for _, nc := range incoming {
		existing, ok := byFrom[nc.From]
		if !ok {
			if nc.From >= nc.To || WouldOverlap(gs, nc.From, nc.To) {
				res.Rejected = append(res.Rejected, nc)
				continue
			}
			// Command-built contacts arrive parented to a throwaway GS;
			// insertion reassigns them to the table's own instance, the
			// fix-up loop routing_table_add_gs runs after every union.
			nc.GS = gs
			gs.Contacts = append(gs.Contacts, nc)
			byFrom[nc.From] = nc
			res.Added = append(res.Added, nc)
			continue
		}
		if existing.To != nc.To {
			res.Rejected = append(res.Rejected, nc)
			continue
		}
		existing.Endpoints = MergeEndpoints(existing.Endpoints, nc.Endpoints)
		existing.AdjustBitrate(nc.Bitrate)
		res.Modified = append(res.Modified, existing)
	}
	sort.Slice(gs.Contacts, func(i, j int) bool { return gs.Contacts[i].From < gs.Contacts[j].From })
	return res
}

// DifferenceResult is the outcome of removing a set of contacts from a GS.
type DifferenceResult struct {
	Deleted  []*Contact
	Modified []*Contact // endpoint-subtracted rather than removed outright
}

// Difference removes from gs.Contacts any contact whose (From,To) exactly
// matches one in remove. A matched contact with a non-empty endpoint list
// has those endpoints subtracted instead of being deleted outright, per
// spec.md §4.4. Active contacts are never physically removed from the
// slice; they are marked inactive and left for the contact manager to drop
// once their window closes.
func Difference(gs *GS, remove []*Contact) DifferenceResult {
	var res DifferenceResult
	toRemove := make(map[int64]*Contact, len(remove))
	for _, c := range remove {
		toRemove[c.From] = c
	}
	kept := gs.Contacts[:0]
	for _, c := range gs.Contacts {
		rm, ok := toRemove[c.From]
		if !ok || rm.To != c.To {
			kept = append(kept, c)
			continue
		}
		if c.Active {
			c.Active = false
			kept = append(kept, c)
			res.Modified = append(res.Modified, c)
			continue
		}
		if len(rm.Endpoints) > 0 {
			c.Endpoints = subtractEndpoints(c.Endpoints, rm.Endpoints)
			kept = append(kept, c)
			res.Modified = append(res.Modified, c)
			continue
		}
		res.Deleted = append(res.Deleted, c)
	}
	gs.Contacts = kept
	return res
}

func subtractEndpoints(from, remove []Endpoint) []Endpoint {
	removeSet := make(map[*eid.Handle]struct{}, len(remove))
	for _, e := range remove {
		removeSet[e.EID] = struct{}{}
	}
	out := from[:0]
	for _, e := range from {
		if _, gone := removeSet[e.EID]; !gone {
			out = append(out, e)
		}
	}
	return out
}

// WouldOverlap reports whether inserting a contact [from,to) for gs would
// overlap any existing contact on that GS.
func WouldOverlap(gs *GS, from, to int64) bool {
	for _, c := range gs.Contacts {
		if from < c.To && c.From < to {
			return true
		}
	}
	return false
}
