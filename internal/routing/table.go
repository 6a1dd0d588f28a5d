// Package routing holds the routing table: the flat GS list, the flat
// time-ordered contact list across all GSs, and the EID-to-node-table-entry
// hash the router consults first. Grounded on spec.md §3 "Routing table" /
// "Node table entry", and on
// _examples/original_source/components/upcn/src/routingTable.c's
// flat-list-plus-hash layout (an arena-of-structs-plus-integer-handles shape,
// adapted here to Go pointers since Go's GC removes the original's reason
// for avoiding back-pointers — see SPEC_FULL.md §3).
package routing

import (
	"sort"
	"sync"

	cuckoo "github.com/seiflotfy/cuckoofilter"

	"github.com/upcn/agent/internal/contact"
	"github.com/upcn/agent/internal/eid"
)

// AssociatedContact pairs a contact reachable toward some EID with the
// per-hop probability of successful delivery over it.
type AssociatedContact struct {
	Contact     *contact.Contact
	Probability float64
}

// NodeTableEntry is the routing table's per-destination-EID record: a
// refcount (how many bundles/routes reference this EID) and its ordered
// list of associated contacts.
type NodeTableEntry struct {
	Refs       int
	Associated []AssociatedContact
}

const filterInitialCapacity = 1 << 16

// Table is the process-wide routing table. One instance is shared by the
// router task and the contact manager under one coarse mutex (spec.md §5),
// exposed via Lock/RLock: every method below assumes the caller already
// holds the appropriate lock for the whole mutation or read sequence, so a
// lookup-route-commit run observes a single consistent snapshot. The lock
// is never held across queue posts or socket I/O.
type Table struct {
	mu sync.RWMutex

	gss       []*contact.GS
	contacts  []*contact.Contact // flat, time-ordered by From, across all GSs
	nodeTable map[string]*NodeTableEntry

	// filter is a fast negative pre-check: EIDs never seen by AddEndpoint
	// are certainly absent from nodeTable, letting LookupDestination skip
	// the map read (and its lock-free read) entirely on a clear miss.
	filter *cuckoo.Filter

	// maxConcurrent bounds how many contacts a single insertion may ever
	// force to be simultaneously live (spec.md §4.4 "Overlap check": "...or
	// if it would force more than CLA_CHANNELS concurrent contacts"). Zero
	// means unbounded; set via SetMaxConcurrentContacts.
	maxConcurrent int
}

// New returns an empty routing table with no CLA_CHANNELS cap; callers that
// want the §4.4 concurrency check enforced on insertion must follow up with
// SetMaxConcurrentContacts.
func New() *Table {
	return &Table{
		nodeTable: make(map[string]*NodeTableEntry),
		filter:    cuckoo.NewFilter(filterInitialCapacity),
	}
}

// SetMaxConcurrentContacts sets CLA_CHANNELS: the maximum number of contacts
// that may ever overlap in time across the whole plan. A contact whose
// insertion would exceed it is rejected by MergeContacts rather than
// accepted, per spec.md §4.4. n <= 0 disables the check.
func (t *Table) SetMaxConcurrentContacts(n int) {
	t.maxConcurrent = n
}

// AddGS registers a new Ground Station. No-op if one with the same EID
// string is already present.
func (t *Table) AddGS(gs *contact.GS) {
	for _, existing := range t.gss {
		if existing.EID.String() == gs.EID.String() {
			return
		}
	}
	t.gss = append(t.gss, gs)
}

// RemoveGS drops a Ground Station. Inactive contacts are removed from the
// flat list and dissociated from every node-table entry; an active contact
// outlives its GS — it absorbs the GS's endpoint list, loses its parent
// pointer, and stays scheduled until the contact manager deactivates it
// (the drop_contacts shape in routingTable.c).
func (t *Table) RemoveGS(gsEID string) {
	kept := t.gss[:0]
	var removed *contact.GS
	for _, gs := range t.gss {
		if gs.EID.String() == gsEID {
			removed = gs
			continue
		}
		kept = append(kept, gs)
	}
	t.gss = kept
	if removed == nil {
		return
	}
	for _, c := range removed.Contacts {
		if c.Active {
			c.Endpoints = contact.MergeEndpoints(c.Endpoints, removed.Endpoints)
			c.GS = nil
			t.removeAssociationLocked(gsEID, c)
			continue
		}
		t.dissociateContactLocked(c)
	}
	removed.Contacts = nil
	filtered := t.contacts[:0]
	for _, c := range t.contacts {
		if c.GS != removed {
			filtered = append(filtered, c)
		}
	}
	t.contacts = filtered
}

// GSs returns the flat Ground Station list.
func (t *Table) GSs() []*contact.GS { return t.gss }

// Contacts returns the flat, time-ordered contact list.
func (t *Table) Contacts() []*contact.Contact { return t.contacts }

// MergeContacts unions incoming contacts into gs and rebuilds the flat
// sorted contact list, returning the union's added/modified/rejected sets.
// Contacts that individually survive contact.Union's own same-GS overlap
// check are then checked against the plan-wide CLA_CHANNELS concurrency cap
// (spec.md §4.4); any that would force more than maxConcurrent contacts to
// be live at once are backed out of gs.Contacts and moved to Rejected.
func (t *Table) MergeContacts(gs *contact.GS, incoming []*contact.Contact) contact.UnionResult {
	res := contact.Union(gs, incoming)
	t.rebuildFlatContactsLocked()

	if t.maxConcurrent > 0 {
		kept := res.Added[:0]
		for _, nc := range res.Added {
			if maxConcurrentContacts(t.contacts) > t.maxConcurrent {
				gs.Contacts = removeContact(gs.Contacts, nc)
				res.Rejected = append(res.Rejected, nc)
				t.rebuildFlatContactsLocked()
				continue
			}
			kept = append(kept, nc)
		}
		res.Added = kept
	}

	// Re-walk every surviving contact of the GS and (re)build its node-table
	// associations: the GS's own EID, the GS's persistent endpoint list, and
	// the contact's own endpoint list. Idempotent, so a later command that
	// only adds endpoints still reaches contacts inserted earlier —
	// add_gs_to_tables re-walks the whole contact list the same way.
	for _, c := range gs.Contacts {
		t.associateContactLocked(gs, c)
	}
	return res
}

func removeContact(contacts []*contact.Contact, target *contact.Contact) []*contact.Contact {
	out := contacts[:0]
	for _, c := range contacts {
		if c != target {
			out = append(out, c)
		}
	}
	return out
}

// maxConcurrentContacts computes, over all contacts, the largest number that
// are simultaneously live at any single instant ([From,To) intervals; a
// contact ending at t does not overlap one starting at t).
func maxConcurrentContacts(contacts []*contact.Contact) int {
	type event struct {
		t     int64
		delta int
	}
	events := make([]event, 0, len(contacts)*2)
	for _, c := range contacts {
		events = append(events, event{c.From, 1}, event{c.To, -1})
	}
	sort.Slice(events, func(i, j int) bool {
		if events[i].t != events[j].t {
			return events[i].t < events[j].t
		}
		return events[i].delta < events[j].delta // process endings before starts at the same instant
	})
	cur, max := 0, 0
	for _, e := range events {
		cur += e.delta
		if cur > max {
			max = cur
		}
	}
	return max
}

// RemoveContacts removes matching contacts from gs and rebuilds the flat
// sorted contact list. Deleted contacts are dissociated from every node-table
// entry; endpoint-subtracted ones have their associations rebuilt from the
// lists that remain.
func (t *Table) RemoveContacts(gs *contact.GS, remove []*contact.Contact) contact.DifferenceResult {
	res := contact.Difference(gs, remove)
	t.rebuildFlatContactsLocked()
	for _, c := range res.Deleted {
		t.dissociateContactLocked(c)
	}
	for _, c := range res.Modified {
		t.dissociateContactLocked(c)
		t.associateContactLocked(gs, c)
	}
	return res
}

func (t *Table) rebuildFlatContactsLocked() {
	all := make([]*contact.Contact, 0, len(t.contacts))
	for _, gs := range t.gss {
		all = append(all, gs.Contacts...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].From < all[j].From })
	t.contacts = all
}

// AddEndpoint associates an EID with a contact at the given probability,
// creating or extending the EID's node-table entry and registering it with
// the pre-check filter.
func (t *Table) AddEndpoint(dest *eid.Handle, c *contact.Contact, probability float64) {
	t.addAssociationLocked(dest.String(), c, probability)
}

// addAssociationLocked is the add_contact_to_node_in_htab counterpart: an
// already-associated contact only has its probability refreshed, so re-walks
// of a GS's contact list stay idempotent.
func (t *Table) addAssociationLocked(key string, c *contact.Contact, probability float64) {
	entry, ok := t.nodeTable[key]
	if !ok {
		entry = &NodeTableEntry{}
		t.nodeTable[key] = entry
		t.filter.InsertUnique([]byte(key))
	}
	for i := range entry.Associated {
		if entry.Associated[i].Contact == c {
			entry.Associated[i].Probability = probability
			return
		}
	}
	entry.Refs++
	entry.Associated = append(entry.Associated, AssociatedContact{Contact: c, Probability: probability})
}

// removeAssociationLocked is the remove_contact_from_node_in_htab
// counterpart: the entry (and its filter membership) disappears once its
// last associated contact is gone.
func (t *Table) removeAssociationLocked(key string, c *contact.Contact) {
	entry, ok := t.nodeTable[key]
	if !ok {
		return
	}
	for i := range entry.Associated {
		if entry.Associated[i].Contact != c {
			continue
		}
		entry.Associated = append(entry.Associated[:i], entry.Associated[i+1:]...)
		entry.Refs--
		break
	}
	if entry.Refs <= 0 {
		delete(t.nodeTable, key)
		t.filter.Delete([]byte(key))
	}
}

func (t *Table) associateContactLocked(gs *contact.GS, c *contact.Contact) {
	t.addAssociationLocked(gs.EID.String(), c, 1.0)
	for _, ep := range gs.Endpoints {
		t.addAssociationLocked(ep.EID.String(), c, ep.Probability)
	}
	for _, ep := range c.Endpoints {
		t.addAssociationLocked(ep.EID.String(), c, ep.Probability)
	}
}

// dissociateContactLocked strips c out of every node-table entry. The
// original walks the GS and contact endpoint lists instead; walking the
// whole table catches associations whose source list has since been edited.
func (t *Table) dissociateContactLocked(c *contact.Contact) {
	for key, entry := range t.nodeTable {
		for i := range entry.Associated {
			if entry.Associated[i].Contact != c {
				continue
			}
			entry.Associated = append(entry.Associated[:i], entry.Associated[i+1:]...)
			entry.Refs--
			break
		}
		if entry.Refs <= 0 {
			delete(t.nodeTable, key)
			t.filter.Delete([]byte(key))
		}
	}
}

// DefaultGatewayContacts collects every contact of every GS marked as a
// default gateway, each at the given per-hop probability — the router's
// fallback for destinations absent from the node table (spec.md §4.5 step
// 1), the add_gs_contacts_to_assoc_list path router.c runs with
// router_def_base_reliability.
func (t *Table) DefaultGatewayContacts(probability float64) []AssociatedContact {
	var out []AssociatedContact
	for _, gs := range t.gss {
		if !gs.DefaultGateway {
			continue
		}
		for _, c := range gs.Contacts {
			out = append(out, AssociatedContact{Contact: c, Probability: probability})
		}
	}
	return out
}

// FinalizeContact retires a passed contact: it is removed from its parent
// GS's list (if any), stripped from every node-table entry, and dropped
// from the flat time-ordered list — routing_table_contact_passed /
// routing_table_delete_contact. The caller drains the contact's FIFO first.
func (t *Table) FinalizeContact(c *contact.Contact) {
	if c.GS != nil {
		c.GS.Contacts = removeContact(c.GS.Contacts, c)
		c.GS = nil
	}
	t.dissociateContactLocked(c)
	t.contacts = removeContact(t.contacts, c)
}

// LookupDestination returns the node-table entry for an EID, or (nil,
// false) if no contact is known to reach it. The cuckoo filter short-circuits
// the common "definitely not present" case without touching the map.
func (t *Table) LookupDestination(destEID string) (*NodeTableEntry, bool) {
	if !t.filter.Lookup([]byte(destEID)) {
		return nil, false
	}
	entry, ok := t.nodeTable[destEID]
	return entry, ok
}

// ReleaseDestination decrements an EID's node-table refcount, removing the
// entry (and its filter membership) at zero.
func (t *Table) ReleaseDestination(destEID string) {
	entry, ok := t.nodeTable[destEID]
	if !ok {
		return
	}
	entry.Refs--
	if entry.Refs <= 0 {
		delete(t.nodeTable, destEID)
		t.filter.Delete([]byte(destEID))
	}
}

// Lock/Unlock/RLock/RUnlock expose the table's coarse mutex directly so the
// router and contact manager can hold it across a multi-step read-modify
// sequence (lookup + fragment + commit), per spec.md §5.
func (t *Table) Lock()    { t.mu.Lock() }
func (t *Table) Unlock()  { t.mu.Unlock() }
func (t *Table) RLock()   { t.mu.RLock() }
func (t *Table) RUnlock() { t.mu.RUnlock() }
