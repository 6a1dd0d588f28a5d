package router

import (
	"sort"

	"github.com/upcn/agent/internal/bundle"
	"github.com/upcn/agent/internal/contact"
	"github.com/upcn/agent/internal/routing"
	"github.com/upcn/agent/internal/uerrors"
	"github.com/upcn/agent/internal/uid"
	"github.com/upcn/agent/internal/xdebug"
)

// Fragment is one piece of a (possibly unfragmented) bundle with its
// assigned contact path and the probability that path delivers it. Offset
// and Length are payload (ADU) coordinates; Size is the serialized byte
// count reserved against contact capacity, headers included.
type Fragment struct {
	Offset, Length uint64
	Size           int64
	Contacts       []*contact.Contact
	Probability    float64
}

// Result is what RouteBundle returns for a bundle that found at least one
// route.
type Result struct {
	Fragments   []Fragment
	Probability float64 // product across fragments
	// PreemptionHint is true if some contact would have accepted the
	// bundle at its own priority but was already full at priority 0 —
	// spec.md §4.5 "Preemption hint".
	PreemptionHint bool
}

// combineProbability computes P(A ∪ B) for two independent disjunctive
// delivery paths, per spec.md §4.5 step 3.
func combineProbability(a, b float64) float64 { return a + b - a*b }

type candidate struct {
	contact     *contact.Contact
	probability float64
}

// selectContacts walks candidates (already sorted by Contact.To ascending),
// accumulating ones whose remaining capacity at priority 0 covers size,
// until the combined probability clears cfg.MinProbability or MaxContacts
// is hit. Returns the chosen set, its combined probability, and whether any
// candidate was full at the admission counter but would still fit at the
// bundle's own priority — the spec.md §4.5 preemption hint, router.c's
// preemption_improved counter.
func selectContacts(cfg Config, candidates []candidate, priority int, size int64) ([]*contact.Contact, float64, bool) {
	var chosen []*contact.Contact
	combined := 0.0
	preempt := false

	for _, c := range candidates {
		if len(chosen) >= cfg.MaxContacts {
			break
		}
		if c.contact.Remaining[0] < size {
			if priority > 0 && c.contact.Remaining[priority] >= size {
				preempt = true
			}
			continue
		}
		switch {
		case c.probability >= cfg.DeterministicThreshold:
			return []*contact.Contact{c.contact}, c.probability, preempt
		case c.probability >= cfg.OpportunisticThreshold:
			chosen = append(chosen, c.contact)
			combined = combineProbability(combined, c.probability)
			if combined >= cfg.MinProbability {
				return chosen, combined, preempt
			}
		}
	}
	return chosen, combined, preempt
}

func candidatesFor(assoc []routing.AssociatedContact) []candidate {
	cs := make([]candidate, 0, len(assoc))
	for _, a := range assoc {
		cs = append(cs, candidate{contact: a.Contact, probability: a.Probability})
	}
	sort.Slice(cs, func(i, j int) bool { return cs[i].contact.To < cs[j].contact.To })
	return cs
}

// RouteBundle finds a route for b against tbl using cfg. Callers must hold
// tbl's write lock across this call and the subsequent Commit, so the
// decision and its commit observe one consistent snapshot (spec.md §5). An
// unknown destination falls back to the contacts of any default-gateway
// GSs at cfg.DefBaseReliability before giving up with NoRoute.
func RouteBundle(tbl *routing.Table, cfg Config, b *bundle.Bundle) (*Result, error) {
	var assoc []routing.AssociatedContact
	if entry, ok := tbl.LookupDestination(b.Destination.String()); ok {
		assoc = entry.Associated
	} else {
		assoc = tbl.DefaultGatewayContacts(cfg.DefBaseReliability)
	}
	if len(assoc) == 0 {
		return nil, uerrors.NewRoutingError(uerrors.NoRoute, "destination not in node table and no default gateway")
	}
	priority := b.Flags.Priority()
	size := int64(b.SerializedSize())
	candidates := candidatesFor(assoc)

	largest := largestCapacity(candidates)
	if size <= largest || b.Flags.MustNotFragment() {
		chosen, prob, preempt := selectContacts(cfg, candidates, priority, size)
		if len(chosen) == 0 {
			return nil, uerrors.NewRoutingError(uerrors.NoTimelyContacts, "no contact offered sufficient capacity/probability")
		}
		return &Result{
			Fragments: []Fragment{{
				Offset: b.FragmentOffset, Length: b.PayloadLen(), Size: size,
				Contacts: chosen, Probability: prob,
			}},
			Probability:    prob,
			PreemptionHint: preempt,
		}, nil
	}

	return routeFragmented(cfg, candidates, priority, b)
}

// largestCapacity is the biggest admission-counter headroom among the
// candidates; counter 0 is the one every committed bundle reduces.
func largestCapacity(candidates []candidate) int64 {
	var max int64
	for _, c := range candidates {
		if r := c.contact.Remaining[0]; r > max {
			max = r
		}
	}
	return max
}

// routeFragmented implements spec.md §4.5's fragmenting case: greedily slice
// the bundle's payload into fragments sized to available contact capacity,
// each at least cfg.FragmentMinPayload, routing each independently and
// multiplying per-fragment probabilities. Fragment minimum sizes come from
// the bundle's own serialized layout (first fragment carries every block,
// later ones only the primary block and payload header), the same split
// router_route_bundle draws from bundle_get_*_fragment_min_size.
func routeFragmented(cfg Config, candidates []candidate, priority int, b *bundle.Bundle) (*Result, error) {
	firstMin := int64(b.FirstFragmentMinSize())
	midMin := int64(b.MidFragmentMinSize())
	lastMin := int64(b.LastFragmentMinSize())
	payloadLen := int64(b.PayloadLen())

	maxFragSize := largestCapacity(candidates)
	if maxFragSize <= firstMin+cfg.FragmentMinPayload {
		return nil, uerrors.NewRoutingError(uerrors.NoTimelyContacts, "no contact capacity large enough for a minimum-size fragment")
	}

	var fragments []Fragment
	combinedProb := 1.0
	var offset int64
	preempt := false

	for offset < payloadLen {
		if len(fragments) >= cfg.MaxFragments {
			return nil, uerrors.NewRoutingError(uerrors.NoTimelyContacts, "bundle requires more fragments than ROUTER_MAX_FRAGMENTS")
		}
		remaining := payloadLen - offset
		overhead := midMin
		switch {
		case offset == 0:
			overhead = firstMin
		case remaining+midMin <= maxFragSize:
			overhead = lastMin
		}
		fragPayload := maxFragSize - overhead
		if fragPayload > remaining {
			fragPayload = remaining
		}
		if fragPayload < cfg.FragmentMinPayload && fragPayload != remaining {
			return nil, uerrors.NewRoutingError(uerrors.NoTimelyContacts, "fragment below FRAGMENT_MIN_PAYLOAD")
		}
		fragSize := fragPayload + overhead

		chosen, prob, frPreempt := selectContacts(cfg, candidates, priority, fragSize)
		if len(chosen) == 0 {
			return nil, uerrors.NewRoutingError(uerrors.NoTimelyContacts, "no route for fragment")
		}
		preempt = preempt || frPreempt
		fragments = append(fragments, Fragment{
			Offset: uint64(offset), Length: uint64(fragPayload), Size: fragSize,
			Contacts: chosen, Probability: prob,
		})
		combinedProb *= prob
		offset += fragPayload
	}

	return &Result{Fragments: fragments, Probability: combinedProb, PreemptionHint: preempt}, nil
}

// Commit allocates one RoutedBundle per fragment, appends it to every
// selected contact's FIFO, and reserves capacity. A contact whose FIFO has
// reached cfg.ContactTxQueueLength rejects the commit (spec.md §7: "queue
// full -> NoMemory"). If any fragment's commit partially fails, prior
// reservations for that fragment are rolled back before the error is
// returned (spec.md §4.5 "Commit").
func Commit(cfg Config, res *Result, storeID string, priority int) ([]*contact.RoutedRef, error) {
	var refs []*contact.RoutedRef
	for _, frag := range res.Fragments {
		xdebug.Assertf(frag.Size >= int64(frag.Length), "fragment serialized size %d below its payload length %d", frag.Size, frag.Length)
		ref := &contact.RoutedRef{ID: storeID + ":" + uid.Tie(), Priority: priority, Size: frag.Size}
		committed := make([]*contact.Contact, 0, len(frag.Contacts))
		ok := true
		for _, c := range frag.Contacts {
			if cfg.ContactTxQueueLength > 0 && len(c.Bundles) >= cfg.ContactTxQueueLength {
				ok = false
				break
			}
			if !c.ReserveForPriority(priority, frag.Size) {
				ok = false
				break
			}
			c.Bundles = append(c.Bundles, *ref)
			committed = append(committed, c)
		}
		if !ok {
			for _, c := range committed {
				c.ReleaseForPriority(priority, frag.Size)
				c.Bundles = c.Bundles[:len(c.Bundles)-1]
			}
			return refs, uerrors.NewRoutingError(uerrors.NoMemory, "partial commit failure, rolled back")
		}
		refs = append(refs, ref)
	}
	return refs, nil
}
