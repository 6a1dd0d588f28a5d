// Package router implements the route-finding and fragmentation algorithm
// described in spec.md §4.5. Grounded on
// _examples/original_source/components/upcn/src/router.c for config field
// names/validation and the fragment-loop shape.
package router

import "github.com/pkg/errors"

// Config is the router's tunable policy, hot-swappable at runtime (see
// internal/config). Grounded on router_config / router_update_config in
// router.c.
type Config struct {
	MinProbability         float64
	DeterministicThreshold float64
	OpportunisticThreshold float64

	MaxContacts  int // ROUTER_MAX_CONTACTS
	MaxFragments int // ROUTER_MAX_FRAGMENTS

	// ContactTxQueueLength bounds each contact's FIFO of committed bundles
	// (CONTACT_TX_TASK_QUEUE_LENGTH); a full queue rejects the commit.
	ContactTxQueueLength int

	FragmentMinPayload int64

	// DefBaseReliability is the per-hop probability assumed for a
	// default-gateway contact when the destination is absent from the node
	// table (router_def_base_reliability).
	DefBaseReliability float64

	// PriorityWeights must sum to ~1.0 or the config fails validation; no
	// routing step reads them.
	PriorityWeights [3]float64

	OptMaxPreBundlesContact int
	OptMaxPreBundles        int
}

// DefaultConfig mirrors router.c's compiled-in defaults closely enough to
// be usable out of the box; production deployments override it via
// internal/config.
func DefaultConfig() Config {
	return Config{
		MinProbability:          0.7,
		DeterministicThreshold:  0.99,
		OpportunisticThreshold:  0.3,
		MaxContacts:             8,
		MaxFragments:            16,
		ContactTxQueueLength:    64,
		FragmentMinPayload:      64,
		DefBaseReliability:      0.9,
		PriorityWeights:         [3]float64{0.2, 0.3, 0.5},
		OptMaxPreBundlesContact: 100,
		OptMaxPreBundles:        1000,
	}
}

// Validate enforces the same bounds router_update_config checks before
// accepting a new configuration: probabilities in [0,1], positive bounds,
// a priority-weight sum close to 1.0, and a consistent preemption-bundle
// relationship.
func (c Config) Validate() error {
	for _, p := range []float64{c.MinProbability, c.DeterministicThreshold, c.OpportunisticThreshold} {
		if p < 0 || p > 1 {
			return errors.New("router: probability threshold out of [0,1]")
		}
	}
	if c.DeterministicThreshold < c.OpportunisticThreshold {
		return errors.New("router: deterministic threshold below opportunistic threshold")
	}
	if c.MaxContacts <= 0 || c.MaxFragments <= 0 {
		return errors.New("router: MaxContacts/MaxFragments must be positive")
	}
	if c.ContactTxQueueLength <= 0 {
		return errors.New("router: ContactTxQueueLength must be positive")
	}
	if c.FragmentMinPayload <= 0 {
		return errors.New("router: FragmentMinPayload must be positive")
	}
	if c.DefBaseReliability <= 0 || c.DefBaseReliability > 1 {
		return errors.New("router: DefBaseReliability out of (0,1]")
	}
	sum := c.PriorityWeights[0] + c.PriorityWeights[1] + c.PriorityWeights[2]
	if sum < 0.99 || sum > 1.01 {
		return errors.New("router: priority weights must sum to ~1.0")
	}
	if c.OptMaxPreBundlesContact > c.OptMaxPreBundles {
		return errors.New("router: OptMaxPreBundlesContact exceeds OptMaxPreBundles")
	}
	return nil
}
