// Package config holds the agent's mutable, hot-swappable configuration
// record: validated atomically, with an out-of-range update rejected and
// the old configuration retained untouched. Grounded on spec.md §6
// "Configuration values" and on router_update_config in
// _examples/original_source/components/upcn/src/router.c for the
// validate-then-swap discipline; the reject-and-keep-old pattern is also
// exactly how _examples/rob-gra-go-iecp5/cs104's Config.Valid() gate works,
// so this package follows the same shape rather than inventing one.
package config

import (
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/upcn/agent/internal/router"
)

// GSConfig is the Ground-Station-trust half of the configuration record —
// the fields spec.md §6 lists beyond router.Config's own fragmentation and
// confidence-threshold fields.
type GSConfig struct {
	TrustworthinessWeight float64
	ReliabilityWeight     float64
	BaseReliability       [2]float64 // two "base reliability" values, each in (0,1]
	OptMaxBundles         int
}

func (g GSConfig) Validate() error {
	if sum := g.TrustworthinessWeight + g.ReliabilityWeight; sum < 0.99 || sum > 1.01 {
		return errors.New("config: gs_trustworthiness_weight + gs_reliability_weight must equal 1")
	}
	for _, r := range g.BaseReliability {
		if r <= 0 || r > 1 {
			return errors.New("config: base reliability values must be in (0,1]")
		}
	}
	if g.OptMaxBundles < 1 {
		return errors.New("config: opt_max_bundles must be >= 1")
	}
	return nil
}

// Config is the full mutable record: the router's fragmentation/confidence
// policy plus the GS-trust policy.
type Config struct {
	Router router.Config
	GS     GSConfig
}

// Validate enforces every bound spec.md §6 lists.
func (c Config) Validate() error {
	if err := c.Router.Validate(); err != nil {
		return err
	}
	if err := c.GS.Validate(); err != nil {
		return err
	}
	if c.Router.OptMaxPreBundlesContact > c.GS.OptMaxBundles {
		return errors.New("config: opt_max_pre_bundles_contact must not exceed opt_max_bundles")
	}
	return nil
}

// Default returns a configuration that passes Validate().
func Default() Config {
	return Config{
		Router: router.DefaultConfig(),
		GS: GSConfig{
			TrustworthinessWeight: 0.5,
			ReliabilityWeight:     0.5,
			BaseReliability:       [2]float64{0.9, 0.9},
			OptMaxBundles:         1000,
		},
	}
}

// Store is the process-wide configuration cell: lock-free reads via an
// atomic pointer swap, validated compare-and-reject writes.
type Store struct {
	ptr atomic.Pointer[Config]
}

// NewStore returns a Store seeded with initial, which must already be
// valid.
func NewStore(initial Config) (*Store, error) {
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	s := &Store{}
	s.ptr.Store(&initial)
	return s, nil
}

// Get returns the current configuration. Safe for concurrent use without
// locking.
func (s *Store) Get() Config { return *s.ptr.Load() }

// RouterConfig is a convenience accessor matching the
// `func() router.Config` shape internal/routertask.Task wants.
func (s *Store) RouterConfig() router.Config { return s.Get().Router }

// Update validates next and, if valid, atomically replaces the current
// configuration. On failure the prior configuration is left untouched and
// the validation error is returned, per spec.md §6 "Out-of-range values
// are rejected atomically (old config retained)".
func (s *Store) Update(next Config) error {
	if err := next.Validate(); err != nil {
		return err
	}
	s.ptr.Store(&next)
	return nil
}
