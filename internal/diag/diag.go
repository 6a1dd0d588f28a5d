// Package diag is the agent's diagnostic channel: a typed event stream
// (spec.md §7 "User-visible failures are always observable as a typed
// event on the diagnostic channel"), Prometheus counters/gauges for
// routing outcomes and contact lifecycle events, and the JSON snapshot the
// Query router-command opcode emits (spec.md §6). Grounded on
// github.com/prometheus/client_golang usage in
// _examples/marmos91-dittofs/internal/adapter/nfs/v4/state (nil-safe
// metric methods, register-or-reuse on re-registration) and on
// json-iterator for the snapshot encode, per SPEC_FULL.md's DOMAIN STACK
// table.
package diag

import (
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/upcn/agent/internal/contact"
	"github.com/upcn/agent/internal/eid"
	"github.com/upcn/agent/internal/routing"
	"github.com/upcn/agent/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// EventKind classifies a diagnostic channel event; one per failure/outcome
// taxonomy entry spec.md §7/§8 and §4.6's contact start/end notifications.
type EventKind string

const (
	EventParseError       EventKind = "parse_error"
	EventRoutingOutcome   EventKind = "routing_outcome"
	EventPlanError        EventKind = "plan_error"
	EventResourceError    EventKind = "resource_error"
	EventContactStarted   EventKind = "contact_started"
	EventContactEnded     EventKind = "contact_ended"
	EventBundleReschedule EventKind = "bundle_reschedule"
)

// Event is one occurrence on the diagnostic channel. BundleID and GSEID are
// populated only when relevant to Kind.
type Event struct {
	Kind     EventKind
	BundleID string
	GSEID    string
	Reason   string // human-readable detail / status-report reason name
	Err      error
}

// Channel fans diagnostic events out to every current Subscribe-r. Modeled
// on the "single inbound queue per task" shape of spec.md §5, except this
// queue is fan-out: diagnostics are observational, never an ordering
// dependency for the core pipeline.
type Channel struct {
	subs []chan Event
}

// NewChannel returns an empty diagnostic channel.
func NewChannel() *Channel { return &Channel{} }

// Subscribe returns a buffered channel that receives every future Publish.
// The buffer is sized generously; a slow subscriber drops events rather
// than blocking the publisher (diagnostics must never backpressure the
// router task or contact manager, per spec.md §5's "no lock is ever held
// while posting").
func (c *Channel) Subscribe() <-chan Event {
	ch := make(chan Event, 256)
	c.subs = append(c.subs, ch)
	return ch
}

// Publish fans out ev to every subscriber, non-blocking.
func (c *Channel) Publish(ev Event) {
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Metrics holds the process's Prometheus collectors. All methods are
// nil-safe so call sites never need a nil check before recording.
type Metrics struct {
	RoutingOutcomes *prometheus.CounterVec
	ContactEvents   *prometheus.CounterVec
	ActiveContacts  prometheus.Gauge
	QueueDepth      *prometheus.GaugeVec
	InternedEIDs    prometheus.GaugeFunc
}

func registerOrReuse(reg prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
		panic(err)
	}
	return c
}

// NewMetrics creates and, if reg is non-nil, registers the agent's
// collectors. Passing a nil reg yields usable-but-unregistered metrics,
// the pattern tests use.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RoutingOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "upcn", Subsystem: "router", Name: "outcomes_total",
			Help: "Routing outcomes by status-report reason (routed, no-known-route, no-timely-contact, depleted-storage, block-unintelligible).",
		}, []string{"reason"}),
		ContactEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "upcn", Subsystem: "contactmgr", Name: "events_total",
			Help: "Contact lifecycle events by kind (started, ended).",
		}, []string{"kind"}),
		ActiveContacts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "upcn", Subsystem: "contactmgr", Name: "active_contacts",
			Help: "Number of currently-active contacts (bounded by CLA_CHANNELS).",
		}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "upcn", Subsystem: "routertask", Name: "queue_depth",
			Help: "Depth of a named internal queue (router signal queue, per-contact TX queues).",
		}, []string{"queue"}),
	}
	m.InternedEIDs = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "upcn", Subsystem: "eid", Name: "interned",
		Help: "Number of distinct EID strings currently interned.",
	}, func() float64 { return float64(eid.Interned()) })

	if reg == nil {
		return m
	}
	m.RoutingOutcomes = registerOrReuse(reg, m.RoutingOutcomes).(*prometheus.CounterVec)
	m.ContactEvents = registerOrReuse(reg, m.ContactEvents).(*prometheus.CounterVec)
	m.ActiveContacts = registerOrReuse(reg, m.ActiveContacts).(prometheus.Gauge)
	m.QueueDepth = registerOrReuse(reg, m.QueueDepth).(*prometheus.GaugeVec)
	m.InternedEIDs = registerOrReuse(reg, m.InternedEIDs).(prometheus.GaugeFunc)
	return m
}

// RecordRouting increments the outcome counter for reason (e.g. "routed",
// or a router.Reason string such as "no-known-route", "no-timely-contact",
// "depleted-storage", "block-unintelligible").
func (m *Metrics) RecordRouting(reason string) {
	if m == nil {
		return
	}
	m.RoutingOutcomes.WithLabelValues(reason).Inc()
}

// RecordContactStarted/RecordContactEnded track contact lifecycle events
// (spec.md §6 "Contact events (outgoing)").
func (m *Metrics) RecordContactStarted() {
	if m == nil {
		return
	}
	m.ContactEvents.WithLabelValues("started").Inc()
	m.ActiveContacts.Inc()
}

func (m *Metrics) RecordContactEnded() {
	if m == nil {
		return
	}
	m.ContactEvents.WithLabelValues("ended").Inc()
	m.ActiveContacts.Dec()
}

// SetQueueDepth records the current depth of a named queue.
func (m *Metrics) SetQueueDepth(queue string, depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(queue).Set(float64(depth))
}

// Snapshot is the Query opcode's diagnostic payload (spec.md §6: "Query:
// emit diagnostic snapshot").
type Snapshot struct {
	GroundStations []GSSnapshot    `json:"ground_stations"`
	RoutedBundles  []store.Record  `json:"routed_bundles"`
	InternedEIDs   int             `json:"interned_eids"`
}

type GSSnapshot struct {
	EID            string            `json:"eid"`
	CLAKind        string            `json:"cla_kind"`
	CLAAddress     string            `json:"cla_address"`
	Trust          float64           `json:"trust"`
	DefaultGateway bool              `json:"default_gateway,omitempty"`
	Contacts       []ContactSnapshot `json:"contacts"`
}

type ContactSnapshot struct {
	From          int64 `json:"from"`
	To            int64 `json:"to"`
	Bitrate       int64 `json:"bitrate"`
	TotalCapacity int64 `json:"total_capacity"`
	Remaining     [contact.NumPriorities]int64 `json:"remaining"`
	Active        bool  `json:"active"`
	QueueDepth    int   `json:"queue_depth"`
}

// BuildSnapshot walks tbl and cache under tbl's read lock and renders a
// Snapshot. Callers must not already hold tbl's lock.
func BuildSnapshot(tbl *routing.Table, cache *store.Cache) (Snapshot, error) {
	tbl.RLock()
	gss := make([]GSSnapshot, 0, len(tbl.GSs()))
	for _, gs := range tbl.GSs() {
		cs := make([]ContactSnapshot, 0, len(gs.Contacts))
		for _, c := range gs.Contacts {
			cs = append(cs, ContactSnapshot{
				From: c.From, To: c.To, Bitrate: c.Bitrate,
				TotalCapacity: c.TotalCapacity, Remaining: c.Remaining,
				Active: c.Active, QueueDepth: len(c.Bundles),
			})
		}
		gss = append(gss, GSSnapshot{
			EID: gs.EID.String(), CLAKind: gs.CLAKind, CLAAddress: gs.CLAAddress,
			Trust: gs.Trust, DefaultGateway: gs.DefaultGateway, Contacts: cs,
		})
	}
	tbl.RUnlock()

	var records []store.Record
	if cache != nil {
		var err error
		records, err = cache.All()
		if err != nil {
			return Snapshot{}, err
		}
	}

	return Snapshot{GroundStations: gss, RoutedBundles: records, InternedEIDs: eid.Interned()}, nil
}

// MarshalSnapshot encodes s as JSON, per SPEC_FULL.md's DOMAIN STACK table
// ("internal/diag, cmd/upcnctl" / json-iterator fast JSON).
func MarshalSnapshot(s Snapshot) ([]byte, error) { return json.Marshal(s) }
