package main

import (
	"strings"
	"sync"

	"github.com/upcn/agent/internal/bundle"
	"github.com/upcn/agent/internal/clapi"
	"github.com/upcn/agent/internal/contact"
	"github.com/upcn/agent/internal/diag"
	"github.com/upcn/agent/internal/routertask"
	"github.com/upcn/agent/internal/store"
	"github.com/upcn/agent/internal/ulog"
)

// memBundleStore is a volatile stand-in for the (external, out of scope per
// spec.md §1) persistent bundle store: a plain map from store ID to parsed
// Bundle, filled by whatever ingests CLA bytes through internal/bpparser.
// Production deployments replace this with a real store; it exists here so
// the router task has something to Fetch from in local simulation and
// tests.
type memBundleStore struct {
	mu sync.RWMutex
	m  map[string]*bundle.Bundle
}

func newMemBundleStore() *memBundleStore { return &memBundleStore{m: make(map[string]*bundle.Bundle)} }

func (s *memBundleStore) Put(id string, b *bundle.Bundle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[id] = b
}

func (s *memBundleStore) Fetch(id string) (*bundle.Bundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.m[id]
	if !ok {
		return nil, errBundleNotFound(id)
	}
	return b, nil
}

type errBundleNotFound string

func (e errBundleNotFound) Error() string { return "bundle store: no bundle for id " + string(e) }

// processor is the BundleProcessor collaborator: it records a routed
// bundle's cached fields in the durable store.Cache (spec.md §3 "Routed
// bundle": destination, priority, serialized size, expiration) and clears
// the record once the bundle's lifecycle completes, publishing every
// outcome on the diagnostic channel per spec.md §7.
type processor struct {
	bundles *memBundleStore
	cache   *store.Cache
	diag    *diag.Channel
	metrics *diag.Metrics
	task    *routertask.Task
}

func (p *processor) NotifyOutcome(id string, outcome routertask.Outcome) {
	if !outcome.Routed {
		p.metrics.RecordRouting(outcome.Reason.String())
		p.diag.Publish(diag.Event{Kind: diag.EventRoutingOutcome, BundleID: id, Reason: outcome.Reason.String(), Err: outcome.Err})
		p.cache.Delete(id)
		return
	}

	p.metrics.RecordRouting("routed")
	if b, err := p.bundles.Fetch(id); err == nil {
		p.cache.Put(store.Record{
			ID:          id,
			Destination: b.Destination.String(),
			Priority:    b.Flags.Priority(),
			Size:        int64(b.SerializedSize()),
			Expiration:  int64(b.CreationTimestamp + b.Lifetime),
		})
	}
	p.diag.Publish(diag.Event{Kind: diag.EventRoutingOutcome, BundleID: id, Reason: "routed"})

	if outcome.AnyTransmitted {
		p.cache.Delete(id)
	}
}

func (p *processor) Reschedule(refs []contact.RoutedRef) {
	seen := make(map[string]struct{}, len(refs))
	for _, ref := range refs {
		base := baseBundleID(ref.ID)
		if _, ok := seen[base]; ok {
			continue
		}
		seen[base] = struct{}{}
		p.diag.Publish(diag.Event{Kind: diag.EventBundleReschedule, BundleID: base})
		p.task.Enqueue(routertask.Signal{Kind: routertask.SigRouteBundle, BaseID: base})
	}
}

// baseBundleID strips the uid.Tie() disambiguator internal/router.Commit
// appends to the bundle-store ID, recovering the original ID a
// RoutedRef descends from.
func baseBundleID(refID string) string {
	if idx := strings.LastIndex(refID, ":"); idx >= 0 {
		return refID[:idx]
	}
	return refID
}

// discovery forwards beacons to nowhere: IPND/beacon processing is an
// external collaborator per spec.md §1.
type discovery struct{}

func (discovery) Forward(beacon []byte) {
	ulog.Infof("upcnd: forwarding %d-byte beacon to discovery (no-op stub)", len(beacon))
}

// simClaOpener/simTXDispatcher simulate the per-contact CLA connection and
// TX queue without real sockets, as a collaborator double for tests and
// local simulation rather than a production CLA. Dispatch runs on the
// caller's goroutine and reports every handed-over bundle to the router task
// as a TransmissionSuccess at once; it never reports a failure.
type simClaOpener struct {
	pub     clapi.ContactEventPublisher
	metrics *diag.Metrics
}

func (s simClaOpener) Open(gs *contact.GS) error {
	clapi.NotifyContactStarted(s.pub, gs)
	s.metrics.RecordContactStarted()
	ulog.Infof("upcnd: contact window open for %s", gs.EID)
	return nil
}

func (s simClaOpener) Close(gs *contact.GS) error {
	clapi.NotifyContactEnded(s.pub, gs)
	s.metrics.RecordContactEnded()
	ulog.Infof("upcnd: contact window closed for %s", gs.EID)
	return nil
}

type simTXDispatcher struct {
	task *routertask.Task
}

func (d simTXDispatcher) Dispatch(c *contact.Contact, refs []contact.RoutedRef) error {
	for _, ref := range refs {
		d.task.Enqueue(routertask.Signal{Kind: routertask.SigTransmissionSuccess, RBID: baseBundleID(ref.ID)})
	}
	return nil
}

// diagEventPublisher adapts internal/diag.Channel to clapi.ContactEventPublisher
// so contact-start/end notifications both reach the typed diagnostic
// channel and are available in their spec.md §6 wire-encoded form.
type diagEventPublisher struct{ ch *diag.Channel }

func (d diagEventPublisher) PublishContactEvent(frame []byte) {
	started, gsEID, err := clapi.DecodeContactEvent(frame)
	if err != nil {
		return
	}
	kind := diag.EventContactEnded
	if started {
		kind = diag.EventContactStarted
	}
	d.ch.Publish(diag.Event{Kind: kind, GSEID: gsEID})
}
