// Package routertask is the single-consumer signal queue described in
// spec.md §4.7: every routing-table mutation and every bundle-lifecycle
// event funnels through one task so the coarse routing-table mutex is only
// ever taken by this task and by internal/contactmgr (spec.md §5).
package routertask

import (
	"context"

	"github.com/upcn/agent/internal/bundle"
	"github.com/upcn/agent/internal/contact"
	"github.com/upcn/agent/internal/contactmgr"
	"github.com/upcn/agent/internal/diag"
	"github.com/upcn/agent/internal/eid"
	"github.com/upcn/agent/internal/router"
	"github.com/upcn/agent/internal/routing"
	"github.com/upcn/agent/internal/uerrors"
	"github.com/upcn/agent/internal/ulog"
	"github.com/upcn/agent/internal/xdebug"
)

// SignalKind enumerates the signal queue's message types, per spec.md §4.7.
type SignalKind int

const (
	SigProcessRouterCommand SignalKind = iota
	SigRouteBundle
	SigProcessBeacon
	SigContactOver
	SigTransmissionSuccess
	SigTransmissionFailure
	SigWithdrawStation
	SigOptimizationDrop
)

// CommandOpcode is the router-command surface's opcode, per spec.md §6.
type CommandOpcode int

const (
	OpAdd CommandOpcode = iota
	OpUpdate
	OpDelete
	OpQuery
)

// RouterCommand is one external plan edit.
type RouterCommand struct {
	Opcode         CommandOpcode
	GSEID          string
	CLAKind        string
	CLAAddress     string
	DefaultGateway bool
	Endpoints      []contact.Endpoint
	Contacts       []*contact.Contact
}

// Signal is one message on the queue; only the fields relevant to Kind are
// populated.
type Signal struct {
	Kind SignalKind

	Command *RouterCommand // SigProcessRouterCommand
	BaseID  string         // SigRouteBundle, SigOptimizationDrop
	Beacon  []byte         // SigProcessBeacon
	Contact *contact.Contact // SigContactOver
	RBID    string         // SigTransmissionSuccess/Failure
	GSEID   string         // SigWithdrawStation
}

// Outcome is what the bundle processor learns once a RouteBundle decision
// is fully resolved (spec.md §4.8). Reason carries the status-report reason
// the failure (or completion) maps to; generating the administrative record
// itself stays the bundle processor's job.
type Outcome struct {
	Routed         bool
	Fragments      int
	Err            error // non-nil iff !Routed
	Reason         router.Reason
	AnyTransmitted bool
}

func failedOutcome(err error) Outcome {
	return Outcome{Routed: false, Err: err, Reason: router.ReasonFor(err)}
}

// BundleStore fetches a parsed bundle by its store identifier. External
// collaborator per spec.md §1/§6.
type BundleStore interface {
	Fetch(id string) (*bundle.Bundle, error)
}

// BundleProcessor is notified of route/transmission outcomes and of
// bundles that must be rescheduled. External collaborator per spec.md §4.7.
type BundleProcessor interface {
	NotifyOutcome(id string, outcome Outcome)
	Reschedule(refs []contact.RoutedRef)
}

// Discovery receives forwarded beacon payloads. External collaborator.
type Discovery interface {
	Forward(beacon []byte)
}

// pendingBundle tracks a committed RoutedBundle's fragment-completion
// counters, per spec.md §3 "Routed bundle": serialized <= contact_count;
// final reporting when serialized == contact_count.
type pendingBundle struct {
	contactCount   int
	serialized     int
	anyTransmitted bool
}

// Task is the router task. One Task per process; Enqueue is safe for
// concurrent multi-producer use, Run must only ever be driven by one
// goroutine (spec.md §5: "each task owns a single inbound queue").
type Task struct {
	tbl       *routing.Table
	cfg       func() router.Config
	store     BundleStore
	processor BundleProcessor
	discovery Discovery
	cm        *contactmgr.Manager
	diag      *diag.Channel

	queue   chan Signal
	pending map[string]*pendingBundle
}

// New returns a Task wired to its collaborators. cfg is called fresh on
// every RouteBundle signal so a live config update (internal/config) takes
// effect on the next bundle without restarting the task. diagCh receives a
// diag.EventPlanError for every router command rejected by handleCommand
// (spec.md §7: "user-visible failures are always observable as a typed
// event on the diagnostic channel"); a nil diagCh disables reporting.
func New(tbl *routing.Table, cfg func() router.Config, store BundleStore, processor BundleProcessor, discovery Discovery, cm *contactmgr.Manager, diagCh *diag.Channel) *Task {
	return &Task{
		tbl:       tbl,
		cfg:       cfg,
		store:     store,
		processor: processor,
		discovery: discovery,
		cm:        cm,
		diag:      diagCh,
		queue:     make(chan Signal, 256),
		pending:   make(map[string]*pendingBundle),
	}
}

// Enqueue posts a signal. Blocks if the queue is full — deliberately: the
// queue is the only ordering guarantee spec.md §5 relies on, so silently
// dropping a signal here would be worse than backpressure.
func (t *Task) Enqueue(s Signal) { t.queue <- s }

// Run drains the signal queue until ctx is cancelled.
func (t *Task) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig := <-t.queue:
			t.handle(sig)
		}
	}
}

func (t *Task) handle(sig Signal) {
	switch sig.Kind {
	case SigProcessRouterCommand:
		t.handleCommand(sig.Command)
	case SigRouteBundle:
		t.handleRouteBundle(sig.BaseID)
	case SigProcessBeacon:
		t.discovery.Forward(sig.Beacon)
	case SigContactOver:
		t.handleContactOver(sig.Contact)
	case SigTransmissionSuccess:
		t.handleTransmission(sig.RBID, true)
	case SigTransmissionFailure:
		t.handleTransmission(sig.RBID, false)
	case SigWithdrawStation:
		t.handleWithdrawStation(sig.GSEID)
	case SigOptimizationDrop:
		t.processor.NotifyOutcome(sig.BaseID, failedOutcome(uerrors.NewRoutingError(uerrors.NoMemory, "preempted bundle could not be re-seated")))
	}
}

// reportPlanError publishes a rejected-command event on the diagnostic
// channel, per spec.md §7. A nil t.diag (e.g. in tests that don't wire one)
// is a silent no-op.
func (t *Task) reportPlanError(gsEID string, err error) {
	ulog.Warnf("routertask: rejected router command for %s: %v", gsEID, err)
	if t.diag == nil {
		return
	}
	t.diag.Publish(diag.Event{Kind: diag.EventPlanError, GSEID: gsEID, Reason: err.Error(), Err: err})
}

func (t *Task) handleCommand(cmd *RouterCommand) {
	if cmd == nil {
		return
	}
	planErrs, resched := t.applyCommand(cmd)

	// Lock released: reporting and cross-task posting happen outside it,
	// per spec.md §5's "no lock is ever held while posting".
	for _, err := range planErrs {
		t.reportPlanError(cmd.GSEID, err)
	}
	if len(resched) > 0 {
		t.processor.Reschedule(resched)
	}
	t.cm.Notify(contactmgr.SignalContactsUpdated)
}

// applyCommand mutates the routing table under its lock, collecting plan
// errors and the routed bundles the edit displaced.
func (t *Task) applyCommand(cmd *RouterCommand) (planErrs []error, resched []contact.RoutedRef) {
	t.tbl.Lock()
	defer t.tbl.Unlock()

	switch cmd.Opcode {
	case OpAdd, OpUpdate:
		var gs *contact.GS
		for _, existing := range t.tbl.GSs() {
			if existing.EID.String() == cmd.GSEID {
				gs = existing
				break
			}
		}
		if gs == nil {
			if cmd.Opcode == OpUpdate {
				return []error{uerrors.NewPlanError(uerrors.UnknownGs, "update references an unknown ground station")}, nil
			}
			gs = &contact.GS{EID: eidAlloc(cmd.GSEID), CLAKind: cmd.CLAKind, CLAAddress: cmd.CLAAddress, DefaultGateway: cmd.DefaultGateway}
			t.tbl.AddGS(gs)
		} else if cmd.Opcode == OpUpdate {
			gs.CLAKind, gs.CLAAddress = cmd.CLAKind, cmd.CLAAddress
			gs.DefaultGateway = cmd.DefaultGateway
			stale := append([]*contact.Contact(nil), gs.Contacts...)
			dres := t.tbl.RemoveContacts(gs, stale)
			resched = append(resched, drainContactBundles(dres.Deleted)...)
		} else if cmd.DefaultGateway {
			gs.DefaultGateway = true
		}
		gs.Endpoints = contact.MergeEndpoints(gs.Endpoints, cmd.Endpoints)
		res := t.tbl.MergeContacts(gs, cmd.Contacts)
		for _, rejected := range res.Rejected {
			kind := uerrors.OverlappingContact
			msg := "contact overlaps an existing window, would force too many concurrent contacts, or has a degenerate [from,to) window"
			if rejected.From >= rejected.To {
				msg = "contact has a degenerate [from,to) window (from >= to)"
			}
			planErrs = append(planErrs, uerrors.NewPlanError(kind, msg))
		}
		// A bitrate downgrade can overcommit a merged contact; its queued
		// bundles go back for rerouting (the cap_modified sweep in
		// routing_table_add_gs).
		for _, mc := range res.Modified {
			if mc.Remaining[0] < 0 {
				resched = append(resched, drainContactBundles([]*contact.Contact{mc})...)
			}
		}
	case OpDelete:
		for _, existing := range t.tbl.GSs() {
			if existing.EID.String() != cmd.GSEID {
				continue
			}
			if len(cmd.Endpoints) == 0 && len(cmd.Contacts) == 0 {
				resched = append(resched, t.removeGSLocked(existing)...)
			} else {
				dres := t.tbl.RemoveContacts(existing, cmd.Contacts)
				resched = append(resched, drainContactBundles(dres.Deleted)...)
			}
			break
		}
	case OpQuery:
		// diagnostic snapshot emission is internal/diag's concern; the
		// router task only needs to have touched nothing here.
	}
	return planErrs, resched
}

// drainContactBundles empties each contact's FIFO, releasing its capacity
// reservations, and returns the displaced routed bundles.
func drainContactBundles(contacts []*contact.Contact) []contact.RoutedRef {
	var refs []contact.RoutedRef
	for _, c := range contacts {
		for _, ref := range c.Bundles {
			c.ReleaseForPriority(ref.Priority, ref.Size)
		}
		refs = append(refs, c.Bundles...)
		c.Bundles = nil
	}
	return refs
}

// removeGSLocked drains every contact of gs and removes the GS from the
// table. Must be called with the table lock held.
func (t *Task) removeGSLocked(gs *contact.GS) []contact.RoutedRef {
	refs := drainContactBundles(gs.Contacts)
	t.tbl.RemoveGS(gs.EID.String())
	return refs
}

func eidAlloc(s string) *eid.Handle { return eid.Alloc(s) }

func (t *Task) handleRouteBundle(id string) {
	b, err := t.store.Fetch(id)
	if err != nil {
		t.processor.NotifyOutcome(id, failedOutcome(err))
		return
	}

	cfg := t.cfg()
	t.tbl.Lock()
	res, err := router.RouteBundle(t.tbl, cfg, b)
	if err != nil {
		t.tbl.Unlock()
		t.processor.NotifyOutcome(id, failedOutcome(err))
		return
	}
	refs, err := router.Commit(cfg, res, id, b.Flags.Priority())
	t.tbl.Unlock()
	if err != nil {
		t.processor.NotifyOutcome(id, failedOutcome(err))
		return
	}

	t.pending[id] = &pendingBundle{contactCount: len(refs)}
	t.processor.NotifyOutcome(id, Outcome{Routed: true, Fragments: len(res.Fragments)})
	t.cm.Notify(contactmgr.SignalBundleScheduled)
}

// handleContactOver finalizes a passed contact: any bundles still attached
// are drained for rescheduling and the contact is retired from the routing
// table (spec.md §4.7 "invoke routing-table finalization for c").
func (t *Task) handleContactOver(c *contact.Contact) {
	if c == nil {
		return
	}
	t.tbl.Lock()
	c.Active = false
	leftover := drainContactBundles([]*contact.Contact{c})
	t.tbl.FinalizeContact(c)
	t.tbl.Unlock()

	if len(leftover) > 0 {
		t.processor.Reschedule(leftover)
	}
}

func (t *Task) handleTransmission(rbID string, success bool) {
	pb, ok := t.pending[rbID]
	if !ok {
		ulog.Warnf("routertask: transmission signal for unknown routed bundle %s", rbID)
		return
	}
	pb.serialized++
	xdebug.Assertf(pb.serialized <= pb.contactCount, "routed bundle %s over-reported: %d of %d", rbID, pb.serialized, pb.contactCount)
	if success {
		pb.anyTransmitted = true
	}
	if pb.serialized < pb.contactCount {
		return
	}
	delete(t.pending, rbID)
	t.processor.NotifyOutcome(rbID, Outcome{Routed: true, Reason: router.ReasonNoInfo, AnyTransmitted: pb.anyTransmitted})
}

func (t *Task) handleWithdrawStation(gsEID string) {
	t.tbl.Lock()
	var leftover []contact.RoutedRef
	for _, gs := range t.tbl.GSs() {
		if gs.EID.String() == gsEID {
			leftover = t.removeGSLocked(gs)
			break
		}
	}
	t.tbl.Unlock()

	if len(leftover) > 0 {
		t.processor.Reschedule(leftover)
	}
}
