// Package contactmgr runs the contact manager event loop: expire, activate,
// dispatch, sleep. Grounded on spec.md §4.6 and
// _examples/original_source/components/upcn/src/contactManager.c
// (contact_active, remove_expired_contacts, check_upcoming/
// process_upcoming_list, hand_over_contact_bundles, manage_contacts,
// contact_manager_task).
package contactmgr

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/upcn/agent/internal/contact"
	"github.com/upcn/agent/internal/diag"
	"github.com/upcn/agent/internal/routing"
	"github.com/upcn/agent/internal/uerrors"
	"github.com/upcn/agent/internal/ulog"
	"github.com/upcn/agent/internal/xdebug"
)

// Signal is one of the wakeups spec.md §4.6 names. A zero-value Signal is
// the bare "wakeup with no signal" used by the discovery layer to request a
// beacon-send tick.
type Signal int

const (
	SignalNone Signal = iota
	SignalContactsUpdated
	SignalBundleScheduled
)

// ClaOpener opens/closes the CLA handler for a Ground Station, an external
// collaborator per spec.md §6.
type ClaOpener interface {
	Open(gs *contact.GS) error
	Close(gs *contact.GS) error
}

// TXDispatcher atomically moves a contact's queued bundles onto its CLA TX
// queue, an external collaborator per spec.md §6.
type TXDispatcher interface {
	Dispatch(c *contact.Contact, refs []contact.RoutedRef) error
}

// Rescheduler hands bundles orphaned by an expiring contact back to the
// router.
type Rescheduler interface {
	Reschedule(refs []contact.RoutedRef)
}

const maxCheckPeriod = 60 * time.Second // CONTACT_CHECKING_MAX_PERIOD

// Manager owns the bounded active-contacts table and runs its event loop on
// a dedicated goroutine via Run.
type Manager struct {
	tbl *routing.Table

	claChannels int
	sem         *semaphore.Weighted
	active      map[*contact.Contact]struct{}

	cla            ClaOpener
	tx             TXDispatcher
	reschedule     Rescheduler
	signals        chan Signal
	beaconDeadline func() time.Time         // external; nil disables the beacon term
	onContactOver  func(c *contact.Contact) // posts ContactOver to the router task; nil disables
	diag           *diag.Channel            // resource-error observability; nil disables
	now            func() int64             // injectable for tests; defaults to time.Now().Unix
}

// SetDiagChannel installs the diagnostic channel slot-exhaustion events are
// published on (spec.md §7: resource errors are observable as typed events).
func (m *Manager) SetDiagChannel(ch *diag.Channel) { m.diag = ch }

// SetContactOverFunc installs the callback through which an expired contact
// reaches the router task's ContactOver signal (spec.md §4.7). Called after
// the table lock is released, never under it.
func (m *Manager) SetContactOverFunc(f func(c *contact.Contact)) { m.onContactOver = f }

// SetBeaconDeadlineFunc installs the external discovery layer's
// next-beacon-emission deadline source; the event loop's sleep is capped to
// it so a beacon send is never late (spec.md §4.6 step 4). A nil or
// zero-time source leaves the contact deadlines alone.
func (m *Manager) SetBeaconDeadlineFunc(f func() time.Time) { m.beaconDeadline = f }

// New returns a Manager bounded to claChannels concurrently-active contacts
// (spec.md §5/§4.6: CLA_CHANNELS).
func New(tbl *routing.Table, claChannels int, cla ClaOpener, tx TXDispatcher, reschedule Rescheduler) *Manager {
	return &Manager{
		tbl:         tbl,
		claChannels: claChannels,
		sem:         semaphore.NewWeighted(int64(claChannels)),
		active:      make(map[*contact.Contact]struct{}, claChannels),
		cla:         cla,
		tx:          tx,
		reschedule:  reschedule,
		signals:     make(chan Signal, 16),
		now:         func() int64 { return time.Now().Unix() },
	}
}

// Notify enqueues a signal for the next loop iteration. Never blocks: a
// full signal queue means a tick is already pending, which will observe
// the same state anyway.
func (m *Manager) Notify(s Signal) {
	select {
	case m.signals <- s:
	default:
	}
}

// Run drives the event loop until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	for {
		deadline := m.tick()

		sleep := time.Until(deadline)
		if sleep < 0 {
			sleep = 0
		}
		if sleep > maxCheckPeriod {
			sleep = maxCheckPeriod
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		case <-m.signals:
			timer.Stop()
		}
	}
}

// tick runs one expire/activate/dispatch pass and returns the next wakeup
// deadline. Each phase mutates the shared table under its lock and performs
// CLA, TX-queue, and reschedule calls only after releasing it (spec.md §5:
// the lock is never held across queue posts or socket I/O).
func (m *Manager) tick() time.Time {
	now := m.now()
	m.expire(now)
	nextFrom, nextTo := m.activate(now)
	m.dispatch()

	deadline := int64(0)
	var wake time.Time
	switch {
	case nextTo > 0 && nextFrom > 0:
		deadline = min64(nextTo, nextFrom)
	case nextTo > 0:
		deadline = nextTo
	case nextFrom > 0:
		deadline = nextFrom
	}
	if deadline > 0 {
		wake = time.Unix(deadline, 0)
	} else {
		wake = time.Now().Add(maxCheckPeriod)
	}
	if m.beaconDeadline != nil {
		if b := m.beaconDeadline(); !b.IsZero() && b.Before(wake) {
			wake = b
		}
	}
	return wake
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// expire clears Active on every contact whose window has closed, returning
// its still-queued bundles to the router for rescheduling (spec.md §4.6
// step 1).
func (m *Manager) expire(now int64) {
	var resched []contact.RoutedRef
	var toClose []*contact.GS
	var over []*contact.Contact

	m.tbl.Lock()
	for c := range m.active {
		if c.To > now {
			continue
		}
		c.Active = false
		if len(c.Bundles) > 0 {
			resched = append(resched, c.Bundles...)
			c.Bundles = nil
		}
		// A deleted GS leaves its still-active contact parentless; there is
		// no CLA handler left to close for it.
		if c.GS != nil {
			toClose = append(toClose, c.GS)
		}
		over = append(over, c)
		delete(m.active, c)
		m.sem.Release(1)
	}
	m.tbl.Unlock()

	// ContactOver is posted before the displaced bundles' reschedules so the
	// router task finalizes the dead contact before it re-routes anything
	// (both land on the same FIFO queue).
	if m.onContactOver != nil {
		for _, c := range over {
			m.onContactOver(c)
		}
	}
	if len(resched) > 0 {
		m.reschedule.Reschedule(resched)
	}
	for _, gs := range toClose {
		if err := m.cla.Close(gs); err != nil {
			ulog.Warnf("contactmgr: closing CLA for %s: %v", gs.EID, err)
		}
	}
}

// activate walks the flat time-ordered contact list forward from now,
// activating any contact whose window has opened and for which a slot is
// free (spec.md §4.6 step 2). Returns the earliest upcoming From among
// contacts not yet active, and the earliest To among contacts now active. A
// contact whose CLA fails to open is deactivated again and retried on the
// next tick.
func (m *Manager) activate(now int64) (nextFrom, nextTo int64) {
	var opened []*contact.Contact
	var slotExhausted []string

	m.tbl.Lock()
	for _, c := range m.tbl.Contacts() {
		if c.Active {
			if nextTo == 0 || c.To < nextTo {
				nextTo = c.To
			}
			continue
		}
		if c.To <= now || c.GS == nil {
			continue
		}
		if c.From > now {
			if nextFrom == 0 || c.From < nextFrom {
				nextFrom = c.From
			}
			continue
		}
		// from <= now < to
		if !m.sem.TryAcquire(1) {
			// CLA_CHANNELS exhausted; try again next tick.
			slotExhausted = append(slotExhausted, c.GS.EID.String())
			continue
		}
		c.Active = true
		m.active[c] = struct{}{}
		xdebug.Assertf(len(m.active) <= m.claChannels, "active contacts %d exceed CLA_CHANNELS %d", len(m.active), m.claChannels)
		opened = append(opened, c)
		if nextTo == 0 || c.To < nextTo {
			nextTo = c.To
		}
	}
	m.tbl.Unlock()

	if m.diag != nil {
		for _, gsEID := range slotExhausted {
			m.diag.Publish(diag.Event{
				Kind: diag.EventResourceError, GSEID: gsEID,
				Reason: "contact slots exhausted",
				Err:    uerrors.NewResourceError(uerrors.ContactSlotsExhausted, "no free CLA channel for contact activation"),
			})
		}
	}
	for _, c := range opened {
		err := m.cla.Open(c.GS)
		if err == nil {
			continue
		}
		ulog.Warnf("contactmgr: opening CLA for %s: %v", c.GS.EID, err)
		m.tbl.Lock()
		c.Active = false
		delete(m.active, c)
		m.sem.Release(1)
		m.tbl.Unlock()
	}
	return nextFrom, nextTo
}

// dispatch moves every active contact's non-empty FIFO onto its TX queue
// (spec.md §4.6 step 3): the FIFO is drained under the table lock as a
// single command, then handed to the TX task outside it. A failed dispatch
// puts the bundles back for the next tick.
func (m *Manager) dispatch() {
	type handoff struct {
		c    *contact.Contact
		refs []contact.RoutedRef
	}
	var pending []handoff

	m.tbl.Lock()
	for c := range m.active {
		if len(c.Bundles) == 0 {
			continue
		}
		pending = append(pending, handoff{c: c, refs: c.Bundles})
		c.Bundles = nil
	}
	m.tbl.Unlock()

	for _, h := range pending {
		err := m.tx.Dispatch(h.c, h.refs)
		if err == nil {
			continue
		}
		ulog.Warnf("contactmgr: dispatch for contact [%d,%d): %v", h.c.From, h.c.To, err)
		m.tbl.Lock()
		h.c.Bundles = append(h.refs, h.c.Bundles...)
		m.tbl.Unlock()
	}
}
