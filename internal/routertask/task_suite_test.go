package routertask

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/upcn/agent/internal/bundle"
	"github.com/upcn/agent/internal/contact"
	"github.com/upcn/agent/internal/contactmgr"
	"github.com/upcn/agent/internal/diag"
	"github.com/upcn/agent/internal/eid"
	"github.com/upcn/agent/internal/router"
	"github.com/upcn/agent/internal/routing"
)

func TestRouterTaskSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, t.Name())
}

func suiteBundle(dest *eid.Handle, payloadLen int) *bundle.Bundle {
	payload := &bundle.Block{Type: bundle.BlockTypePayload, Flags: bundle.BlockFlagLast, Data: make([]byte, payloadLen)}
	return &bundle.Bundle{
		Version: bundle.V7, Destination: dest,
		Source: eid.Alloc("dtn://suite-src/"), ReportTo: eid.Alloc("dtn://suite-src/"),
		Blocks: []*bundle.Block{payload}, Payload: payload,
	}
}

var _ = Describe("Task", func() {
	var (
		tbl    *routing.Table
		store  *fakeStore
		proc   *fakeProcessor
		diagCh *diag.Channel
		task   *Task
	)

	BeforeEach(func() {
		tbl = routing.New()
		store = &fakeStore{bundles: map[string]*bundle.Bundle{}}
		proc = &fakeProcessor{}
		diagCh = diag.NewChannel()
		cm := contactmgr.New(tbl, 4, fakeCLA{}, fakeTX{}, proc)
		task = New(tbl, router.DefaultConfig, store, proc, &fakeDiscovery{}, cm, diagCh)
	})

	addStation := func(gsEID string, dest *eid.Handle, from, to, bitrate int64) *contact.Contact {
		task.handleCommand(&RouterCommand{
			Opcode: OpAdd, GSEID: gsEID,
			Endpoints: []contact.Endpoint{{EID: dest, Probability: 0.999}},
			Contacts:  []*contact.Contact{contact.NewContact(nil, from, to, bitrate)},
		})
		var gs *contact.GS
		for _, g := range tbl.GSs() {
			if g.EID.String() == gsEID {
				gs = g
			}
		}
		Expect(gs).NotTo(BeNil())
		Expect(gs.Contacts).To(HaveLen(1))
		return gs.Contacts[0]
	}

	Describe("a simple route end to end", func() {
		It("commits one fragment over the single contact and finalizes on transmission", func() {
			dest := eid.Alloc("dtn://simple-dst/")
			c := addStation("dtn://simple-gs/", dest, 1, 5, 400)

			b := suiteBundle(dest, 500)
			store.bundles["b1"] = b
			task.handleRouteBundle("b1")

			Expect(proc.outcomes).To(HaveLen(1))
			Expect(proc.outcomes[0].outcome.Routed).To(BeTrue())
			Expect(proc.outcomes[0].outcome.Fragments).To(Equal(1))
			Expect(c.Bundles).To(HaveLen(1))
			Expect(c.Remaining[0]).To(Equal(c.TotalCapacity - int64(b.SerializedSize())))

			task.handleTransmission("b1", true)
			Expect(task.pending).NotTo(HaveKey("b1"))
			final := proc.outcomes[len(proc.outcomes)-1]
			Expect(final.outcome.AnyTransmitted).To(BeTrue())
		})
	})

	Describe("plan mutation", func() {
		It("reroutes a committed bundle when a bitrate downgrade overcommits its contact", func() {
			dest := eid.Alloc("dtn://mut-dst/")
			c := addStation("dtn://mut-gs/", dest, 10, 20, 100)

			b := suiteBundle(dest, 700)
			store.bundles["b2"] = b
			task.handleRouteBundle("b2")
			Expect(c.Bundles).To(HaveLen(1))

			task.handleCommand(&RouterCommand{
				Opcode: OpAdd, GSEID: "dtn://mut-gs/",
				Contacts: []*contact.Contact{contact.NewContact(nil, 10, 20, 50)},
			})

			Expect(c.Bitrate).To(Equal(int64(50)))
			Expect(c.Bundles).To(BeEmpty())
			Expect(c.Remaining[0]).To(Equal(c.TotalCapacity))
			Expect(proc.rescheduled).To(HaveLen(1))
		})

		It("deletes listed contacts and reschedules their queued bundles", func() {
			dest := eid.Alloc("dtn://del-dst/")
			c := addStation("dtn://del-gs/", dest, 10, 20, 100)
			c.Bundles = []contact.RoutedRef{{ID: "d1", Size: 10}}

			task.handleCommand(&RouterCommand{
				Opcode: OpDelete, GSEID: "dtn://del-gs/",
				Contacts: []*contact.Contact{contact.NewContact(nil, 10, 20, 0)},
			})

			Expect(tbl.Contacts()).To(BeEmpty())
			Expect(proc.rescheduled).To(HaveLen(1))
			_, ok := tbl.LookupDestination(dest.String())
			Expect(ok).To(BeFalse())
		})
	})

	Describe("station withdrawal", func() {
		It("keeps an active contact alive while freeing the rest of the station", func() {
			dest := eid.Alloc("dtn://wd-dst/")
			c := addStation("dtn://wd-gs/", dest, 10, 20, 100)
			c.Active = true
			c.Bundles = []contact.RoutedRef{{ID: "w1", Size: 10}}

			task.handleWithdrawStation("dtn://wd-gs/")

			Expect(tbl.GSs()).To(BeEmpty())
			Expect(tbl.Contacts()).To(HaveLen(1), "the active contact outlives its GS")
			Expect(tbl.Contacts()[0].GS).To(BeNil())
			Expect(proc.rescheduled).To(HaveLen(1))
		})
	})
})
