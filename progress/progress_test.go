package progress_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/NVIDIA/aiscoll/avset"
	"github.com/NVIDIA/aiscoll/errs"
	"github.com/NVIDIA/aiscoll/group"
	"github.com/NVIDIA/aiscoll/progress"
	"github.com/NVIDIA/aiscoll/reduceop"
	"github.com/NVIDIA/aiscoll/workq"
	"github.com/NVIDIA/aiscoll/xport"
)

type stubTransport struct {
	sendCalls  int
	refuseOnce bool
}

func (t *stubTransport) Send(_ xport.Addr, _ xport.Tag, _ []byte, _ any) error {
	t.sendCalls++
	if t.refuseOnce {
		t.refuseOnce = false
		return errs.New(errs.TransientBusy, "stub: busy")
	}
	return nil
}

func (t *stubTransport) Recv(_ xport.Addr, _ xport.Tag, _ []byte, _ any) error {
	return nil
}

func newGroup() *group.Group {
	av := &xport.SliceAddressVector{Addrs: []xport.Addr{xport.RankAddr(0), xport.RankAddr(1)}, Self: 0}
	s, _ := avset.FromVector(av)
	return group.New("ep", s, 0, 3)
}

var _ = Describe("Engine.Tick", func() {
	It("should execute local-only items synchronously without touching the transport", func() {
		g := newGroup()
		a := make([]byte, 4)
		b := make([]byte, 4)
		a[0] = 3
		b[0] = 4
		g.Lists.PushDeferred(workq.NewReduce(a, b, 1, reduceop.I32, reduceop.SUM))

		retired := false
		g.Lists.PushDeferred(workq.NewCompletion("test", nil, nil, func(*workq.Item) { retired = true }))

		e := progress.New(nil)
		Expect(e.Tick(g)).To(Succeed())
		Expect(a[0]).To(Equal(byte(7)))
		Expect(retired).To(BeTrue())
		Expect(g.Lists.DeferredLen()).To(Equal(0))
	})

	It("should stop draining at a Send/Recv item and submit it to the transport", func() {
		g := newGroup()
		tr := &stubTransport{}
		e := progress.New(tr)

		send := workq.NewSend(g.Tag(g.NextSeq()), make([]byte, 4), 1, reduceop.I32, xport.RankAddr(1), 1)
		g.Lists.PushDeferred(send)
		g.Lists.PushDeferred(workq.NewReduce(make([]byte, 4), make([]byte, 4), 1, reduceop.I32, reduceop.SUM))

		Expect(e.Tick(g)).To(Succeed())
		Expect(tr.sendCalls).To(Equal(1))
		Expect(send.State).To(Equal(workq.StateInFlight))
		// the Reduce item behind the Send in the deferred list never ran --
		// draining stops at the first Send/Recv it pops.
		Expect(g.Lists.DeferredLen()).To(Equal(1))
	})

	It("should requeue a transient-busy refusal for the next tick", func() {
		g := newGroup()
		tr := &stubTransport{refuseOnce: true}
		e := progress.New(tr)
		retries := 0
		e.OnBusyRetry = func(string) { retries++ }

		send := workq.NewSend(g.Tag(g.NextSeq()), make([]byte, 4), 1, reduceop.I32, xport.RankAddr(1), 1)
		g.Lists.PushDeferred(send)

		err := e.Tick(g)
		Expect(err).To(HaveOccurred())
		kind, ok := errs.KindOf(err)
		Expect(ok).To(BeTrue())
		Expect(kind).To(Equal(errs.TransientBusy))
		Expect(retries).To(Equal(1))
		Expect(g.Lists.PendingLen()).To(Equal(1))

		Expect(e.Tick(g)).To(Succeed())
		Expect(tr.sendCalls).To(Equal(2))
	})
})
