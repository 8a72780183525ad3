package dispatch_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/NVIDIA/aiscoll/avset"
	"github.com/NVIDIA/aiscoll/dispatch"
	"github.com/NVIDIA/aiscoll/group"
	"github.com/NVIDIA/aiscoll/reduceop"
	"github.com/NVIDIA/aiscoll/workq"
	"github.com/NVIDIA/aiscoll/xport"
)

type fakeResumer struct {
	resumed int
}

func (r *fakeResumer) Resume(*group.Group) error {
	r.resumed++
	return nil
}

func newGroup() *group.Group {
	av := &xport.SliceAddressVector{Addrs: []xport.Addr{xport.RankAddr(0), xport.RankAddr(1)}, Self: 0}
	s, _ := avset.FromVector(av)
	return group.New("ep", s, 0, 5)
}

var _ = Describe("Dispatcher", func() {
	It("should retire the matching barrier item and resume the engine", func() {
		g := newGroup()
		it := workq.NewSend(g.Tag(1), make([]byte, 4), 1, reduceop.I32, xport.RankAddr(1), 1)
		g.Lists.LinkBarrier(it)

		r := &fakeResumer{}
		d := dispatch.NewDispatcher(r, 0)
		d.Track(it.Tag)

		d.HandleCompletion(it.Tag, g)
		Expect(it.State).To(Equal(workq.StateRetired))
		Expect(g.Lists.BarrierLen()).To(Equal(0))
		Expect(r.resumed).To(Equal(1))
	})

	It("should ignore a completion for a tag that was never tracked", func() {
		g := newGroup()
		r := &fakeResumer{}
		d := dispatch.NewDispatcher(r, 0)

		d.HandleCompletion(g.Tag(99), g)
		Expect(r.resumed).To(Equal(0))
	})

	It("should be idempotent for a duplicate completion of the same tag", func() {
		g := newGroup()
		it := workq.NewSend(g.Tag(1), make([]byte, 4), 1, reduceop.I32, xport.RankAddr(1), 1)
		g.Lists.LinkBarrier(it)

		r := &fakeResumer{}
		d := dispatch.NewDispatcher(r, 0)
		d.Track(it.Tag)

		d.HandleCompletion(it.Tag, g)
		d.HandleCompletion(it.Tag, g)
		Expect(r.resumed).To(Equal(1))
	})

	It("should ignore a completion whose groupCtx is not a *group.Group", func() {
		r := &fakeResumer{}
		d := dispatch.NewDispatcher(r, 0)
		d.Track(xport.Tag(1))
		d.HandleCompletion(xport.Tag(1), "not a group")
		Expect(r.resumed).To(Equal(0))
	})
})
