package workq_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/NVIDIA/aiscoll/reduceop"
	"github.com/NVIDIA/aiscoll/workq"
	"github.com/NVIDIA/aiscoll/xport"
)

var _ = Describe("FormTag / DecodeTag", func() {
	It("should round-trip an exact value", func() {
		tag := workq.FormTag(7, 300, 5)
		cidv, seq, rank, isColl := workq.DecodeTag(tag)
		Expect(isColl).To(BeTrue())
		Expect(cidv).To(Equal(uint16(7)))
		Expect(seq).To(Equal(uint16(300)))
		Expect(rank).To(Equal(uint32(5)))
	})

	It("should always set the collective flag bit", func() {
		tag := workq.FormTag(0, 0, 0)
		Expect(tag & (1 << 63)).NotTo(BeZero())
	})

	It("should truncate seq to 16 bits", func() {
		wide := uint32(0x10001)
		tag := workq.FormTag(1, uint16(wide), 0)
		_, seq, _, _ := workq.DecodeTag(tag)
		Expect(seq).To(Equal(uint16(1)))
	})
})

var _ = Describe("Lists", func() {
	It("should only link Send/Recv barrier flags via NewSend/NewRecv", func() {
		s := workq.NewSend(0, nil, 1, reduceop.I32, xport.RankAddr(1), 1)
		r := workq.NewRecv(0, nil, 1, reduceop.I32, xport.RankAddr(1), 1)
		red := workq.NewReduce(nil, nil, 1, reduceop.I32, reduceop.SUM)
		cpy := workq.NewCopy(nil, nil, 1, reduceop.I32)

		Expect(s.IsBarrier).To(BeTrue())
		Expect(r.IsBarrier).To(BeTrue())
		Expect(red.IsBarrier).To(BeFalse())
		Expect(cpy.IsBarrier).To(BeFalse())
	})

	It("should drive the deferred -> pending -> barrier linkage", func() {
		l := workq.NewLists()
		it := workq.NewSend(xport.Tag(workq.FormTag(1, 1, 0)), nil, 1, reduceop.I32, xport.RankAddr(1), 1)
		l.PushDeferred(it)

		Expect(l.DeferredLen()).To(Equal(1))
		popped := l.PopFrontDeferred()
		Expect(popped).To(Equal(it))
		Expect(l.DeferredLen()).To(Equal(0))

		l.LinkBarrier(popped)
		l.PushPendingBack(popped)
		Expect(l.BarrierLen()).To(Equal(1))
		Expect(l.PendingLen()).To(Equal(1))

		found := l.FindByTag(uint64(it.Tag))
		Expect(found).To(Equal(it))

		l.UnlinkBarrier(popped)
		Expect(l.BarrierLen()).To(Equal(0))
	})

	It("should restore a refused item to the pending head on retry", func() {
		l := workq.NewLists()
		first := workq.NewSend(1, nil, 1, reduceop.I32, xport.RankAddr(0), 0)
		second := workq.NewSend(2, nil, 1, reduceop.I32, xport.RankAddr(0), 0)
		l.PushPendingBack(first)
		l.PushPendingBack(second)

		popped := l.PopFrontPending()
		Expect(popped).To(Equal(first))
		l.PushPendingFront(popped)

		Expect(l.PopFrontPending()).To(Equal(first))
		Expect(l.PopFrontPending()).To(Equal(second))
	})

	It("should purge every item tagged with a given collective id", func() {
		l := workq.NewLists()
		keep := workq.NewReduce(nil, nil, 1, reduceop.I32, reduceop.SUM)
		keep.CollID = 1
		drop := workq.NewReduce(nil, nil, 1, reduceop.I32, reduceop.SUM)
		drop.CollID = 2
		l.PushDeferred(keep)
		l.PushDeferred(drop)

		l.PurgeCollective(2)
		Expect(l.DeferredLen()).To(Equal(1))
		Expect(l.PopFrontDeferred()).To(Equal(keep))
	})
})
