package sched_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/NVIDIA/aiscoll/avset"
	"github.com/NVIDIA/aiscoll/group"
	"github.com/NVIDIA/aiscoll/reduceop"
	"github.com/NVIDIA/aiscoll/sched"
	"github.com/NVIDIA/aiscoll/workq"
	"github.com/NVIDIA/aiscoll/xport"
)

func rankGroup(n, rank int) *group.Group {
	addrs := make([]xport.Addr, n)
	for i := 0; i < n; i++ {
		addrs[i] = xport.RankAddr(i)
	}
	av := &xport.SliceAddressVector{Addrs: addrs, Self: rank}
	set, _ := avset.FromVector(av)
	return group.New("ep", set, rank, 3)
}

func resolverFor(g *group.Group) sched.PeerResolver {
	return func(r int) (xport.Addr, error) { return g.Set.At(r) }
}

var _ = Describe("CompileAllReduce", func() {
	It("should schedule a power-of-two exchange for n=2 with no low-pair phase", func() {
		g := rankGroup(2, 0)
		sendBuf := make([]byte, 4)
		recvBuf := make([]byte, 4)
		_, err := sched.CompileAllReduce(g, 2, 0, resolverFor(g), sendBuf, recvBuf, 1, reduceop.I32, reduceop.SUM)
		Expect(err).NotTo(HaveOccurred())
		// one virtual-rank XOR-mask step (recv, send, reduce, copy) plus the
		// final sendBuf<-recvBuf copy.
		Expect(g.Lists.DeferredLen()).To(Equal(5))
	})

	It("should reject an out-of-range rank", func() {
		g := rankGroup(4, 0)
		_, err := sched.CompileAllReduce(g, 4, 9, resolverFor(g), nil, nil, 1, reduceop.I32, reduceop.SUM)
		Expect(err).To(HaveOccurred())
	})

	It("should reject an unsupported (op, datatype) pair before scheduling anything", func() {
		g := rankGroup(4, 0)
		_, err := sched.CompileAllReduce(g, 4, 0, resolverFor(g), nil, nil, 1, reduceop.F32, reduceop.BAND)
		Expect(err).To(HaveOccurred())
		Expect(g.Lists.DeferredLen()).To(Equal(0))
	})

	It("should schedule work for a non-power-of-two n=5 at every rank", func() {
		for rank := 0; rank < 5; rank++ {
			g := rankGroup(5, rank)
			sendBuf := make([]byte, 4)
			recvBuf := make([]byte, 4)
			_, err := sched.CompileAllReduce(g, 5, rank, resolverFor(g), sendBuf, recvBuf, 1, reduceop.I32, reduceop.SUM)
			Expect(err).NotTo(HaveOccurred())
			Expect(g.Lists.DeferredLen()).To(BeNumerically(">", 0))
		}
	})
})

var _ = Describe("CompileBarrier", func() {
	It("should append a trailing completion item after the all-reduce schedule", func() {
		g := rankGroup(3, 0)
		var scratch [8]byte
		called := false
		_, err := sched.CompileBarrier(g, 3, 0, resolverFor(g), scratch, func(*workq.Item) { called = true }, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(g.Lists.DeferredLen()).To(BeNumerically(">", 0))
		Expect(g.Lists.Deferred.Back().Value.(*workq.Item).Kind).To(Equal(workq.KindCompletion))
		_ = called
	})
})

var _ = Describe("CompileBroadcast", func() {
	It("root should only send, never receive", func() {
		g := rankGroup(4, 0)
		buf := make([]byte, 4)
		_, err := sched.CompileBroadcast(g, 4, 0, 0, resolverFor(g), buf, 1, reduceop.I32)
		Expect(err).NotTo(HaveOccurred())
		// root of a 4-rank binomial tree sends to ranks 2 and 1.
		Expect(g.Lists.DeferredLen()).To(Equal(2))
		for e := g.Lists.Deferred.Front(); e != nil; e = e.Next() {
			Expect(e.Value.(*workq.Item).Kind).To(Equal(workq.KindSend))
		}
	})

	It("a non-root leaf should receive exactly once", func() {
		g := rankGroup(4, 3)
		buf := make([]byte, 4)
		_, err := sched.CompileBroadcast(g, 4, 3, 0, resolverFor(g), buf, 1, reduceop.I32)
		Expect(err).NotTo(HaveOccurred())
		Expect(g.Lists.DeferredLen()).To(Equal(1))
		Expect(g.Lists.Deferred.Front().Value.(*workq.Item).Kind).To(Equal(workq.KindRecv))
	})
})
