package coll_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/NVIDIA/aiscoll/avset"
	"github.com/NVIDIA/aiscoll/coll"
	"github.com/NVIDIA/aiscoll/reduceop"
	"github.com/NVIDIA/aiscoll/xport"
)

// buildCluster wires n coll.Endpoints over a shared in-memory mesh, each
// endpoint's transport completion callback routed through its own
// dispatcher -- the same wiring cmd/collctl performs for its simulated
// cluster.
func buildCluster(n int) []*coll.Endpoint {
	mesh := xport.NewMesh()
	addrs := make([]xport.Addr, n)
	for i := 0; i < n; i++ {
		addrs[i] = xport.RankAddr(i)
	}
	eps := make([]*coll.Endpoint, n)
	for i := 0; i < n; i++ {
		av := &xport.SliceAddressVector{Addrs: addrs, Self: i}
		ep, err := coll.NewEndpoint("rank", av, nil, nil, nil)
		Expect(err).NotTo(HaveOccurred())
		i := i
		transport := mesh.NewEndpoint(i, func(tag xport.Tag, ctx any) { ep.Dispatcher.HandleCompletion(tag, ctx) })
		ep.Transport = transport
		ep.Engine.Transport = transport
		eps[i] = ep
	}
	return eps
}

// runAll invokes fn concurrently on every endpoint, since a collective call
// blocks its caller until its local schedule retires -- every participant
// must be in flight for the in-memory mesh to ever complete a Recv.
func runAll(eps []*coll.Endpoint, fn func(ep *coll.Endpoint) error) []error {
	errs := make([]error, len(eps))
	done := make(chan int, len(eps))
	for i, ep := range eps {
		i, ep := i, ep
		go func() {
			errs[i] = fn(ep)
			done <- i
		}()
	}
	for range eps {
		<-done
	}
	return errs
}

func expectNoErrors(errs []error) {
	for _, err := range errs {
		ExpectWithOffset(1, err).NotTo(HaveOccurred())
	}
}

var _ = Describe("Barrier", func() {
	It("should retire on every rank of the world group, n=5", func() {
		eps := buildCluster(5)
		errs := runAll(eps, func(ep *coll.Endpoint) error {
			return coll.Barrier(ep, ep.WorldAddr(), nil)
		})
		expectNoErrors(errs)
	})
})

var _ = Describe("AllReduce", func() {
	It("should SUM rank indices correctly for a non-power-of-two n=5", func() {
		eps := buildCluster(5)
		results := make([]int32, 5)
		errs := runAll(eps, func(ep *coll.Endpoint) error {
			send := make([]byte, 4)
			recv := make([]byte, 4)
			putI32(send, int32(ep.Rank))
			if err := coll.AllReduce(ep, ep.WorldAddr(), send, recv, 1, reduceop.I32, reduceop.SUM, nil); err != nil {
				return err
			}
			results[ep.Rank] = getI32(recv)
			return nil
		})
		expectNoErrors(errs)
		for _, got := range results {
			Expect(got).To(Equal(int32(0 + 1 + 2 + 3 + 4)))
		}
	})

	It("should SUM correctly for a power-of-two n=4", func() {
		eps := buildCluster(4)
		results := make([]int32, 4)
		errs := runAll(eps, func(ep *coll.Endpoint) error {
			send := make([]byte, 4)
			recv := make([]byte, 4)
			putI32(send, int32(ep.Rank+1))
			if err := coll.AllReduce(ep, ep.WorldAddr(), send, recv, 1, reduceop.I32, reduceop.SUM, nil); err != nil {
				return err
			}
			results[ep.Rank] = getI32(recv)
			return nil
		})
		expectNoErrors(errs)
		for _, got := range results {
			Expect(got).To(Equal(int32(1 + 2 + 3 + 4)))
		}
	})
})

var _ = Describe("Broadcast", func() {
	It("should deliver the root's value to every other rank", func() {
		eps := buildCluster(5)
		const root = 2
		const value = int32(777)
		bufs := make([][]byte, 5)
		errs := runAll(eps, func(ep *coll.Endpoint) error {
			buf := make([]byte, 4)
			if ep.Rank == root {
				putI32(buf, value)
			}
			if err := coll.Broadcast(ep, ep.WorldAddr(), buf, 1, reduceop.I32, root, nil); err != nil {
				return err
			}
			bufs[ep.Rank] = buf
			return nil
		})
		expectNoErrors(errs)
		for _, b := range bufs {
			Expect(getI32(b)).To(Equal(value))
		}
	})
})

var _ = Describe("JoinCollective", func() {
	It("should elect a fresh context id and restrict the new group to its members", func() {
		eps := buildCluster(4)
		newGroups := make([]interface{}, 4)
		errs := runAll(eps, func(ep *coll.Endpoint) error {
			// every rank computes the same target membership -- the new
			// group's address set, not a per-rank view of it.
			evenSet, err := coll.AVSetCreate(ep.AV, coll.AVSetAttr{Name: "even"})
			if err != nil {
				return err
			}
			if err := evenSet.Insert(xport.RankAddr(0)); err != nil {
				return err
			}
			if err := evenSet.Insert(xport.RankAddr(2)); err != nil {
				return err
			}
			g, err := coll.JoinCollective(ep, ep.WorldAddr(), evenSet, coll.JoinFlagNoEvent, nil)
			if err != nil {
				return err
			}
			newGroups[ep.Rank] = g
			return nil
		})
		expectNoErrors(errs)

		Expect(newGroups[1]).To(BeNil())
		Expect(newGroups[3]).To(BeNil())
		Expect(newGroups[0]).NotTo(BeNil())
		Expect(newGroups[2]).NotTo(BeNil())
	})
})

func putI32(b []byte, v int32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func getI32(b []byte) int32 {
	return int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16 | int32(b[3])<<24
}
