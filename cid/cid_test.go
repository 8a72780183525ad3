package cid_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/NVIDIA/aiscoll/cid"
)

var _ = Describe("Allocator", func() {
	It("should start with bit 0 reserved and everything else free", func() {
		a := cid.NewAllocator()
		Expect(a.FreeCount()).To(Equal(cid.Width - 1))

		buf := make([]byte, cid.Width/8)
		Expect(a.Candidate(buf)).To(Succeed())
		id, ok := cid.LowestSetBit(buf)
		Expect(ok).To(BeTrue())
		Expect(id).To(Equal(1))
	})

	It("should elect the lowest free id across an AND-reduction of candidates", func() {
		a := cid.NewAllocator()
		Expect(a.Clear(1)).To(Succeed())

		own := make([]byte, cid.Width/8)
		Expect(a.Candidate(own)).To(Succeed())

		other := make([]byte, cid.Width/8)
		Expect(cid.NonParticipantCandidate(other)).To(Succeed())

		reduced := andBytes(own, other)
		id, ok := cid.LowestSetBit(reduced)
		Expect(ok).To(BeTrue())
		Expect(id).To(Equal(2))
	})

	It("should round-trip Clear/Release", func() {
		a := cid.NewAllocator()
		Expect(a.Clear(5)).To(Succeed())
		Expect(a.Clear(5)).To(HaveOccurred())
		Expect(a.Release(5)).To(Succeed())
		Expect(a.Release(5)).To(HaveOccurred())
	})

	It("should refuse to release the reserved world id", func() {
		a := cid.NewAllocator()
		Expect(a.Release(cid.WorldCid)).To(HaveOccurred())
	})

	It("NonParticipantCandidate should never be the bottleneck", func() {
		buf := make([]byte, cid.Width/8)
		Expect(cid.NonParticipantCandidate(buf)).To(Succeed())
		id, ok := cid.LowestSetBit(buf)
		Expect(ok).To(BeTrue())
		Expect(id).To(Equal(1))
	})
})

func andBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] & b[i]
	}
	return out
}
