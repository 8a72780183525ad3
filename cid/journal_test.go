package cid_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/NVIDIA/aiscoll/cid"
)

var _ = Describe("Journal", func() {
	It("should record Clear/Release in order when attached to an Allocator", func() {
		j, err := cid.OpenJournal(":memory:")
		Expect(err).NotTo(HaveOccurred())
		defer j.Close()

		a := cid.NewAllocator()
		a.AttachJournal(j)

		Expect(a.Clear(7)).To(Succeed())
		Expect(a.Release(7)).To(Succeed())

		entries, err := j.Entries()
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(HaveLen(2))
		Expect(entries[0]).To(HavePrefix("clear 7 "))
		Expect(entries[1]).To(HavePrefix("release 7 "))
	})
})
