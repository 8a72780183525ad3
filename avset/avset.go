// Package avset implements the Address Set: an ordered,
// duplicate-free sequence of transport addresses with stable indices (an
// address's index is its rank within the set), plus the set-algebra
// operations the Schedule Compiler uses to derive sub-groups.
//
// Modeled on aistore's cluster.NodeMap idiom: an ordered membership table
// backed by a hash index for O(1) membership checks, using OneOfOne/xxhash
// to hash the opaque xport.Addr into the reverse-lookup index instead of
// relying on Addr implementing comparable map keys directly.
package avset

import (
	"sync"

	"github.com/OneOfOne/xxhash"

	"github.com/NVIDIA/aiscoll/errs"
	"github.com/NVIDIA/aiscoll/xport"
)

// Set is an ordered address membership list. Safe for concurrent set-algebra
// operations.
type Set struct {
	mu      sync.Mutex
	av      xport.AddressVector // underlying address vector; union/intersect require same av
	addrs   []xport.Addr
	index   map[uint64][]int // xxhash(addr.String()) -> positions (collision chain)
	refc    int32
}

// New creates an empty address set bound to the given address vector.
func New(av xport.AddressVector) *Set {
	return &Set{av: av, index: make(map[uint64][]int)}
}

// FromVector creates a set containing every address in av, in vector order
// -- this realizes the implicit "world" group derived from the full
// address vector.
func FromVector(av xport.AddressVector) (*Set, error) {
	s := New(av)
	for i := 0; i < av.Count(); i++ {
		a, err := av.Addr(i)
		if err != nil {
			return nil, err
		}
		s.appendLocked(a)
	}
	return s, nil
}

func hashAddr(a xport.Addr) uint64 {
	h := xxhash.New64()
	_, _ = h.WriteString(a.String())
	return h.Sum64()
}

func (s *Set) appendLocked(a xport.Addr) {
	s.addrs = append(s.addrs, a)
	key := hashAddr(a)
	s.index[key] = append(s.index[key], len(s.addrs)-1)
}

func (s *Set) findLocked(a xport.Addr) (int, bool) {
	key := hashAddr(a)
	for _, pos := range s.index[key] {
		if pos < len(s.addrs) && addrEqual(s.addrs[pos], a) {
			return pos, true
		}
	}
	return -1, false
}

func addrEqual(a, b xport.Addr) bool { return a.String() == b.String() }

// Len returns the number of members.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.addrs)
}

// RankOf returns the index of addr in the set, or -1 (NONE,
// invariant 4) if absent.
func (s *Set) RankOf(addr xport.Addr) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.findLocked(addr)
	if !ok {
		return -1
	}
	return pos
}

// At returns the address at rank idx.
func (s *Set) At(idx int) (xport.Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx < 0 || idx >= len(s.addrs) {
		return nil, errs.Newf(errs.InvalidArg, "rank %d out of range [0,%d)", idx, len(s.addrs))
	}
	return s.addrs[idx], nil
}

// Snapshot returns a copy of the member list in rank order.
func (s *Set) Snapshot() []xport.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]xport.Addr, len(s.addrs))
	copy(out, s.addrs)
	return out
}

// Insert appends addr; fails InvalidArg if already present.
func (s *Set) Insert(addr xport.Addr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.findLocked(addr); ok {
		return errs.Newf(errs.InvalidArg, "address %s already present", addr)
	}
	s.appendLocked(addr)
	return nil
}

// Remove deletes addr via swap-with-tail; fails InvalidArg if absent.
func (s *Set) Remove(addr xport.Addr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.findLocked(addr)
	if !ok {
		return errs.Newf(errs.InvalidArg, "address %s not present", addr)
	}
	s.removeAtLocked(pos)
	return nil
}

// removeAtLocked deletes the member at pos via swap-with-tail and rebuilds
// the hash index. A full rebuild is O(n) but keeps the index trivially
// correct; the set sizes this engine deals with (cluster/group membership)
// make that a non-issue compared to the network round trips around it.
func (s *Set) removeAtLocked(pos int) {
	last := len(s.addrs) - 1
	if pos != last {
		s.addrs[pos] = s.addrs[last]
	}
	s.addrs = s.addrs[:last]
	s.rebuildLocked(s.addrs)
}

// union appends to dst each address of src absent from dst.
// Requires both sets share the same underlying address vector.
func Union(dst, src *Set) error {
	if dst.av != src.av {
		return errs.New(errs.InvalidArg, "union requires same underlying address vector")
	}
	for _, a := range src.Snapshot() {
		dst.mu.Lock()
		_, ok := dst.findLocked(a)
		if !ok {
			dst.appendLocked(a)
		}
		dst.mu.Unlock()
	}
	return nil
}

// Intersect retains in dst addresses also present in src, order preserved.
func Intersect(dst, src *Set) error {
	if dst.av != src.av {
		return errs.New(errs.InvalidArg, "intersect requires same underlying address vector")
	}
	keep := make(map[string]bool)
	for _, a := range src.Snapshot() {
		keep[a.String()] = true
	}
	dst.mu.Lock()
	defer dst.mu.Unlock()
	filtered := dst.addrs[:0]
	for _, a := range dst.addrs {
		if keep[a.String()] {
			filtered = append(filtered, a)
		}
	}
	dst.rebuildLocked(filtered)
	return nil
}

// Diff removes from dst addresses present in src; remaining order preserved.
func Diff(dst, src *Set) error {
	if dst.av != src.av {
		return errs.New(errs.InvalidArg, "diff requires same underlying address vector")
	}
	drop := make(map[string]bool)
	for _, a := range src.Snapshot() {
		drop[a.String()] = true
	}
	dst.mu.Lock()
	defer dst.mu.Unlock()
	filtered := dst.addrs[:0]
	for _, a := range dst.addrs {
		if !drop[a.String()] {
			filtered = append(filtered, a)
		}
	}
	dst.rebuildLocked(filtered)
	return nil
}

// rebuildLocked replaces the member list wholesale and rebuilds the index;
// used by Intersect/Diff, which filter rather than swap-delete since both
// must preserve dst's original order, which swap-with-tail would break.
func (s *Set) rebuildLocked(addrs []xport.Addr) {
	cp := make([]xport.Addr, len(addrs))
	copy(cp, addrs)
	s.addrs = cp
	s.index = make(map[uint64][]int, len(cp))
	for i, a := range cp {
		key := hashAddr(a)
		s.index[key] = append(s.index[key], i)
	}
}

// IncRef/DecRef keep a share count on this set; DecRef returns the count
// after the decrement. group.Close does not consult it.
func (s *Set) IncRef() { s.mu.Lock(); s.refc++; s.mu.Unlock() }
func (s *Set) DecRef() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refc--
	return s.refc
}
