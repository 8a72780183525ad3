// Package group implements the Group Handle: per-group state tying
// together an endpoint back-pointer, an address set, the local endpoint's
// rank within it, the 16-bit context id, the monotonic sequence counter,
// and the three work-item lists.
//
// Struct shape is modeled directly on aistore's xaction pattern (XactTCB:
// back-pointer to factory/parent, embedded base, atomic refcount fields;
// XactTCObjs: pending map guarded by its own mutex, atomic refc per
// pending work item) -- here a Group plays the role XactTCB/XactTCObjs
// play for a bucket-copy xaction, but for a collective schedule instead.
package group

import (
	"sync"
	"sync/atomic"

	"github.com/NVIDIA/aiscoll/avset"
	"github.com/NVIDIA/aiscoll/cid"
	"github.com/NVIDIA/aiscoll/errs"
	"github.com/NVIDIA/aiscoll/internal/nlog"
	"github.com/NVIDIA/aiscoll/workq"
	"github.com/NVIDIA/aiscoll/xport"
)

// Lifecycle mirrors the collective state machine:
// Scheduling -> Draining -> Awaiting -> Completing -> Retired. It is a
// property of the *group's current schedule*, not of the group handle's
// own lifetime (a group handle outlives many schedules until Close).
type Lifecycle int32

const (
	LifecycleIdle Lifecycle = iota
	LifecycleScheduling
	LifecycleDraining
	LifecycleAwaiting
	LifecycleCompleting
)

func (s Lifecycle) String() string {
	switch s {
	case LifecycleScheduling:
		return "scheduling"
	case LifecycleDraining:
		return "draining"
	case LifecycleAwaiting:
		return "awaiting"
	case LifecycleCompleting:
		return "completing"
	default:
		return "idle"
	}
}

// NoneRank is the sentinel for "local endpoint is not a member".
const NoneRank = -1

// Group is the per-group handle. Mu is its state lock: it serializes the
// progress engine, completion dispatcher, and schedule submission for this
// one group.
type Group struct {
	Mu sync.Mutex

	EndpointID string // back-pointer identity, not a live pointer (avoids import cycle with coll)
	Set        *avset.Set
	Rank       int // NoneRank if not a member
	Cid        uint16
	seq        uint32 // monotonic; wraps into 16 bits on the wire, see NextSeq()
	nextCollID uint32

	Lists *workq.Lists

	lifecycle atomic.Int32
	refc      atomic.Int32

	closed bool
}

func New(endpointID string, set *avset.Set, rank int, contextID uint16) *Group {
	g := &Group{
		EndpointID: endpointID,
		Set:        set,
		Rank:       rank,
		Cid:        contextID,
		Lists:      workq.NewLists(),
	}
	g.lifecycle.Store(int32(LifecycleIdle))
	return g
}

// NextSeq returns the next monotonically increasing sequence number,
// truncated to 16 bits for the wire tag because every transfer is retired
// -- barrier list empty for that tag -- before a schedule that would
// reuse the same 16-bit seq is compiled.
func (g *Group) NextSeq() uint16 {
	v := atomic.AddUint32(&g.seq, 1)
	return uint16(v)
}

// NextCollID hands out the host-side-only collective id used for the
// abort/rollback purge policy (DESIGN.md Open Question #2). Independent of
// the wire sequence counter; 32 bits is plenty since it never wraps
// meaningfully within a process lifetime.
func (g *Group) NextCollID() uint32 {
	return atomic.AddUint32(&g.nextCollID, 1)
}

func (g *Group) Lifecycle() Lifecycle { return Lifecycle(g.lifecycle.Load()) }
func (g *Group) SetLifecycle(s Lifecycle) {
	g.lifecycle.Store(int32(s))
}

func (g *Group) IncRef() { g.refc.Add(1) }

// DecRef drops the refcount and returns the new value; Close waits for it
// to reach zero.
func (g *Group) DecRef() int32 { return g.refc.Add(-1) }

// Abort purges every work item tagged with collID from all three lists --
// the rollback policy decided for Open Question #2.
func (g *Group) Abort(collID uint32) {
	g.Mu.Lock()
	defer g.Mu.Unlock()
	g.Lists.PurgeCollective(collID)
	g.SetLifecycle(LifecycleIdle)
}

// Close tears the group down: releases its context id (unless it is the
// reserved world group) and marks it closed. A group is destroyed when the
// user closes the handle and no work items reference it any longer --
// callers must ensure the lists are empty and refc is zero before calling
// Close; Close itself only asserts there's nothing left to leak silently.
func (g *Group) Close(allocator *cid.Allocator) error {
	g.Mu.Lock()
	defer g.Mu.Unlock()
	if g.closed {
		return nil
	}
	if g.Lists.DeferredLen() > 0 || g.Lists.PendingLen() > 0 || g.Lists.BarrierLen() > 0 {
		return errs.Newf(errs.InvalidArg, "group cid=%d closed with non-empty work-item lists", g.Cid)
	}
	if g.Cid != cid.WorldCid {
		if err := allocator.Release(int(g.Cid)); err != nil {
			return err
		}
	}
	g.closed = true
	nlog.Infof("group cid=%d closed", g.Cid)
	return nil
}

// Tag forms the wire tag for a transfer this group's local endpoint sends,
// i.e. with srcRank = g.Rank.
func (g *Group) Tag(seq uint16) xport.Tag {
	return xport.Tag(formTagRank(g.Cid, seq, uint32(g.Rank)))
}

// TagFromPeer forms the wire tag this group expects to observe for a
// transfer whose sender is srcRank.
func (g *Group) TagFromPeer(seq uint16, srcRank int) xport.Tag {
	return xport.Tag(formTagRank(g.Cid, seq, uint32(srcRank)))
}

// formTagRank packs the wire tag with workq.FormTag, the canonical, tested
// definition of the tag layout.
func formTagRank(cid uint16, seq uint16, rank uint32) uint64 {
	return workq.FormTag(cid, seq, rank)
}

// Snapshot is a point-in-time, JSON-serializable projection for
// introspection/metrics, mirroring aistore's cluster.Snap / XactTCB.Snap()
// pattern.
type Snapshot struct {
	Cid         uint16 `json:"cid"`
	Rank        int    `json:"rank"`
	Seq         uint32 `json:"seq"`
	DeferredLen int    `json:"deferred_len"`
	PendingLen  int    `json:"pending_len"`
	BarrierLen  int    `json:"barrier_len"`
	Lifecycle   string `json:"lifecycle"`
	MemberCount int    `json:"member_count"`
}

func (g *Group) Snap() Snapshot {
	g.Mu.Lock()
	defer g.Mu.Unlock()
	return Snapshot{
		Cid:         g.Cid,
		Rank:        g.Rank,
		Seq:         atomic.LoadUint32(&g.seq),
		DeferredLen: g.Lists.DeferredLen(),
		PendingLen:  g.Lists.PendingLen(),
		BarrierLen:  g.Lists.BarrierLen(),
		Lifecycle:   g.Lifecycle().String(),
		MemberCount: g.Set.Len(),
	}
}
