// Package sched implements the Schedule Compiler: it translates a
// collective call (barrier, allreduce, join, broadcast) into an ordered
// work-item sequence appended to a group's deferred list, with barrier
// markers enforcing the Recv-before-Reduce and Send-before-next-Recv
// dependencies.
//
// Modeled on the staged-operation compiler idiom of aistore's global
// rebalance (globalRebPrecheck / globalRebInit build up a multi-stage plan
// before any of it runs) and the xaction factory pattern in its xact/xs
// package (a factory's Start constructs a full pipeline before the
// xaction's Run ever executes it).
package sched

import (
	"math/bits"

	"github.com/NVIDIA/aiscoll/errs"
	"github.com/NVIDIA/aiscoll/group"
	"github.com/NVIDIA/aiscoll/reduceop"
	"github.com/NVIDIA/aiscoll/workq"
	"github.com/NVIDIA/aiscoll/xport"
)

// PeerResolver resolves a participant rank (within the addressing domain
// the compile call is using, not necessarily the target group) to a
// transport address.
type PeerResolver func(rank int) (xport.Addr, error)

// CompileAllReduce implements the recursive-halving/doubling algorithm for
// a single participant, appending the resulting work items to
// tagging.Lists.Deferred. tagging supplies the wire tag's (cid, seq) and
// owns the deferred/barrier lists the items land on; n and ownRank
// describe the *addressing domain* of this particular reduction, which for
// a public AllReduce is tagging's own membership, but for the context-id
// allocator's candidate reduction is the parent group's membership even
// though the result seeds a different, not-yet-existing group.
//
// On return, recvBuf holds the reduction of sendBuf across all n
// participants. Every branch of the algorithm leaves the final reduced
// value in sendBuf, so the last compiled step is always a local
// Copy(sendBuf -> recvBuf) to meet the user-facing recvBuf contract.
//
// Reduce/Copy items could be marked as barrier-linked since they sit on a
// synchronization boundary, but only Send/Recv are ever linked into the
// barrier list -- see progress.Engine.Tick, which executes Reduce/Copy
// inline and keeps draining instead of suspending on them. Their
// IsBarrier field is left false to avoid implying otherwise.
func CompileAllReduce(tagging *group.Group, n, ownRank int, peers PeerResolver, sendBuf, recvBuf []byte, count int, dt reduceop.Datatype, op reduceop.Op) (collID uint32, err error) {
	if n <= 0 || ownRank < 0 || ownRank >= n {
		return 0, errs.Newf(errs.InvalidArg, "allreduce: bad (n=%d, ownRank=%d)", n, ownRank)
	}
	if _, err := reduceop.Lookup(op, dt); err != nil {
		return 0, err
	}

	collID = tagging.NextCollID()
	tagging.Mu.Lock()
	defer tagging.Mu.Unlock()

	// A compile that fails part-way leaves none of its items behind.
	defer func() {
		if err != nil {
			tagging.Lists.PurgeCollective(collID)
		}
	}()

	enqT := func(it *workq.Item) { it.CollID = collID; tagging.Lists.PushDeferred(it) }

	// largest power of two <= n
	p := 1
	for p*2 <= n {
		p *= 2
	}
	r := n - p

	// Every rank draws the same seqs whatever its role, so a send's tag is
	// the tag its peer's recv expects: low-pair phase, each step, reversal.
	steps := bits.Len(uint(p)) - 1
	lowSeq := tagging.NextSeq()
	stepSeq := make([]uint16, steps)
	for i := range stepSeq {
		stepSeq[i] = tagging.NextSeq()
	}
	revSeq := tagging.NextSeq()

	var (
		virtualRank   = -1 // NONE until established below
		isEvenLowPair bool
		isOddLowPair  bool
		lowPairPeer   int
	)

	switch {
	case ownRank < 2*r && ownRank%2 == 0:
		isEvenLowPair = true
		lowPairPeer = ownRank + 1
		addr, e := peers(lowPairPeer)
		if e != nil {
			return collID, e
		}
		enqT(workq.NewSend(tagging.Tag(lowSeq), sendBuf, count, dt, addr, lowPairPeer))
	case ownRank < 2*r:
		isOddLowPair = true
		lowPairPeer = ownRank - 1
		addr, e := peers(lowPairPeer)
		if e != nil {
			return collID, e
		}
		enqT(workq.NewRecv(tagging.TagFromPeer(lowSeq, lowPairPeer), recvBuf, count, dt, addr, lowPairPeer))
		enqT(workq.NewReduce(sendBuf, recvBuf, count, dt, op))
		virtualRank = (ownRank - 1) / 2
	default:
		virtualRank = ownRank - r
	}

	if virtualRank >= 0 {
		for i := 0; i < steps; i++ {
			mask := 1 << i
			virtualPeer := virtualRank ^ mask
			var realPeer int
			if virtualPeer < r {
				realPeer = virtualPeer*2 + 1
			} else {
				realPeer = virtualPeer + r
			}
			addr, e := peers(realPeer)
			if e != nil {
				return collID, e
			}
			recvIt := workq.NewRecv(tagging.TagFromPeer(stepSeq[i], realPeer), recvBuf, count, dt, addr, realPeer)
			// Non-barrier: this recv and the paired send below must both
			// reach the pending list in the same drain pass, or the two
			// peers deadlock each waiting on the other's post. The
			// subsequent Reduce still can't run early -- it stays blocked
			// by drainDeferredLocked's barrier-empty gate until this recv
			// (still barrier-linked, just not drain-stopping) retires.
			recvIt.IsBarrier = false
			enqT(recvIt)
			enqT(workq.NewSend(tagging.Tag(stepSeq[i]), sendBuf, count, dt, addr, realPeer))
			if realPeer < ownRank {
				enqT(workq.NewReduce(sendBuf, recvBuf, count, dt, op))
			} else {
				enqT(workq.NewReduce(recvBuf, sendBuf, count, dt, op))
				enqT(workq.NewCopy(recvBuf, sendBuf, count, dt))
			}
		}
	}

	switch {
	case isOddLowPair:
		// reversal: the odd (active) member sends the final value back.
		addr, e := peers(lowPairPeer)
		if e != nil {
			return collID, e
		}
		enqT(workq.NewSend(tagging.Tag(revSeq), sendBuf, count, dt, addr, lowPairPeer))
	case isEvenLowPair:
		// reversal: the even (withdrawn) member receives the final value.
		addr, e := peers(lowPairPeer)
		if e != nil {
			return collID, e
		}
		enqT(workq.NewRecv(tagging.TagFromPeer(revSeq, lowPairPeer), sendBuf, count, dt, addr, lowPairPeer))
	}

	enqT(workq.NewCopy(sendBuf, recvBuf, count, dt))
	return collID, nil
}
