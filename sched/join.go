package sched

import (
	"github.com/NVIDIA/aiscoll/avset"
	"github.com/NVIDIA/aiscoll/cid"
	"github.com/NVIDIA/aiscoll/errs"
	"github.com/NVIDIA/aiscoll/group"
	"github.com/NVIDIA/aiscoll/reduceop"
	"github.com/NVIDIA/aiscoll/workq"
)

// JoinResult is delivered to the Completion callback compiled by
// CompileJoin once the candidate-bitmap all-reduce retires. The Group field is nil if allocation failed (bitmap exhausted).
type JoinResult struct {
	Group *group.Group
	Err   error
}

// JoinCompletionCB receives the elected context id and finishes wiring up
// the new group handle; it runs on the progress engine's goroutine inside
// the parent group's lock, mirroring the Completion item's contract.
type JoinCompletionCB func(res JoinResult)

// CompileJoin compiles a join against the *parent* group (parentTagging)
// -- every rank in the parent's membership
// participates in the candidate-bitmap AND-reduction whether or not it is
// joining the new set, because the tag/sequence counters and work-item
// lists the all-reduce needs already belong to the parent. Non-members
// contribute an all-ones (minus the reserved world bit) candidate so they
// can never be the reason an id is unavailable.
//
// newSet is the address set of the group being formed; isMember reports
// whether this endpoint is one of its participants. allocator is the
// process-wide bitmap that step 4 mutates once the winning id is known.
func CompileJoin(parentTagging *group.Group, n, ownRank int, peers PeerResolver, newSet *avset.Set, isMember bool, newRank int, allocator *cid.Allocator, endpointID string, cb JoinCompletionCB, userCtx any) (collID uint32, err error) {
	candBuf := make([]byte, cid.Width/8)
	reducedBuf := make([]byte, cid.Width/8)

	if isMember {
		if err := allocator.Candidate(candBuf); err != nil {
			return 0, err
		}
	} else {
		if err := cid.NonParticipantCandidate(candBuf); err != nil {
			return 0, err
		}
	}

	collID, err = CompileAllReduce(parentTagging, n, ownRank, peers, candBuf, reducedBuf, cid.Width/64, reduceop.U64, reduceop.BAND)
	if err != nil {
		return collID, err
	}

	completion := func(item *workq.Item) {
		res := electAndBuildGroup(item.ScratchBuf, isMember, newRank, newSet, allocator, endpointID)
		cb(res)
	}

	parentTagging.Mu.Lock()
	defer parentTagging.Mu.Unlock()
	it := workq.NewCompletion("join", userCtx, reducedBuf, completion)
	it.CollID = collID
	parentTagging.Lists.PushDeferred(it)
	return collID, nil
}

func electAndBuildGroup(reduced []byte, isMember bool, newRank int, newSet *avset.Set, allocator *cid.Allocator, endpointID string) JoinResult {
	if !isMember {
		return JoinResult{}
	}
	id, ok := cid.LowestSetBit(reduced)
	if !ok {
		return JoinResult{Err: errs.New(errs.OutOfMemory, "context id bitmap exhausted")}
	}
	if err := allocator.Clear(id); err != nil {
		return JoinResult{Err: err}
	}
	g := group.New(endpointID, newSet, newRank, uint16(id))
	return JoinResult{Group: g}
}
