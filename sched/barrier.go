package sched

import (
	"github.com/NVIDIA/aiscoll/group"
	"github.com/NVIDIA/aiscoll/reduceop"
	"github.com/NVIDIA/aiscoll/workq"
)

// barrierWord is the single-word payload all-reduced by CompileBarrier. Its
// value is never inspected -- only the fact that every participant's
// AND-reduction completed matters.
const barrierWord uint32 = 1

// CompileBarrier realizes a barrier as an all-reduce of one word under
// BAND, followed by a Completion item that
// invokes cb once the reduction retires. scratch is taken by value: its two
// halves, this call's own copy, serve as the reduction's send and receive
// buffers for the life of the schedule.
func CompileBarrier(tagging *group.Group, n, ownRank int, peers PeerResolver, scratch [8]byte, cb workq.CompletionCB, userCtx any) (collID uint32, err error) {
	sendBuf := scratch[0:4]
	recvBuf := scratch[4:8]
	putU32(sendBuf, barrierWord)

	collID, err = CompileAllReduce(tagging, n, ownRank, peers, sendBuf, recvBuf, 1, reduceop.I32, reduceop.BAND)
	if err != nil {
		return collID, err
	}

	tagging.Mu.Lock()
	defer tagging.Mu.Unlock()
	it := workq.NewCompletion("barrier", userCtx, recvBuf, cb)
	it.CollID = collID
	tagging.Lists.PushDeferred(it)
	return collID, nil
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
