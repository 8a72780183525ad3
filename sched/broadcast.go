package sched

import (
	"math/bits"

	"github.com/NVIDIA/aiscoll/group"
	"github.com/NVIDIA/aiscoll/reduceop"
	"github.com/NVIDIA/aiscoll/workq"
)

// CompileBroadcast implements broadcast by analogy to the
// recursive-halving/doubling all-reduce: the analogous shape here is a
// binomial spanning tree rooted at root, relative-ranked exactly the way
// CompileAllReduce relative-ranks around its low-pair withdrawal -- same
// tolerance for non-power-of-two n, no low-pair phase needed because a
// spanning tree already handles arbitrary n without a separate even/odd
// pre-reduction.
//
// buf is both the source (valid on root, sent as-is) and destination
// (written by every non-root participant) of the broadcast.
func CompileBroadcast(tagging *group.Group, n, ownRank, root int, peers PeerResolver, buf []byte, count int, dt reduceop.Datatype) (collID uint32, err error) {
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

	// Every rank draws one seq per tree level, so a level's send and the
	// matching recv carry the same seq.
	var levelSeq []uint16
	for m := 1; m < n; m <<= 1 {
		levelSeq = append(levelSeq, tagging.NextSeq())
	}

	vrank := ((ownRank-root)%n + n) % n

	mask := 1
	for mask < n {
		if vrank&mask != 0 {
			srcV := ((vrank-mask)%n + n) % n
			realSrc := (srcV + root) % n
			addr, e := peers(realSrc)
			if e != nil {
				return collID, e
			}
			seq := levelSeq[bits.TrailingZeros(uint(mask))]
			enqT(workq.NewRecv(tagging.TagFromPeer(seq, realSrc), buf, count, dt, addr, realSrc))
			break
		}
		mask <<= 1
	}

	for mask >>= 1; mask > 0; mask >>= 1 {
		dstV := vrank + mask
		if dstV < n {
			realDst := (dstV + root) % n
			addr, e := peers(realDst)
			if e != nil {
				return collID, e
			}
			seq := levelSeq[bits.TrailingZeros(uint(mask))]
			enqT(workq.NewSend(tagging.Tag(seq), buf, count, dt, addr, realDst))
		}
	}

	return collID, nil
}
