// Package dispatch implements the Completion Dispatcher: the transport's
// per-endpoint CompletionFn callback, which looks up the work item a
// completed tag belongs to, retires it, and re-invokes the Progress
// Engine so the group's schedule keeps draining.
//
// Grounded on aistore's transport completion-callback idiom (ObjHdr/Obj
// completion callbacks fired by the stream, decoupled from whatever
// enqueued the send) and on the cuckoo-filter membership pre-check
// aistore ships for cheap existence tests (github.com/seiflotfy/cuckoofilter)
// -- used here as a fast "definitely not outstanding" rejection before the
// target group's barrier-list linear scan, since one endpoint's transport
// serves every group rooted there and most callbacks arrive long after
// their tag has already retired.
package dispatch

import (
	"encoding/binary"
	"sync"

	cuckoo "github.com/seiflotfy/cuckoofilter"

	"github.com/NVIDIA/aiscoll/group"
	"github.com/NVIDIA/aiscoll/internal/nlog"
	"github.com/NVIDIA/aiscoll/workq"
	"github.com/NVIDIA/aiscoll/xport"
)

// Resumer is the subset of progress.Engine the dispatcher needs: whatever
// drained a barrier item free should pick the schedule back up.
type Resumer interface {
	Resume(g *group.Group) error
}

// Dispatcher is the single CompletionFn target for one endpoint's
// transport. groupCtx identifies which group.Group the completion belongs
// to; the router never needs to search for it, only confirm the tag is
// one it is still tracking before taking the per-group lock.
type Dispatcher struct {
	engine Resumer

	mu     sync.Mutex
	filter *cuckoo.Filter
}

// NewDispatcher wires a Dispatcher for one endpoint. capacityHint is an
// approximate count of tags outstanding across all of this endpoint's
// groups at once. It sizes the underlying cuckoo filter once; the filter
// does not grow, and Track cannot record a tag once it is full.
func NewDispatcher(engine Resumer, capacityHint uint) *Dispatcher {
	if capacityHint == 0 {
		capacityHint = 256
	}
	return &Dispatcher{engine: engine, filter: cuckoo.NewFilter(capacityHint)}
}

// Track records that tag now has an outstanding completion expected.
// progress.Engine calls this when it submits a transfer, immediately
// before handing it to the transport.
func (d *Dispatcher) Track(tag xport.Tag) {
	d.mu.Lock()
	d.filter.InsertUnique(tagBytes(tag))
	d.mu.Unlock()
}

// HandleCompletion is the xport.CompletionFn passed to the transport. It
// is idempotent: a tag with no matching barrier-list item -- because it
// was never tracked, or because an earlier call already retired it -- is
// a silent no-op, covering both a duplicate transport callback and a
// foreign completion sharing this endpoint's wire.
func (d *Dispatcher) HandleCompletion(tag xport.Tag, groupCtx any) {
	g, ok := groupCtx.(*group.Group)
	if !ok {
		return
	}
	key := tagBytes(tag)
	d.mu.Lock()
	possiblyMine := d.filter.Lookup(key)
	d.mu.Unlock()
	if !possiblyMine {
		return
	}

	g.Mu.Lock()
	it := g.Lists.FindByTag(uint64(tag))
	if it == nil {
		g.Mu.Unlock()
		return
	}
	it.State = workq.StateRetired
	g.Lists.UnlinkBarrier(it)
	g.Mu.Unlock()

	d.mu.Lock()
	d.filter.Delete(key)
	d.mu.Unlock()

	if err := d.engine.Resume(g); err != nil {
		nlog.Warningf("group cid=%d: resume after completion tag=%x: %v", g.Cid, tag, err)
	}
}

func tagBytes(tag xport.Tag) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(tag))
	return b[:]
}
