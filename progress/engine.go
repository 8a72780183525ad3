// Package progress implements the Progress Engine: a cooperative,
// single-threaded-per-group driver that drains a group's deferred
// work-item list into the pending-transfer list up to the next barrier
// boundary, then submits pending transfers to the transport, retrying
// transient refusals.
//
// Grounded on the tick-driven xaction loop in aistore's xact/xs package
// (XactTCObjs.Run: a single goroutine repeatedly draining a work channel
// and handling completions inline) and the "no pre-emption, coarse
// per-xaction lock" discipline visible throughout aistore's xact tree.
// Concurrent per-group ticking uses golang.org/x/sync/errgroup the way
// aistore fans rebalance work out across mountpaths during a global
// rebalance.
package progress

import (
	"golang.org/x/sync/errgroup"

	"github.com/NVIDIA/aiscoll/errs"
	"github.com/NVIDIA/aiscoll/group"
	"github.com/NVIDIA/aiscoll/internal/nlog"
	"github.com/NVIDIA/aiscoll/internal/xdebug"
	"github.com/NVIDIA/aiscoll/reduceop"
	"github.com/NVIDIA/aiscoll/workq"
	"github.com/NVIDIA/aiscoll/xport"
)

// Engine drives one local endpoint's transport on behalf of every group
// handle rooted at that endpoint. It holds no per-group state of its own --
// all mutable state lives on the group.Group passed to Tick, under that
// group's own coll_state_lock.
type Engine struct {
	Transport xport.Transport

	// Tracker, if set, is called with every tag immediately before it is
	// handed to the transport -- dispatch.Dispatcher.Track wires this so
	// the Completion Dispatcher's cuckoo-filter pre-check knows the tag
	// exists before the first completion for it can possibly arrive.
	Tracker func(tag xport.Tag)

	// OnRetire and OnBusyRetry, if set, feed metrics.Registry.RecordRetired
	// / RecordBusyRetry -- kept as plain hooks rather than a direct
	// dependency so progress stays free to run without a metrics backend
	// wired up (unit tests construct an Engine with neither set).
	OnRetire    func(cid string, kind workq.Kind)
	OnBusyRetry func(cid string)
}

func New(t xport.Transport) *Engine {
	return &Engine{Transport: t}
}

// Tick runs one progress step for g: if the barrier list is empty, drain
// the deferred list up to the next barrier boundary; then attempt to
// submit whatever is now on the pending-transfer list. Returns the
// transport error from a refused submission, if any -- not fatal, the
// refused item has already been restored to the pending list head for the
// next Tick to retry.
func (e *Engine) Tick(g *group.Group) error {
	g.Mu.Lock()
	err := e.drainDeferredLocked(g)
	g.Mu.Unlock()
	if err != nil {
		return err
	}
	return e.submitPending(g)
}

// drainDeferredLocked pops items off the deferred list, but only while the
// barrier list is empty: a Reduce or Copy that consumes a Recv's buffer
// must never run ahead of that Recv's completion, and the barrier list is
// how the engine knows a previously-posted transfer is still outstanding.
// Every Send/Recv is linked into the barrier list and pushed onto the
// pending-transfer list; whether draining then stops or keeps going is
// governed by the item's IsBarrier flag -- a non-barrier Recv immediately
// followed by its paired Send lets both reach the pending list in the same
// pass, the way a real tagged transport posts a receive before the send it
// is waiting on. Reduce, Copy and Completion items have no transport
// dependency and execute synchronously within this step, so the drain
// continues past them regardless of their IsBarrier bookkeeping flag.
func (e *Engine) drainDeferredLocked(g *group.Group) error {
	if !g.Lists.BarrierEmpty() {
		return nil
	}
	for {
		it := g.Lists.PopFrontDeferred()
		if it == nil {
			return nil
		}
		switch it.Kind {
		case workq.KindSend, workq.KindRecv:
			it.State = workq.StatePending
			g.Lists.LinkBarrier(it)
			g.Lists.PushPendingBack(it)
			if it.IsBarrier {
				return nil
			}
		case workq.KindReduce:
			if err := e.execReduceLocked(it); err != nil {
				return err
			}
			e.recordRetired(g, it.Kind)
		case workq.KindCopy:
			if err := e.execCopyLocked(it); err != nil {
				return err
			}
			e.recordRetired(g, it.Kind)
		case workq.KindCompletion:
			it.State = workq.StateRetired
			e.recordRetired(g, it.Kind)
			if it.Callback != nil {
				it.Callback(it)
			}
		default:
			xdebug.Assertf(false, "unknown work-item kind %d", it.Kind)
		}
	}
}

func (e *Engine) recordRetired(g *group.Group, kind workq.Kind) {
	if e.OnRetire != nil {
		e.OnRetire(cidLabel(g), kind)
	}
}

func cidLabel(g *group.Group) string {
	const hex = "0123456789abcdef"
	v := g.Cid
	buf := [4]byte{hex[(v>>12)&0xF], hex[(v>>8)&0xF], hex[(v>>4)&0xF], hex[v&0xF]}
	return string(buf[:])
}

func (e *Engine) execReduceLocked(it *workq.Item) error {
	kernel, err := reduceop.Lookup(it.Op, it.Datatype)
	if err != nil {
		return err
	}
	if err := kernel(it.InoutBuf, it.InBuf, it.Count); err != nil {
		return err
	}
	it.State = workq.StateRetired
	return nil
}

func (e *Engine) execCopyLocked(it *workq.Item) error {
	sz := it.Datatype.Size()
	need := sz * it.Count
	if len(it.InBuf) < need || len(it.OutBuf) < need {
		return errs.Newf(errs.InvalidArg, "copy: buffer too small for count=%d dt=%d", it.Count, it.Datatype)
	}
	copy(it.OutBuf[:need], it.InBuf[:need])
	it.State = workq.StateRetired
	return nil
}

// submitPending pops items off the pending-transfer list and submits them
// to the transport. The group lock is held only while touching the lists,
// never across the Transport call itself: the in-memory reference
// transport invokes its completion callback synchronously and inline, and
// that callback (dispatch.Dispatcher.HandleCompletion) needs the same
// group lock to retire the item and re-invoke the engine -- holding it
// across the Send/Recv call would self-deadlock a synchronous transport.
//
// A transient refusal restores the item to the list head and stops the
// loop, leaving it to the next Tick.
func (e *Engine) submitPending(g *group.Group) error {
	for {
		g.Mu.Lock()
		it := g.Lists.PopFrontPending()
		if it == nil {
			g.Mu.Unlock()
			return nil
		}
		it.State = workq.StateInFlight
		if e.Tracker != nil {
			e.Tracker(it.Tag)
		}
		g.Mu.Unlock()

		var err error
		switch it.Kind {
		case workq.KindSend:
			err = e.Transport.Send(it.PeerAddr, it.Tag, it.Buf, g)
		case workq.KindRecv:
			err = e.Transport.Recv(it.PeerAddr, it.Tag, it.Buf, g)
		default:
			xdebug.Assertf(false, "non-transfer item %v reached the pending list", it.Kind)
		}
		if err != nil {
			if kind, ok := errs.KindOf(err); ok && kind == errs.TransientBusy {
				g.Mu.Lock()
				it.State = workq.StatePending
				g.Lists.PushPendingFront(it)
				g.Mu.Unlock()
				if e.OnBusyRetry != nil {
					e.OnBusyRetry(cidLabel(g))
				}
				nlog.Infof("group cid=%d: transport busy, retrying tag=%x next tick", g.Cid, it.Tag)
				return err
			}
			return err
		}
	}
}

// Resume re-invokes Tick after a completion has unlinked a barrier item,
// picking the drain back up from wherever it stopped.
func (e *Engine) Resume(g *group.Group) error { return e.Tick(g) }

// TickAll runs Tick concurrently across groups, each serialized by its own
// coll_state_lock. The first error from any group is returned
// after all groups have been given a chance to run.
func (e *Engine) TickAll(groups []*group.Group) error {
	var eg errgroup.Group
	for _, g := range groups {
		g := g
		eg.Go(func() error { return e.Tick(g) })
	}
	return eg.Wait()
}
