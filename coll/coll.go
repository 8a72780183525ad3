// Package coll is the engine's public facade: it ties together an
// Endpoint's transport, address vector, context-id allocator, progress
// engine and completion dispatcher behind the small set of calls a user
// actually makes -- create an address set, join a group, barrier,
// all-reduce, broadcast, and drive progress.
//
// Grounded on the xaction-factory + registry idiom in aistore's xact/xs
// package (a factory builds a pipeline, a process-wide registry tracks
// every live instance by UUID) -- here an Endpoint plays the registry's
// role and a CollectiveAddr plays the UUID, minted with
// github.com/teris-io/shortid the way aistore mints xaction UUIDs.
package coll

import (
	"sync"

	"github.com/teris-io/shortid"

	"github.com/NVIDIA/aiscoll/avset"
	"github.com/NVIDIA/aiscoll/cid"
	"github.com/NVIDIA/aiscoll/dispatch"
	"github.com/NVIDIA/aiscoll/errs"
	"github.com/NVIDIA/aiscoll/group"
	"github.com/NVIDIA/aiscoll/internal/nlog"
	"github.com/NVIDIA/aiscoll/metrics"
	"github.com/NVIDIA/aiscoll/progress"
	"github.com/NVIDIA/aiscoll/reduceop"
	"github.com/NVIDIA/aiscoll/sched"
	"github.com/NVIDIA/aiscoll/workq"
	"github.com/NVIDIA/aiscoll/xport"
)

// CollectiveAddr is the opaque, stable token the addr() operation returns
// -- not a network address. Every group handle an Endpoint knows about,
// including the implicit world group, is reachable by one of these.
type CollectiveAddr string

// AVSetAttr carries creation-time metadata for a new address set; Name is
// purely for introspection/logging (collhttp, metrics labels).
type AVSetAttr struct {
	Name string
}

// JoinFlags controls optional join behavior. The zero value is the common
// case: a Join Complete event is posted once the new context id is
// elected.
type JoinFlags uint32

const (
	JoinFlagNone JoinFlags = 0
	// JoinFlagNoEvent suppresses the EventQueue.PostJoinComplete call for
	// callers that poll the returned *group.Group directly instead of
	// consuming the event queue.
	JoinFlagNoEvent JoinFlags = 1 << 0
)

// Endpoint is one local participant: a rank within an address vector, the
// transport it drives, and the registry of every group handle rooted here.
type Endpoint struct {
	ID        string
	Rank      int
	AV        xport.AddressVector
	Allocator *cid.Allocator
	Transport xport.Transport
	EventQ    xport.EventQueue
	CompQ     xport.CompletionQueue

	Engine     *progress.Engine
	Dispatcher *dispatch.Dispatcher
	Metrics    *metrics.Registry

	mu       sync.RWMutex
	byAddr   map[CollectiveAddr]*group.Group
	addrOf   map[*group.Group]CollectiveAddr
	worldSet *avset.Set
	world    *group.Group
	worldTok CollectiveAddr
}

// NewEndpoint wires one local participant's engine stack: it derives the
// world address set and group from av and registers the world group under
// its minted CollectiveAddr. It does not register a completion callback
// with transport; the caller routes the transport's completions to
// ep.Dispatcher.HandleCompletion.
func NewEndpoint(id string, av xport.AddressVector, transport xport.Transport, eq xport.EventQueue, cq xport.CompletionQueue) (*Endpoint, error) {
	worldSet, err := avset.FromVector(av)
	if err != nil {
		return nil, err
	}
	allocator := cid.NewAllocator()
	world := group.New(id, worldSet, av.SelfIndex(), cid.WorldCid)

	ep := &Endpoint{
		ID:        id,
		Rank:      av.SelfIndex(),
		AV:        av,
		Allocator: allocator,
		Transport: transport,
		EventQ:    eq,
		CompQ:     cq,
		worldSet:  worldSet,
		world:     world,
		byAddr:    make(map[CollectiveAddr]*group.Group),
		addrOf:    make(map[*group.Group]CollectiveAddr),
	}

	ep.Engine = progress.New(transport)
	ep.Dispatcher = dispatch.NewDispatcher(ep.Engine, 256)
	ep.Engine.Tracker = ep.Dispatcher.Track

	tok, err := mintToken()
	if err != nil {
		return nil, err
	}
	ep.worldTok = tok
	ep.register(tok, world)

	nlog.Infof("endpoint %s: world group ready, rank=%d members=%d", id, ep.Rank, worldSet.Len())
	return ep, nil
}

func mintToken() (CollectiveAddr, error) {
	id, err := shortid.Generate()
	if err != nil {
		return "", errs.Wrap(errs.InvalidArg, "mint collective address token", err)
	}
	return CollectiveAddr(id), nil
}

func (ep *Endpoint) register(tok CollectiveAddr, g *group.Group) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.byAddr[tok] = g
	ep.addrOf[g] = tok
}

func (ep *Endpoint) resolve(addr CollectiveAddr) (*group.Group, error) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	g, ok := ep.byAddr[addr]
	if !ok {
		return nil, errs.Newf(errs.InvalidArg, "unknown collective address %q", addr)
	}
	return g, nil
}

// EnableMetrics attaches reg to ep's progress engine, so every local
// retirement and transient-busy retry is recorded in the retired-item and
// transient-busy-retry counters. The barrier-depth and bitmap gauges are
// set only through reg.ObserveSnapshot, which this does not call.
func (ep *Endpoint) EnableMetrics(reg *metrics.Registry) {
	ep.Metrics = reg
	ep.Engine.OnRetire = func(cidLabel string, kind workq.Kind) {
		reg.RecordRetired(cidLabel, kind.String())
	}
	ep.Engine.OnBusyRetry = reg.RecordBusyRetry
}

// WorldAddr returns the token for the endpoint's implicit world group --
// the addr() of the full address vector.
func (ep *Endpoint) WorldAddr() CollectiveAddr { return ep.worldTok }

// AddrOf returns the token a previously-joined group was registered under.
func (ep *Endpoint) AddrOf(g *group.Group) (CollectiveAddr, error) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	tok, ok := ep.addrOf[g]
	if !ok {
		return "", errs.New(errs.InvalidArg, "group not registered with this endpoint")
	}
	return tok, nil
}

// Groups returns every group handle currently registered, for
// introspection (collhttp, metrics).
func (ep *Endpoint) Groups() []*group.Group {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	out := make([]*group.Group, 0, len(ep.byAddr))
	for _, g := range ep.byAddr {
		out = append(out, g)
	}
	return out
}

// AVSetCreate creates an empty address set bound to av; attr is
// purely descriptive.
func AVSetCreate(av xport.AddressVector, attr AVSetAttr) (*avset.Set, error) {
	_ = attr
	return avset.New(av), nil
}

// peerResolverFor builds a sched.PeerResolver over set -- the addressing
// domain a collective compiled against one of ep's groups uses.
func peerResolverFor(set *avset.Set) sched.PeerResolver {
	return func(rank int) (xport.Addr, error) {
		return set.At(rank)
	}
}

func isTransient(err error) bool {
	kind, ok := errs.KindOf(err)
	return ok && kind == errs.TransientBusy
}

// drainUntil repeatedly ticks the engine for g until done has a value or
// every list has gone empty without one arriving (a broken schedule, since
// a fully compiled collective always ends in a Completion item). There is
// deliberately no cancellation or timeout path here; a hung remote peer
// hangs this call exactly as it would a real collective stack.
func (ep *Endpoint) drainUntil(g *group.Group, done <-chan error) error {
	for {
		select {
		case err := <-done:
			return err
		default:
		}
		if err := ep.Engine.Tick(g); err != nil && !isTransient(err) {
			return err
		}
		select {
		case err := <-done:
			return err
		default:
		}
		g.Mu.Lock()
		idle := g.Lists.DeferredLen() == 0 && g.Lists.PendingLen() == 0 && g.Lists.BarrierLen() == 0
		g.Mu.Unlock()
		if idle {
			// The Completion item may have retired in a Tick run by another
			// goroutine after done was last checked.
			select {
			case err := <-done:
				return err
			default:
			}
			return errs.New(errs.InvalidArg, "collective schedule drained without retiring its completion item")
		}
	}
}

// appendCompletion pushes a Completion item tagged with collID onto g's
// deferred list, outside of sched's compile step -- used by the facade to
// know when a compiled collective has fully retired (CompileBarrier does
// this internally already; AllReduce/Broadcast don't need a value back
// from the reduction itself, only a "you're done" signal).
func appendCompletion(g *group.Group, collID uint32, opType string, userCtx any, scratch []byte, cb workq.CompletionCB) {
	g.Mu.Lock()
	defer g.Mu.Unlock()
	it := workq.NewCompletion(opType, userCtx, scratch, cb)
	it.CollID = collID
	g.Lists.PushDeferred(it)
}

// JoinCollective builds a new group over set, collectively allocating its
// context id against parent. The call compiles the schedule and drives it
// to completion before returning; it is not safe to call concurrently
// with another operation on the same parent group.
func JoinCollective(ep *Endpoint, parent CollectiveAddr, set *avset.Set, flags JoinFlags, userCtx any) (*group.Group, error) {
	parentGroup, err := ep.resolve(parent)
	if err != nil {
		return nil, err
	}
	if parentGroup.Rank == group.NoneRank {
		return nil, errs.New(errs.InvalidArg, "local endpoint is not a member of the parent group")
	}

	self, err := ep.AV.Addr(ep.Rank)
	if err != nil {
		return nil, err
	}
	newRank := set.RankOf(self)
	isMember := newRank >= 0

	n := parentGroup.Set.Len()
	peers := peerResolverFor(parentGroup.Set)

	// cb runs inside the Tick that retires the join's Completion item, so
	// done holds its value before drainUntil can see the lists idle.
	done := make(chan error, 1)
	var newGroup *group.Group
	cb := func(res sched.JoinResult) {
		if res.Err != nil {
			done <- res.Err
			return
		}
		if res.Group != nil {
			tok, mintErr := mintToken()
			if mintErr != nil {
				done <- mintErr
				return
			}
			ep.register(tok, res.Group)
			newGroup = res.Group
			if flags&JoinFlagNoEvent == 0 && ep.EventQ != nil {
				ep.EventQ.PostJoinComplete(res.Group, userCtx)
			}
		}
		done <- nil
	}

	parentGroup.SetLifecycle(group.LifecycleScheduling)
	_, err = sched.CompileJoin(parentGroup, n, parentGroup.Rank, peers, set, isMember, newRank, ep.Allocator, ep.ID, cb, userCtx)
	if err != nil {
		parentGroup.SetLifecycle(group.LifecycleIdle)
		return nil, err
	}
	parentGroup.SetLifecycle(group.LifecycleDraining)

	if err := ep.drainUntil(parentGroup, done); err != nil {
		parentGroup.SetLifecycle(group.LifecycleIdle)
		return nil, err
	}
	parentGroup.SetLifecycle(group.LifecycleIdle)

	if !isMember {
		return nil, nil
	}
	return newGroup, nil
}

// Barrier compiles and drives a barrier on the group named by addr,
// blocking the calling goroutine until the barrier's Completion item has
// retired.
func Barrier(ep *Endpoint, addr CollectiveAddr, userCtx any) error {
	g, err := ep.resolve(addr)
	if err != nil {
		return err
	}
	if g.Rank == group.NoneRank {
		return errs.New(errs.InvalidArg, "local endpoint is not a member of this group")
	}

	done := make(chan error, 1)
	var scratch [8]byte
	_, err = sched.CompileBarrier(g, g.Set.Len(), g.Rank, peerResolverFor(g.Set), scratch, func(*workq.Item) {
		done <- nil
	}, userCtx)
	if err != nil {
		return err
	}
	return ep.drainUntil(g, done)
}

// AllReduce compiles and drives a recursive-halving/doubling all-reduce on
// the group named by addr. On return recvBuf holds the element-wise
// reduction of every participant's sendBuf.
func AllReduce(ep *Endpoint, addr CollectiveAddr, sendBuf, recvBuf []byte, count int, dt reduceop.Datatype, op reduceop.Op, userCtx any) error {
	g, err := ep.resolve(addr)
	if err != nil {
		return err
	}
	if g.Rank == group.NoneRank {
		return errs.New(errs.InvalidArg, "local endpoint is not a member of this group")
	}

	collID, err := sched.CompileAllReduce(g, g.Set.Len(), g.Rank, peerResolverFor(g.Set), sendBuf, recvBuf, count, dt, op)
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	appendCompletion(g, collID, "allreduce", userCtx, nil, func(*workq.Item) { done <- nil })
	return ep.drainUntil(g, done)
}

// Broadcast compiles and drives the broadcast-by-analogy operation on the
// group named by addr, rooted at root. buf is the source on root and the
// destination everywhere else.
func Broadcast(ep *Endpoint, addr CollectiveAddr, buf []byte, count int, dt reduceop.Datatype, root int, userCtx any) error {
	g, err := ep.resolve(addr)
	if err != nil {
		return err
	}
	if g.Rank == group.NoneRank {
		return errs.New(errs.InvalidArg, "local endpoint is not a member of this group")
	}

	collID, err := sched.CompileBroadcast(g, g.Set.Len(), g.Rank, root, peerResolverFor(g.Set), buf, count, dt)
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	appendCompletion(g, collID, "broadcast", userCtx, nil, func(*workq.Item) { done <- nil })
	return ep.drainUntil(g, done)
}

// Progress ticks every group registered with ep once, fanning out across
// groups concurrently via progress.Engine.TickAll -- each group's own
// state lock keeps that safe.
func Progress(ep *Endpoint) error {
	return ep.Engine.TickAll(ep.Groups())
}

// ProcessPending is an alias for Progress kept for API symmetry with
// transport-facing vocabulary ("process_pending"); both drive the same
// per-group Tick.
func ProcessPending(ep *Endpoint) error {
	return Progress(ep)
}
