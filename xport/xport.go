// Package xport defines the tagged point-to-point transport, address
// vector, event queue and completion queue the collective engine assumes
// exist externally -- the transport itself is out of scope here. The
// interface shape -- Send/Recv keyed by tag, an asynchronous completion
// callback, opaque addresses -- is modeled on aistore's transport package
// (Obj/ObjHdr header framing, opcode reservation, per-send completion
// callback). This package also ships an in-memory reference Transport so
// the engine is testable without a real network, matching how aistore
// keeps transport.Stream decoupled from any one wire protocol.
package xport

import (
	"sync"

	"github.com/NVIDIA/aiscoll/errs"
)

// Addr is an opaque transport-level address. The engine never interprets
// its contents; it is only ever compared for equality and hashed.
type Addr interface {
	String() string
}

// Tag is the 64-bit collective tag. Encoding and decoding live in
// workq/tag.go so that the bit layout has one definition.
type Tag uint64

// CompletionFn is the transport's per-endpoint completion callback,
// invoked once per completed Send or Recv: handle_completion(tag,
// group_ctx). group_ctx is an opaque value the engine attached when it
// submitted the transfer (here: the *group.Group, but xport must not know
// that type, hence `any`).
type CompletionFn func(tag Tag, groupCtx any)

// Transport is the unicast tagged transport the engine consumes.
// Submission may be refused with errs.TransientBusy; the caller
// (progress.Engine) restores the item to the pending list head and
// retries on the next tick.
type Transport interface {
	Send(dst Addr, tag Tag, buf []byte, groupCtx any) error
	Recv(src Addr, tag Tag, buf []byte, groupCtx any) error
}

// AddressVector maps logical indices to transport addresses and supports
// reverse lookup of the local endpoint's own address.
type AddressVector interface {
	Addr(idx int) (Addr, error)
	Count() int
	// SelfIndex returns the index of the local endpoint's own address, or
	// -1 if the local endpoint is not represented in this vector.
	SelfIndex() int
}

// EventQueue receives FI_JOIN_COMPLETE-style join-completion events.
type EventQueue interface {
	PostJoinComplete(groupCtx any, userCtx any)
}

// CompletionQueue receives FI_COLLECTIVE-style barrier/allreduce
// completions.
type CompletionQueue interface {
	PostCollective(tag Tag, scratch []byte, userCtx any)
}

// ---- in-memory reference transport -------------------------------------

// Mesh wires together N in-memory Transport endpoints that deliver
// directly into each other's completion callbacks, synchronously, the way
// a loopback libfabric provider would. Used by unit/integration tests and
// by cmd/collctl's simulated cluster.
type Mesh struct {
	mu        sync.Mutex
	endpoints map[int]*MemTransport
}

func NewMesh() *Mesh {
	return &Mesh{endpoints: make(map[int]*MemTransport)}
}

func (m *Mesh) NewEndpoint(rank int, cb CompletionFn) *MemTransport {
	t := &MemTransport{mesh: m, rank: rank, cb: cb, pending: make(map[Tag]*pendingRecv), sendBuf: make(map[Tag][]byte)}
	m.mu.Lock()
	m.endpoints[rank] = t
	m.mu.Unlock()
	return t
}

type pendingRecv struct {
	buf      []byte
	groupCtx any
}

// MemTransport is a Transport over a Mesh: Send on one endpoint copies
// directly into a matching, already-posted Recv buffer on the destination
// endpoint and fires both completion callbacks; a Send that arrives before
// its matching Recv is buffered until Recv is posted (and vice versa),
// mirroring the tag-match semantics a real tagged transport provides.
type MemTransport struct {
	mesh *Mesh
	rank int
	cb   CompletionFn

	mu      sync.Mutex
	pending map[Tag]*pendingRecv // tag -> posted Recv awaiting a Send
	sendBuf map[Tag][]byte       // tag -> posted Send awaiting a Recv

	// Busy, when set, makes the next N submissions fail with
	// errs.TransientBusy, exercising the progress engine's retry path.
	Busy int
}

func (t *MemTransport) consumeBusy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Busy > 0 {
		t.Busy--
		return true
	}
	return false
}

func (t *MemTransport) Send(dst Addr, tag Tag, buf []byte, groupCtx any) error {
	if t.consumeBusy() {
		return errs.New(errs.TransientBusy, "mem transport: send refused")
	}
	peer := t.mesh.lookup(dst)
	peer.deliver(tag, buf)
	t.cb(tag, groupCtx)
	return nil
}

func (t *MemTransport) Recv(src Addr, tag Tag, buf []byte, groupCtx any) error {
	if t.consumeBusy() {
		return errs.New(errs.TransientBusy, "mem transport: recv refused")
	}
	_ = src
	t.mu.Lock()
	if data, ok := t.sendBuf[tag]; ok {
		delete(t.sendBuf, tag)
		t.mu.Unlock()
		copy(buf, data)
		t.cb(tag, groupCtx)
		return nil
	}
	t.pending[tag] = &pendingRecv{buf: buf, groupCtx: groupCtx}
	t.mu.Unlock()
	return nil
}

func (t *MemTransport) deliver(tag Tag, data []byte) {
	t.mu.Lock()
	if pr, ok := t.pending[tag]; ok {
		delete(t.pending, tag)
		t.mu.Unlock()
		copy(pr.buf, data)
		t.cb(tag, pr.groupCtx)
		return
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	t.sendBuf[tag] = cp
	t.mu.Unlock()
}

func (m *Mesh) lookup(a Addr) *MemTransport {
	ra, ok := a.(rankAddr)
	if !ok {
		panic("xport: foreign address type passed to in-memory mesh")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.endpoints[int(ra)]
}

// rankAddr is the Addr implementation used by the in-memory mesh: a rank
// is its own address.
type rankAddr int

func (r rankAddr) String() string { return "rank#" + itoa(int(r)) }

func RankAddr(rank int) Addr { return rankAddr(rank) }

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// SliceAddressVector is the simplest AddressVector: an ordered slice of
// Addr values with a cached self-index.
type SliceAddressVector struct {
	Addrs []Addr
	Self  int // index of local endpoint's own address, or -1
}

func (v *SliceAddressVector) Addr(idx int) (Addr, error) {
	if idx < 0 || idx >= len(v.Addrs) {
		return nil, errs.Newf(errs.InvalidArg, "address vector index %d out of range", idx)
	}
	return v.Addrs[idx], nil
}

func (v *SliceAddressVector) Count() int     { return len(v.Addrs) }
func (v *SliceAddressVector) SelfIndex() int { return v.Self }
