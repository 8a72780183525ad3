package workq

import (
	"container/list"

	"github.com/NVIDIA/aiscoll/reduceop"
	"github.com/NVIDIA/aiscoll/xport"
)

// Kind discriminates the work-item variants.
type Kind int

const (
	KindSend Kind = iota
	KindRecv
	KindReduce
	KindCopy
	KindCompletion
)

func (k Kind) String() string {
	switch k {
	case KindSend:
		return "send"
	case KindRecv:
		return "recv"
	case KindReduce:
		return "reduce"
	case KindCopy:
		return "copy"
	case KindCompletion:
		return "completion"
	default:
		return "unknown"
	}
}

// State realizes the work-item state machine:
// Deferred -> Pending (transfers only) -> InFlight -> Retired. Reduce/Copy
// skip directly to Retired.
type State int

const (
	StateDeferred State = iota
	StatePending
	StateInFlight
	StateRetired
)

// CompletionCB is invoked when a Completion item is drained; it retires
// the collective and posts the user-visible event.
type CompletionCB func(item *Item)

// Item is the discriminated work-item record: a common header (list links,
// barrier flag, transfer tag) plus variant-specific fields. Go has no
// tagged unions, so all variant fields live on one struct behind the Kind
// discriminant -- the same flattening aistore's own "Msg" structs use
// (Msg{SID, Body, Opcode} carries several logically distinct payloads
// behind one Opcode field).
type Item struct {
	// header
	Kind Kind
	// IsBarrier tells the deferred-list drain whether posting this item
	// should stop the current drain pass. Send/Recv items are always
	// linked into the barrier list regardless of this flag; IsBarrier only
	// controls whether draining keeps going past them in the same pass.
	IsBarrier bool
	Tag       xport.Tag
	State     State
	CollID    uint32 // host-side only, never on the wire; see DESIGN.md OQ#2

	// intrusive list elements: one item can be linked into the barrier
	// list independently of the deferred/pending list it's also on; container/list.Element pointers realize the two
	// independent intrusive links calls for.
	listEl    *list.Element
	barrierEl *list.Element

	// Send / Recv
	Buf      []byte
	Count    int
	Datatype reduceop.Datatype
	PeerAddr xport.Addr
	PeerRank int

	// Reduce
	InBuf    []byte
	InoutBuf []byte
	Op       reduceop.Op

	// Copy
	OutBuf []byte

	// Completion
	Callback   CompletionCB
	OpType     string
	UserCtx    any
	ScratchBuf []byte
}

func NewSend(tag xport.Tag, buf []byte, count int, dt reduceop.Datatype, peer xport.Addr, peerRank int) *Item {
	return &Item{Kind: KindSend, IsBarrier: true, Tag: tag, Buf: buf, Count: count, Datatype: dt, PeerAddr: peer, PeerRank: peerRank}
}

func NewRecv(tag xport.Tag, buf []byte, count int, dt reduceop.Datatype, peer xport.Addr, peerRank int) *Item {
	return &Item{Kind: KindRecv, IsBarrier: true, Tag: tag, Buf: buf, Count: count, Datatype: dt, PeerAddr: peer, PeerRank: peerRank}
}

func NewReduce(inout, in []byte, count int, dt reduceop.Datatype, op reduceop.Op) *Item {
	return &Item{Kind: KindReduce, InoutBuf: inout, InBuf: in, Count: count, Datatype: dt, Op: op}
}

func NewCopy(in, out []byte, count int, dt reduceop.Datatype) *Item {
	return &Item{Kind: KindCopy, InBuf: in, OutBuf: out, Count: count, Datatype: dt}
}

func NewCompletion(opType string, userCtx any, scratch []byte, cb CompletionCB) *Item {
	return &Item{Kind: KindCompletion, OpType: opType, UserCtx: userCtx, ScratchBuf: scratch, Callback: cb}
}
