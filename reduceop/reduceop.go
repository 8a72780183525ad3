// Package reduceop implements the element-wise reduction kernels the
// engine's Schedule Compiler and Progress Engine invoke for Reduce work
// items. Naming follows the vocabulary used by ML collective-communication
// libraries such as KungFu's Workspace.OP / Datatype.
package reduceop

import (
	"encoding/binary"
	"math"

	"github.com/NVIDIA/aiscoll/errs"
)

type Op int

const (
	SUM Op = iota
	PROD
	MIN
	MAX
	LAND
	LOR
	LXOR
	BAND
	BOR
	BXOR
)

type Datatype int

const (
	I32 Datatype = iota
	I64
	U64
	F32
	F64
)

func (dt Datatype) Size() int {
	switch dt {
	case I32, F32:
		return 4
	case I64, U64, F64:
		return 8
	default:
		return 0
	}
}

// Kernel reduces count elements of datatype dt: inout[i] = op(inout[i], in[i]).
type Kernel func(inout, in []byte, count int) error

var registry = map[Op]map[Datatype]Kernel{}

func init() {
	registerArith(SUM, func(a, b uint64, dt Datatype) uint64 { return arithAdd(a, b, dt) })
	registerArith(PROD, func(a, b uint64, dt Datatype) uint64 { return arithMul(a, b, dt) })
	registerArith(MIN, func(a, b uint64, dt Datatype) uint64 {
		if arithLess(a, b, dt) {
			return a
		}
		return b
	})
	registerArith(MAX, func(a, b uint64, dt Datatype) uint64 {
		if arithLess(a, b, dt) {
			return b
		}
		return a
	})
	registerBitwise(BAND, func(a, b uint64) uint64 { return a & b })
	registerBitwise(BOR, func(a, b uint64) uint64 { return a | b })
	registerBitwise(BXOR, func(a, b uint64) uint64 { return a ^ b })
	registerBitwise(LAND, func(a, b uint64) uint64 { return b2u(a != 0 && b != 0) })
	registerBitwise(LOR, func(a, b uint64) uint64 { return b2u(a != 0 || b != 0) })
	registerBitwise(LXOR, func(a, b uint64) uint64 { return b2u((a != 0) != (b != 0)) })
}

func b2u(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// Lookup returns the kernel for (op, datatype), or a NotSupported error.
func Lookup(op Op, dt Datatype) (Kernel, error) {
	byDT, ok := registry[op]
	if !ok {
		return nil, errs.Newf(errs.NotSupported, "op %d not supported", op)
	}
	k, ok := byDT[dt]
	if !ok {
		return nil, errs.Newf(errs.NotSupported, "op %d unsupported for datatype %d", op, dt)
	}
	return k, nil
}

func registerArith(op Op, f func(a, b uint64, dt Datatype) uint64) {
	registry[op] = map[Datatype]Kernel{}
	for _, dt := range []Datatype{I32, I64, U64, F32, F64} {
		dt := dt
		registry[op][dt] = func(inout, in []byte, count int) error {
			return walk(inout, in, count, dt, f)
		}
	}
}

// BAND/BOR/BXOR/LAND/LOR/LXOR only make sense on integer bit patterns; the
// join's candidate-bitmap reduction (sched.CompileJoin) runs BAND over U64
// and sched.CompileBarrier runs BAND over I32.
func registerBitwise(op Op, f func(a, b uint64) uint64) {
	registry[op] = map[Datatype]Kernel{}
	for _, dt := range []Datatype{I32, I64, U64} {
		dt := dt
		registry[op][dt] = func(inout, in []byte, count int) error {
			return walk(inout, in, count, dt, func(a, b uint64, _ Datatype) uint64 { return f(a, b) })
		}
	}
}

func walk(inout, in []byte, count int, dt Datatype, f func(a, b uint64, dt Datatype) uint64) error {
	sz := dt.Size()
	if sz == 0 {
		return errs.Newf(errs.NotSupported, "unknown datatype %d", dt)
	}
	need := sz * count
	if len(inout) < need || len(in) < need {
		return errs.Newf(errs.InvalidArg, "buffer too small for count=%d dt=%d", count, dt)
	}
	for i := 0; i < count; i++ {
		off := i * sz
		a := loadWord(inout[off:off+sz], dt)
		b := loadWord(in[off:off+sz], dt)
		storeWord(inout[off:off+sz], f(a, b, dt), dt)
	}
	return nil
}

// loadWord reads the raw bit pattern of one element as a uint64. For I32 it
// sign-extends so arithLess/arithAdd/arithMul can compare and add signed
// values; for F32/F64 it carries the IEEE-754 bits unconverted, since the
// float arithmetic happens on Float32frombits/Float64frombits of this word,
// not on its value interpreted as an integer.
func loadWord(b []byte, dt Datatype) uint64 {
	switch dt {
	case I32:
		return uint64(int64(int32(binary.LittleEndian.Uint32(b))))
	case F32:
		return uint64(binary.LittleEndian.Uint32(b))
	default:
		return binary.LittleEndian.Uint64(b)
	}
}

func storeWord(b []byte, v uint64, dt Datatype) {
	switch dt {
	case I32, F32:
		binary.LittleEndian.PutUint32(b, uint32(v))
	default:
		binary.LittleEndian.PutUint64(b, v)
	}
}

// arithAdd/arithMul/arithLess dispatch on dt to interpret the raw word
// correctly: I32 as a sign-extended two's-complement value, F32/F64 via
// Float32frombits/Float64frombits so the arithmetic happens in the float
// domain rather than on the bit pattern, and everything else (I64/U64) as
// a plain uint64 for add and multiply; arithLess compares I64 as signed.
func arithAdd(a, b uint64, dt Datatype) uint64 {
	switch dt {
	case I32:
		return uint64(int64(int32(a)) + int64(int32(b)))
	case F32:
		return uint64(math.Float32bits(math.Float32frombits(uint32(a)) + math.Float32frombits(uint32(b))))
	case F64:
		return math.Float64bits(math.Float64frombits(a) + math.Float64frombits(b))
	default:
		return a + b
	}
}

func arithMul(a, b uint64, dt Datatype) uint64 {
	switch dt {
	case I32:
		return uint64(int64(int32(a)) * int64(int32(b)))
	case F32:
		return uint64(math.Float32bits(math.Float32frombits(uint32(a)) * math.Float32frombits(uint32(b))))
	case F64:
		return math.Float64bits(math.Float64frombits(a) * math.Float64frombits(b))
	default:
		return a * b
	}
}

func arithLess(a, b uint64, dt Datatype) bool {
	switch dt {
	case I32:
		return int32(a) < int32(b)
	case I64:
		return int64(a) < int64(b)
	case F32:
		return math.Float32frombits(uint32(a)) < math.Float32frombits(uint32(b))
	case F64:
		return math.Float64frombits(a) < math.Float64frombits(b)
	default:
		return a < b
	}
}
