// Package tensor defines the scalar element types, tensor sizes, and
// pointer/addressing descriptors shared by the operator graph, the device
// layer, and the numeric kernels. Types in this package carry no storage of
// their own (see quant and device for the actual buffers); they are the
// value-type vocabulary the rest of the engine is built from.
package tensor

import "fmt"

// ElementType enumerates the scalar storage formats the engine moves
// tensors through. UNK marks a pointer config whose type has not been
// resolved yet (resolution happens at segment build, not at run time).
type ElementType int

const (
	UNK ElementType = iota
	F32
	F16
	Q40
	Q80
)

func (t ElementType) String() string {
	switch t {
	case F32:
		return "f32"
	case F16:
		return "f16"
	case Q40:
		return "q40"
	case Q80:
		return "q80"
	default:
		return "unk"
	}
}

// BlockSize is the number of scalar elements per quantization block for
// block-quantized types. F32/F16 are unblocked (1).
func (t ElementType) BlockSize() int {
	switch t {
	case Q40, Q80:
		return 32
	default:
		return 1
	}
}

// BytesPerBlock is the on-wire/on-disk size of one quantization block,
// including its f16 scale.
func (t ElementType) BytesPerBlock() int {
	switch t {
	case Q40:
		return 2 + 16 // f16 scale + 32 packed int4 (16 bytes)
	case Q80:
		return 2 + 32 // f16 scale + 32 int8
	case F16:
		return 2
	case F32:
		return 4
	default:
		return 0
	}
}

// ByteSize returns the number of bytes needed to store n logical elements of
// this type. n must be a multiple of BlockSize() for block-quantized types;
// callers that violate this invariant get a panic, since it indicates a
// graph built with an inconsistent shape.
func (t ElementType) ByteSize(n int) int {
	bs := t.BlockSize()
	if n%bs != 0 {
		panic(fmt.Sprintf("tensor: %d elements not a multiple of block size %d for %s", n, bs, t))
	}
	return (n / bs) * t.BytesPerBlock()
}

// Size is a 3-D tensor slice size: z is the outermost axis (rarely above
// 1 in this engine's 2-D-dominant graph), y is conventionally the batch
// axis, x is the feature axis.
type Size struct {
	Type    ElementType
	Z, Y, X int
}

// Size0 is the "no storage" size used by ops that operate in place on an
// existing pipe or buffer (e.g. ROPE, SILU).
func Size0() Size { return Size{Type: UNK} }

// Size1D builds a (1,1,x) size of the given type, the common case for a
// single feature-vector row.
func Size1D(t ElementType, x int) Size { return Size{Type: t, Z: 1, Y: 1, X: x} }

// Size2D builds a (1,y,x) size, the common case for a batch of y rows of x
// features each.
func Size2D(t ElementType, y, x int) Size { return Size{Type: t, Z: 1, Y: y, X: x} }

// Length is the logical element count z*y*x.
func (s Size) Length() int { return s.Z * s.Y * s.X }

// Bytes is the on-wire/in-memory byte footprint of the whole size.
func (s Size) Bytes() int {
	if s.Length() == 0 {
		return 0
	}
	return s.Type.ByteSize(s.Length())
}

// IsEmpty reports whether this is the size0() sentinel.
func (s Size) IsEmpty() bool { return s.Z == 0 && s.Y == 0 && s.X == 0 }

func (s Size) String() string {
	return fmt.Sprintf("%s(%d,%d,%d)", s.Type, s.Z, s.Y, s.X)
}

// Region selects which network-visibility class a pointer config reads from
// or writes to.
type Region int

const (
	// RegionBuffer is node-local scratch; never crosses the wire.
	RegionBuffer Region = iota
	// RegionPipe is network-visible storage, eligible for cross-node sync.
	RegionPipe
)

// AddressingMode selects how an op's input/output pointer is resolved for a
// given batch row.
type AddressingMode int

const (
	// Raw treats the whole region as one contiguous blob, used for KV
	// cache writes where the row position is encoded in the op's payload
	// rather than in the batch index.
	Raw AddressingMode = iota
	// Batch selects one row per batch item.
	Batch
	// BatchedSlice selects one row per batch item, then a fixed
	// sub-range of x chosen by this node's index.
	BatchedSlice
)

// PointerConfig records where an op reads its input from, or writes its
// output to: a region (pipe or buffer), an index into that region's list of
// named storages, and how to compute the per-batch-row offset.
type PointerConfig struct {
	Region Region
	Index  int
	Mode   AddressingMode
	// SliceOffset and SliceWidth are only meaningful under BatchedSlice:
	// the selected sub-range of x is [SliceOffset, SliceOffset+SliceWidth).
	SliceOffset int
	SliceWidth  int
}

// RowBytes returns the byte width of one addressed row under this pointer
// config, given the region's declared size.
func (p PointerConfig) RowBytes(regionSize Size) int {
	switch p.Mode {
	case BatchedSlice:
		return regionSize.Type.ByteSize(p.SliceWidth)
	default:
		return regionSize.Type.ByteSize(regionSize.X)
	}
}
