package device

import (
	"encoding/binary"
	"math"

	"github.com/distllama/distllama/quant"
	"github.com/distllama/distllama/tensor"
)

// Storage is a node-local or network-visible region's backing store. Only
// one of F32/Q80/Q40 is populated, selected by Type. Rows is the batch
// dimension (1 for RAW-addressed regions like the KV cache); RowLen is the
// element count of one row.
type Storage struct {
	Type   tensor.ElementType
	Rows   int
	RowLen int

	F32 []float32
	Q80 []quant.Q80Block
	Q40 []quant.Q40Block
}

// NewStorage allocates zeroed storage for the given size and row count
// (nBatches for BATCH-addressed regions, 1 for RAW-addressed ones like the
// KV cache where SHIFT encodes the row via the position pipe instead).
func NewStorage(elemType tensor.ElementType, rowLen, rows int) *Storage {
	s := &Storage{Type: elemType, Rows: rows, RowLen: rowLen}
	switch elemType {
	case tensor.F32:
		s.F32 = make([]float32, rowLen*rows)
	case tensor.Q80:
		s.Q80 = make([]quant.Q80Block, (rowLen/quant.BlockSize)*rows)
	case tensor.Q40:
		s.Q40 = make([]quant.Q40Block, (rowLen/quant.BlockSize)*rows)
	}
	return s
}

// RowF32 returns the F32 slice for row i, panicking if Type is not F32 (the
// caller must have resolved the kernel for this storage's actual type
// before calling RowF32 — see dispatch.go's kernel-selection table).
func (s *Storage) RowF32(i int) []float32 {
	return s.F32[i*s.RowLen : (i+1)*s.RowLen]
}

// RowQ80 returns the Q80 blocks for row i.
func (s *Storage) RowQ80(i int) []quant.Q80Block {
	blocksPerRow := s.RowLen / quant.BlockSize
	return s.Q80[i*blocksPerRow : (i+1)*blocksPerRow]
}

// RowQ40 returns the Q40 blocks for row i.
func (s *Storage) RowQ40(i int) []quant.Q40Block {
	blocksPerRow := s.RowLen / quant.BlockSize
	return s.Q40[i*blocksPerRow : (i+1)*blocksPerRow]
}

// SliceF32 narrows a row to [offset, offset+width) elements for
// BATCHED_SLICE addressing (only meaningful on F32 storage in this
// engine — sliced pointer configs address pipes that are always cast to
// f32 before a node-index sub-range is taken).
func (s *Storage) SliceF32(i, offset, width int) []float32 {
	row := s.RowF32(i)
	return row[offset : offset+width]
}

// Bytes encodes this storage's whole F32 buffer as little-endian bytes, the
// form a Session writes to the wire. Every network-visible pipe in this
// engine is F32 (see graph.BuildLlamaNet's PipeDef list), so no other
// element type needs a wire encoding.
func (s *Storage) Bytes() []byte {
	out := make([]byte, len(s.F32)*4)
	for i, v := range s.F32 {
		binary.LittleEndian.PutUint32(out[i*4:i*4+4], math.Float32bits(v))
	}
	return out
}

// SetBytes decodes little-endian bytes into this storage's whole F32
// buffer, overwriting it in place. Panics if len(b) does not match the
// storage's declared byte size — a mismatch means the sender and receiver
// disagree on this pipe's size, which can only happen with a bad graph.
func (s *Storage) SetBytes(b []byte) {
	if len(b) != len(s.F32)*4 {
		panic("storage: SetBytes length mismatch")
	}
	for i := range s.F32 {
		s.F32[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4 : i*4+4]))
	}
}

// GatherSliceBytes encodes the same [offsetElems, offsetElems+nElems)
// sub-range of every batch row, concatenated in row order — the wire form
// of one node's slice of an all-to-all pipe. Node slices interleave per
// row under BATCHED_SLICE addressing, so a single contiguous byte range
// would only cover row 0; this walks all Rows.
func (s *Storage) GatherSliceBytes(offsetElems, nElems int) []byte {
	out := make([]byte, s.Rows*nElems*4)
	for r := 0; r < s.Rows; r++ {
		base := r * s.RowLen
		dst := r * nElems * 4
		for i := 0; i < nElems; i++ {
			binary.LittleEndian.PutUint32(out[dst+i*4:dst+i*4+4], math.Float32bits(s.F32[base+offsetElems+i]))
		}
	}
	return out
}

// ScatterSliceBytes decodes a GatherSliceBytes-shaped buffer back into the
// [offsetElems, offsetElems+nElems) sub-range of every batch row.
func (s *Storage) ScatterSliceBytes(offsetElems, nElems int, b []byte) {
	for r := 0; r < s.Rows; r++ {
		base := r * s.RowLen
		src := r * nElems * 4
		for i := 0; i < nElems; i++ {
			s.F32[base+offsetElems+i] = math.Float32frombits(binary.LittleEndian.Uint32(b[src+i*4 : src+i*4+4]))
		}
	}
}
