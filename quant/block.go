package quant

import "math"

// BlockSize is the number of scalar elements per Q40/Q80 block.
const BlockSize = 32

// Q80Block is one quantized block: 32 int8 values and one f16 scale
// (stored as its raw bit pattern so the block round-trips exactly through
// the wire and the model file, matching the header's little-endian layout).
type Q80Block struct {
	Scale  uint16
	Values [BlockSize]int8
}

// Q40Block packs 32 signed 4-bit quantities as 16 bytes (two nibbles per
// byte) plus one f16 scale.
type Q40Block struct {
	Scale  uint16
	Packed [BlockSize / 2]byte
}

// ThreadRange implements the engine-wide split rule: if the work divides
// into nThreads with remainder r, the first r threads take one extra unit.
// Used by every kernel and by quantize/dequantize to assign whole-block
// ranges per thread.
func ThreadRange(total, nThreads, threadIndex int) (start, end int) {
	base := total / nThreads
	r := total % nThreads
	if threadIndex < r {
		start = threadIndex * (base + 1)
		end = start + base + 1
	} else {
		start = r*(base+1) + (threadIndex-r)*base
		end = start + base
	}
	return start, end
}

// QuantizeQ80Row quantizes x (length a multiple of BlockSize) into out,
// splitting the block range [0, len(x)/BlockSize) across nThreads per
// ThreadRange. Parallelism is by block count, never by element, so no
// thread straddles a block boundary.
func QuantizeQ80Row(out []Q80Block, x []float32, nThreads, threadIndex int) {
	nBlocks := len(x) / BlockSize
	start, end := ThreadRange(nBlocks, nThreads, threadIndex)
	for b := start; b < end; b++ {
		quantizeQ80Block(&out[b], x[b*BlockSize:(b+1)*BlockSize])
	}
}

func quantizeQ80Block(blk *Q80Block, x []float32) {
	var amax float32
	for _, v := range x {
		a := v
		if a < 0 {
			a = -a
		}
		if a > amax {
			amax = a
		}
	}
	d := amax / 127
	blk.Scale = F32ToF16(d)
	if d == 0 {
		for i := range blk.Values {
			blk.Values[i] = 0
		}
		return
	}
	inv := 1 / d
	for i, v := range x {
		q := int32(math.Round(float64(v * inv)))
		if q > 127 {
			q = 127
		} else if q < -127 {
			q = -127
		}
		blk.Values[i] = int8(q)
	}
}

// DequantizeQ80Row writes the dequantized f32 values for blocks
// [start, end) into out, where out is sized len(blocks)*BlockSize already.
func DequantizeQ80Row(out []float32, blocks []Q80Block, nThreads, threadIndex int) {
	start, end := ThreadRange(len(blocks), nThreads, threadIndex)
	for b := start; b < end; b++ {
		d := F16ToF32(blocks[b].Scale)
		base := b * BlockSize
		for i, v := range blocks[b].Values {
			out[base+i] = float32(v) * d
		}
	}
}

// QuantizeQ40Row quantizes x into packed Q40 blocks, split the same way as
// QuantizeQ80Row.
func QuantizeQ40Row(out []Q40Block, x []float32, nThreads, threadIndex int) {
	nBlocks := len(x) / BlockSize
	start, end := ThreadRange(nBlocks, nThreads, threadIndex)
	for b := start; b < end; b++ {
		quantizeQ40Block(&out[b], x[b*BlockSize:(b+1)*BlockSize])
	}
}

// quantizeQ40Block packs each byte's two nibbles from the block's first and
// second half (Packed[j] = (x[j], x[j+16])), not from adjacent elements —
// this is the on-disk ordering a real Q40-converted model file uses, so
// reinterpreting raw model bytes as Q40Block must agree with it exactly.
func quantizeQ40Block(blk *Q40Block, x []float32) {
	var amax, max float32
	for _, v := range x {
		a := v
		if a < 0 {
			a = -a
		}
		if a > amax {
			amax = a
			max = v
		}
	}
	d := max / -8
	blk.Scale = F32ToF16(d)
	if d == 0 {
		for i := range blk.Packed {
			blk.Packed[i] = 0x88 // both nibbles = 8 (zero after -8 bias)
		}
		return
	}
	inv := 1 / d
	const half = BlockSize / 2
	for i := 0; i < half; i++ {
		q0 := clampNibble(int32(math.Round(float64(x[i]*inv))) + 8)
		q1 := clampNibble(int32(math.Round(float64(x[i+half]*inv))) + 8)
		blk.Packed[i] = byte(q0) | byte(q1)<<4
	}
}

func clampNibble(v int32) int32 {
	if v < 0 {
		return 0
	}
	if v > 15 {
		return 15
	}
	return v
}

// DequantizeQ40Row writes dequantized f32 values for blocks [start,end).
// Packing is first-half/second-half, not adjacent pairs: Packed[j] holds
// (x[j], x[j+16]), matching the on-disk layout a real Q40 model file uses.
func DequantizeQ40Row(out []float32, blocks []Q40Block, nThreads, threadIndex int) {
	start, end := ThreadRange(len(blocks), nThreads, threadIndex)
	const half = BlockSize / 2
	for b := start; b < end; b++ {
		d := F16ToF32(blocks[b].Scale)
		base := b * BlockSize
		for i := 0; i < half; i++ {
			packed := blocks[b].Packed[i]
			v0 := int32(packed&0x0f) - 8
			v1 := int32(packed>>4) - 8
			out[base+i] = float32(v0) * d
			out[base+i+half] = float32(v1) * d
		}
	}
}
