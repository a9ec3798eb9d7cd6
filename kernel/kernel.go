// Package kernel implements the numeric kernels the operator graph binds to:
// RMS-norm, matmul (f32 and quantized), softmax, activations, RoPE,
// multi-head attention, the residual merge, the KV-cache shift, and
// embedding lookup. Every kernel that takes (nThreads, threadIndex) is
// responsible for its own whole-range split via quant.ThreadRange: the
// first r threads (where len%nThreads=r) take one extra unit. InvRMS,
// Softmax, Shift and Embedding take no thread arguments and do the whole
// range in one call.
//
// SIMD lives only here. The dot-product inner loop goes through
// github.com/ajroetker/go-highway, which tiers itself down to a scalar
// fallback (hwy.DispatchScalar) when no wider ISA is detected or
// GOEXPERIMENT=simd is unavailable — that tier *is* this engine's portable
// scalar path, so no separate hand-written fallback is needed alongside it.
package kernel

import (
	"math"

	"github.com/ajroetker/go-highway/hwy"
	"github.com/distllama/distllama/quant"
)

// dot computes the f32 dot product of a and b (equal length) through
// go-highway's vector API, processing MaxLanes[float32]() elements per
// iteration with a scalar tail for the remainder.
func dot(a, b []float32) float32 {
	n := len(a)
	lanes := hwy.MaxLanes[float32]()
	acc := hwy.Zero[float32]()
	i := 0
	for ; i+lanes <= n; i += lanes {
		va := hwy.Load(a[i : i+lanes])
		vb := hwy.Load(b[i : i+lanes])
		acc = hwy.FMA(va, vb, acc)
	}
	sum := hwy.ReduceSum(acc)
	for ; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}

// sumSquares computes sum(x[i]^2) the same tiered way, used by InvRMS.
func sumSquares(x []float32) float32 {
	return dot(x, x)
}

// InvRMS returns 1/sqrt(mean(x^2)+eps) over x[:k]. Tolerates k not
// divisible by the SIMD width via dot's scalar tail.
func InvRMS(x []float32, k int, eps float32) float32 {
	ss := sumSquares(x[:k])
	mean := ss / float32(k)
	return float32(1 / math.Sqrt(float64(mean+eps)))
}

// RMSNorm computes y = w * (invRms * x) over k elements, splitting the
// element range across nThreads.
func RMSNorm(y, x, w []float32, invRms float32, k, nThreads, threadIndex int) {
	start, end := quant.ThreadRange(k, nThreads, threadIndex)
	for i := start; i < end; i++ {
		y[i] = w[i] * (invRms * x[i])
	}
}

// RMSNormQ80 is the Q80-input variant: x is dequantized on the fly per
// block before the same weighted scale is applied.
func RMSNormQ80(y []float32, xBlocks []quant.Q80Block, w []float32, invRms float32, k, nThreads, threadIndex int) {
	nBlocks := k / quant.BlockSize
	start, end := quant.ThreadRange(nBlocks, nThreads, threadIndex)
	for b := start; b < end; b++ {
		d := float32FromHalf(xBlocks[b].Scale)
		base := b * quant.BlockSize
		for i, q := range xBlocks[b].Values {
			y[base+i] = w[base+i] * (invRms * (float32(q) * d))
		}
	}
}

func float32FromHalf(h uint16) float32 { return quant.F16ToF32(h) }

// MatMulF32 computes y[i] = sum_j W[i*n+j]*x[j] for i in [0,d), splitting
// output rows across nThreads.
func MatMulF32(y, x, w []float32, n, d, nThreads, threadIndex int) {
	start, end := quant.ThreadRange(d, nThreads, threadIndex)
	for i := start; i < end; i++ {
		y[i] = dot(w[i*n:(i+1)*n], x)
	}
}

// MatMulQ80Q40 computes the same contraction with a Q80-quantized
// activation vector and a Q40-quantized weight matrix. The dot product is
// taken per block pair in the integer domain (int8 x unpacked int4), then
// scaled by the product of the two block scales, so no dequantized scratch
// is needed in the hot loop.
func MatMulQ80Q40(y []float32, xBlocks []quant.Q80Block, w []quant.Q40Block, n, d, nThreads, threadIndex int) {
	blocksPerRow := n / quant.BlockSize
	const half = quant.BlockSize / 2
	start, end := quant.ThreadRange(d, nThreads, threadIndex)
	for i := start; i < end; i++ {
		var acc float32
		for b := 0; b < blocksPerRow; b++ {
			wb := &w[i*blocksPerRow+b]
			xb := &xBlocks[b]
			var sumi int32
			for j := 0; j < half; j++ {
				packed := wb.Packed[j]
				v0 := int32(packed&0x0f) - 8
				v1 := int32(packed>>4) - 8
				sumi += v0*int32(xb.Values[j]) + v1*int32(xb.Values[j+half])
			}
			acc += float32FromHalf(wb.Scale) * float32FromHalf(xb.Scale) * float32(sumi)
		}
		y[i] = acc
	}
}

// MatMulQ80Q80 is the all-int8 variant: both the activation vector and the
// weight row are Q80 blocks.
func MatMulQ80Q80(y []float32, xBlocks, w []quant.Q80Block, n, d, nThreads, threadIndex int) {
	blocksPerRow := n / quant.BlockSize
	start, end := quant.ThreadRange(d, nThreads, threadIndex)
	for i := start; i < end; i++ {
		var acc float32
		for b := 0; b < blocksPerRow; b++ {
			wb := &w[i*blocksPerRow+b]
			xb := &xBlocks[b]
			var sumi int32
			for j := 0; j < quant.BlockSize; j++ {
				sumi += int32(wb.Values[j]) * int32(xb.Values[j])
			}
			acc += float32FromHalf(wb.Scale) * float32FromHalf(xb.Scale) * float32(sumi)
		}
		y[i] = acc
	}
}

// MatMulF16 contracts an f32 activation vector against an f16 weight
// matrix, widening each weight scalar through the conversion table.
func MatMulF16(y, x []float32, w []uint16, n, d, nThreads, threadIndex int) {
	start, end := quant.ThreadRange(d, nThreads, threadIndex)
	for i := start; i < end; i++ {
		row := w[i*n : (i+1)*n]
		var acc float32
		for j, h := range row {
			acc += quant.F16ToF32(h) * x[j]
		}
		y[i] = acc
	}
}

// Softmax normalizes x[:n] in place, numerically stable (subtract max,
// exponentiate, divide by the sum). n=0 is a no-op. A zero denominator
// (all values -inf after the max-subtract) is replaced by 1e-6 to avoid a
// NaN fan-out.
func Softmax(x []float32, n int) {
	if n == 0 {
		return
	}
	max := x[0]
	for i := 1; i < n; i++ {
		if x[i] > max {
			max = x[i]
		}
	}
	var sum float32
	for i := 0; i < n; i++ {
		x[i] = float32(math.Exp(float64(x[i] - max)))
		sum += x[i]
	}
	if sum == 0 {
		sum = 1e-6
	}
	inv := 1 / sum
	for i := 0; i < n; i++ {
		x[i] *= inv
	}
}

// SiLU computes x[i] = x[i] * sigmoid(x[i]) in place over x[:n], split
// across nThreads.
func SiLU(x []float32, n, nThreads, threadIndex int) {
	start, end := quant.ThreadRange(n, nThreads, threadIndex)
	for i := start; i < end; i++ {
		v := x[i]
		x[i] = v / (1 + float32(math.Exp(float64(-v))))
	}
}

const geluConst = 0.7978845608028654 // sqrt(2/pi)

// GELU computes the tanh approximation in place over x[:n].
func GELU(x []float32, n, nThreads, threadIndex int) {
	start, end := quant.ThreadRange(n, nThreads, threadIndex)
	for i := start; i < end; i++ {
		v := x[i]
		inner := geluConst * (v + 0.044715*v*v*v)
		x[i] = 0.5 * v * (1 + float32(math.Tanh(float64(inner))))
	}
}

// Mul computes acc[i] = silu[i] * l[i] for the feed-forward gate merge
// (named "mul(d,l)" in the graph: d is the SiLU'd W1 projection, l is the
// W3 projection).
func Mul(acc, silu, l []float32, n, nThreads, threadIndex int) {
	start, end := quant.ThreadRange(n, nThreads, threadIndex)
	for i := start; i < end; i++ {
		acc[i] = silu[i] * l[i]
	}
}

// MergeAdd accumulates every node slice in partials into acc:
// acc[i] += sum_p partials[p][i], for i in [0,xWidth).
func MergeAdd(acc []float32, partials [][]float32, xWidth, nThreads, threadIndex int) {
	start, end := quant.ThreadRange(xWidth, nThreads, threadIndex)
	for _, p := range partials {
		for i := start; i < end; i++ {
			acc[i] += p[i]
		}
	}
}

// MergeAddFlat is MergeAdd over nSlices consecutive xWidth-wide slices of
// one flat buffer (a synced all-to-all pipe row), avoiding a per-call
// slice-of-slices in the forward hot path.
func MergeAddFlat(acc, full []float32, xWidth, nSlices, nThreads, threadIndex int) {
	start, end := quant.ThreadRange(xWidth, nThreads, threadIndex)
	for s := 0; s < nSlices; s++ {
		p := full[s*xWidth : (s+1)*xWidth]
		for i := start; i < end; i++ {
			acc[i] += p[i]
		}
	}
}

// MergeAddQ80 is the quantized-input variant: each partial is dequantized
// block-by-block as it is accumulated.
func MergeAddQ80(acc []float32, partials [][]quant.Q80Block, xWidth, nThreads, threadIndex int) {
	nBlocks := xWidth / quant.BlockSize
	start, end := quant.ThreadRange(nBlocks, nThreads, threadIndex)
	for _, p := range partials {
		for b := start; b < end; b++ {
			d := float32FromHalf(p[b].Scale)
			base := b * quant.BlockSize
			for j, q := range p[b].Values {
				acc[base+j] += float32(q) * d
			}
		}
	}
}

// Shift copies one row of src into dst at element offset position*rowLen,
// bounds-checked against outputSizeX (the destination's declared x
// dimension in elements). Used to write the current token's key/value
// vector into the KV cache at its sequence position.
func Shift(dst, src []float32, position, rowLen, outputSizeX int) error {
	offset := position * rowLen
	if offset+rowLen > outputSizeX {
		return shiftRangeErr(position, rowLen, outputSizeX)
	}
	copy(dst[offset:offset+rowLen], src[:rowLen])
	return nil
}

// Embedding copies the token-th row of table into out (EmbeddingQ80 is
// the quantizing variant).
func Embedding(out []float32, token int, table []float32, dim int) {
	copy(out[:dim], table[token*dim:(token+1)*dim])
}

// EmbeddingQ80 quantizes the token-th row of table into out.
func EmbeddingQ80(out []quant.Q80Block, token int, table []float32, dim int) {
	row := table[token*dim : (token+1)*dim]
	quant.QuantizeQ80Row(out, row, 1, 0)
}
