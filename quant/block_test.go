package quant

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestF16RoundTrip_Idempotent(t *testing.T) {
	vals := []float32{0, 1, -1, 0.5, 3.14159, -123.456, 65504, -65504, 1e-5}
	for _, v := range vals {
		h := F32ToF16(v)
		back := F16ToF32(h)
		assert.InDelta(t, float64(v), float64(back), 0.05, "v=%v", v)
	}
}

func TestF16TableMatchesDirectPath(t *testing.T) {
	for h := 0; h < 65536; h++ {
		got := F16ToF32(uint16(h))
		want := f16ToF32Bits(uint16(h))
		if math.IsNaN(float64(want)) {
			assert.True(t, math.IsNaN(float64(got)))
			continue
		}
		assert.Equal(t, want, got, "h=%d", h)
	}
}

func TestThreadRange_CoversWholeRangeNoOverlap(t *testing.T) {
	for _, tc := range []struct{ total, nThreads int }{
		{10, 3}, {32, 4}, {1, 1}, {7, 8}, {100, 7},
	} {
		seen := make([]bool, tc.total)
		for th := 0; th < tc.nThreads; th++ {
			start, end := ThreadRange(tc.total, tc.nThreads, th)
			for i := start; i < end; i++ {
				require.False(t, seen[i], "index %d covered twice", i)
				seen[i] = true
			}
		}
		for i, s := range seen {
			assert.True(t, s, "index %d never covered (total=%d nThreads=%d)", i, tc.total, tc.nThreads)
		}
	}
}

func TestQ80RoundTrip_BoundedError(t *testing.T) {
	x := make([]float32, BlockSize)
	for i := range x {
		x[i] = float32(math.Sin(float64(i))) // within [-1,1]
	}
	blocks := make([]Q80Block, 1)
	QuantizeQ80Row(blocks, x, 1, 0)

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

	out := make([]float32, BlockSize)
	DequantizeQ80Row(out, blocks, 1, 0)
	for i := range x {
		assert.LessOrEqual(t, math.Abs(float64(x[i]-out[i])), float64(amax/254)+1e-6)
	}
}

func TestQ40RoundTrip_Sane(t *testing.T) {
	x := make([]float32, BlockSize)
	for i := range x {
		x[i] = float32(i-16) / 16
	}
	blocks := make([]Q40Block, 1)
	QuantizeQ40Row(blocks, x, 1, 0)
	out := make([]float32, BlockSize)
	DequantizeQ40Row(out, blocks, 1, 0)
	for i := range x {
		assert.InDelta(t, float64(x[i]), float64(out[i]), 0.15, "i=%d", i)
	}
}

func TestQ40PackingIsFirstHalfSecondHalfSplit(t *testing.T) {
	// Packed[j] must hold (x[j], x[j+16]), not (x[2j], x[2j+1]) — this is
	// the on-disk layout a real Q40-converted model file uses.
	x := make([]float32, BlockSize)
	for i := range x {
		x[i] = float32(i - 16) // distinct, monotonically increasing values
	}
	blocks := make([]Q40Block, 1)
	QuantizeQ40Row(blocks, x, 1, 0)

	d := float32(-16) / -8 // max magnitude is x[0]=-16, so max=-16, d=-16/-8=2
	clamp := func(v int32) byte {
		if v < 0 {
			return 0
		}
		if v > 15 {
			return 15
		}
		return byte(v)
	}
	for j := 0; j < BlockSize/2; j++ {
		wantLo := clamp(int32(math.Round(float64(x[j]/d))) + 8)
		wantHi := clamp(int32(math.Round(float64(x[j+BlockSize/2]/d))) + 8)
		packed := blocks[0].Packed[j]
		assert.Equal(t, wantLo, packed&0x0f, "low nibble byte %d", j)
		assert.Equal(t, wantHi, packed>>4, "high nibble byte %d", j)
	}
}

func TestQuantize_ParallelMatchesSequential(t *testing.T) {
	x := make([]float32, BlockSize*9)
	for i := range x {
		x[i] = float32(math.Cos(float64(i) * 0.37))
	}
	seq := make([]Q80Block, 9)
	QuantizeQ80Row(seq, x, 1, 0)

	par := make([]Q80Block, 9)
	for th := 0; th < 4; th++ {
		QuantizeQ80Row(par, x, 4, th)
	}
	assert.Equal(t, seq, par)
}
