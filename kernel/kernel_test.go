package kernel

import (
	"math"
	"math/rand"
	"testing"

	"github.com/distllama/distllama/quant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvRMS_MatchesWorkedExample(t *testing.T) {
	x := []float32{0.1, 0.3, 0.2, 0.4, 0.6, 0.5, 0, 0.8}
	got := InvRMS(x, len(x), 1e-5)
	assert.InDelta(t, 1/0.4402, float64(got), 1e-3)
}

func TestSoftmax_SumsToOne(t *testing.T) {
	x := []float32{1, 2, 3, 0.5, -1}
	Softmax(x, len(x))
	var sum float32
	for _, v := range x {
		sum += v
	}
	assert.InDelta(t, 1.0, float64(sum), 1e-5)
}

func TestSoftmax_ZeroN_NoOp(t *testing.T) {
	x := []float32{1, 2, 3}
	cp := append([]float32(nil), x...)
	Softmax(x, 0)
	assert.Equal(t, cp, x)
}

func TestRMSNorm_ScaleEquivariant(t *testing.T) {
	x := []float32{1, 2, 3, 4, 5, 6, 7, 8}
	w := []float32{1, 1, 1, 1, 1, 1, 1, 1}
	inv := InvRMS(x, len(x), 1e-5)
	y1 := make([]float32, len(x))
	RMSNorm(y1, x, w, inv, len(x), 1, 0)

	alpha := float32(7.0)
	xs := make([]float32, len(x))
	for i, v := range x {
		xs[i] = v * alpha
	}
	inv2 := InvRMS(xs, len(xs), 1e-5)
	y2 := make([]float32, len(xs))
	RMSNorm(y2, xs, w, inv2, len(xs), 1, 0)

	for i := range y1 {
		assert.InDelta(t, float64(y1[i]), float64(y2[i]), 1e-4)
	}
}

func TestMatMulF32_ThreadSplitMatchesSingleThread(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	n, d := 64, 16
	x := randVec(rng, n)
	w := randVec(rng, n*d)

	ref := make([]float32, d)
	MatMulF32(ref, x, w, n, d, 1, 0)

	for _, nThreads := range []int{2, 3, 4} {
		got := make([]float32, d)
		for th := 0; th < nThreads; th++ {
			MatMulF32(got, x, w, n, d, nThreads, th)
		}
		for i := range ref {
			assert.InDelta(t, float64(ref[i]), float64(got[i]), 1e-4)
		}
	}
}

func TestMatMulQ80Q40_AgreesWithF32Reference(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	n, d := 64, 8
	x := randUnitVec(rng, n)
	w := randUnitVec(rng, n*d)

	ref := make([]float32, d)
	MatMulF32(ref, x, w, n, d, 1, 0)

	xq := make([]quant.Q80Block, n/quant.BlockSize)
	quant.QuantizeQ80Row(xq, x, 1, 0)
	wq := make([]quant.Q40Block, (n/quant.BlockSize)*d)
	for row := 0; row < d; row++ {
		quant.QuantizeQ40Row(wq[row*(n/quant.BlockSize):(row+1)*(n/quant.BlockSize)], w[row*n:(row+1)*n], 1, 0)
	}

	got := make([]float32, d)
	MatMulQ80Q40(got, xq, wq, n, d, 1, 0)
	for i := range ref {
		assert.LessOrEqual(t, math.Abs(float64(ref[i]-got[i])), 4.0)
	}
}

func TestMatMulQ80Q80_AgreesWithF32Reference(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	n, d := 64, 8
	x := randUnitVec(rng, n)
	w := randUnitVec(rng, n*d)

	ref := make([]float32, d)
	MatMulF32(ref, x, w, n, d, 1, 0)

	xq := make([]quant.Q80Block, n/quant.BlockSize)
	quant.QuantizeQ80Row(xq, x, 1, 0)
	wq := make([]quant.Q80Block, (n/quant.BlockSize)*d)
	for row := 0; row < d; row++ {
		quant.QuantizeQ80Row(wq[row*(n/quant.BlockSize):(row+1)*(n/quant.BlockSize)], w[row*n:(row+1)*n], 1, 0)
	}

	got := make([]float32, d)
	MatMulQ80Q80(got, xq, wq, n, d, 1, 0)
	for i := range ref {
		assert.LessOrEqual(t, math.Abs(float64(ref[i]-got[i])), 4.0)
	}
}

func TestMatMulF16_AgreesWithF32Reference(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	n, d := 64, 8
	x := randUnitVec(rng, n)
	w := randUnitVec(rng, n*d)

	ref := make([]float32, d)
	MatMulF32(ref, x, w, n, d, 1, 0)

	wh := make([]uint16, n*d)
	for i, v := range w {
		wh[i] = quant.F32ToF16(v)
	}

	got := make([]float32, d)
	MatMulF16(got, x, wh, n, d, 1, 0)
	for i := range ref {
		assert.LessOrEqual(t, math.Abs(float64(ref[i]-got[i])), 0.1)
	}
}

func TestSgemm_AgreesWithPerRowMatmul(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	m, n, d := 8, 256, 128
	x := randVec(rng, m*n)
	w := randVec(rng, d*n)

	ref := make([]float32, m*d)
	for row := 0; row < m; row++ {
		MatMulF32(ref[row*d:(row+1)*d], x[row*n:(row+1)*n], w, n, d, 1, 0)
	}

	for _, nThreads := range []int{1, 2, 3} {
		got := make([]float32, m*d)
		for th := 0; th < nThreads; th++ {
			Sgemm(got, x, w, m, n, d, nThreads, th, true)
		}
		for i := range ref {
			assert.LessOrEqual(t, math.Abs(float64(ref[i]-got[i])), 0.01, "nThreads=%d elem %d", nThreads, i)
		}
	}
}

func TestSgemm_NonContiguousFallsBackPerRow(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	m, n, d := 4, 64, 16
	x := randVec(rng, m*n)
	w := randVec(rng, d*n)

	ref := make([]float32, m*d)
	for row := 0; row < m; row++ {
		MatMulF32(ref[row*d:(row+1)*d], x[row*n:(row+1)*n], w, n, d, 1, 0)
	}

	got := make([]float32, m*d)
	Sgemm(got, x, w, m, n, d, 1, 0, false)
	assert.Equal(t, ref, got, "the fallback is the per-row kernel itself, so it matches exactly")
}

func TestSgemmQ80Q40_AgreesWithPerRowMatmul(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	m, n, d := 8, 256, 128
	x := randUnitVec(rng, m*n)
	w := randUnitVec(rng, d*n)

	blocksPerRow := n / quant.BlockSize
	xq := make([]quant.Q80Block, m*blocksPerRow)
	for row := 0; row < m; row++ {
		quant.QuantizeQ80Row(xq[row*blocksPerRow:(row+1)*blocksPerRow], x[row*n:(row+1)*n], 1, 0)
	}
	wq := make([]quant.Q40Block, d*blocksPerRow)
	for row := 0; row < d; row++ {
		quant.QuantizeQ40Row(wq[row*blocksPerRow:(row+1)*blocksPerRow], w[row*n:(row+1)*n], 1, 0)
	}

	ref := make([]float32, m*d)
	for row := 0; row < m; row++ {
		MatMulQ80Q40(ref[row*d:(row+1)*d], xq[row*blocksPerRow:(row+1)*blocksPerRow], wq, n, d, 1, 0)
	}

	got := make([]float32, m*d)
	SgemmQ80Q40(got, xq, wq, m, n, d, 1, 0, true)

	for i := range ref {
		assert.LessOrEqual(t, math.Abs(float64(ref[i]-got[i])), 1.5)
	}
}

func TestShift_BoundsChecked(t *testing.T) {
	dst := make([]float32, 8)
	src := []float32{1, 2, 3, 4}
	require.NoError(t, Shift(dst, src, 1, 4, 8))
	assert.Equal(t, []float32{0, 0, 0, 0, 1, 2, 3, 4}, dst)

	err := Shift(dst, src, 2, 4, 8)
	require.Error(t, err)
}

func TestMergeAdd_SumsAllSlices(t *testing.T) {
	acc := []float32{1, 1}
	p1 := []float32{1, 2}
	p2 := []float32{3, 4}
	MergeAdd(acc, [][]float32{p1, p2}, 2, 1, 0)
	assert.Equal(t, []float32{5, 7}, acc)
}

func TestMergeAddFlat_MatchesMergeAdd(t *testing.T) {
	full := []float32{1, 2, 3, 4}
	acc1 := []float32{1, 1}
	MergeAdd(acc1, [][]float32{full[0:2], full[2:4]}, 2, 1, 0)

	acc2 := []float32{1, 1}
	MergeAddFlat(acc2, full, 2, 2, 1, 0)
	assert.Equal(t, acc1, acc2)
}

// TestRope_MatchesAcrossSlicesAndThreads checks the node-0 slice of a
// column-sliced RoPE application: the cache and rotation for the leading
// `local` features of a slice (here always node index 0's slice) equal
// the rotation a single node computing the whole tensor would produce
// over that same leading sub-range, for every tested slice count and
// thread count.
func TestRope_MatchesAcrossSlicesAndThreads(t *testing.T) {
	p := RopeParams{HeadSize: 128, Theta: 10000}
	cacheFull := BuildRopeCache(p, 2048, 4096)

	for _, pos := range []int{0, 1024, 2047} {
		xFull := onesVec(4096)
		Rope(xFull, cacheFull, pos, 4096, 1, 0)

		for _, nSlices := range []int{2, 4, 8} {
			local := 4096 / nSlices
			cacheSlice := BuildRopeCache(p, 2048, local)
			xSlice := onesVec(local)
			for _, nThreads := range []int{1, 2, 3} {
				xs := append([]float32(nil), xSlice...)
				for th := 0; th < nThreads; th++ {
					Rope(xs, cacheSlice, pos, local, nThreads, th)
				}
				for i := range xs {
					assert.InDelta(t, float64(xFull[i]), float64(xs[i]), 1e-6)
				}
			}
		}
	}
}

func randVec(rng *rand.Rand, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = rng.Float32()*2 - 1
	}
	return out
}

func randUnitVec(rng *rand.Rand, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = rng.Float32()*2 - 1
	}
	return out
}

func onesVec(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = 1
	}
	return out
}
