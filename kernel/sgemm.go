// sgemm.go implements the multi-batch BLAS-like matmul path: the output is
// tiled into SgemmTileRM x SgemmTileRN register-block-sized panels, each
// panel computed with gonum's BLAS-backed mat.Dense, which gives
// tiled-accumulation numerics without hand-rolled assembly. The device
// layer routes batched, contiguous matmuls here and per-row kernels
// everywhere else.
package kernel

import (
	"gonum.org/v1/gonum/mat"

	"github.com/distllama/distllama/quant"
)

// SgemmTileRM and SgemmTileRN are the register-block tile dimensions: each
// Dense multiply below covers at most SgemmTileRM batch rows by
// SgemmTileRN output columns.
const (
	SgemmTileRM = 8
	SgemmTileRN = 4
)

// Sgemm computes Y[m,d] = X[m,n] @ W[d,n]^T for a batch of m rows. Output
// columns are split across nThreads, so every thread sees all m rows and
// no two threads write the same element of y. Falls back to the per-row
// MatMulF32 kernel when m==1 (no batching benefit) or when the caller's
// rows are not contiguous row-major (mat.Dense requires a dense backing
// slice).
func Sgemm(y, x, w []float32, m, n, d, nThreads, threadIndex int, contiguous bool) {
	if m == 1 || !contiguous {
		for row := 0; row < m; row++ {
			MatMulF32(y[row*d:(row+1)*d], x[row*n:(row+1)*n], w, n, d, nThreads, threadIndex)
		}
		return
	}

	start, end := quant.ThreadRange(d, nThreads, threadIndex)
	if start >= end {
		return
	}
	xd := mat.NewDense(m, n, toFloat64(x[:m*n]))
	var yd mat.Dense
	for j0 := start; j0 < end; j0 += SgemmTileRN {
		j1 := min(j0+SgemmTileRN, end)
		// W is stored [d,n] row-major (output-major); mat.Mul needs [n,d]
		// on the right, so each column panel multiplies as w^T via a view.
		wd := mat.NewDense(j1-j0, n, toFloat64(w[j0*n:j1*n]))
		for i0 := 0; i0 < m; i0 += SgemmTileRM {
			i1 := min(i0+SgemmTileRM, m)
			yd.Reset()
			yd.Mul(xd.Slice(i0, i1, 0, n), wd.T())
			for i := i0; i < i1; i++ {
				for j := j0; j < j1; j++ {
					y[i*d+j] = float32(yd.At(i-i0, j-j0))
				}
			}
		}
	}
}

// SgemmQ80Q40 is the quantized batched path: Q80 activation rows against a
// Q40 weight matrix, dequantized panel-by-panel into the same tiled Dense
// multiply. Falls back to the per-row MatMulQ80Q40 kernel under the same
// conditions as Sgemm.
func SgemmQ80Q40(y []float32, xBlocks []quant.Q80Block, w []quant.Q40Block, m, n, d, nThreads, threadIndex int, contiguous bool) {
	blocksPerRow := n / quant.BlockSize
	if m == 1 || !contiguous {
		for row := 0; row < m; row++ {
			MatMulQ80Q40(y[row*d:(row+1)*d], xBlocks[row*blocksPerRow:(row+1)*blocksPerRow], w, n, d, nThreads, threadIndex)
		}
		return
	}

	start, end := quant.ThreadRange(d, nThreads, threadIndex)
	if start >= end {
		return
	}
	rowBuf := make([]float32, n)
	xf := make([]float64, m*n)
	for row := 0; row < m; row++ {
		quant.DequantizeQ80Row(rowBuf, xBlocks[row*blocksPerRow:(row+1)*blocksPerRow], 1, 0)
		for i, v := range rowBuf {
			xf[row*n+i] = float64(v)
		}
	}
	xd := mat.NewDense(m, n, xf)
	var yd mat.Dense
	for j0 := start; j0 < end; j0 += SgemmTileRN {
		j1 := min(j0+SgemmTileRN, end)
		wf := make([]float64, (j1-j0)*n)
		for row := j0; row < j1; row++ {
			quant.DequantizeQ40Row(rowBuf, w[row*blocksPerRow:(row+1)*blocksPerRow], 1, 0)
			for i, v := range rowBuf {
				wf[(row-j0)*n+i] = float64(v)
			}
		}
		wd := mat.NewDense(j1-j0, n, wf)
		for i0 := 0; i0 < m; i0 += SgemmTileRM {
			i1 := min(i0+SgemmTileRM, m)
			yd.Reset()
			yd.Mul(xd.Slice(i0, i1, 0, n), wd.T())
			for i := i0; i < i1; i++ {
				for j := j0; j < j1; j++ {
					y[i*d+j] = float32(yd.At(i-i0, j-j0))
				}
			}
		}
	}
}

func toFloat64(x []float32) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = float64(v)
	}
	return out
}
