package kernel

import (
	"math"

	"github.com/distllama/distllama/quant"
)

// MultiHeadAttentionParams mirrors the op's opaque payload.
type MultiHeadAttentionParams struct {
	NHeads0  int // heads owned by this node (nHeads/N)
	NKvHeads int // kv heads owned by this node (nKvHeads/N), possibly grouped-query
	HeadSize int
	SeqLen   int
	KvDim0   int // kv dim owned by this node
}

// MultiHeadAttention computes, for each local head h owned by this node:
//  1. scores[t] = (q_h . k_t) / sqrt(headSize) for t in [0,pos]
//  2. softmax the scores in place
//  3. x_h = sum_t scores[t] * v_t
//
// kCache/vCache are laid out [seqLen][kvDim0] row-major; q is
// [nHeads0][headSize]; x (output) is [nHeads0][headSize]. Heads are split
// across nThreads (never within a single head's timestep loop, since each
// head's softmax must see the complete score row before the weighted sum).
// Grouped-query attention maps local query head h to local kv head
// h*NKvHeads/NHeads0: since every node owns the same fraction of heads and
// kv heads, the local ratio equals the model's global query-to-kv-head
// ratio.
func MultiHeadAttention(x, q []float32, kCache, vCache []float32, attScratch []float32, pos int, p MultiHeadAttentionParams, nThreads, threadIndex int) {
	start, end := quant.ThreadRange(p.NHeads0, nThreads, threadIndex)
	scale := float32(1 / math.Sqrt(float64(p.HeadSize)))
	kvHeadSize := p.KvDim0 / p.NKvHeads

	for h := start; h < end; h++ {
		kvHead := h * p.NKvHeads / p.NHeads0
		qh := q[h*p.HeadSize : (h+1)*p.HeadSize]
		scores := attScratch[h*p.SeqLen : h*p.SeqLen+pos+1]

		for t := 0; t <= pos; t++ {
			kt := kCache[t*p.KvDim0+kvHead*kvHeadSize : t*p.KvDim0+kvHead*kvHeadSize+p.HeadSize]
			scores[t] = dot(qh, kt) * scale
		}
		Softmax(scores, pos+1)

		xh := x[h*p.HeadSize : (h+1)*p.HeadSize]
		for i := range xh {
			xh[i] = 0
		}
		for t := 0; t <= pos; t++ {
			vt := vCache[t*p.KvDim0+kvHead*kvHeadSize : t*p.KvDim0+kvHead*kvHeadSize+p.HeadSize]
			w := scores[t]
			for i := range xh {
				xh[i] += w * vt[i]
			}
		}
	}
}
