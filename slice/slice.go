// Package slice computes per-node shard geometry for row/column matmuls,
// KV cache, RoPE caches, and multi-head attention heads, and splits the
// corresponding weight tensors into the shard bytes one node loads. Slices
// are pure value types: they carry no storage of their own.
package slice

import "github.com/distllama/distllama/errs"

// RowMatmulSlice describes how an n x d weight (d output rows, n input
// columns) is cut across nNodes by output row: each node owns d/nNodes
// contiguous output rows. Requires d % nNodes == 0.
type RowMatmulSlice struct {
	N, D        int
	NNodes      int
	NodeIndex   int
	RowsPerNode int
	RowOffset   int // this node's first owned output row
}

// NewRowMatmulSlice validates d % nNodes == 0 and computes this node's
// row range.
func NewRowMatmulSlice(n, d, nNodes, nodeIndex int) (RowMatmulSlice, error) {
	if d%nNodes != 0 {
		return RowMatmulSlice{}, errs.NewBadConfig("row matmul slice: d=%d not divisible by nNodes=%d", d, nNodes)
	}
	rowsPerNode := d / nNodes
	return RowMatmulSlice{
		N: n, D: d, NNodes: nNodes, NodeIndex: nodeIndex,
		RowsPerNode: rowsPerNode,
		RowOffset:   nodeIndex * rowsPerNode,
	}, nil
}

// ColMatmulSlice describes how an n x d weight is cut across nNodes by
// input column: each node owns n/nNodes input columns and produces a
// partial dot product for every output row, summed later via MERGE_ADD.
// Requires n % nNodes == 0.
type ColMatmulSlice struct {
	N, D        int
	NNodes      int
	NodeIndex   int
	ColsPerNode int
	ColOffset   int
}

// NewColMatmulSlice validates n % nNodes == 0 and computes this node's
// column range.
func NewColMatmulSlice(n, d, nNodes, nodeIndex int) (ColMatmulSlice, error) {
	if n%nNodes != 0 {
		return ColMatmulSlice{}, errs.NewBadConfig("col matmul slice: n=%d not divisible by nNodes=%d", n, nNodes)
	}
	colsPerNode := n / nNodes
	return ColMatmulSlice{
		N: n, D: d, NNodes: nNodes, NodeIndex: nodeIndex,
		ColsPerNode: colsPerNode,
		ColOffset:   nodeIndex * colsPerNode,
	}, nil
}

// KVCacheSlice describes how a kvDim-wide KV cache is cut across nNodes:
// each node caches seqLen x kvDim/nNodes keys and values. Requires
// kvDim % nNodes == 0.
type KVCacheSlice struct {
	KvDim, SeqLen int
	NNodes        int
	NodeIndex     int
	LocalKvDim    int
}

// NewKVCacheSlice validates kvDim % nNodes == 0.
func NewKVCacheSlice(kvDim, seqLen, nNodes, nodeIndex int) (KVCacheSlice, error) {
	if kvDim%nNodes != 0 {
		return KVCacheSlice{}, errs.NewBadConfig("kv cache slice: kvDim=%d not divisible by nNodes=%d", kvDim, nNodes)
	}
	return KVCacheSlice{
		KvDim: kvDim, SeqLen: seqLen, NNodes: nNodes, NodeIndex: nodeIndex,
		LocalKvDim: kvDim / nNodes,
	}, nil
}

// MultiHeadAttentionSlice describes how nHeads attention heads are cut
// across nNodes: each node owns nHeads/nNodes heads. Requires
// nHeads % nNodes == 0.
type MultiHeadAttentionSlice struct {
	NHeads, NKvHeads, HeadSize int
	NNodes, NodeIndex          int
	LocalHeads                 int
	HeadOffset                 int
}

// NewMultiHeadAttentionSlice validates nHeads % nNodes == 0.
func NewMultiHeadAttentionSlice(nHeads, nKvHeads, headSize, nNodes, nodeIndex int) (MultiHeadAttentionSlice, error) {
	if nHeads%nNodes != 0 {
		return MultiHeadAttentionSlice{}, errs.NewBadConfig("mha slice: nHeads=%d not divisible by nNodes=%d", nHeads, nNodes)
	}
	return MultiHeadAttentionSlice{
		NHeads: nHeads, NKvHeads: nKvHeads, HeadSize: headSize,
		NNodes: nNodes, NodeIndex: nodeIndex,
		LocalHeads: nHeads / nNodes,
		HeadOffset: nodeIndex * (nHeads / nNodes),
	}, nil
}

// RopeSlice describes how a dim-wide RoPE application and its kvDim-wide
// counterpart are cut across nNodes: each node caches its own
// [seqLen, localSliceDim] RoPE factors. Requires dim % nNodes == 0 and
// kvDim % nNodes == 0.
type RopeSlice struct {
	Dim, KvDim, SeqLen int
	NNodes, NodeIndex  int
	LocalSliceDim      int
	LocalKvSliceDim    int
}

// NewRopeSlice validates dim % nNodes == 0 and kvDim % nNodes == 0.
func NewRopeSlice(dim, kvDim, seqLen, nNodes, nodeIndex int) (RopeSlice, error) {
	if dim%nNodes != 0 {
		return RopeSlice{}, errs.NewBadConfig("rope slice: dim=%d not divisible by nNodes=%d", dim, nNodes)
	}
	if kvDim%nNodes != 0 {
		return RopeSlice{}, errs.NewBadConfig("rope slice: kvDim=%d not divisible by nNodes=%d", kvDim, nNodes)
	}
	return RopeSlice{
		Dim: dim, KvDim: kvDim, SeqLen: seqLen, NNodes: nNodes, NodeIndex: nodeIndex,
		LocalSliceDim:   dim / nNodes,
		LocalKvSliceDim: kvDim / nNodes,
	}, nil
}
