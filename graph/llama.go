package graph

import (
	"github.com/distllama/distllama/errs"
	"github.com/distllama/distllama/kernel"
	"github.com/distllama/distllama/model"
	"github.com/distllama/distllama/slice"
	"github.com/distllama/distllama/tensor"
)

// Shared (layer-independent, reused sequentially across layers since
// segments execute in strict program order) buffer indices.
const (
	BufX          = 0 // running residual/hidden state, dim-wide
	BufInvRms     = 1 // per-batch scalar
	BufNorm       = 2 // rms_norm output scratch, dim-wide
	BufAttScratch = 3 // attention scores, nHeads0*seqLen
	BufQ          = 4 // query scratch, dim0-wide, post-RoPE
	BufK          = 5 // key scratch, kvDim0-wide, post-RoPE pre-shift
	BufV          = 6 // value scratch, kvDim0-wide, pre-shift
	BufAttOut     = 7 // multi-head attention output, dim0-wide
	BufW1         = 8 // SiLU/GELU gate scratch, hiddenDim0-wide
	BufW3         = 9 // up-projection scratch, hiddenDim0-wide

	// Quantized-activation scratch, written by CAST ops and read by the
	// matmuls that follow them. Referenced only when the activation type
	// is Q80; declared unconditionally so buffer indices stay fixed.
	BufNormQ   = 10 // quantized rms_norm output, dim-wide
	BufAttOutQ = 11 // quantized attention output, dim0-wide
	BufW1Q     = 12 // quantized gate output, hiddenDim0-wide

	buffersBeforeLayers = 13
)

// KeyCacheBuf and ValueCacheBuf are per-layer: each layer keeps its own KV
// cache for the whole sequence, unlike the scratch buffers above which are
// safely reused layer to layer since segments run in strict program order.
func KeyCacheBuf(layer int) int   { return buffersBeforeLayers + layer*2 }
func ValueCacheBuf(layer int) int { return buffersBeforeLayers + layer*2 + 1 }

// Shared pipe indices.
const (
	PipePos    = 0 // one f32 position per batch slot, WITH_ROOT pre-synced before the first segment
	PipeZ      = 1 // distributed residual, NODE_SLICES-synced after every block
	PipeLogits = 2 // vocabulary logits, NODE_SLICES_EXCEPT_ROOT-synced once at the end
	PipeToken  = 3 // one f32 token id per batch slot, WITH_ROOT pre-synced before the first segment
)

// BuildParams bundles everything BuildLlamaNet needs beyond the header:
// this node's index, the node count, and the activation/weight element
// types (the --buffer-float-type and --weights-float-type surface).
type BuildParams struct {
	NNodes         int
	NodeIndex      int
	NBatches       int
	ActivationType tensor.ElementType // F32 or Q80
	WeightType     tensor.ElementType // F32, F16, or Q40
}

// BuildLlamaNet constructs NetConfig and this node's NodeConfig from a
// parsed header. Purely structural: no weight bytes are touched here —
// the loader streams those once the graph already exists.
func BuildLlamaNet(cfg *model.ModelConfig, p BuildParams) (*NetConfig, *NodeConfig, error) {
	dim := cfg.Dim
	kvDim := cfg.KvDim()
	headSize := cfg.HeadSize()
	seqLen := cfg.SeqLen
	hiddenDim := cfg.HiddenDim

	if p.ActivationType != tensor.F32 && p.ActivationType != tensor.Q80 {
		return nil, nil, errs.NewBadConfig("llama net: activation type %s unsupported (want f32 or q80)", p.ActivationType)
	}

	mha, err := slice.NewMultiHeadAttentionSlice(cfg.NHeads, cfg.NKvHeads, headSize, p.NNodes, p.NodeIndex)
	if err != nil {
		return nil, nil, err
	}
	kv, err := slice.NewKVCacheSlice(kvDim, seqLen, p.NNodes, p.NodeIndex)
	if err != nil {
		return nil, nil, err
	}
	rope, err := slice.NewRopeSlice(dim, kvDim, seqLen, p.NNodes, p.NodeIndex)
	if err != nil {
		return nil, nil, err
	}
	ff, err := slice.NewColMatmulSlice(hiddenDim, dim, p.NNodes, p.NodeIndex)
	if err != nil {
		return nil, nil, err
	}
	cls, err := slice.NewRowMatmulSlice(dim, cfg.VocabSize, p.NNodes, p.NodeIndex)
	if err != nil {
		return nil, nil, err
	}

	dim0 := rope.LocalSliceDim
	kvDim0 := kv.LocalKvDim
	hiddenDim0 := ff.ColsPerNode
	vocab0 := cls.RowsPerNode

	if p.ActivationType == tensor.Q80 {
		bs := tensor.Q80.BlockSize()
		for _, n := range []int{dim, dim0, hiddenDim0} {
			if n%bs != 0 {
				return nil, nil, errs.NewBadConfig("llama net: width %d not a multiple of the q80 block size %d", n, bs)
			}
		}
	}

	net := &NetConfig{
		NNodes:   p.NNodes,
		NBatches: p.NBatches,
		// z is an all-to-all pipe: each node owns and writes a disjoint
		// dim-wide slice holding its own column-matmul partial sum;
		// NODE_SLICES sync then makes every slice readable so MERGE_ADD
		// can reduce them. logits is vocab-wide: the vocabulary matmul is
		// row-sliced (every node holds the full normed hidden state), so
		// each node computes a complete, disjoint vocab range and the
		// NODE_SLICES_EXCEPT_ROOT sync assembles them on root with no
		// further reduction.
		Pipes: []PipeDef{
			{Name: "pos", Size: tensor.Size1D(tensor.F32, 1)},
			{Name: "z", Size: tensor.Size1D(tensor.F32, dim*p.NNodes)},
			{Name: "logits", Size: tensor.Size1D(tensor.F32, cfg.VocabSize)},
			{Name: "token", Size: tensor.Size1D(tensor.F32, 1)},
		},
		PreSyncs: []PipeSync{
			{Mode: WithRoot, PipeIndex: PipePos},
			{Mode: WithRoot, PipeIndex: PipeToken},
		},
	}

	node := &NodeConfig{Index: p.NodeIndex}
	node.Buffers = make([]BufferDef, buffersBeforeLayers+cfg.NLayers*2)
	node.Buffers[BufX] = BufferDef{Name: "x", Size: tensor.Size1D(tensor.F32, dim)}
	node.Buffers[BufInvRms] = BufferDef{Name: "invRms", Size: tensor.Size1D(tensor.F32, 1)}
	node.Buffers[BufNorm] = BufferDef{Name: "norm", Size: tensor.Size1D(tensor.F32, dim)}
	node.Buffers[BufAttScratch] = BufferDef{Name: "attScratch", Size: tensor.Size1D(tensor.F32, mha.LocalHeads*seqLen)}
	node.Buffers[BufQ] = BufferDef{Name: "q", Size: tensor.Size1D(tensor.F32, dim0)}
	node.Buffers[BufK] = BufferDef{Name: "k", Size: tensor.Size1D(tensor.F32, kvDim0)}
	node.Buffers[BufV] = BufferDef{Name: "v", Size: tensor.Size1D(tensor.F32, kvDim0)}
	node.Buffers[BufAttOut] = BufferDef{Name: "attOut", Size: tensor.Size1D(tensor.F32, dim0)}
	node.Buffers[BufW1] = BufferDef{Name: "w1", Size: tensor.Size1D(tensor.F32, hiddenDim0)}
	node.Buffers[BufW3] = BufferDef{Name: "w3", Size: tensor.Size1D(tensor.F32, hiddenDim0)}
	node.Buffers[BufNormQ] = BufferDef{Name: "normQ", Size: tensor.Size1D(p.ActivationType, dim)}
	node.Buffers[BufAttOutQ] = BufferDef{Name: "attOutQ", Size: tensor.Size1D(p.ActivationType, dim0)}
	node.Buffers[BufW1Q] = BufferDef{Name: "w1Q", Size: tensor.Size1D(p.ActivationType, hiddenDim0)}
	for l := 0; l < cfg.NLayers; l++ {
		node.Buffers[KeyCacheBuf(l)] = BufferDef{Name: "keyCache", Size: tensor.Size1D(tensor.F32, seqLen*kvDim0), Raw: true}
		node.Buffers[ValueCacheBuf(l)] = BufferDef{Name: "valueCache", Size: tensor.Size1D(tensor.F32, seqLen*kvDim0), Raw: true}
	}

	node.Segments = append(node.Segments, buildEmbeddingSegment(cfg, p, dim))
	for l := 0; l < cfg.NLayers; l++ {
		node.Segments = append(node.Segments,
			buildAttentionSegment(cfg, p, l, dim, dim0, kvDim0, headSize, seqLen, mha),
			buildFeedForwardSegment(cfg, p, l, dim, hiddenDim0),
		)
	}
	node.Segments = append(node.Segments, buildFinalSegment(cfg, p, dim, vocab0))

	return net, node, nil
}

// buildEmbeddingSegment runs identically on every node: the embedding table
// is replicated (not sharded) per node, so every node derives the same
// dim-wide seed for the residual stream from the same broadcast token id,
// with no sync required afterward.
func buildEmbeddingSegment(cfg *model.ModelConfig, p BuildParams, dim int) Segment {
	ops := []OpConfig{
		{Code: Embedding, Name: "embedding", LayerIndex: -1, Input: pipePtr(PipeToken), Output: bufPtr(BufX),
			WeightType: tensor.F32, WeightSize: weightBytes(tensor.F32, cfg.VocabSize*dim)},
	}
	return Segment{Ops: ops}
}

func bufPtr(idx int) tensor.PointerConfig {
	return tensor.PointerConfig{Region: tensor.RegionBuffer, Index: idx, Mode: tensor.Batch}
}

func pipePtr(idx int) tensor.PointerConfig {
	return tensor.PointerConfig{Region: tensor.RegionPipe, Index: idx, Mode: tensor.Batch}
}

// pipeSlicePtr addresses this node's own disjoint slice of a node-sliced
// pipe: a column-sliced matmul's partial sum (z) or a row-sliced matmul's
// complete output range (logits).
func pipeSlicePtr(idx, nodeIndex, width int) tensor.PointerConfig {
	return tensor.PointerConfig{
		Region: tensor.RegionPipe, Index: idx, Mode: tensor.BatchedSlice,
		SliceOffset: nodeIndex * width, SliceWidth: width,
	}
}

func weightBytes(t tensor.ElementType, n int) int {
	if t == tensor.UNK {
		return n * 4
	}
	return t.ByteSize(n)
}

// castOp quantizes (or copies) src into dst, the "[cast?]" edge between an
// f32 producer and a matmul that wants quantized input. Emitted only when
// the activation type is not f32; when it is, matmuls read the f32 buffer
// directly and no cast exists in the segment.
func castOp(name string, layer, src, dst int) OpConfig {
	return OpConfig{Code: Cast, Name: name, LayerIndex: layer, Input: bufPtr(src), Output: bufPtr(dst)}
}

func buildAttentionSegment(cfg *model.ModelConfig, p BuildParams, layer, dim, dim0, kvDim0, headSize, seqLen int, mha slice.MultiHeadAttentionSlice) Segment {
	localKvHeads := mha.NKvHeads / p.NNodes
	if localKvHeads == 0 {
		localKvHeads = 1
	}
	ropeParams := &kernel.RopeParams{
		HeadSize:              headSize,
		Theta:                 cfg.RopeTheta,
		ScalingFactor:         cfg.RopeScalingFactor,
		ScalingLowFreqFactor:  cfg.RopeScalingLowFreqFactor,
		ScalingHighFreqFactor: cfg.RopeScalingHighFreqFactor,
		ScalingOrigMaxSeqLen:  cfg.RopeScalingOrigMaxSeqLen,
		SeqLen:                seqLen,
	}
	mhaParams := &kernel.MultiHeadAttentionParams{
		NHeads0:  mha.LocalHeads,
		NKvHeads: localKvHeads,
		HeadSize: headSize,
		SeqLen:   seqLen,
		KvDim0:   kvDim0,
	}

	normIn := bufPtr(BufNorm)
	attIn := bufPtr(BufAttOut)
	quantized := p.ActivationType != tensor.F32
	if quantized {
		normIn = bufPtr(BufNormQ)
		attIn = bufPtr(BufAttOutQ)
	}

	var ops []OpConfig
	// Layer 0 has no prior block output to merge: the embedding segment
	// just seeded BufX, and PipeZ still holds the previous token's final
	// feed-forward partials, which the last token's final segment already
	// consumed. Merging them again would corrupt the residual.
	if layer > 0 {
		ops = append(ops, OpConfig{Code: MergeAdd, Name: "merge_add", LayerIndex: layer, Input: pipePtr(PipeZ), Output: bufPtr(BufX)})
	}
	ops = append(ops,
		OpConfig{Code: InvRms, Name: "inv_rms", LayerIndex: layer, Input: bufPtr(BufX), Output: bufPtr(BufInvRms)},
		OpConfig{Code: RmsNorm, Name: "rms_norm_attn", LayerIndex: layer, Input: bufPtr(BufX), Output: bufPtr(BufNorm),
			WeightSize: weightBytes(tensor.F32, dim)},
	)
	if quantized {
		ops = append(ops, castOp("cast_norm", layer, BufNorm, BufNormQ))
	}
	ops = append(ops,
		OpConfig{Code: Matmul, Name: "matmul_q", LayerIndex: layer, Input: normIn, Output: bufPtr(BufQ),
			WeightType: p.WeightType, WeightSize: weightBytes(p.WeightType, dim*dim0)},
		OpConfig{Code: Matmul, Name: "matmul_k", LayerIndex: layer, Input: normIn, Output: bufPtr(BufK),
			WeightType: p.WeightType, WeightSize: weightBytes(p.WeightType, dim*kvDim0)},
		OpConfig{Code: Matmul, Name: "matmul_v", LayerIndex: layer, Input: normIn, Output: bufPtr(BufV),
			WeightType: p.WeightType, WeightSize: weightBytes(p.WeightType, dim*kvDim0)},
		OpConfig{Code: Rope, Name: "rope_q", LayerIndex: layer, Output: bufPtr(BufQ), Payload: ropeParams},
		OpConfig{Code: Rope, Name: "rope_k", LayerIndex: layer, Output: bufPtr(BufK), Payload: ropeParams},
		OpConfig{Code: Shift, Name: "shift_k", LayerIndex: layer, Input: bufPtr(BufK), Output: bufPtr(KeyCacheBuf(layer))},
		OpConfig{Code: Shift, Name: "shift_v", LayerIndex: layer, Input: bufPtr(BufV), Output: bufPtr(ValueCacheBuf(layer))},
		OpConfig{Code: MultiheadAtt, Name: "multihead_att", LayerIndex: layer, Input: bufPtr(BufQ), Output: bufPtr(BufAttOut),
			Payload: mhaParams},
	)
	if quantized {
		ops = append(ops, castOp("cast_att", layer, BufAttOut, BufAttOutQ))
	}
	ops = append(ops,
		OpConfig{Code: Matmul, Name: "matmul_wo", LayerIndex: layer, Input: attIn, Output: pipeSlicePtr(PipeZ, p.NodeIndex, dim),
			WeightType: p.WeightType, WeightSize: weightBytes(p.WeightType, dim0*dim)},
	)
	return Segment{Ops: ops, Syncs: []PipeSync{{Mode: NodeSlices, PipeIndex: PipeZ}}}
}

func buildFeedForwardSegment(cfg *model.ModelConfig, p BuildParams, layer, dim, hiddenDim0 int) Segment {
	normIn := bufPtr(BufNorm)
	gateIn := bufPtr(BufW1)
	quantized := p.ActivationType != tensor.F32
	if quantized {
		normIn = bufPtr(BufNormQ)
		gateIn = bufPtr(BufW1Q)
	}

	ops := []OpConfig{
		{Code: MergeAdd, Name: "merge_add", LayerIndex: layer, Input: pipePtr(PipeZ), Output: bufPtr(BufX)},
		{Code: InvRms, Name: "inv_rms", LayerIndex: layer, Input: bufPtr(BufX), Output: bufPtr(BufInvRms)},
		{Code: RmsNorm, Name: "rms_norm_ffn", LayerIndex: layer, Input: bufPtr(BufX), Output: bufPtr(BufNorm),
			WeightSize: weightBytes(tensor.F32, dim)},
	}
	if quantized {
		ops = append(ops, castOp("cast_norm", layer, BufNorm, BufNormQ))
	}
	ops = append(ops,
		OpConfig{Code: Matmul, Name: "matmul_w1", LayerIndex: layer, Input: normIn, Output: bufPtr(BufW1),
			WeightType: p.WeightType, WeightSize: weightBytes(p.WeightType, dim*hiddenDim0)},
		OpConfig{Code: Matmul, Name: "matmul_w3", LayerIndex: layer, Input: normIn, Output: bufPtr(BufW3),
			WeightType: p.WeightType, WeightSize: weightBytes(p.WeightType, dim*hiddenDim0)},
	)
	act := Silu
	if cfg.HiddenAct == model.ActGelu {
		act = Gelu
	}
	ops = append(ops,
		OpConfig{Code: act, Name: "activation", LayerIndex: layer, Output: bufPtr(BufW1)},
		OpConfig{Code: Mul, Name: "mul", LayerIndex: layer, Input: bufPtr(BufW3), Output: bufPtr(BufW1)},
	)
	if quantized {
		ops = append(ops, castOp("cast_ffn", layer, BufW1, BufW1Q))
	}
	ops = append(ops,
		OpConfig{Code: Matmul, Name: "matmul_w2", LayerIndex: layer, Input: gateIn, Output: pipeSlicePtr(PipeZ, p.NodeIndex, dim),
			WeightType: p.WeightType, WeightSize: weightBytes(p.WeightType, hiddenDim0*dim)},
	)
	return Segment{Ops: ops, Syncs: []PipeSync{{Mode: NodeSlices, PipeIndex: PipeZ}}}
}

// buildFinalSegment ends the program with the vocabulary matmul. Every
// node holds the complete normed hidden state here (merge_add and
// rms_norm run identically everywhere), so Wcls is row-sliced: each node
// computes a complete, disjoint vocab0-wide range of the logits, and the
// NODE_SLICES_EXCEPT_ROOT sync ships the workers' ranges to root.
func buildFinalSegment(cfg *model.ModelConfig, p BuildParams, dim, vocab0 int) Segment {
	normIn := bufPtr(BufNorm)
	quantized := p.ActivationType != tensor.F32
	if quantized {
		normIn = bufPtr(BufNormQ)
	}

	ops := []OpConfig{
		{Code: MergeAdd, Name: "merge_add", LayerIndex: cfg.NLayers, Input: pipePtr(PipeZ), Output: bufPtr(BufX)},
		{Code: InvRms, Name: "inv_rms", LayerIndex: cfg.NLayers, Input: bufPtr(BufX), Output: bufPtr(BufInvRms)},
		{Code: RmsNorm, Name: "rms_norm", LayerIndex: cfg.NLayers, Input: bufPtr(BufX), Output: bufPtr(BufNorm),
			WeightSize: weightBytes(tensor.F32, dim)},
	}
	if quantized {
		ops = append(ops, castOp("cast_norm", cfg.NLayers, BufNorm, BufNormQ))
	}
	ops = append(ops,
		OpConfig{Code: Matmul, Name: "matmul_logits", LayerIndex: cfg.NLayers, Input: normIn,
			Output:     pipeSlicePtr(PipeLogits, p.NodeIndex, vocab0),
			WeightType: p.WeightType, WeightSize: weightBytes(p.WeightType, dim*vocab0)},
	)
	return Segment{Ops: ops, Syncs: []PipeSync{{Mode: NodeSlicesExceptRoot, PipeIndex: PipeLogits}}}
}
