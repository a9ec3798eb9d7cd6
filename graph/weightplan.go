package graph

import (
	"github.com/distllama/distllama/model"
	"github.com/distllama/distllama/tensor"
)

// WeightKind selects how a weight's bytes are distributed across nodes,
// independent of any one node's NodeConfig — this is the model builder's
// concern (package loader), not the graph's, but the shard geometry rule
// per op is intrinsic to this architecture, so it lives next to the op
// definitions that encode the same rule (see BuildWeightPlan: matmul_wo
// and matmul_w2 are column-sliced, every other matmul is row-sliced).
type WeightKind int

const (
	// LoadAll: every node needs an identical, unsliced copy.
	LoadAll WeightKind = iota
	// LoadRowSlice: a row matmul slice, cut by output row (slice.RowMatmulSlice).
	LoadRowSlice
	// LoadColSlice: a column matmul slice, cut by input column (slice.ColMatmulSlice).
	LoadColSlice
)

// WeightSpec is one entry in the model's canonical on-disk weight order:
// embedding; per layer [Wq, Wk, Wv, Wo, W1, W2, W3,
// rmsNorm(attn), rmsNorm(ffn)]; final rmsNorm; Wcls. Name/LayerIndex match
// the corresponding OpConfig's fields exactly, so a receiver can resolve
// this entry's destination op by the same (Name, LayerIndex) pair that
// crosses the wire in a transport.WeightRecord. N, D are GLOBAL (unsliced)
// dimensions: for LoadRowSlice/LoadColSlice, a loader passes them to
// slice.NewRowMatmulSlice/NewColMatmulSlice together with (nNodes,
// nodeIndex) to get the shard one particular node owns.
type WeightSpec struct {
	Name       string
	LayerIndex int
	Kind       WeightKind
	ElemType   tensor.ElementType
	N, D       int // global; meaningless (0) for LoadAll, use TotalElems instead
	TotalElems int // global element count; meaningful only for LoadAll
}

// BuildWeightPlan enumerates every weighted op across the whole model, in
// the exact order the loader (loader.LoadRoot / LoadWorker) must stream
// them from (or to) disk,
// independent of any one node's per-shard NodeConfig.
func BuildWeightPlan(cfg *model.ModelConfig, weightType tensor.ElementType) []WeightSpec {
	dim := cfg.Dim
	kvDim := cfg.KvDim()
	hiddenDim := cfg.HiddenDim

	plan := []WeightSpec{
		{Name: "embedding", LayerIndex: -1, Kind: LoadAll, ElemType: tensor.F32, TotalElems: cfg.VocabSize * dim},
	}
	for l := 0; l < cfg.NLayers; l++ {
		plan = append(plan,
			WeightSpec{Name: "matmul_q", LayerIndex: l, Kind: LoadRowSlice, ElemType: weightType, N: dim, D: dim},
			WeightSpec{Name: "matmul_k", LayerIndex: l, Kind: LoadRowSlice, ElemType: weightType, N: dim, D: kvDim},
			WeightSpec{Name: "matmul_v", LayerIndex: l, Kind: LoadRowSlice, ElemType: weightType, N: dim, D: kvDim},
			WeightSpec{Name: "matmul_wo", LayerIndex: l, Kind: LoadColSlice, ElemType: weightType, N: dim, D: dim},
			WeightSpec{Name: "matmul_w1", LayerIndex: l, Kind: LoadRowSlice, ElemType: weightType, N: dim, D: hiddenDim},
			WeightSpec{Name: "matmul_w2", LayerIndex: l, Kind: LoadColSlice, ElemType: weightType, N: hiddenDim, D: dim},
			WeightSpec{Name: "matmul_w3", LayerIndex: l, Kind: LoadRowSlice, ElemType: weightType, N: dim, D: hiddenDim},
			WeightSpec{Name: "rms_norm_attn", LayerIndex: l, Kind: LoadAll, ElemType: tensor.F32, TotalElems: dim},
			WeightSpec{Name: "rms_norm_ffn", LayerIndex: l, Kind: LoadAll, ElemType: tensor.F32, TotalElems: dim},
		)
	}
	plan = append(plan,
		WeightSpec{Name: "rms_norm", LayerIndex: cfg.NLayers, Kind: LoadAll, ElemType: tensor.F32, TotalElems: dim},
		WeightSpec{Name: "matmul_logits", LayerIndex: cfg.NLayers, Kind: LoadRowSlice, ElemType: weightType, N: dim, D: cfg.VocabSize},
	)
	return plan
}

// OpKey identifies a weighted op by the same (Name, LayerIndex) pair a
// transport.WeightRecord carries across the wire.
type OpKey struct {
	Name       string
	LayerIndex int
}

// OpLocation is where one named, layer-indexed op lives in a NodeConfig:
// its segment and its index within that segment's Ops slice.
type OpLocation struct {
	SegmentIndex int
	OpIndex      int
}

// LocateOps builds the OpKey -> OpLocation index used to resolve an
// incoming transport.WeightRecord (or a local WeightSpec entry) against
// this node's own graph, without the two sides needing to agree on any
// numbering beyond the op's own declared Name/LayerIndex.
func LocateOps(node *NodeConfig) map[OpKey]OpLocation {
	index := make(map[OpKey]OpLocation)
	for si, seg := range node.Segments {
		for oi, op := range seg.Ops {
			if op.WeightSize == 0 {
				continue
			}
			index[OpKey{Name: op.Name, LayerIndex: op.LayerIndex}] = OpLocation{SegmentIndex: si, OpIndex: oi}
		}
	}
	return index
}
