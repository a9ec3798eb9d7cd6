package graph

import (
	"testing"

	"github.com/distllama/distllama/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildWeightPlanOrderAndCoverage(t *testing.T) {
	cfg := testLlamaConfig()
	plan := BuildWeightPlan(cfg, tensor.F32)

	// embedding, per-layer [q,k,v,wo,w1,w2,w3,rms_attn,rms_ffn], final rms_norm, logits
	wantLen := 1 + cfg.NLayers*9 + 2
	assert.Len(t, plan, wantLen)
	assert.Equal(t, "embedding", plan[0].Name)
	assert.Equal(t, -1, plan[0].LayerIndex)
	assert.Equal(t, "matmul_logits", plan[len(plan)-1].Name)
	assert.Equal(t, cfg.NLayers, plan[len(plan)-1].LayerIndex)

	// within a layer, the seven matmul weights come first, then the two rms-norm weights
	layer0Names := []string{}
	for _, spec := range plan {
		if spec.LayerIndex == 0 {
			layer0Names = append(layer0Names, spec.Name)
		}
	}
	assert.Equal(t, []string{
		"matmul_q", "matmul_k", "matmul_v", "matmul_wo",
		"matmul_w1", "matmul_w2", "matmul_w3",
		"rms_norm_attn", "rms_norm_ffn",
	}, layer0Names)
}

func TestBuildWeightPlanSliceKinds(t *testing.T) {
	cfg := testLlamaConfig()
	plan := BuildWeightPlan(cfg, tensor.F32)

	kinds := map[string]WeightKind{}
	for _, spec := range plan {
		if spec.LayerIndex == 0 {
			kinds[spec.Name] = spec.Kind
		}
	}
	assert.Equal(t, LoadRowSlice, kinds["matmul_q"])
	assert.Equal(t, LoadRowSlice, kinds["matmul_w1"])
	assert.Equal(t, LoadColSlice, kinds["matmul_wo"])
	assert.Equal(t, LoadColSlice, kinds["matmul_w2"])
	assert.Equal(t, LoadAll, kinds["rms_norm_attn"])
	assert.Equal(t, LoadRowSlice, plan[len(plan)-1].Kind, "wcls is row-sliced: every node holds the full normed hidden state")
}

func TestLocateOpsRoundTripsBuildWeightPlan(t *testing.T) {
	cfg := testLlamaConfig()
	plan := BuildWeightPlan(cfg, tensor.F32)

	_, node, err := BuildLlamaNet(cfg, BuildParams{
		NNodes: 1, NodeIndex: 0, NBatches: 1,
		ActivationType: tensor.F32, WeightType: tensor.F32,
	})
	require.NoError(t, err)

	locs := LocateOps(node)
	for _, spec := range plan {
		key := OpKey{Name: spec.Name, LayerIndex: spec.LayerIndex}
		loc, ok := locs[key]
		require.Truef(t, ok, "plan entry %+v has no matching op in the built graph", spec)
		op := node.Segments[loc.SegmentIndex].Ops[loc.OpIndex]
		assert.Equal(t, spec.Name, op.Name)
		assert.Equal(t, spec.LayerIndex, op.LayerIndex)
	}
}
