package graph

import (
	"testing"

	"github.com/distllama/distllama/model"
	"github.com/distllama/distllama/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLlamaConfig() *model.ModelConfig {
	return &model.ModelConfig{
		Dim: 8, HiddenDim: 16, NLayers: 2, NHeads: 4, NKvHeads: 2,
		VocabSize: 10, SeqLen: 6, HiddenAct: model.ActSilu,
		RopeTheta: 10000, WeightFloatType: model.WeightTypeF32,
	}
}

func TestBuildLlamaNetSegmentShape(t *testing.T) {
	cfg := testLlamaConfig()
	net, node, err := BuildLlamaNet(cfg, BuildParams{
		NNodes: 2, NodeIndex: 0, NBatches: 1,
		ActivationType: tensor.F32, WeightType: tensor.F32,
	})
	require.NoError(t, err)

	// embedding + 2*(attention, feedforward) + final
	assert.Len(t, node.Segments, 1+2*cfg.NLayers+1)
	assert.Equal(t, 2, net.NNodes)
	assert.Len(t, net.Pipes, 4)
	assert.Len(t, net.PreSyncs, 2)

	// every layer owns its own KV cache buffer pair
	assert.Len(t, node.Buffers, buffersBeforeLayers+cfg.NLayers*2)
}

func TestBuildLlamaNetShardsAcrossNodes(t *testing.T) {
	cfg := testLlamaConfig()
	const nNodes = 2

	_, node0, err := BuildLlamaNet(cfg, BuildParams{NNodes: nNodes, NodeIndex: 0, NBatches: 1, ActivationType: tensor.F32, WeightType: tensor.F32})
	require.NoError(t, err)
	_, node1, err := BuildLlamaNet(cfg, BuildParams{NNodes: nNodes, NodeIndex: 1, NBatches: 1, ActivationType: tensor.F32, WeightType: tensor.F32})
	require.NoError(t, err)

	loc0 := LocateOps(node0)
	loc1 := LocateOps(node1)

	key := OpKey{Name: "matmul_q", LayerIndex: 0}
	op0 := node0.Segments[loc0[key].SegmentIndex].Ops[loc0[key].OpIndex]
	op1 := node1.Segments[loc1[key].SegmentIndex].Ops[loc1[key].OpIndex]

	// row-sliced weight: each node owns half the bytes of the global matmul_q weight
	assert.Equal(t, op0.WeightSize, op1.WeightSize)
	assert.Equal(t, cfg.Dim*cfg.Dim*4/nNodes, op0.WeightSize)
}

func TestBuildLlamaNetRejectsUnshardableHeadCount(t *testing.T) {
	cfg := testLlamaConfig()
	cfg.NHeads = 3 // not divisible by 2 nodes

	_, _, err := BuildLlamaNet(cfg, BuildParams{
		NNodes: 2, NodeIndex: 0, NBatches: 1,
		ActivationType: tensor.F32, WeightType: tensor.F32,
	})
	assert.Error(t, err)
}

func TestBuildLlamaNetQuantizedActivationsInsertCasts(t *testing.T) {
	// Quantized activations need every matmul input width to be a whole
	// number of 32-element blocks, so this config is wider than the f32
	// fixtures above.
	cfg := &model.ModelConfig{
		Dim: 32, HiddenDim: 64, NLayers: 2, NHeads: 2, NKvHeads: 2,
		VocabSize: 32, SeqLen: 6, HiddenAct: model.ActSilu,
		RopeTheta: 10000, WeightFloatType: model.WeightTypeQ40,
	}

	_, node, err := BuildLlamaNet(cfg, BuildParams{
		NNodes: 1, NodeIndex: 0, NBatches: 1,
		ActivationType: tensor.Q80, WeightType: tensor.Q40,
	})
	require.NoError(t, err)

	var casts int
	for _, seg := range node.Segments {
		for _, op := range seg.Ops {
			if op.Code == Cast {
				casts++
			}
		}
	}
	// attention: cast_norm + cast_att; ff: cast_norm + cast_ffn; final: cast_norm.
	assert.Equal(t, cfg.NLayers*4+1, casts)

	_, _, err = BuildLlamaNet(cfg, BuildParams{
		NNodes: 1, NodeIndex: 0, NBatches: 1,
		ActivationType: tensor.F16, WeightType: tensor.F32,
	})
	assert.Error(t, err, "f16 activations have no kernel path")

	narrow := testLlamaConfig() // dim 8: not a whole q80 block
	_, _, err = BuildLlamaNet(narrow, BuildParams{
		NNodes: 1, NodeIndex: 0, NBatches: 1,
		ActivationType: tensor.Q80, WeightType: tensor.Q40,
	})
	assert.Error(t, err)
}

func TestBuildLlamaNetLogitsAreRowSliced(t *testing.T) {
	cfg := testLlamaConfig()
	const nNodes = 2

	net, node, err := BuildLlamaNet(cfg, BuildParams{
		NNodes: nNodes, NodeIndex: 1, NBatches: 1,
		ActivationType: tensor.F32, WeightType: tensor.F32,
	})
	require.NoError(t, err)

	assert.Equal(t, cfg.VocabSize, net.Pipes[PipeLogits].Size.X, "logits pipe holds complete logits, not per-node partials")

	final := node.Segments[len(node.Segments)-1]
	logits := final.Ops[len(final.Ops)-1]
	assert.Equal(t, "matmul_logits", logits.Name)
	assert.Equal(t, cfg.VocabSize/nNodes, logits.Output.SliceWidth)
	assert.Equal(t, 1*cfg.VocabSize/nNodes, logits.Output.SliceOffset)
	assert.Equal(t, cfg.Dim*cfg.VocabSize*4/nNodes, logits.WeightSize)
}

func TestBuildLlamaNetSingleNodeIdentityShard(t *testing.T) {
	cfg := testLlamaConfig()
	net, node, err := BuildLlamaNet(cfg, BuildParams{
		NNodes: 1, NodeIndex: 0, NBatches: 1,
		ActivationType: tensor.F32, WeightType: tensor.F32,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, net.NNodes)
	assert.Equal(t, 0, node.Index)
}
