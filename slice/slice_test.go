package slice

import (
	"math/rand"
	"testing"

	"github.com/distllama/distllama/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRowMatmulSplit_RoundTrip(t *testing.T) {
	for _, tc := range []struct{ n, d, nNodes int }{
		{32, 64, 2}, {64, 128, 4}, {32, 256, 8},
	} {
		rng := rand.New(rand.NewSource(int64(tc.n + tc.d + tc.nNodes)))
		weight := make([]byte, tc.n*tc.d*4) // f32
		rng.Read(weight)

		shards := make([][]byte, tc.nNodes)
		for node := 0; node < tc.nNodes; node++ {
			s, err := NewRowMatmulSlice(tc.n, tc.d, tc.nNodes, node)
			require.NoError(t, err)
			shards[node] = SplitRowMatmul(weight, s, tensor.F32)
		}
		assert.Equal(t, weight, JoinRowMatmul(shards))
	}
}

func TestColMatmulSplit_RoundTrip(t *testing.T) {
	for _, tc := range []struct{ n, d, nNodes int }{
		{32, 64, 2}, {64, 128, 4}, {256, 32, 8},
	} {
		rng := rand.New(rand.NewSource(int64(tc.n * tc.d * tc.nNodes)))
		weight := make([]byte, tc.n*tc.d*4)
		rng.Read(weight)

		shards := make([][]byte, tc.nNodes)
		for node := 0; node < tc.nNodes; node++ {
			s, err := NewColMatmulSlice(tc.n, tc.d, tc.nNodes, node)
			require.NoError(t, err)
			shards[node] = SplitColMatmul(weight, s, tensor.F32)
		}
		assert.Equal(t, weight, JoinColMatmul(shards, tc.d))
	}
}

func TestRowMatmulSlice_RejectsIndivisible(t *testing.T) {
	_, err := NewRowMatmulSlice(32, 65, 4, 0)
	require.Error(t, err)
}

func TestMultiHeadAttentionSlice_OwnsDisjointHeads(t *testing.T) {
	nHeads, nNodes := 32, 4
	seen := make([]bool, nHeads)
	for node := 0; node < nNodes; node++ {
		s, err := NewMultiHeadAttentionSlice(nHeads, nHeads, 128, nNodes, node)
		require.NoError(t, err)
		for h := s.HeadOffset; h < s.HeadOffset+s.LocalHeads; h++ {
			require.False(t, seen[h])
			seen[h] = true
		}
	}
	for _, s := range seen {
		assert.True(t, s)
	}
}
