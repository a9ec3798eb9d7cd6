package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOpCodeString(t *testing.T) {
	assert.Equal(t, "MATMUL", Matmul.String())
	assert.Equal(t, "MULTIHEAD_ATT", MultiheadAtt.String())
	assert.Equal(t, "UNKNOWN_OP", OpCode(999).String())
}

func TestSyncModeString(t *testing.T) {
	assert.Equal(t, "WITH_ROOT", WithRoot.String())
	assert.Equal(t, "NODE_SLICES", NodeSlices.String())
	assert.Equal(t, "NODE_SLICES_EXCEPT_ROOT", NodeSlicesExceptRoot.String())
	assert.Equal(t, "UNKNOWN_SYNC", SyncMode(999).String())
}
