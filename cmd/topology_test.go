package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTopologyFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "topology.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadTopologyParsesKnownFields(t *testing.T) {
	path := writeTopologyFile(t, `
workers:
  - worker-1:9001
  - worker-2:9001
temperature: 0.6
topp: 0.92
chat_template: llama3
`)
	top, err := LoadTopology(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"worker-1:9001", "worker-2:9001"}, top.Workers)
	require.NotNil(t, top.Temperature)
	assert.Equal(t, 0.6, *top.Temperature)
	require.NotNil(t, top.TopP)
	assert.Equal(t, 0.92, *top.TopP)
	assert.Equal(t, "llama3", top.ChatTemplate)
}

func TestLoadTopologyRejectsUnknownField(t *testing.T) {
	path := writeTopologyFile(t, "workers:\n  - w1:9001\nbogus_field: 1\n")
	_, err := LoadTopology(path)
	assert.Error(t, err)
}

func TestLoadTopologyRejectsMissingFile(t *testing.T) {
	_, err := LoadTopology(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	assert.Error(t, err)
}
