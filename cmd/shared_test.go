package cmd

import (
	"testing"

	"github.com/distllama/distllama/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseElementType(t *testing.T) {
	cases := []struct {
		in   string
		want tensor.ElementType
	}{
		{"f32", tensor.F32},
		{"f16", tensor.F16},
		{"q40", tensor.Q40},
		{"q80", tensor.Q80},
	}
	for _, c := range cases {
		got, err := parseElementType(c.in)
		require.NoError(t, err)
		assert.Equal(t, c.want, got)
	}
}

func TestParseElementTypeRejectsUnknown(t *testing.T) {
	_, err := parseElementType("bf16")
	assert.Error(t, err)
}

func TestParsePeer(t *testing.T) {
	p, err := parsePeer("10.0.0.5:9001")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", p.Host)
	assert.Equal(t, 9001, p.Port)
}

func TestParsePeerRejectsMalformed(t *testing.T) {
	_, err := parsePeer("not-a-host-port")
	assert.Error(t, err)

	_, err = parsePeer("host:notaport")
	assert.Error(t, err)
}

func TestPeerListLeavesRootEntryZero(t *testing.T) {
	peers, err := peerList([]string{"w1:9001", "w2:9002"})
	require.NoError(t, err)
	require.Len(t, peers, 3)
	assert.Equal(t, "", peers[0].Host)
	assert.Equal(t, "w1", peers[1].Host)
	assert.Equal(t, 9001, peers[1].Port)
	assert.Equal(t, "w2", peers[2].Host)
	assert.Equal(t, 9002, peers[2].Port)
}

func TestPeerListPropagatesParseError(t *testing.T) {
	_, err := peerList([]string{"ok:9001", "bad"})
	assert.Error(t, err)
}

func TestValidateChatTemplate(t *testing.T) {
	for _, name := range []string{"llama2", "llama3", "zephyr", "chatml"} {
		assert.NoError(t, validateChatTemplate(name))
	}
	assert.Error(t, validateChatTemplate("vicuna"))
}

func TestMergeTopologyOnlyFillsDefaults(t *testing.T) {
	origWorkers, origTemp, origTopP, origTemplate := workerAddrs, temperature, topP, chatTemplate
	t.Cleanup(func() {
		workerAddrs, temperature, topP, chatTemplate = origWorkers, origTemp, origTopP, origTemplate
	})

	workerAddrs = nil
	temperature = 0.8
	topP = 0.9
	chatTemplate = "llama2"

	temp := 0.5
	tp := 0.95
	mergeTopology(&Topology{
		Workers:      []string{"w1:9001"},
		Temperature:  &temp,
		TopP:         &tp,
		ChatTemplate: "zephyr",
	})

	assert.Equal(t, []string{"w1:9001"}, workerAddrs)
	assert.Equal(t, 0.5, temperature)
	assert.Equal(t, 0.95, topP)
	assert.Equal(t, "zephyr", chatTemplate)
}

func TestMergeTopologyDoesNotOverrideExplicitFlags(t *testing.T) {
	origWorkers, origTemp, origTopP, origTemplate := workerAddrs, temperature, topP, chatTemplate
	t.Cleanup(func() {
		workerAddrs, temperature, topP, chatTemplate = origWorkers, origTemp, origTopP, origTemplate
	})

	workerAddrs = []string{"explicit:9001"}
	temperature = 0.3
	topP = 0.4
	chatTemplate = "chatml"

	temp := 0.5
	mergeTopology(&Topology{Workers: []string{"from-file:9001"}, Temperature: &temp, ChatTemplate: "zephyr"})

	assert.Equal(t, []string{"explicit:9001"}, workerAddrs)
	assert.Equal(t, 0.3, temperature)
	assert.Equal(t, "chatml", chatTemplate)
}
