// Package model parses the internal magic-tagged binary model header
// into a typed ModelConfig, and renders it back for operator
// introspection (the "inspect" cobra subcommand).
package model

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/distllama/distllama/errs"
)

// Magic is the current header magic. Earlier magics are rejected as legacy.
const Magic uint32 = 0x0A00ABCD

var legacyMagics = map[uint32]bool{
	0x00ABCD00: true,
	0x00ABCD01: true,
}

// HeaderKey enumerates the recognized (key, value) pairs in the header.
// An unrecognized key is a hard error; keys are i32 on the wire.
type HeaderKey int32

const (
	KeyVersion HeaderKey = iota
	KeyArchType
	KeyDim
	KeyHiddenDim
	KeyNLayers
	KeyNHeads
	KeyNKvHeads
	KeyNExperts
	KeyNActiveExperts
	KeyVocabSize
	KeySeqLen
	KeyHiddenAct
	KeyRopeTheta
	KeyWeightFloatType
	KeyRopeScalingFactor
	KeyRopeScalingLowFreqFactor
	KeyRopeScalingHighFreqFactor
	KeyRopeScalingOrigMaxSeqLen
	KeyRopeType
)

var keyNames = map[HeaderKey]string{
	KeyVersion:                   "VERSION",
	KeyArchType:                  "ARCH_TYPE",
	KeyDim:                       "DIM",
	KeyHiddenDim:                 "HIDDEN_DIM",
	KeyNLayers:                   "N_LAYERS",
	KeyNHeads:                    "N_HEADS",
	KeyNKvHeads:                  "N_KV_HEADS",
	KeyNExperts:                  "N_EXPERTS",
	KeyNActiveExperts:            "N_ACTIVE_EXPERTS",
	KeyVocabSize:                 "VOCAB_SIZE",
	KeySeqLen:                    "SEQ_LEN",
	KeyHiddenAct:                 "HIDDEN_ACT",
	KeyRopeTheta:                 "ROPE_THETA",
	KeyWeightFloatType:           "WEIGHT_FLOAT_TYPE",
	KeyRopeScalingFactor:         "ROPE_SCALING_FACTOR",
	KeyRopeScalingLowFreqFactor:  "ROPE_SCALING_LOW_FREQ_FACTOR",
	KeyRopeScalingHighFreqFactor: "ROPE_SCALING_HIGH_FREQ_FACTOR",
	KeyRopeScalingOrigMaxSeqLen:  "ROPE_SCALING_ORIG_MAX_SEQ_LEN",
	KeyRopeType:                  "ROPE_TYPE",
}

// HiddenAct selects the feed-forward nonlinearity.
type HiddenAct int32

const (
	ActGelu HiddenAct = iota
	ActSilu
)

func (a HiddenAct) String() string {
	if a == ActSilu {
		return "SILU"
	}
	return "GELU"
}

// ModelConfig is the parsed, typed header. WeightFloatType is mandatory;
// its absence is a hard error.
type ModelConfig struct {
	Version                   int32
	ArchType                  int32
	Dim                       int
	HiddenDim                 int
	NLayers                   int
	NHeads                    int
	NKvHeads                  int
	NExperts                  int
	NActiveExperts            int
	VocabSize                 int
	SeqLen                    int
	HiddenAct                 HiddenAct
	RopeTheta                 float32
	WeightFloatType           int32
	RopeScalingFactor         float32
	RopeScalingLowFreqFactor  float32
	RopeScalingHighFreqFactor float32
	RopeScalingOrigMaxSeqLen  int
	RopeType                  int32

	raw map[HeaderKey]int32
}

// ReadHeader reads and validates the magic, then the (key,value) pairs
// that follow, rejecting unknown keys and requiring WEIGHT_FLOAT_TYPE.
func ReadHeader(r io.Reader) (*ModelConfig, error) {
	var magic uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return nil, errs.NewFileIntegrity("read magic: %v", err)
	}
	if legacyMagics[magic] {
		return nil, errs.NewFileIntegrity("legacy magic 0x%08X is rejected", magic)
	}
	if magic != Magic {
		return nil, errs.NewFileIntegrity("bad magic 0x%08X, want 0x%08X", magic, Magic)
	}

	var headerSize int32
	if err := binary.Read(r, binary.LittleEndian, &headerSize); err != nil {
		return nil, errs.NewFileIntegrity("read headerSize: %v", err)
	}
	if headerSize < 0 || headerSize%8 != 0 {
		return nil, errs.NewFileIntegrity("headerSize %d not a multiple of 8", headerSize)
	}

	cfg := &ModelConfig{raw: make(map[HeaderKey]int32)}
	nPairs := int(headerSize) / 8
	for i := 0; i < nPairs; i++ {
		var key, value int32
		if err := binary.Read(r, binary.LittleEndian, &key); err != nil {
			return nil, errs.NewFileIntegrity("read header key %d: %v", i, err)
		}
		if err := binary.Read(r, binary.LittleEndian, &value); err != nil {
			return nil, errs.NewFileIntegrity("read header value %d: %v", i, err)
		}
		hk := HeaderKey(key)
		if _, ok := keyNames[hk]; !ok {
			return nil, errs.NewBadConfig("unknown header key %d", key)
		}
		cfg.raw[hk] = value
		cfg.apply(hk, value)
	}

	if _, ok := cfg.raw[KeyWeightFloatType]; !ok {
		return nil, errs.NewBadConfig("missing required header key WEIGHT_FLOAT_TYPE")
	}
	return cfg, nil
}

func (c *ModelConfig) apply(k HeaderKey, v int32) {
	switch k {
	case KeyVersion:
		c.Version = v
	case KeyArchType:
		c.ArchType = v
	case KeyDim:
		c.Dim = int(v)
	case KeyHiddenDim:
		c.HiddenDim = int(v)
	case KeyNLayers:
		c.NLayers = int(v)
	case KeyNHeads:
		c.NHeads = int(v)
	case KeyNKvHeads:
		c.NKvHeads = int(v)
	case KeyNExperts:
		c.NExperts = int(v)
	case KeyNActiveExperts:
		c.NActiveExperts = int(v)
	case KeyVocabSize:
		c.VocabSize = int(v)
	case KeySeqLen:
		c.SeqLen = int(v)
	case KeyHiddenAct:
		c.HiddenAct = HiddenAct(v)
	case KeyRopeTheta:
		c.RopeTheta = int32ToFloat(v)
	case KeyWeightFloatType:
		c.WeightFloatType = v
	case KeyRopeScalingFactor:
		c.RopeScalingFactor = int32ToFloat(v)
	case KeyRopeScalingLowFreqFactor:
		c.RopeScalingLowFreqFactor = int32ToFloat(v)
	case KeyRopeScalingHighFreqFactor:
		c.RopeScalingHighFreqFactor = int32ToFloat(v)
	case KeyRopeScalingOrigMaxSeqLen:
		c.RopeScalingOrigMaxSeqLen = int(v)
	case KeyRopeType:
		c.RopeType = v
	}
}

// int32ToFloat reinterprets the header's raw i32 value bits as an f32, the
// on-wire encoding for float-valued header entries.
func int32ToFloat(v int32) float32 {
	return math.Float32frombits(uint32(v))
}

// KvDim is nHeads-scaled down to the (possibly grouped) kv head count.
func (c *ModelConfig) KvDim() int {
	if c.NHeads == 0 {
		return 0
	}
	return c.Dim * c.NKvHeads / c.NHeads
}

// HeadSize is dim/nHeads.
func (c *ModelConfig) HeadSize() int {
	if c.NHeads == 0 {
		return 0
	}
	return c.Dim / c.NHeads
}

// DescribeHeader renders the recognized keys as a table, backing the
// "inspect" subcommand's header dump.
func (c *ModelConfig) DescribeHeader() string {
	out := fmt.Sprintf("dim=%d hiddenDim=%d nLayers=%d nHeads=%d nKvHeads=%d vocabSize=%d seqLen=%d\n",
		c.Dim, c.HiddenDim, c.NLayers, c.NHeads, c.NKvHeads, c.VocabSize, c.SeqLen)
	out += fmt.Sprintf("hiddenAct=%v ropeTheta=%v weightFloatType=%d\n", c.HiddenAct, c.RopeTheta, c.WeightFloatType)
	if c.RopeScalingFactor > 0 {
		out += fmt.Sprintf("ropeScaling: factor=%v lowFreq=%v highFreq=%v origMaxSeqLen=%d\n",
			c.RopeScalingFactor, c.RopeScalingLowFreqFactor, c.RopeScalingHighFreqFactor, c.RopeScalingOrigMaxSeqLen)
	}
	return out
}
