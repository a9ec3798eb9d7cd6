package kernel

import (
	"math"

	"github.com/distllama/distllama/quant"
)

// RopeCacheEntry holds the precomputed (cos, sin) pair for one (position, i)
// coordinate of the rotation.
type RopeCacheEntry struct {
	Cr, Ci float32
}

// RopeParams mirrors the op's opaque payload: the rotation base theta and
// NTK/linear scaling knobs (zero-valued ScalingFactor disables scaling).
type RopeParams struct {
	HeadSize              int
	Theta                 float32
	ScalingFactor         float32
	ScalingLowFreqFactor  float32
	ScalingHighFreqFactor float32
	ScalingOrigMaxSeqLen  int
	// SeqLen is the cache depth to precompute; not part of the rotation
	// math itself, carried here so BuildRopeCache's call site (the device
	// layer, at segment-build time) can derive it straight from the op's
	// payload rather than threading it through separately.
	SeqLen int
}

// BuildRopeCache computes the (cos,sin) table for positions [0,seqLen) and
// feature pairs [0,sliceDim/2), applying NTK-style frequency scaling when
// ScalingFactor > 0 (RoPE scaling as in llama3: low/high frequency blend
// against the original max sequence length).
func BuildRopeCache(p RopeParams, seqLen, sliceDim int) []RopeCacheEntry {
	cache := make([]RopeCacheEntry, seqLen*(sliceDim/2))
	for pos := 0; pos < seqLen; pos++ {
		for i := 0; i < sliceDim/2; i++ {
			freq := ropeFreq(p, i)
			angle := float64(pos) * float64(freq)
			cache[pos*(sliceDim/2)+i] = RopeCacheEntry{
				Cr: float32(math.Cos(angle)),
				Ci: float32(math.Sin(angle)),
			}
		}
	}
	return cache
}

func ropeFreq(p RopeParams, i int) float64 {
	freq := 1.0 / math.Pow(float64(p.Theta), float64(2*i)/float64(p.HeadSize))
	if p.ScalingFactor <= 0 {
		return freq
	}
	waveLen := 2 * math.Pi / freq
	lowFreqWaveLen := float64(p.ScalingOrigMaxSeqLen) / float64(p.ScalingLowFreqFactor)
	highFreqWaveLen := float64(p.ScalingOrigMaxSeqLen) / float64(p.ScalingHighFreqFactor)
	switch {
	case waveLen < highFreqWaveLen:
		return freq
	case waveLen > lowFreqWaveLen:
		return freq / float64(p.ScalingFactor)
	default:
		smooth := (float64(p.ScalingOrigMaxSeqLen)/waveLen - float64(p.ScalingLowFreqFactor)) /
			(float64(p.ScalingHighFreqFactor) - float64(p.ScalingLowFreqFactor))
		return (1-smooth)*freq/float64(p.ScalingFactor) + smooth*freq
	}
}

// Rope rotates x in place: for each even/odd pair (v0,v1) at offset 2*i,
// apply (v0*cr - v1*ci, v0*ci + v1*cr) using the entry for (pos, i) read
// from cache, which holds sliceDim/2 entries per cached position.
func Rope(x []float32, cache []RopeCacheEntry, pos, sliceDim, nThreads, threadIndex int) {
	pairs := sliceDim / 2
	start, end := quant.ThreadRange(pairs, nThreads, threadIndex)
	base := pos * pairs
	for i := start; i < end; i++ {
		e := cache[base+i]
		v0, v1 := x[2*i], x[2*i+1]
		x[2*i] = v0*e.Cr - v1*e.Ci
		x[2*i+1] = v0*e.Ci + v1*e.Cr
	}
}
