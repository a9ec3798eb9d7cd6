package device

import (
	"encoding/binary"
	"math"

	"github.com/distllama/distllama/errs"
	"github.com/distllama/distllama/graph"
	"github.com/distllama/distllama/kernel"
	"github.com/distllama/distllama/quant"
	"github.com/distllama/distllama/tensor"
)

// forwardArgs bundles everything a bound kernel function needs: the op's
// resolved storage comes from device+op's pointer configs, so the function
// body looks up input/output/weight storage itself rather than the caller
// pre-slicing it — this keeps the (opCode, quant triple) -> fn table a
// flat, statically materialized map of small closures. ropeCache is
// precomputed once at CreateSegment
// time (see cpu.go) and threaded through rather than rebuilt every step.
type forwardArgs struct {
	device      *CPUDevice
	op          graph.OpConfig
	key         weightKey
	weight      []byte
	ropeCache   []kernel.RopeCacheEntry
	nThreads    int
	threadIndex int
	batchSize   int
}

type forwardFn func(forwardArgs) error

// bindKernel resolves the (opCode, weightType) pair to a concrete forward
// function. An unsupported combination is a hard error surfaced at segment
// construction, not at run time;
// the storage-dependent half of that check is CPUDevice.checkOpTypes.
func bindKernel(op graph.OpConfig) (forwardFn, error) {
	switch op.Code {
	case graph.Embedding:
		return embeddingFwd, nil
	case graph.InvRms:
		return invRmsFwd, nil
	case graph.RmsNorm:
		return rmsNormFwd, nil
	case graph.Matmul:
		switch op.WeightType {
		case tensor.F32, tensor.UNK:
			return matmulF32Fwd, nil
		case tensor.F16:
			return matmulF16Fwd, nil
		case tensor.Q40:
			return matmulQ80Q40Fwd, nil
		case tensor.Q80:
			return matmulQ80Q80Fwd, nil
		default:
			return nil, errs.NewKernelUnsupported("matmul: unsupported weight type %s", op.WeightType)
		}
	case graph.Rope:
		return ropeFwd, nil
	case graph.MultiheadAtt:
		return multiheadAttFwd, nil
	case graph.Gelu:
		return geluFwd, nil
	case graph.Silu:
		return siluFwd, nil
	case graph.Mul:
		return mulFwd, nil
	case graph.MergeAdd:
		return mergeAddFwd, nil
	case graph.Cast:
		return castFwd, nil
	case graph.Shift:
		return shiftFwd, nil
	default:
		return nil, errs.NewKernelUnsupported("unknown op code %v", op.Code)
	}
}

// embeddingFwd does not split: the work is one row copy per batch item and
// the remaining threads would only race it.
func embeddingFwd(a forwardArgs) error {
	if a.threadIndex != 0 {
		return nil
	}
	out := a.device.storageFor(a.op.Output)
	table := a.device.weightF32(a.key, a.weight)
	dim := out.RowLen
	for b := 0; b < a.batchSize; b++ {
		token := int(a.device.rowF32(a.op.Input, b)[0])
		switch out.Type {
		case tensor.F32:
			kernel.Embedding(out.RowF32(b), token, table, dim)
		case tensor.Q80:
			kernel.EmbeddingQ80(out.RowQ80(b), token, table, dim)
		}
	}
	return nil
}

// invRmsFwd does not split: one scalar reduction per batch item.
func invRmsFwd(a forwardArgs) error {
	if a.threadIndex != 0 {
		return nil
	}
	in := a.device.storageFor(a.op.Input)
	out := a.device.storageFor(a.op.Output)
	for b := 0; b < a.batchSize; b++ {
		out.RowF32(b)[0] = kernel.InvRMS(in.RowF32(b), in.RowLen, 1e-5)
	}
	return nil
}

func rmsNormFwd(a forwardArgs) error {
	in := a.device.storageFor(a.op.Input)
	out := a.device.storageFor(a.op.Output)
	w := a.device.weightF32(a.key, a.weight)
	invRmsStorage := a.device.buffers[graph.BufInvRms]
	for b := 0; b < a.batchSize; b++ {
		invRms := invRmsStorage.RowF32(b)[0]
		switch in.Type {
		case tensor.F32:
			kernel.RMSNorm(out.RowF32(b), in.RowF32(b), w, invRms, in.RowLen, a.nThreads, a.threadIndex)
		case tensor.Q80:
			kernel.RMSNormQ80(out.RowF32(b), in.RowQ80(b), w, invRms, in.RowLen, a.nThreads, a.threadIndex)
		}
	}
	return nil
}

// sgemmEligible reports whether a matmul step can take the batched
// BLAS-like path: more than one batch row in flight and both ends
// Batch-addressed, so input and output rows sit contiguous row-major in
// their Storage slices. Sliced pipe outputs (a column matmul's partial-sum
// slice, the logits range) interleave per row and fall back to the per-row
// kernels.
func sgemmEligible(a forwardArgs) bool {
	return a.batchSize > 1 && a.op.Input.Mode == tensor.Batch && a.op.Output.Mode == tensor.Batch
}

func matmulF32Fwd(a forwardArgs) error {
	in := a.device.storageFor(a.op.Input)
	w := a.device.weightF32(a.key, a.weight)
	if sgemmEligible(a) {
		out := a.device.storageFor(a.op.Output)
		kernel.Sgemm(out.F32[:a.batchSize*out.RowLen], in.F32[:a.batchSize*in.RowLen], w,
			a.batchSize, in.RowLen, out.RowLen, a.nThreads, a.threadIndex, true)
		return nil
	}
	for b := 0; b < a.batchSize; b++ {
		y := a.device.rowF32(a.op.Output, b)
		kernel.MatMulF32(y, in.RowF32(b), w, in.RowLen, len(y), a.nThreads, a.threadIndex)
	}
	return nil
}

// matmulF16Fwd and matmulQ80Q80Fwd always go per row: only the f32 and
// q80xq40 weight formats carry a batched BLAS path.
func matmulF16Fwd(a forwardArgs) error {
	in := a.device.storageFor(a.op.Input)
	w := a.device.weightF16(a.key, a.weight)
	for b := 0; b < a.batchSize; b++ {
		y := a.device.rowF32(a.op.Output, b)
		kernel.MatMulF16(y, in.RowF32(b), w, in.RowLen, len(y), a.nThreads, a.threadIndex)
	}
	return nil
}

func matmulQ80Q40Fwd(a forwardArgs) error {
	in := a.device.storageFor(a.op.Input)
	w := a.device.weightQ40(a.key, a.weight)
	if sgemmEligible(a) {
		out := a.device.storageFor(a.op.Output)
		blocksPerRow := in.RowLen / quant.BlockSize
		kernel.SgemmQ80Q40(out.F32[:a.batchSize*out.RowLen], in.Q80[:a.batchSize*blocksPerRow], w,
			a.batchSize, in.RowLen, out.RowLen, a.nThreads, a.threadIndex, true)
		return nil
	}
	for b := 0; b < a.batchSize; b++ {
		y := a.device.rowF32(a.op.Output, b)
		kernel.MatMulQ80Q40(y, in.RowQ80(b), w, in.RowLen, len(y), a.nThreads, a.threadIndex)
	}
	return nil
}

func matmulQ80Q80Fwd(a forwardArgs) error {
	in := a.device.storageFor(a.op.Input)
	w := a.device.weightQ80(a.key, a.weight)
	for b := 0; b < a.batchSize; b++ {
		y := a.device.rowF32(a.op.Output, b)
		kernel.MatMulQ80Q80(y, in.RowQ80(b), w, in.RowLen, len(y), a.nThreads, a.threadIndex)
	}
	return nil
}

func ropeFwd(a forwardArgs) error {
	out := a.device.storageFor(a.op.Output)
	posStorage := a.device.pipes[graph.PipePos]
	for b := 0; b < a.batchSize; b++ {
		pos := int(posStorage.RowF32(b)[0])
		kernel.Rope(out.RowF32(b), a.ropeCache, pos, out.RowLen, a.nThreads, a.threadIndex)
	}
	return nil
}

func multiheadAttFwd(a forwardArgs) error {
	params := a.op.Payload.(*kernel.MultiHeadAttentionParams)
	q := a.device.storageFor(a.op.Input)
	out := a.device.storageFor(a.op.Output)
	kCache := a.device.buffers[graph.KeyCacheBuf(a.op.LayerIndex)]
	vCache := a.device.buffers[graph.ValueCacheBuf(a.op.LayerIndex)]
	scratch := a.device.buffers[graph.BufAttScratch]
	posStorage := a.device.pipes[graph.PipePos]
	for b := 0; b < a.batchSize; b++ {
		pos := int(posStorage.RowF32(b)[0])
		kernel.MultiHeadAttention(out.RowF32(b), q.RowF32(b), kCache.F32, vCache.F32, scratch.RowF32(b), pos, *params, a.nThreads, a.threadIndex)
	}
	return nil
}

func geluFwd(a forwardArgs) error {
	s := a.device.storageFor(a.op.Output)
	for b := 0; b < a.batchSize; b++ {
		kernel.GELU(s.RowF32(b), s.RowLen, a.nThreads, a.threadIndex)
	}
	return nil
}

func siluFwd(a forwardArgs) error {
	s := a.device.storageFor(a.op.Output)
	for b := 0; b < a.batchSize; b++ {
		kernel.SiLU(s.RowF32(b), s.RowLen, a.nThreads, a.threadIndex)
	}
	return nil
}

// mulFwd computes the feed-forward gate: acc (the SiLU/GELU'd w1 output,
// already in place at op.Output) *= the up-projection (op.Input, the w3
// scratch buffer).
func mulFwd(a forwardArgs) error {
	acc := a.device.storageFor(a.op.Output)
	l := a.device.storageFor(a.op.Input)
	for b := 0; b < a.batchSize; b++ {
		row := acc.RowF32(b)
		kernel.Mul(row, row, l.RowF32(b), acc.RowLen, a.nThreads, a.threadIndex)
	}
	return nil
}

// mergeAddFwd reduces an all-to-all pipe's nNodes disjoint slices into the
// running residual buffer: acc += sum_n pipe[n]. The pipe was already
// synced by the preceding segment's NODE_SLICES sync, so every node sees
// the same nNodes slices and therefore accumulates the same acc.
func mergeAddFwd(a forwardArgs) error {
	width := a.device.storageFor(a.op.Output).RowLen
	nNodes := a.device.net.NNodes
	for b := 0; b < a.batchSize; b++ {
		acc := a.device.rowF32(a.op.Output, b)
		full := a.device.rowF32(a.op.Input, b)
		kernel.MergeAddFlat(acc, full, width, nNodes, a.nThreads, a.threadIndex)
	}
	return nil
}

func castFwd(a forwardArgs) error {
	in := a.device.storageFor(a.op.Input)
	out := a.device.storageFor(a.op.Output)
	for b := 0; b < a.batchSize; b++ {
		switch {
		case in.Type == tensor.F32 && out.Type == tensor.Q80:
			quant.QuantizeQ80Row(out.RowQ80(b), in.RowF32(b), a.nThreads, a.threadIndex)
		case in.Type == tensor.Q80 && out.Type == tensor.F32:
			quant.DequantizeQ80Row(out.RowF32(b), in.RowQ80(b), a.nThreads, a.threadIndex)
		case in.Type == tensor.F32 && out.Type == tensor.F32:
			src, dst := in.RowF32(b), out.RowF32(b)
			start, end := quant.ThreadRange(in.RowLen, a.nThreads, a.threadIndex)
			copy(dst[start:end], src[start:end])
		}
	}
	return nil
}

// shiftFwd does not split: one KV-cache row copy per batch item.
func shiftFwd(a forwardArgs) error {
	if a.threadIndex != 0 {
		return nil
	}
	in := a.device.storageFor(a.op.Input)
	out := a.device.storageFor(a.op.Output)
	posStorage := a.device.pipes[graph.PipePos]
	for b := 0; b < a.batchSize; b++ {
		pos := int(posStorage.RowF32(b)[0])
		if err := kernel.Shift(out.F32, in.RowF32(b), pos, in.RowLen, len(out.F32)); err != nil {
			return err
		}
	}
	return nil
}

// Decoded-weight accessors. The first Forward to touch a key decodes the
// raw arena and publishes the typed view through the device's lock-free
// cache; a losing racer's decode is discarded by LoadOrStore, so every
// thread sees one canonical slice.

func (d *CPUDevice) weightF32(key weightKey, raw []byte) []float32 {
	if v, ok := d.decoded.Load(key); ok {
		return v.([]float32)
	}
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4 : i*4+4]))
	}
	v, _ := d.decoded.LoadOrStore(key, out)
	return v.([]float32)
}

func (d *CPUDevice) weightF16(key weightKey, raw []byte) []uint16 {
	if v, ok := d.decoded.Load(key); ok {
		return v.([]uint16)
	}
	out := make([]uint16, len(raw)/2)
	for i := range out {
		out[i] = binary.LittleEndian.Uint16(raw[i*2 : i*2+2])
	}
	v, _ := d.decoded.LoadOrStore(key, out)
	return v.([]uint16)
}

func (d *CPUDevice) weightQ40(key weightKey, raw []byte) []quant.Q40Block {
	if v, ok := d.decoded.Load(key); ok {
		return v.([]quant.Q40Block)
	}
	blockBytes := tensor.Q40.BytesPerBlock()
	out := make([]quant.Q40Block, len(raw)/blockBytes)
	for i := range out {
		off := i * blockBytes
		out[i].Scale = binary.LittleEndian.Uint16(raw[off : off+2])
		copy(out[i].Packed[:], raw[off+2:off+blockBytes])
	}
	v, _ := d.decoded.LoadOrStore(key, out)
	return v.([]quant.Q40Block)
}

func (d *CPUDevice) weightQ80(key weightKey, raw []byte) []quant.Q80Block {
	if v, ok := d.decoded.Load(key); ok {
		return v.([]quant.Q80Block)
	}
	blockBytes := tensor.Q80.BytesPerBlock()
	out := make([]quant.Q80Block, len(raw)/blockBytes)
	for i := range out {
		off := i * blockBytes
		out[i].Scale = binary.LittleEndian.Uint16(raw[off : off+2])
		for j := 0; j < quant.BlockSize; j++ {
			out[i].Values[j] = int8(raw[off+2+j])
		}
	}
	v, _ := d.decoded.LoadOrStore(key, out)
	return v.([]quant.Q80Block)
}
