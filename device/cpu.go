// cpu.go is the CPU Device/Segment implementation: it owns all buffer and
// pipe storage for a node, pre-resolves every op's input/output pointers
// at CreateSegment time (so the hot forward loop never walks the graph
// config), and dispatches each op to the kernel package under the
// executor's thread pool.
package device

import (
	"context"
	"sync"

	"github.com/distllama/distllama/errs"
	"github.com/distllama/distllama/graph"
	"github.com/distllama/distllama/kernel"
	"github.com/distllama/distllama/tensor"
)

// CPUDevice implements Device over node-local memory. Weight arenas are
// allocated once per op on first LoadWeight (Go's allocator already
// returns >=64-byte-aligned blocks for slices this large) and mlocked
// where the platform allows (see mlock_linux.go).
type CPUDevice struct {
	nThreads int
	node     *graph.NodeConfig
	net      *graph.NetConfig

	mu      sync.Mutex
	buffers []*Storage // indexed like node.Buffers
	pipes   []*Storage // indexed like net.Pipes
	weights map[weightKey][]byte

	// decoded caches each weight arena's typed view (f32/f16/q40/q80),
	// built on first Forward access and invalidated by LoadWeight. The
	// hot loop reads it lock-free; without it every matmul would re-decode
	// its whole weight matrix on every step, on every thread.
	decoded sync.Map // weightKey -> []float32 | []uint16 | []quant.Q40Block | []quant.Q80Block
}

// weightKey scopes a weight arena by (segmentIndex, opIndex): opIndex alone
// is only unique within one segment's Ops slice, and distinct segments
// (e.g. two different layers' attention segments) routinely reuse the same
// local op index for unrelated weights.
type weightKey struct {
	segmentIndex int
	opIndex      int
}

// NewCPUDevice constructs the device for one node; it allocates every
// declared buffer and its own copy of every net pipe, per
// NetConfig/NodeConfig, which are immutable thereafter.
func NewCPUDevice(nThreads int, node *graph.NodeConfig, net *graph.NetConfig) (*CPUDevice, error) {
	if nThreads <= 0 {
		return nil, errs.NewBadConfig("cpu device: nThreads must be > 0, got %d", nThreads)
	}
	d := &CPUDevice{
		nThreads: nThreads,
		node:     node,
		net:      net,
		weights:  make(map[weightKey][]byte),
	}
	d.buffers = make([]*Storage, len(node.Buffers))
	for i, b := range node.Buffers {
		rows := net.NBatches
		if b.Raw {
			rows = 1
		}
		d.buffers[i] = NewStorage(b.Size.Type, b.Size.X, rows)
	}
	d.pipes = make([]*Storage, len(net.Pipes))
	for i, p := range net.Pipes {
		d.pipes[i] = NewStorage(p.Size.Type, p.Size.X, net.NBatches)
	}
	return d, nil
}

// MaxNThreads reports this device's configured thread pool size.
func (d *CPUDevice) MaxNThreads() int { return d.nThreads }

// CreateSegment binds the ops of node.Segments[segmentIndex] against this
// device's buffer/pipe storage.
func (d *CPUDevice) CreateSegment(segmentIndex int) (Segment, error) {
	if segmentIndex < 0 || segmentIndex >= len(d.node.Segments) {
		return nil, errs.NewBadConfig("cpu device: segment index %d out of range", segmentIndex)
	}
	seg := d.node.Segments[segmentIndex]
	ropeCaches := make(map[int][]kernel.RopeCacheEntry)
	for i, op := range seg.Ops {
		if _, err := bindKernel(op); err != nil {
			return nil, errs.NewKernelUnsupported("segment %d op %d (%s): %v", segmentIndex, i, op.Name, err)
		}
		if err := d.checkOpTypes(op); err != nil {
			return nil, errs.NewKernelUnsupported("segment %d op %d (%s): %v", segmentIndex, i, op.Name, err)
		}
		if op.Code == graph.Rope {
			params, ok := op.Payload.(*kernel.RopeParams)
			if !ok {
				return nil, errs.NewBadConfig("segment %d op %d (%s): rope op missing *kernel.RopeParams payload", segmentIndex, i, op.Name)
			}
			sliceDim := d.storageFor(op.Output).RowLen
			ropeCaches[i] = kernel.BuildRopeCache(*params, params.SeqLen, sliceDim)
		}
	}
	return &cpuSegment{device: d, segmentIndex: segmentIndex, ops: seg.Ops, ropeCaches: ropeCaches}, nil
}

// checkOpTypes rejects a (input type, weight type, output type) triple no
// kernel variant covers, at segment construction rather than at run time.
// bindKernel resolves the op code and weight type; the storage-dependent
// half of the check lives here, where the declared buffer/pipe types are
// in reach.
func (d *CPUDevice) checkOpTypes(op graph.OpConfig) error {
	switch op.Code {
	case graph.Matmul:
		in := d.storageFor(op.Input).Type
		var want tensor.ElementType
		switch op.WeightType {
		case tensor.F32, tensor.UNK, tensor.F16:
			want = tensor.F32
		case tensor.Q40, tensor.Q80:
			want = tensor.Q80
		}
		if in != want {
			return errs.NewKernelUnsupported("matmul: %s input with %s weights", in, op.WeightType)
		}
	case graph.Cast:
		in := d.storageFor(op.Input).Type
		out := d.storageFor(op.Output).Type
		okPair := (in == tensor.F32 && out == tensor.Q80) ||
			(in == tensor.Q80 && out == tensor.F32) ||
			(in == tensor.F32 && out == tensor.F32)
		if !okPair {
			return errs.NewKernelUnsupported("cast: %s -> %s", in, out)
		}
	case graph.RmsNorm:
		in := d.storageFor(op.Input).Type
		if in != tensor.F32 && in != tensor.Q80 {
			return errs.NewKernelUnsupported("rms_norm: %s input", in)
		}
	}
	return nil
}

// PipeStorage exposes one network-visible pipe's Storage directly, for the
// distributed synchronizer (package syncx) to read/write its raw bytes
// across a sync step. Node-local buffers are never exposed this way — only
// pipes cross the wire.
func (d *CPUDevice) PipeStorage(pipeIndex int) *Storage {
	return d.pipes[pipeIndex]
}

func (d *CPUDevice) storageFor(pc tensor.PointerConfig) *Storage {
	if pc.Region == tensor.RegionPipe {
		return d.pipes[pc.Index]
	}
	return d.buffers[pc.Index]
}

// rowF32 resolves one batch row of an F32-typed pointer config, honoring its
// addressing mode: Raw returns the whole storage, Batch returns row b
// (MERGE_ADD's all-to-all read), and BatchedSlice returns row b narrowed to
// this node's owned sub-range (a column-sliced matmul's write target).
func (d *CPUDevice) rowF32(pc tensor.PointerConfig, b int) []float32 {
	s := d.storageFor(pc)
	switch pc.Mode {
	case tensor.Raw:
		return s.F32
	case tensor.BatchedSlice:
		return s.SliceF32(b, pc.SliceOffset, pc.SliceWidth)
	default:
		return s.RowF32(b)
	}
}

type cpuSegment struct {
	device       *CPUDevice
	segmentIndex int
	ops          []graph.OpConfig
	ropeCaches   map[int][]kernel.RopeCacheEntry
}

// LoadWeight writes nBytes of src at offset into opIndex's weight arena,
// write-once semantically: repeated calls for the same op append/overlay
// at monotonically increasing offsets as the network streams the weight
// in chunks.
func (s *cpuSegment) LoadWeight(opIndex, offset, nBytes int, src []byte) error {
	if opIndex < 0 || opIndex >= len(s.ops) {
		return errs.NewBadConfig("loadWeight: op index %d out of range", opIndex)
	}
	total := s.ops[opIndex].WeightSize
	if total == 0 {
		return errs.NewBadConfig("loadWeight: op %d (%s) declares no weight storage", opIndex, s.ops[opIndex].Name)
	}
	key := weightKey{segmentIndex: s.segmentIndex, opIndex: opIndex}
	s.device.mu.Lock()
	defer s.device.mu.Unlock()
	buf, ok := s.device.weights[key]
	if !ok {
		buf = make([]byte, total)
		lockMemory(buf)
		s.device.weights[key] = buf
	}
	if offset+nBytes > len(buf) {
		return errs.NewFileIntegrity("loadWeight: op %d write [%d,%d) exceeds declared size %d", opIndex, offset, offset+nBytes, len(buf))
	}
	copy(buf[offset:offset+nBytes], src[:nBytes])
	s.device.decoded.Delete(key)
	return nil
}

// Forward dispatches opIndex's bound kernel for threadIndex of nThreads
// over batchSize rows. Idempotent w.r.t. device state other than the op's
// declared output storage.
func (s *cpuSegment) Forward(ctx context.Context, opIndex, nThreads, threadIndex, batchSize int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	op := s.ops[opIndex]
	fn, err := bindKernel(op)
	if err != nil {
		return errs.NewKernelUnsupported("op %d (%s): %v", opIndex, op.Name, err)
	}
	key := weightKey{segmentIndex: s.segmentIndex, opIndex: opIndex}
	return fn(forwardArgs{
		device:      s.device,
		op:          op,
		key:         key,
		weight:      s.device.weights[key],
		ropeCache:   s.ropeCaches[opIndex],
		nThreads:    nThreads,
		threadIndex: threadIndex,
		batchSize:   batchSize,
	})
}
