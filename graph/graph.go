// Package graph defines the static operator graph: op codes and configs,
// segments (the unit of synchronization), node configs, and net config.
// The graph is built once by BuildLlamaNet (llama.go) and is
// immutable and read-only for the lifetime of the process thereafter.
package graph

import "github.com/distllama/distllama/tensor"

// OpCode enumerates the fixed operator set the executor can dispatch.
type OpCode int

const (
	MergeAdd OpCode = iota
	Embedding
	InvRms
	RmsNorm
	Matmul
	Rope
	MultiheadAtt
	Gelu
	Silu
	Mul
	Cast
	Shift
)

func (c OpCode) String() string {
	switch c {
	case MergeAdd:
		return "MERGE_ADD"
	case Embedding:
		return "EMBEDDING"
	case InvRms:
		return "INV_RMS"
	case RmsNorm:
		return "RMS_NORM"
	case Matmul:
		return "MATMUL"
	case Rope:
		return "ROPE"
	case MultiheadAtt:
		return "MULTIHEAD_ATT"
	case Gelu:
		return "GELU"
	case Silu:
		return "SILU"
	case Mul:
		return "MUL"
	case Cast:
		return "CAST"
	case Shift:
		return "SHIFT"
	default:
		return "UNKNOWN_OP"
	}
}

// OpConfig is an immutable record describing one node in a segment's op
// list. Any op with WeightSize > 0 participates in weight loading.
type OpConfig struct {
	Code       OpCode
	Name       string
	LayerIndex int // -1 for layer-independent ops (embedding, final norm, logits)
	Input      tensor.PointerConfig
	Output     tensor.PointerConfig
	WeightType tensor.ElementType
	WeightSize int // bytes
	// Payload is the op's opaque per-op parameters: *kernel.RopeParams,
	// *kernel.MultiHeadAttentionParams, or nil for ops that need none.
	Payload any
}

// SyncMode selects which nodes write/read which byte ranges of a pipe
// during a segment's post-op synchronization.
type SyncMode int

const (
	// WithRoot: root writes the whole pipe to every worker; workers read
	// the whole pipe from root.
	WithRoot SyncMode = iota
	// NodeSlices: every node sends its slice to every peer and reads
	// every peer's slice (all-to-all).
	NodeSlices
	// NodeSlicesExceptRoot: workers send their slice to root only; root
	// reads every peer's slice and writes nothing.
	NodeSlicesExceptRoot
)

func (m SyncMode) String() string {
	switch m {
	case WithRoot:
		return "WITH_ROOT"
	case NodeSlices:
		return "NODE_SLICES"
	case NodeSlicesExceptRoot:
		return "NODE_SLICES_EXCEPT_ROOT"
	default:
		return "UNKNOWN_SYNC"
	}
}

// PipeSync is one sync step performed after a segment's last op.
type PipeSync struct {
	Mode      SyncMode
	PipeIndex int
}

// Segment is an ordered op list plus the pipe syncs performed after the
// last op. Segments are the unit of synchronization and the unit of
// linearization for the executor.
type Segment struct {
	Ops   []OpConfig
	Syncs []PipeSync
}

// PipeDef names a network-visible pipe and its declared size (the size
// that must be sliceable across NNodes for every sync mode that touches
// it).
type PipeDef struct {
	Name string
	Size tensor.Size
}

// BufferDef names a node-local scratch buffer. Raw buffers (the KV cache)
// hold exactly one persistent copy indexed by sequence position rather
// than by batch slot; all other buffers get one row per batch slot.
type BufferDef struct {
	Name string
	Size tensor.Size
	Raw  bool
}

// NodeConfig is one node's life-cycle-immutable configuration: its index,
// its owned buffers, and its ordered segments.
type NodeConfig struct {
	Index    int
	Buffers  []BufferDef
	Segments []Segment
}

// NetConfig is the whole network's shared configuration: how many nodes
// and batches, the shared pipes, and any pre-syncs that must run before
// the first forward step of each token (used to broadcast position
// indices before attention can address the KV cache).
type NetConfig struct {
	NNodes   int
	NBatches int
	Pipes    []PipeDef
	PreSyncs []PipeSync
}
