// Package syncx implements the distributed synchronizer: the
// three pipe sync modes, sliced by byte offset nodeIndex*(pipeBytes/nNodes)
// and parallelized over sockets rather than over the pipe's element range.
// It implements executor.Syncer so the executor can drive it exactly like
// any other step.
package syncx

import (
	"context"

	"github.com/distllama/distllama/device"
	"github.com/distllama/distllama/errs"
	"github.com/distllama/distllama/executor"
	"github.com/distllama/distllama/graph"
	"github.com/distllama/distllama/quant"
	"github.com/distllama/distllama/transport"
)

// PipeStore exposes the pipe storage a Synchronizer reads/writes bytes
// against; satisfied by *device.CPUDevice.
type PipeStore interface {
	PipeStorage(pipeIndex int) *device.Storage
}

var _ executor.Syncer = (*Synchronizer)(nil)

// Synchronizer is one node's view of the mesh: it knows its own index, its
// peers' Sessions, and the net/node config needed to resolve a step's
// PipeSync.
type Synchronizer struct {
	net       *graph.NetConfig
	node      *graph.NodeConfig
	device    PipeStore
	mesh      transport.Mesh
	nodeIndex int
}

// New constructs a Synchronizer. mesh must have one entry per node
// (mesh[nodeIndex] nil), as produced by transport.Connect.
func New(net *graph.NetConfig, node *graph.NodeConfig, dev PipeStore, mesh transport.Mesh, nodeIndex int) (*Synchronizer, error) {
	if len(mesh) != net.NNodes {
		return nil, errs.NewBadConfig("syncx: mesh has %d entries, want %d", len(mesh), net.NNodes)
	}
	return &Synchronizer{net: net, node: node, device: dev, mesh: mesh, nodeIndex: nodeIndex}, nil
}

// resolve returns the PipeSync a given (segmentIndex, syncIndex) step
// names: a net-level PreSync when segmentIndex is executor.PreSyncSegment,
// otherwise one of node.Segments[segmentIndex]'s declared Syncs.
func (s *Synchronizer) resolve(segmentIndex, syncIndex int) graph.PipeSync {
	if segmentIndex == executor.PreSyncSegment {
		return s.net.PreSyncs[syncIndex]
	}
	return s.node.Segments[segmentIndex].Syncs[syncIndex]
}

// Sync implements executor.Syncer.
func (s *Synchronizer) Sync(ctx context.Context, segmentIndex, syncIndex, nThreads, threadIndex int) error {
	sync := s.resolve(segmentIndex, syncIndex)
	pipe := s.device.PipeStorage(sync.PipeIndex)

	switch sync.Mode {
	case graph.WithRoot:
		return s.syncWithRoot(pipe, nThreads, threadIndex)
	case graph.NodeSlices:
		return s.syncNodeSlices(pipe, nThreads, threadIndex, true)
	case graph.NodeSlicesExceptRoot:
		return s.syncNodeSlices(pipe, nThreads, threadIndex, false)
	default:
		return errs.NewBadConfig("syncx: unknown sync mode %v", sync.Mode)
	}
}

// peerSlice returns this thread's disjoint sub-range of the given peer
// index list: sync parallelism is over sockets, each executor thread
// owning a disjoint subset of the peer channels.
func peerSlice(peers []int, nThreads, threadIndex int) []int {
	start, end := quant.ThreadRange(len(peers), nThreads, threadIndex)
	return peers[start:end]
}

// otherNodes returns every node index except this one, in ascending order.
func (s *Synchronizer) otherNodes() []int {
	others := make([]int, 0, s.net.NNodes-1)
	for n := 0; n < s.net.NNodes; n++ {
		if n != s.nodeIndex {
			others = append(others, n)
		}
	}
	return others
}

// syncWithRoot implements the WITH_ROOT mode: root writes the whole pipe to
// every worker; workers read the whole pipe from root. The pipe is not
// sliced under this mode (used for POS/TOKEN, which are the same tiny
// value on every node, not an all-to-all accumulation buffer).
func (s *Synchronizer) syncWithRoot(pipe *device.Storage, nThreads, threadIndex int) error {
	if s.nodeIndex == 0 {
		workers := peerSlice(s.otherNodes(), nThreads, threadIndex)
		if len(workers) == 0 {
			return nil
		}
		payload := pipe.Bytes()
		ios := make([]transport.IO, len(workers))
		for i, w := range workers {
			ios[i] = transport.IO{Session: s.mesh[w], Buf: payload}
		}
		return transport.WriteMany(ios)
	}

	root := s.mesh[0]
	if root == nil {
		return errs.NewBadConfig("syncx: worker has no session to root")
	}
	// Only thread 0 owns the root channel: WITH_ROOT has exactly one peer
	// (root) regardless of thread count, so splitting further has nothing
	// to divide.
	if threadIndex != 0 {
		return nil
	}
	buf := make([]byte, len(pipe.F32)*4)
	if err := transport.ReadMany([]transport.IO{{Session: root, Buf: buf}}); err != nil {
		return err
	}
	pipe.SetBytes(buf)
	return nil
}

// syncNodeSlices implements NODE_SLICES (includeRoot=true: full all-to-all)
// and NODE_SLICES_EXCEPT_ROOT (includeRoot=false: workers send to root
// only, root never writes). The pipe holds nNodes disjoint width-sized
// slices; this node's own slice is already correct locally (written by the
// segment's last op), so only cross-node bytes move.
func (s *Synchronizer) syncNodeSlices(pipe *device.Storage, nThreads, threadIndex int, includeRoot bool) error {
	nNodes := s.net.NNodes
	width := pipe.RowLen / nNodes
	// Slices interleave per batch row (BATCHED_SLICE addressing), so each
	// peer exchange carries its node's sub-range of every row, gathered
	// into one contiguous wire buffer.
	own := pipe.GatherSliceBytes(s.nodeIndex*width, width)

	isRoot := s.nodeIndex == 0

	var writeTo []int
	var readFrom []int
	switch {
	case includeRoot:
		writeTo = s.otherNodes()
		readFrom = s.otherNodes()
	case isRoot:
		readFrom = s.otherNodes()
	default:
		writeTo = []int{0}
	}

	myWrites := peerSlice(writeTo, nThreads, threadIndex)
	myReads := peerSlice(readFrom, nThreads, threadIndex)

	writeIOs := make([]transport.IO, len(myWrites))
	for i, n := range myWrites {
		writeIOs[i] = transport.IO{Session: s.mesh[n], Buf: own}
	}
	readBufs := make(map[int][]byte, len(myReads))
	readIOs := make([]transport.IO, len(myReads))
	for i, n := range myReads {
		buf := make([]byte, pipe.Rows*width*4)
		readBufs[n] = buf
		readIOs[i] = transport.IO{Session: s.mesh[n], Buf: buf}
	}

	// Every node performs the same write-then-read ordering, so a peer's
	// write always lands in its socket's kernel buffer before this node's
	// matching read is issued; a slice (a few KB to tens of KB) fits
	// comfortably under default socket buffer sizes, so this never
	// deadlocks in practice.
	if len(writeIOs) > 0 {
		if err := transport.WriteMany(writeIOs); err != nil {
			return err
		}
	}
	if len(readIOs) > 0 {
		if err := transport.ReadMany(readIOs); err != nil {
			return err
		}
	}
	for n, buf := range readBufs {
		pipe.ScatterSliceBytes(n*width, width, buf)
	}
	return nil
}
