package executor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/distllama/distllama/device"
	"github.com/distllama/distllama/graph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingDevice is a fake device.Device/device.Segment pair that records
// how many times each op was invoked, per (segmentIndex, opIndex).
type countingDevice struct {
	maxThreads int
	calls      atomic.Int64
	failOp     int // segment*1000+op to fail on, -1 for never
}

func (d *countingDevice) MaxNThreads() int { return d.maxThreads }

func (d *countingDevice) CreateSegment(segmentIndex int) (device.Segment, error) {
	return &countingSegment{device: d, segmentIndex: segmentIndex}, nil
}

type countingSegment struct {
	device       *countingDevice
	segmentIndex int
}

func (s *countingSegment) LoadWeight(opIndex int, offset, nBytes int, src []byte) error {
	return nil
}

func (s *countingSegment) Forward(ctx context.Context, opIndex, nThreads, threadIndex, batchSize int) error {
	if s.device.failOp == s.segmentIndex*1000+opIndex {
		return errors.New("boom")
	}
	s.device.calls.Add(1)
	return nil
}

type countingSyncer struct {
	calls atomic.Int64
}

func (s *countingSyncer) Sync(ctx context.Context, segmentIndex, syncIndex, nThreads, threadIndex int) error {
	s.calls.Add(1)
	return nil
}

func twoSegmentNode() *graph.NodeConfig {
	return &graph.NodeConfig{
		Segments: []graph.Segment{
			{
				Ops:   []graph.OpConfig{{Name: "a"}, {Name: "b"}},
				Syncs: []graph.PipeSync{{Mode: graph.NodeSlices, PipeIndex: 0}},
			},
			{
				Ops: []graph.OpConfig{{Name: "c"}},
			},
		},
	}
}

func oneWithRootPreSyncNet() *graph.NetConfig {
	return &graph.NetConfig{PreSyncs: []graph.PipeSync{{Mode: graph.WithRoot, PipeIndex: 0}}}
}

func TestBuildLinearizesStepsInOrder(t *testing.T) {
	prog := Build(oneWithRootPreSyncNet(), twoSegmentNode())
	// 1 pre-sync, then segment 0: 2 ops + 1 sync, segment 1: 1 op = 5 steps.
	assert.Equal(t, 5, prog.NSteps())
}

func TestBuildWithNoPreSyncsOmitsThem(t *testing.T) {
	prog := Build(&graph.NetConfig{}, twoSegmentNode())
	assert.Equal(t, 4, prog.NSteps())
}

func TestRunExecutesEveryStepOncePerThread(t *testing.T) {
	node := twoSegmentNode()
	prog := Build(oneWithRootPreSyncNet(), node)
	dev := &countingDevice{maxThreads: 4, failOp: -1}
	sy := &countingSyncer{}

	const nThreads = 4
	ex, err := New(prog, dev, sy, nThreads)
	require.NoError(t, err)

	require.NoError(t, ex.Run(context.Background(), 1))

	// 3 ops total (segment0: a,b; segment1: c), each called once per thread.
	assert.EqualValues(t, 3*nThreads, dev.calls.Load())
	// 1 pre-sync + 1 segment sync, each called once per thread.
	assert.EqualValues(t, 2*nThreads, sy.calls.Load())
}

func TestRunInvariantsHoldAfterCompletion(t *testing.T) {
	node := twoSegmentNode()
	prog := Build(&graph.NetConfig{}, node)
	dev := &countingDevice{maxThreads: 2, failOp: -1}
	sy := &countingSyncer{}

	ex, err := New(prog, dev, sy, 2)
	require.NoError(t, err)
	require.NoError(t, ex.Run(context.Background(), 1))

	assert.EqualValues(t, prog.NSteps(), ex.currentStep.Load())
	assert.EqualValues(t, 0, ex.doneThreads.Load())
}

func TestRunIsReusableAcrossCalls(t *testing.T) {
	node := twoSegmentNode()
	prog := Build(&graph.NetConfig{}, node)
	dev := &countingDevice{maxThreads: 2, failOp: -1}
	sy := &countingSyncer{}

	ex, err := New(prog, dev, sy, 2)
	require.NoError(t, err)

	require.NoError(t, ex.Run(context.Background(), 1))
	require.NoError(t, ex.Run(context.Background(), 1))

	assert.EqualValues(t, 2*3*2, dev.calls.Load())
}

func TestRunPropagatesOpError(t *testing.T) {
	node := twoSegmentNode()
	prog := Build(&graph.NetConfig{}, node)
	dev := &countingDevice{maxThreads: 2, failOp: 1} // segment 0, op 1 ("b")
	sy := &countingSyncer{}

	ex, err := New(prog, dev, sy, 2)
	require.NoError(t, err)

	err = ex.Run(context.Background(), 1)
	assert.Error(t, err)
}

func TestNewRejectsBadThreadCount(t *testing.T) {
	prog := Build(&graph.NetConfig{}, twoSegmentNode())
	dev := &countingDevice{maxThreads: 2, failOp: -1}
	sy := &countingSyncer{}

	_, err := New(prog, dev, sy, 0)
	assert.Error(t, err)

	_, err = New(prog, dev, sy, 3)
	assert.Error(t, err)
}

// TestShutdownStopsWorkerLoop exercises the worker-loop use case: a thread
// blocked in runThread (as it would be between sessions, waiting on the next
// step) returns as soon as Shutdown sets currentStep to StepShutdown,
// without touching device or syncer.
func TestShutdownStopsWorkerLoop(t *testing.T) {
	node := twoSegmentNode()
	prog := Build(&graph.NetConfig{}, node)
	dev := &countingDevice{maxThreads: 1, failOp: -1}
	sy := &countingSyncer{}

	ex, err := New(prog, dev, sy, 1)
	require.NoError(t, err)
	ex.Shutdown()

	require.NoError(t, ex.runThread(context.Background(), 0, 1))
	assert.EqualValues(t, 0, dev.calls.Load())
}
