// Package executor implements the lock-free spin-barrier that steps every
// node's worker threads through a linearized program of EXECUTE_OP and
// SYNC_NODES steps. There are no mutexes in the hot path: threads coordinate
// through two atomics, currentStep and doneThreads.
package executor

import (
	"context"
	"sync/atomic"

	"github.com/distllama/distllama/device"
	"github.com/distllama/distllama/errs"
	"github.com/distllama/distllama/graph"
	"golang.org/x/sync/errgroup"
)

// Syncer performs one segment's post-op pipe synchronization, splitting the
// socket work for PipeSync.Mode across nThreads the same way EXECUTE_OP
// range-splits kernel work. syncIndex selects which of the segment's
// declared PipeSyncs this step performs (segments with more than one sync
// get one step per sync, in declared order). Implemented by package syncx;
// declared here so executor does not import syncx (syncx imports executor
// for PreSyncSegment and this interface).
type Syncer interface {
	Sync(ctx context.Context, segmentIndex, syncIndex, nThreads, threadIndex int) error
}

// StepShutdown is a step index higher than any real step: setting
// currentStep to it tells every worker thread to return from Run at the
// next barrier instead of blocking forever on the next step.
const StepShutdown = ^uint32(0)

// stepKind distinguishes the two step shapes the program can contain.
type stepKind int

const (
	executeOp stepKind = iota
	syncNodes
)

// step is one linearized program entry.
type step struct {
	kind         stepKind
	segmentIndex int
	opIndex      int // valid when kind == executeOp
	syncIndex    int // valid when kind == syncNodes
}

// PreSyncSegment is the sentinel segmentIndex a syncNodes step carries for
// one of NetConfig's PreSyncs (broadcasting POS/TOKEN before the first
// segment's first op, once per forward call) rather than a per-segment
// PipeSync. A Syncer sees this value and indexes net.PreSyncs instead of
// node.Segments[segmentIndex].Syncs.
const PreSyncSegment = -1

// Program is the flattened, immutable sequence of steps derived from a
// NetConfig's pre-syncs followed by a NodeConfig's segments: one syncNodes
// step per PreSync, then one executeOp step per op and one syncNodes step
// per declared PipeSync, in segment order.
type Program struct {
	steps []step
}

// Build linearizes net's pre-syncs and node's segments into a Program.
// Pre-syncs run first, in declared order; segments then execute in array
// order, and within a segment, ops execute in array order followed by its
// syncs in array order.
func Build(net *graph.NetConfig, node *graph.NodeConfig) *Program {
	p := &Program{}
	for wi := range net.PreSyncs {
		p.steps = append(p.steps, step{kind: syncNodes, segmentIndex: PreSyncSegment, syncIndex: wi})
	}
	for si, seg := range node.Segments {
		for oi := range seg.Ops {
			p.steps = append(p.steps, step{kind: executeOp, segmentIndex: si, opIndex: oi})
		}
		for wi := range seg.Syncs {
			p.steps = append(p.steps, step{kind: syncNodes, segmentIndex: si, syncIndex: wi})
		}
	}
	return p
}

// NSteps reports the program's total step count.
func (p *Program) NSteps() int { return len(p.steps) }

// Executor runs one Program across a fixed pool of worker threads, one of
// which is the calling goroutine. Segments are created from device by the
// first Run, before its worker threads start, and cached for the Executor's
// lifetime (CreateSegment binds pointers once; Forward is cheap and
// idempotent thereafter).
type Executor struct {
	program  *Program
	device   device.Device
	syncer   Syncer
	nThreads int

	currentStep atomic.Uint32
	doneThreads atomic.Uint32

	segments []device.Segment // lazily populated, indexed by segmentIndex
}

// New constructs an Executor for one node's Program, bound to dev for
// EXECUTE_OP dispatch and syncer for SYNC_NODES dispatch. nThreads must
// match dev.MaxNThreads() or be smaller; it is the pool size for this run,
// not a per-device ceiling.
func New(program *Program, dev device.Device, syncer Syncer, nThreads int) (*Executor, error) {
	if nThreads <= 0 {
		return nil, errs.NewBadConfig("executor: nThreads must be > 0, got %d", nThreads)
	}
	if nThreads > dev.MaxNThreads() {
		return nil, errs.NewBadConfig("executor: nThreads %d exceeds device max %d", nThreads, dev.MaxNThreads())
	}
	nSegments := 0
	for _, s := range program.steps {
		if s.segmentIndex+1 > nSegments {
			nSegments = s.segmentIndex + 1
		}
	}
	return &Executor{
		program:  program,
		device:   dev,
		syncer:   syncer,
		nThreads: nThreads,
		segments: make([]device.Segment, nSegments),
	}, nil
}

// segmentFor returns (building if necessary) the device.Segment for
// segmentIndex. Run calls it for every op-bearing segment before starting
// its worker threads, so the threads only ever read a cached entry and no
// synchronization is needed around the build itself.
func (e *Executor) segmentFor(segmentIndex int) (device.Segment, error) {
	if e.segments[segmentIndex] == nil {
		seg, err := e.device.CreateSegment(segmentIndex)
		if err != nil {
			return nil, err
		}
		e.segments[segmentIndex] = seg
	}
	return e.segments[segmentIndex], nil
}

// Run drives batchSize rows of input through the whole program once,
// returning when currentStep reaches NSteps() (or StepShutdown is
// observed). It resets currentStep/doneThreads to 0 before starting, so an
// Executor can be reused across forward calls; on return currentStep ==
// NSteps() and doneThreads == 0.
func (e *Executor) Run(ctx context.Context, batchSize int) error {
	for _, s := range e.program.steps {
		if s.kind == executeOp {
			if _, err := e.segmentFor(s.segmentIndex); err != nil {
				return err
			}
		}
	}
	e.currentStep.Store(0)
	e.doneThreads.Store(0)

	g, ctx := errgroup.WithContext(ctx)
	for t := 0; t < e.nThreads; t++ {
		threadIndex := t
		g.Go(func() error {
			return e.runThread(ctx, threadIndex, batchSize)
		})
	}
	err := g.Wait()
	e.currentStep.Store(uint32(len(e.program.steps)))
	e.doneThreads.Store(0)
	return err
}

// runThread is the body of one worker thread: repeatedly read currentStep,
// perform this thread's slice of that step's work, then barrier. The last
// thread to finish a step (the one whose increment observes doneThreads ==
// nThreads) resets doneThreads and advances currentStep; everyone else
// spin-waits on currentStep changing. No partial op is ever interrupted —
// cancellation is checked only between steps.
func (e *Executor) runThread(ctx context.Context, threadIndex, batchSize int) error {
	nSteps := uint32(len(e.program.steps))
	for {
		cur := e.currentStep.Load()
		if cur == StepShutdown || cur >= nSteps {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		s := e.program.steps[cur]
		var err error
		switch s.kind {
		case executeOp:
			var seg device.Segment
			seg, err = e.segmentFor(s.segmentIndex)
			if err == nil {
				err = seg.Forward(ctx, s.opIndex, e.nThreads, threadIndex, batchSize)
			}
		case syncNodes:
			err = e.syncer.Sync(ctx, s.segmentIndex, s.syncIndex, e.nThreads, threadIndex)
		}
		if err != nil {
			return err
		}

		if e.doneThreads.Add(1) == uint32(e.nThreads) {
			e.doneThreads.Store(0)
			e.currentStep.Add(1)
		} else {
			for e.currentStep.Load() == cur {
				// spin: no mutex in the hot path, per the barrier contract.
			}
		}
	}
}

// Shutdown tells every worker thread blocked in Run to exit at the next
// barrier, without waiting for the program to finish. Safe to call
// concurrently with Run; called by Engine.Shutdown. It affects only this
// node's Executor: nothing sends it to other nodes.
func (e *Executor) Shutdown() {
	e.currentStep.Store(uint32(StepShutdown))
}
