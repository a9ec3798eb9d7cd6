// Package engine ties one node's device, distributed synchronizer, and
// executor into the per-token forward loop. The root's collaborators
// (tokenizer, sampler, chat endpoint) sit above this package: they hand
// Forward a batch of token ids and positions and read the assembled
// logits back; workers run the same program in a serve loop with no
// collaborator at all.
package engine

import (
	"context"

	"github.com/distllama/distllama/device"
	"github.com/distllama/distllama/errs"
	"github.com/distllama/distllama/executor"
	"github.com/distllama/distllama/graph"
	"github.com/distllama/distllama/syncx"
	"github.com/distllama/distllama/transport"
)

// Engine drives one node through the linearized program, once per token.
type Engine struct {
	net    *graph.NetConfig
	node   *graph.NodeConfig
	dev    *device.CPUDevice
	mesh   transport.Mesh
	exec   *executor.Executor
	nSteps int
}

// New wires dev and mesh into a synchronizer and executor for this node's
// program. mesh must have one entry per node (nil at node.Index), as
// produced by transport.Connect; a single-node net passes Mesh{nil}.
func New(net *graph.NetConfig, node *graph.NodeConfig, dev *device.CPUDevice, mesh transport.Mesh, nThreads int) (*Engine, error) {
	syncer, err := syncx.New(net, node, dev, mesh, node.Index)
	if err != nil {
		return nil, err
	}
	program := executor.Build(net, node)
	exec, err := executor.New(program, dev, syncer, nThreads)
	if err != nil {
		return nil, err
	}
	return &Engine{net: net, node: node, dev: dev, mesh: mesh, exec: exec, nSteps: program.NSteps()}, nil
}

// NSteps reports the linearized program's step count.
func (e *Engine) NSteps() int { return e.nSteps }

// Forward runs one step of the program for up to NBatches token rows.
// tokens[b] is processed at sequence position positions[b]. Rows past
// len(tokens) are padded with token 0 at position 0: every node always
// executes all NBatches rows so the per-row work (and therefore the sync
// traffic) stays identical across the mesh without a per-token batch-size
// exchange; the padded rows' outputs are simply never read.
func (e *Engine) Forward(ctx context.Context, tokens, positions []int) error {
	if len(tokens) != len(positions) {
		return errs.NewBadConfig("engine: %d tokens with %d positions", len(tokens), len(positions))
	}
	if len(tokens) == 0 || len(tokens) > e.net.NBatches {
		return errs.NewBadConfig("engine: batch of %d tokens outside [1,%d]", len(tokens), e.net.NBatches)
	}
	tokenPipe := e.dev.PipeStorage(graph.PipeToken)
	posPipe := e.dev.PipeStorage(graph.PipePos)
	for b := 0; b < e.net.NBatches; b++ {
		tok, pos := 0, 0
		if b < len(tokens) {
			tok, pos = tokens[b], positions[b]
		}
		tokenPipe.RowF32(b)[0] = float32(tok)
		posPipe.RowF32(b)[0] = float32(pos)
	}
	if err := e.exec.Run(ctx, e.net.NBatches); err != nil {
		return err
	}
	e.enableTurbo()
	return nil
}

// Logits returns root's assembled logits row for batch row b, valid until
// the next Forward. Only meaningful on node 0: the final sync mode ships
// every worker's logits range to root alone.
func (e *Engine) Logits(b int) []float32 {
	return e.dev.PipeStorage(graph.PipeLogits).RowF32(b)
}

// ServeWorker runs the program until the session dies: each Run blocks at
// its first step (the WITH_ROOT pre-sync of pos/token), which doubles as
// the "wait for the next token" signal. Returns the transport error that
// ended the session, or ctx's error on cancellation.
func (e *Engine) ServeWorker(ctx context.Context) error {
	for {
		if err := e.exec.Run(ctx, e.net.NBatches); err != nil {
			return err
		}
		e.enableTurbo()
	}
}

// Shutdown makes a concurrent Run exit at the next barrier. A later Run
// resets the step counter and runs the program from its first step.
func (e *Engine) Shutdown() {
	e.exec.Shutdown()
}

// enableTurbo flips every peer session into turbo mode after a completed
// forward: blocking until the first position has reached all workers,
// spin-read while tokens are flowing. Requested after every forward (the
// request is cheap) because a session falls back to blocking on its own
// once it has sat idle past the transport's timeout.
func (e *Engine) enableTurbo() {
	for _, s := range e.mesh {
		if s != nil {
			s.SetMode(transport.Turbo)
		}
	}
}
