// Package loader streams sharded weights into every node's device.
// buildLlmNet is purely structural (graph.BuildLlamaNet, already built);
// this package is loadLlmNetWeight: it reads the model file once on root,
// splits each weight per its declared shard kind, loads root's own shard
// locally, and ships every other node's shard across the mesh.
package loader

import (
	"io"

	"github.com/distllama/distllama/device"
	"github.com/distllama/distllama/errs"
	"github.com/distllama/distllama/graph"
	"github.com/distllama/distllama/model"
	"github.com/distllama/distllama/slice"
	"github.com/distllama/distllama/tensor"
	"github.com/distllama/distllama/transport"
)

// Loader streams one model's weights across an nNodes-wide mesh.
type Loader struct {
	cfg        *model.ModelConfig
	weightType tensor.ElementType
	nNodes     int
	plan       []graph.WeightSpec
}

// New builds the canonical weight plan for cfg once; the same Loader drives
// both the root's read-and-ship path and (indirectly, via the plan's shape
// alone) a worker's expectation of what it will receive.
func New(cfg *model.ModelConfig, weightType tensor.ElementType, nNodes int) *Loader {
	return &Loader{
		cfg:        cfg,
		weightType: weightType,
		nNodes:     nNodes,
		plan:       graph.BuildWeightPlan(cfg, weightType),
	}
}

// segmentCache lazily creates and reuses device.Segments by segment index,
// so a model with many weighted ops per segment doesn't rebuild the same
// segment (and its RoPE cache) once per op.
type segmentCache struct {
	dev  device.Device
	segs map[int]device.Segment
}

func newSegmentCache(dev device.Device) *segmentCache {
	return &segmentCache{dev: dev, segs: make(map[int]device.Segment)}
}

func (c *segmentCache) get(segmentIndex int) (device.Segment, error) {
	if s, ok := c.segs[segmentIndex]; ok {
		return s, nil
	}
	s, err := c.dev.CreateSegment(segmentIndex)
	if err != nil {
		return nil, err
	}
	c.segs[segmentIndex] = s
	return s, nil
}

// fullBytes is the global, unsliced byte size of one WeightSpec entry, the
// size the root reads from the model file regardless of how it will later
// be split.
func fullBytes(spec graph.WeightSpec) int {
	if spec.Kind == graph.LoadAll {
		return spec.ElemType.ByteSize(spec.TotalElems)
	}
	return spec.ElemType.ByteSize(spec.N * spec.D)
}

// shardBytes extracts the byte range nodeIndex owns out of full, a
// fullBytes(spec)-sized buffer already read from the model file.
func shardBytes(spec graph.WeightSpec, full []byte, nNodes, nodeIndex int) ([]byte, error) {
	switch spec.Kind {
	case graph.LoadAll:
		return full, nil
	case graph.LoadRowSlice:
		s, err := slice.NewRowMatmulSlice(spec.N, spec.D, nNodes, nodeIndex)
		if err != nil {
			return nil, err
		}
		return slice.SplitRowMatmul(full, s, spec.ElemType), nil
	case graph.LoadColSlice:
		s, err := slice.NewColMatmulSlice(spec.N, spec.D, nNodes, nodeIndex)
		if err != nil {
			return nil, err
		}
		return slice.SplitColMatmul(full, s, spec.ElemType), nil
	default:
		return nil, errs.NewBadConfig("loader: unknown weight kind %v", spec.Kind)
	}
}

func readFull(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errs.NewFileIntegrity("weight read: %v", err)
	}
	return buf, nil
}

// LoadRoot reads every weight from r (positioned just past the header,
// per model.ReadHeader's contract) in canonical plan order, loads this
// node's own shard directly into dev, and ships every other node's shard
// across mesh. r must be exhausted exactly at the plan's end: one more
// byte available afterward is a fatal integrity failure: the final byte
// must land exactly on EOF.
func (l *Loader) LoadRoot(r io.Reader, node *graph.NodeConfig, dev device.Device, mesh transport.Mesh) error {
	if len(mesh) != l.nNodes {
		return errs.NewBadConfig("loader: mesh has %d entries, want %d", len(mesh), l.nNodes)
	}
	locations := graph.LocateOps(node)
	segs := newSegmentCache(dev)

	for _, spec := range l.plan {
		full, err := readFull(r, fullBytes(spec))
		if err != nil {
			return err
		}

		own, err := shardBytes(spec, full, l.nNodes, 0)
		if err != nil {
			return err
		}
		loc, ok := locations[graph.OpKey{Name: spec.Name, LayerIndex: spec.LayerIndex}]
		if !ok {
			return errs.NewBadConfig("loader: root graph has no op named %q layer %d", spec.Name, spec.LayerIndex)
		}
		seg, err := segs.get(loc.SegmentIndex)
		if err != nil {
			return err
		}
		if err := seg.LoadWeight(loc.OpIndex, 0, len(own), own); err != nil {
			return err
		}

		for w := 1; w < l.nNodes; w++ {
			shard, err := shardBytes(spec, full, l.nNodes, w)
			if err != nil {
				return err
			}
			rec := transport.WeightRecord{Name: spec.Name, LayerIndex: spec.LayerIndex, Bytes: shard}
			if err := transport.WriteWeightRecord(mesh[w], rec); err != nil {
				return err
			}
		}
	}

	for w := 1; w < l.nNodes; w++ {
		if err := transport.WriteWeightStreamEnd(mesh[w]); err != nil {
			return err
		}
	}

	switch _, err := io.ReadFull(r, make([]byte, 1)); err {
	case io.EOF, io.ErrUnexpectedEOF:
		return nil
	case nil:
		return errs.NewFileIntegrity("weight stream: model file has trailing bytes past the declared weight section")
	default:
		return errs.NewFileIntegrity("weight stream: %v", err)
	}
}

// LoadWorker is one worker's symmetric weight-reader loop: receive (name,
// layerIndex, nBytes, bytes) from root until the zero-length terminator,
// resolve each record's destination against this node's own graph, and
// call device.LoadWeight. nodeIndex is this worker's own index, used only
// to compute the expected received-byte total (ExpectBytes) for the
// post-load integrity check.
func (l *Loader) LoadWorker(nodeIndex int, node *graph.NodeConfig, dev device.Device, root *transport.Session) error {
	locations := graph.LocateOps(node)
	segs := newSegmentCache(dev)

	var got int64
	for {
		rec, ok, err := transport.ReadWeightRecord(root)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		loc, ok := locations[graph.OpKey{Name: rec.Name, LayerIndex: rec.LayerIndex}]
		if !ok {
			return errs.NewBadConfig("loader: worker graph has no op named %q layer %d", rec.Name, rec.LayerIndex)
		}
		seg, err := segs.get(loc.SegmentIndex)
		if err != nil {
			return err
		}
		if err := seg.LoadWeight(loc.OpIndex, 0, len(rec.Bytes), rec.Bytes); err != nil {
			return err
		}
		got += int64(len(rec.Bytes))
	}

	expect, err := l.ExpectBytes(nodeIndex)
	if err != nil {
		return err
	}
	return transport.ExpectByteCount(got, expect)
}

// ExpectBytes is the total shard byte count node nodeIndex should receive
// across the whole plan: the sum of each entry's per-node shard size
// (full, for LoadAll; split, for LoadRowSlice/LoadColSlice).
func (l *Loader) ExpectBytes(nodeIndex int) (int64, error) {
	var total int64
	for _, spec := range l.plan {
		switch spec.Kind {
		case graph.LoadAll:
			total += int64(fullBytes(spec))
		case graph.LoadRowSlice:
			s, err := slice.NewRowMatmulSlice(spec.N, spec.D, l.nNodes, nodeIndex)
			if err != nil {
				return 0, err
			}
			total += int64(spec.ElemType.ByteSize(s.N * s.RowsPerNode))
		case graph.LoadColSlice:
			s, err := slice.NewColMatmulSlice(spec.N, spec.D, l.nNodes, nodeIndex)
			if err != nil {
				return 0, err
			}
			total += int64(spec.ElemType.ByteSize(s.D * s.ColsPerNode))
		}
	}
	return total, nil
}
