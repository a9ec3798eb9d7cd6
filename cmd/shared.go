package cmd

import (
	"net"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/distllama/distllama/device"
	"github.com/distllama/distllama/engine"
	"github.com/distllama/distllama/errs"
	"github.com/distllama/distllama/graph"
	"github.com/distllama/distllama/loader"
	"github.com/distllama/distllama/model"
	"github.com/distllama/distllama/tensor"
	"github.com/distllama/distllama/transport"
)

var chatTemplates = map[string]bool{"llama2": true, "llama3": true, "zephyr": true, "chatml": true}

func validateChatTemplate(name string) error {
	if !chatTemplates[name] {
		return errs.NewBadConfig("unknown chat template %q (want llama2, llama3, zephyr, or chatml)", name)
	}
	return nil
}

// parseElementType maps a --buffer-float-type/--weights-float-type flag
// value to tensor.ElementType; Q80 is accepted here (it's a valid
// activation-buffer type) even though model.WeightElemType rejects it as a
// weight-file encoding.
func parseElementType(s string) (tensor.ElementType, error) {
	switch s {
	case "f32":
		return tensor.F32, nil
	case "f16":
		return tensor.F16, nil
	case "q40":
		return tensor.Q40, nil
	case "q80":
		return tensor.Q80, nil
	default:
		return tensor.UNK, errs.NewBadConfig("unrecognized element type %q (want f32, f16, q40, or q80)", s)
	}
}

// parsePeer splits a host:port flag value into a transport.PeerAddr.
func parsePeer(addr string) (transport.PeerAddr, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return transport.PeerAddr{}, errs.NewBadConfig("worker address %q: %v", addr, err)
	}
	p, err := strconv.Atoi(portStr)
	if err != nil {
		return transport.PeerAddr{}, errs.NewBadConfig("worker address %q: bad port: %v", addr, err)
	}
	return transport.PeerAddr{Host: host, Port: p}, nil
}

// peerList builds the full nNodes-wide peer list for mesh bring-up: index 0
// (root) is never dialed (root only dials upward) so its entry is left
// zero-valued; indices 1..nNodes-1 come from --workers (or a
// loaded Topology's Workers, if --workers was left empty).
func peerList(workers []string) ([]transport.PeerAddr, error) {
	peers := make([]transport.PeerAddr, 1+len(workers))
	for i, w := range workers {
		p, err := parsePeer(w)
		if err != nil {
			return nil, err
		}
		peers[i+1] = p
	}
	return peers, nil
}

// mergeTopology fills in --workers/--temperature/--topp/--chat-template
// from a loaded Topology file for any flag still at its default value (no
// workers, 0.8, 0.9, "llama2"); a flag given explicitly with its default
// value is therefore also replaced by the file's value.
func mergeTopology(t *Topology) {
	if len(workerAddrs) == 0 {
		workerAddrs = t.Workers
	}
	if t.Temperature != nil && temperature == 0.8 {
		temperature = *t.Temperature
	}
	if t.TopP != nil && topP == 0.9 {
		topP = *t.TopP
	}
	if t.ChatTemplate != "" && chatTemplate == "llama2" {
		chatTemplate = t.ChatTemplate
	}
}

func loadTopologyIfSet() {
	if topologyPath == "" {
		return
	}
	t, err := LoadTopology(topologyPath)
	if err != nil {
		exitWith(1, "%v", err)
	}
	mergeTopology(t)
}

// openModelHeader opens --model and reads its header; a missing --model is
// a bad-args failure (exit code 1), and failing to open or parse the file
// is exit code 2 (model/integrity failure).
func openModelHeader() (*model.ModelConfig, *os.File) {
	if modelPath == "" {
		exitWith(1, "missing required flag --model")
	}
	f, err := os.Open(modelPath)
	if err != nil {
		exitWith(2, "opening model file: %v", err)
	}
	cfg, err := model.ReadHeader(f)
	if err != nil {
		f.Close()
		exitWith(2, "reading model header: %v", err)
	}
	return cfg, f
}

// resolveWeightType picks the weight element type: --weights-float-type if
// given, else the header's own WEIGHT_FLOAT_TYPE.
func resolveWeightType(cfg *model.ModelConfig) tensor.ElementType {
	if weightFloatType == "" {
		wt, err := cfg.WeightElemType()
		if err != nil {
			exitWith(2, "%v", err)
		}
		return wt
	}
	wt, err := parseElementType(weightFloatType)
	if err != nil {
		exitWith(1, "%v", err)
	}
	return wt
}

func resolveActivationType() tensor.ElementType {
	at, err := parseElementType(bufferFloatType)
	if err != nil {
		exitWith(1, "%v", err)
	}
	return at
}

// buildNet constructs this node's graph, exiting 1 on an impossible shard
// geometry: a BadConfigError originating here is a bad-args failure, not
// a model-integrity one, so it never maps to exit code 2.
func buildNet(cfg *model.ModelConfig, nNodes, nodeIndex, nBatches int, activationType, weightType tensor.ElementType) (*graph.NetConfig, *graph.NodeConfig) {
	cfg.SeqLen = resolveMaxSeqLen(cfg)
	netCfg, node, err := graph.BuildLlamaNet(cfg, graph.BuildParams{
		NNodes:         nNodes,
		NodeIndex:      nodeIndex,
		NBatches:       nBatches,
		ActivationType: activationType,
		WeightType:     weightType,
	})
	if err != nil {
		exitWith(1, "building graph: %v", err)
	}
	return netCfg, node
}

// resolveMaxSeqLen picks --max-seq-len if given, else the header's own
// SEQ_LEN.
func resolveMaxSeqLen(cfg *model.ModelConfig) int {
	if maxSeqLen > 0 {
		return maxSeqLen
	}
	return cfg.SeqLen
}

// bringUpRootMesh is root's half of session start: for each worker, dial
// its advertised address, send the session-start message
// over that short-lived connection, then close it — the persistent mesh
// used for weight streaming and sync is a separate set of connections
// built by transport.Connect right after, per the deterministic
// "lower index accepts, higher index dials" rule (root, index 0, only
// dials, so it never needs to listen at all).
func bringUpRootMesh(nNodes, nBatches, maxSeqLen int, peers []transport.PeerAddr) transport.Mesh {
	for w := 1; w < nNodes; w++ {
		addr := net.JoinHostPort(peers[w].Host, strconv.Itoa(peers[w].Port))
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			exitWith(1, "dialing worker %d (%s): %v", w, addr, err)
		}
		sess, err := transport.NewSession(conn)
		if err != nil {
			exitWith(1, "session start to worker %d: %v", w, err)
		}
		if err := transport.WriteSessionStart(sess, nNodes, w, maxSeqLen, nBatches, peers); err != nil {
			exitWith(1, "session start to worker %d: %v", w, err)
		}
		sess.Close()
		logrus.Infof("session start sent to worker %d (%s)", w, addr)
	}

	mesh, err := transport.Connect(0, nNodes, "", peers)
	if err != nil {
		exitWith(1, "building mesh: %v", err)
	}
	return mesh
}

// loadRootWeights streams the model file's weights to every node: root's
// own shard lands directly in dev, every other node's shard ships across
// mesh.
func loadRootWeights(f *os.File, cfg *model.ModelConfig, weightType tensor.ElementType, nNodes int, node *graph.NodeConfig, dev device.Device, mesh transport.Mesh) {
	l := loader.New(cfg, weightType, nNodes)
	if err := l.LoadRoot(f, node, dev, mesh); err != nil {
		exitWith(2, "loading weights: %v", err)
	}
	logrus.Info("weight load complete")
}

// rootSession bundles what runInference and runChat both need once
// startup completes: the engine driving the loaded graph, the mesh it
// runs over, and the resolved sequence length.
type rootSession struct {
	eng    *engine.Engine
	mesh   transport.Mesh
	seqLen int
	nNodes int
}

// startRoot is the shared root-node startup path for both "inference" and
// "chat": open the model, build the graph, bring up the mesh (if any
// workers are configured), and stream weights. Closes f itself (the
// weight stream's EOF-exactness check is the last thing that touches it).
func startRoot() *rootSession {
	cfg, f := openModelHeader()
	defer f.Close()

	nNodes := 1 + len(workerAddrs)
	nBatches := 1
	activationType := resolveActivationType()
	weightType := resolveWeightType(cfg)
	seqLen := resolveMaxSeqLen(cfg)

	netCfg, node := buildNet(cfg, nNodes, 0, nBatches, activationType, weightType)

	dev, err := device.NewCPUDevice(nThreads, node, netCfg)
	if err != nil {
		exitWith(1, "building device: %v", err)
	}

	mesh := transport.Mesh{nil}
	if nNodes > 1 {
		peers, err := peerList(workerAddrs)
		if err != nil {
			exitWith(1, "%v", err)
		}
		mesh = bringUpRootMesh(nNodes, nBatches, seqLen, peers)
	}
	loadRootWeights(f, cfg, weightType, nNodes, node, dev, mesh)

	eng, err := engine.New(netCfg, node, dev, mesh, nThreads)
	if err != nil {
		exitWith(1, "building engine: %v", err)
	}

	return &rootSession{eng: eng, mesh: mesh, seqLen: seqLen, nNodes: nNodes}
}
