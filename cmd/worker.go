package cmd

import (
	"context"
	"errors"
	"net"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/distllama/distllama/device"
	"github.com/distllama/distllama/engine"
	"github.com/distllama/distllama/errs"
	"github.com/distllama/distllama/loader"
	"github.com/distllama/distllama/transport"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run as a worker node: accept root's session start, load this node's weight shard, and serve forward steps",
	Run:   runWorker,
}

// runWorker is the worker's half of session start and weight load: accept
// root's session start over a short-lived bootstrap connection, join the
// persistent mesh,
// receive this node's weight shard, then repeatedly drive the executor's
// program — each Run() call blocks at its first step (a PreSync broadcast
// of pos/token from root) until root has work, so no separate "ready"
// signal is needed beyond the sync primitives already wired in package
// syncx. Requires --model to point at the same model file root was
// started with (shared storage), since only the header is read locally —
// weight bytes always arrive over the wire from root, never from a local
// read of this file, even when it exists at the same path.
func runWorker(cmd *cobra.Command, args []string) {
	setupLogging()

	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		exitWith(1, "listening on port %d: %v", port, err)
	}
	defer ln.Close()
	logrus.Infof("worker listening on port %d, waiting for root", port)

	conn, err := ln.Accept()
	if err != nil {
		exitWith(1, "accepting root connection: %v", err)
	}
	bootstrap, err := transport.NewSession(conn)
	if err != nil {
		exitWith(1, "session start: %v", err)
	}
	nNodes, nodeIndex, seqLenHint, nBatches, peers, err := transport.ReadSessionStart(bootstrap)
	bootstrap.Close()
	if err != nil {
		exitWith(1, "session start: %v", err)
	}
	logrus.Infof("assigned node index %d of %d", nodeIndex, nNodes)

	cfg, f := openModelHeader()
	f.Close()
	if maxSeqLen == 0 {
		maxSeqLen = seqLenHint
	}
	activationType := resolveActivationType()
	weightType := resolveWeightType(cfg)

	net_, node := buildNet(cfg, nNodes, nodeIndex, nBatches, activationType, weightType)

	dev, err := device.NewCPUDevice(nThreads, node, net_)
	if err != nil {
		exitWith(1, "building device: %v", err)
	}

	mesh, err := transport.Connect(nodeIndex, nNodes, net.JoinHostPort("", strconv.Itoa(port)), peers)
	if err != nil {
		exitWith(1, "joining mesh: %v", err)
	}
	defer mesh.Close()

	l := loader.New(cfg, weightType, nNodes)
	if err := l.LoadWorker(nodeIndex, node, dev, mesh[0]); err != nil {
		exitWith(2, "loading weight shard: %v", err)
	}
	logrus.Info("weight shard loaded")

	eng, err := engine.New(net_, node, dev, mesh, nThreads)
	if err != nil {
		exitWith(1, "building engine: %v", err)
	}

	logrus.Info("ready, serving forward steps")
	err = eng.ServeWorker(context.Background())
	var transportErr *errs.TransportError
	if errors.As(err, &transportErr) {
		logrus.Info("root disconnected, shutting down")
		return
	}
	exitWith(1, "forward step: %v", err)
}
