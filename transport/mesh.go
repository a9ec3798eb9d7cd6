package transport

import (
	"net"
	"strconv"
	"time"

	"github.com/distllama/distllama/errs"
)

// dialRetryWindow bounds how long Connect keeps retrying a dial to a
// higher-indexed peer whose listener has not come up yet: mesh bring-up has
// no ordering guarantee across processes beyond "lower index accepts,
// higher index dials", so a brief retry window absorbs normal startup skew
// without requiring an external readiness barrier.
const dialRetryWindow = 5 * time.Second

func dialWithRetry(addr string) (net.Conn, error) {
	deadline := time.Now().Add(dialRetryWindow)
	var lastErr error
	for {
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if time.Now().After(deadline) {
			return nil, lastErr
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// PeerAddr is one other node's dial target, as enumerated by the root in
// the session-start message.
type PeerAddr struct {
	Host string
	Port int
}

// Mesh is this node's full set of peer Sessions, indexed by node index
// (Mesh[nodeIndex] is nil for this node's own index).
type Mesh []*Session

// Close closes every non-nil peer session.
func (m Mesh) Close() {
	for _, s := range m {
		if s != nil {
			_ = s.Close()
		}
	}
}

// Connect builds the full mesh for nodeIndex among nNodes peers, listening
// on listenAddr for lower-indexed peers to accept while dialing
// higher-indexed peers by their advertised host:port. A worker connects
// upward to peers with higher index and accepts from peers with lower
// index, giving a deterministic mesh with no connect/accept race.
func Connect(nodeIndex, nNodes int, listenAddr string, peers []PeerAddr) (Mesh, error) {
	if len(peers) != nNodes {
		return nil, errs.NewBadConfig("mesh connect: expected %d peer addrs, got %d", nNodes, len(peers))
	}
	mesh := make(Mesh, nNodes)

	var ln net.Listener
	if nodeIndex > 0 {
		var err error
		ln, err = net.Listen("tcp", listenAddr)
		if err != nil {
			return nil, errs.NewTransportRead("mesh listen: %v", err)
		}
		defer ln.Close()
	}

	for i := 0; i < nodeIndex; i++ {
		conn, err := ln.Accept()
		if err != nil {
			return nil, errs.NewTransportRead("mesh accept from node %d: %v", i, err)
		}
		sess, err := NewSession(conn)
		if err != nil {
			return nil, err
		}
		peerIndex, err := sess.ReadU32()
		if err != nil {
			return nil, err
		}
		if int(peerIndex) >= nNodes || mesh[peerIndex] != nil {
			return nil, errs.NewFileIntegrity("mesh accept: unexpected peer index %d", peerIndex)
		}
		mesh[peerIndex] = sess
	}

	for i := nodeIndex + 1; i < nNodes; i++ {
		addr := net.JoinHostPort(peers[i].Host, strconv.Itoa(peers[i].Port))
		conn, err := dialWithRetry(addr)
		if err != nil {
			return nil, errs.NewTransportWrite("mesh dial node %d (%s): %v", i, addr, err)
		}
		sess, err := NewSession(conn)
		if err != nil {
			return nil, err
		}
		if err := sess.WriteU32(uint32(nodeIndex)); err != nil {
			return nil, err
		}
		mesh[i] = sess
	}

	return mesh, nil
}

// WriteSessionStart sends the root's session-start message to one worker:
// ACK, sockets/nodeIndex, sizing hints, the peer enumeration, ACK.
// maxSeqLen and nBatches let a worker size its KV cache and batch scratch
// buffers before the weight stream starts, without a second round trip.
func WriteSessionStart(s *Session, nNodes, nodeIndex, maxSeqLen, nBatches int, peers []PeerAddr) error {
	if err := s.WriteAck(); err != nil {
		return err
	}
	if err := s.WriteU32(uint32(nNodes)); err != nil {
		return err
	}
	if err := s.WriteU32(uint32(nodeIndex)); err != nil {
		return err
	}
	if err := s.WriteU32(uint32(maxSeqLen)); err != nil {
		return err
	}
	if err := s.WriteU32(uint32(nBatches)); err != nil {
		return err
	}
	for _, p := range peers {
		if err := s.WriteString(p.Host); err != nil {
			return err
		}
		if err := s.WriteU32(uint32(p.Port)); err != nil {
			return err
		}
	}
	return s.WriteAck()
}

// ReadSessionStart receives the session-start message a worker expects on
// connect, returning this node's assigned index, sizing hints, and peer
// list.
func ReadSessionStart(s *Session) (nNodes, nodeIndex, maxSeqLen, nBatches int, peers []PeerAddr, err error) {
	if err = s.ReadAck(); err != nil {
		return
	}
	var n, idx, seqLen, batches uint32
	if n, err = s.ReadU32(); err != nil {
		return
	}
	if idx, err = s.ReadU32(); err != nil {
		return
	}
	if seqLen, err = s.ReadU32(); err != nil {
		return
	}
	if batches, err = s.ReadU32(); err != nil {
		return
	}
	nNodes, nodeIndex, maxSeqLen, nBatches = int(n), int(idx), int(seqLen), int(batches)
	peers = make([]PeerAddr, nNodes)
	for i := 0; i < nNodes; i++ {
		host, e := s.ReadString()
		if e != nil {
			err = e
			return
		}
		port, e := s.ReadU32()
		if e != nil {
			err = e
			return
		}
		peers[i] = PeerAddr{Host: host, Port: int(port)}
	}
	err = s.ReadAck()
	return
}
