// Package transport implements the TCP wire layer: chunked reads/writes,
// an ACK handshake, the blocking/turbo (non-blocking spin) mode switch, and
// the full-mesh peer connect/accept dance. Package syncx builds
// the distributed synchronizer on top of the Session type defined here;
// transport itself never imports graph or executor.
package transport

import (
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/distllama/distllama/errs"
)

// ChunkSize is the read/write granularity every Session call is broken
// into: one fixed 4096-byte socket buffer's worth at a time.
const ChunkSize = 4096

// AckMagic opens and closes every session-start and weight-load handshake.
const AckMagic uint32 = 0x01671C72

// idleTimeout is how long a Session stays in turbo (spin-on-EAGAIN) mode
// before falling back to a blocking read, so an idle root doesn't burn a
// core with nothing to do between chat turns.
const idleTimeout = 1 * time.Second

// Session wraps one peer connection. Mode starts Blocking; callers move to
// Turbo once the first token's POS pipe has reached every worker, and the
// Session itself reverts to Blocking after idleTimeout of read
// inactivity.
type Session struct {
	conn  net.Conn
	turbo bool
	idle  time.Time
}

// Mode selects a Session's read/write behavior.
type Mode int

const (
	Blocking Mode = iota
	Turbo
)

// NewSession wraps an already-connected TCP conn, tuned for small-message
// latency: TCP_NODELAY always, TCP_QUICKACK where the platform exposes it (best
// effort — see quickack_linux.go / quickack_other.go).
func NewSession(conn net.Conn) (*Session, error) {
	if tc, ok := conn.(*net.TCPConn); ok {
		if err := tc.SetNoDelay(true); err != nil {
			return nil, errs.NewTransportWrite("set nodelay: %v", err)
		}
		setQuickAck(tc)
	}
	return &Session{conn: conn, idle: time.Now()}, nil
}

// SetMode switches between Blocking and Turbo. Turbo is cheap to request
// repeatedly; Blocking is re-entered automatically after idleTimeout
// regardless of what the caller last requested (see Read).
func (s *Session) SetMode(m Mode) {
	s.turbo = m == Turbo
	s.idle = time.Now()
}

// Close closes the underlying connection.
func (s *Session) Close() error { return s.conn.Close() }

// Write writes all of p to the peer in ChunkSize pieces, each a blocking
// conn.Write. Write behaves the same in both modes; the Turbo/Blocking
// switch only changes how Read waits.
func (s *Session) Write(p []byte) error {
	for len(p) > 0 {
		n := len(p)
		if n > ChunkSize {
			n = ChunkSize
		}
		written, err := s.conn.Write(p[:n])
		if err != nil {
			return errs.NewTransportWrite("%v", err)
		}
		p = p[written:]
	}
	return nil
}

// Read fills buf completely, in ChunkSize pieces, honoring the turbo/idle
// fallback: if no byte has arrived within idleTimeout while in Turbo mode,
// the Session reverts to Blocking for this and subsequent reads until
// SetMode(Turbo) is called again.
func (s *Session) Read(buf []byte) error {
	for len(buf) > 0 {
		if s.turbo && time.Since(s.idle) > idleTimeout {
			s.turbo = false
		}
		if s.turbo {
			if err := s.conn.SetReadDeadline(time.Now().Add(idleTimeout)); err != nil {
				return errs.NewTransportRead("%v", err)
			}
		} else {
			if err := s.conn.SetReadDeadline(time.Time{}); err != nil {
				return errs.NewTransportRead("%v", err)
			}
		}
		n := len(buf)
		if n > ChunkSize {
			n = ChunkSize
		}
		read, err := s.conn.Read(buf[:n])
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() && s.turbo {
				continue // EAGAIN-equivalent: spin rather than giving up
			}
			return errs.NewTransportRead("%v", err)
		}
		s.idle = time.Now()
		buf = buf[read:]
	}
	return nil
}

// ReadU32/WriteU32 are the wire protocol's fixed integer framing: all
// integers cross the wire little-endian.
func (s *Session) ReadU32() (uint32, error) {
	var b [4]byte
	if err := s.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func (s *Session) WriteU32(v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return s.Write(b[:])
}

// ReadString reads a length-prefixed string: u32 byte count including the
// trailing NUL.
func (s *Session) ReadString() (string, error) {
	n, err := s.ReadU32()
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", nil
	}
	buf := make([]byte, n)
	if err := s.Read(buf); err != nil {
		return "", err
	}
	if buf[n-1] != 0 {
		return "", errs.NewFileIntegrity("read string: missing trailing NUL")
	}
	return string(buf[:n-1]), nil
}

// WriteString writes a length-prefixed string including its trailing NUL.
func (s *Session) WriteString(str string) error {
	if err := s.WriteU32(uint32(len(str) + 1)); err != nil {
		return err
	}
	return s.Write(append([]byte(str), 0))
}

// WriteAck/ReadAck send and expect the fixed handshake magic, bracketing
// every session-start and weight-load exchange.
func (s *Session) WriteAck() error { return s.WriteU32(AckMagic) }

func (s *Session) ReadAck() error {
	got, err := s.ReadU32()
	if err != nil {
		return err
	}
	if got != AckMagic {
		return errs.NewFileIntegrity("ack mismatch: got 0x%08X, want 0x%08X", got, AckMagic)
	}
	return nil
}

// io.ReadWriter conformance, so a Session can be handed to general-purpose
// codecs without every caller needing the fixed-size Read/Write above.
var (
	_ io.Reader = (*ioReaderAdapter)(nil)
	_ io.Writer = (*ioWriterAdapter)(nil)
)

type ioReaderAdapter struct{ s *Session }

func (a *ioReaderAdapter) Read(p []byte) (int, error) {
	if err := a.s.Read(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

type ioWriterAdapter struct{ s *Session }

func (a *ioWriterAdapter) Write(p []byte) (int, error) {
	if err := a.s.Write(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// AsReader and AsWriter expose io.Reader/io.Writer views of a Session.
func (s *Session) AsReader() io.Reader { return &ioReaderAdapter{s} }
func (s *Session) AsWriter() io.Writer { return &ioWriterAdapter{s} }
