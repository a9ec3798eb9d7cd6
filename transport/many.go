package transport

// IO describes one pending chunked transfer against one Session: Buf is
// drained (Write) or filled (Read) ChunkSize bytes at a time, round-robin
// across every IO in the batch, so a single thread can fan a sync step's
// bytes out to several peers without a goroutine per peer.
type IO struct {
	Session *Session
	Buf     []byte
}

// WriteMany drains every IO's Buf to its Session, round-robin by ChunkSize
// pieces, until all are fully written. Each piece is a blocking
// Session.Write, so a peer that stops accepting bytes holds up the rest.
func WriteMany(ios []IO) error {
	remaining := make([][]byte, len(ios))
	for i, io := range ios {
		remaining[i] = io.Buf
	}
	return roundRobin(ios, remaining, func(s *Session, chunk []byte) error {
		return s.Write(chunk)
	})
}

// ReadMany fills every IO's Buf from its Session, round-robin by ChunkSize
// pieces, until all are fully read.
func ReadMany(ios []IO) error {
	remaining := make([][]byte, len(ios))
	for i, io := range ios {
		remaining[i] = io.Buf
	}
	return roundRobin(ios, remaining, func(s *Session, chunk []byte) error {
		return s.Read(chunk)
	})
}

func roundRobin(ios []IO, remaining [][]byte, step func(*Session, []byte) error) error {
	if len(ios) == 0 {
		return nil
	}
	left := len(ios)
	done := make([]bool, len(ios))
	for left > 0 {
		for i := range ios {
			if done[i] {
				continue
			}
			buf := remaining[i]
			if len(buf) == 0 {
				done[i] = true
				left--
				continue
			}
			n := len(buf)
			if n > ChunkSize {
				n = ChunkSize
			}
			if err := step(ios[i].Session, buf[:n]); err != nil {
				return err
			}
			remaining[i] = buf[n:]
		}
	}
	return nil
}
