package transport

import "github.com/distllama/distllama/errs"

// WeightRecord is one op's weight payload as it crosses the wire, framed
// as nameLen, name, index, nBytes, bytes. Index is
// the op's LayerIndex (graph.OpConfig.LayerIndex): Name alone collides
// across layers ("matmul_q" repeats once per layer), so the receiver looks
// the weight's destination up by (Name, LayerIndex) against its own copy of
// the node's graph, built independently from the same header.
type WeightRecord struct {
	Name       string
	LayerIndex int
	Bytes      []byte
}

// WriteWeightRecord sends one record of the weight-load stream.
func WriteWeightRecord(s *Session, r WeightRecord) error {
	if err := s.WriteString(r.Name); err != nil {
		return err
	}
	if err := s.WriteU32(uint32(int32(r.LayerIndex))); err != nil {
		return err
	}
	if err := s.WriteU32(uint32(len(r.Bytes))); err != nil {
		return err
	}
	return s.Write(r.Bytes)
}

// WriteWeightStreamEnd sends the zero-length-name terminator followed by
// the closing ACK; the receiver treats a zero-length name as end of
// stream.
func WriteWeightStreamEnd(s *Session) error {
	if err := s.WriteString(""); err != nil {
		return err
	}
	return s.WriteAck()
}

// ReadWeightRecord reads one record, or ok=false at the stream terminator
// (having already consumed the trailing ACK in that case).
func ReadWeightRecord(s *Session) (rec WeightRecord, ok bool, err error) {
	name, err := s.ReadString()
	if err != nil {
		return WeightRecord{}, false, err
	}
	if name == "" {
		err = s.ReadAck()
		return WeightRecord{}, false, err
	}
	layerIndex, err := s.ReadU32()
	if err != nil {
		return WeightRecord{}, false, err
	}
	nBytes, err := s.ReadU32()
	if err != nil {
		return WeightRecord{}, false, err
	}
	buf := make([]byte, nBytes)
	if err = s.Read(buf); err != nil {
		return WeightRecord{}, false, err
	}
	return WeightRecord{Name: name, LayerIndex: int(int32(layerIndex)), Bytes: buf}, true, nil
}

// ExpectByteCount makes a byte-count mismatch at end of stream fatal,
// applied by the loader after it has streamed what it believes is the
// whole model file's weight section.
func ExpectByteCount(got, want int64) error {
	if got != want {
		return errs.NewFileIntegrity("weight stream: read %d bytes, expected %d", got, want)
	}
	return nil
}
