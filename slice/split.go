package slice

import "github.com/distllama/distllama/tensor"

// SplitRowMatmul copies the byte range node nodeIndex owns out of a
// row-major [d][n] weight (row-sliced: output rows are contiguous), per
// RowMatmulSlice. Row splits copy d/N contiguous output-row groups, so the
// result is one contiguous byte range.
func SplitRowMatmul(weight []byte, s RowMatmulSlice, elemType tensor.ElementType) []byte {
	rowBytes := elemType.ByteSize(s.N)
	start := s.RowOffset * rowBytes
	length := s.RowsPerNode * rowBytes
	out := make([]byte, length)
	copy(out, weight[start:start+length])
	return out
}

// SplitColMatmul copies the byte range node nodeIndex owns out of a
// row-major [d][n] weight (column-sliced: one n/N-wide strip from each of
// the d rows), per ColMatmulSlice. Unlike a row split this is a strided
// gather: one strip per output row.
func SplitColMatmul(weight []byte, s ColMatmulSlice, elemType tensor.ElementType) []byte {
	rowBytes := elemType.ByteSize(s.N)
	stripBytes := elemType.ByteSize(s.ColsPerNode)
	stripOffset := elemType.ByteSize(s.ColOffset)

	out := make([]byte, s.D*stripBytes)
	for row := 0; row < s.D; row++ {
		srcOff := row*rowBytes + stripOffset
		dstOff := row * stripBytes
		copy(out[dstOff:dstOff+stripBytes], weight[srcOff:srcOff+stripBytes])
	}
	return out
}

// JoinRowMatmul reassembles the per-node contiguous row shards (in node
// index order) back into the original weight, the inverse of
// SplitRowMatmul. Used by the round-trip tests in slice_test.go.
func JoinRowMatmul(shards [][]byte) []byte {
	var total int
	for _, s := range shards {
		total += len(s)
	}
	out := make([]byte, 0, total)
	for _, s := range shards {
		out = append(out, s...)
	}
	return out
}

// JoinColMatmul reassembles per-node column-strip shards (in node index
// order) back into the original weight, the inverse of SplitColMatmul.
func JoinColMatmul(shards [][]byte, d int) []byte {
	if len(shards) == 0 {
		return nil
	}
	stripBytes := len(shards[0]) / d
	rowBytes := stripBytes * len(shards)
	out := make([]byte, d*rowBytes)
	for nodeIdx, shard := range shards {
		for row := 0; row < d; row++ {
			srcOff := row * stripBytes
			dstOff := row*rowBytes + nodeIdx*stripBytes
			copy(out[dstOff:dstOff+stripBytes], shard[srcOff:srcOff+stripBytes])
		}
	}
	return out
}
