package model

import (
	"encoding/binary"
	"fmt"
	"math"
)

// tensorReader hands out consecutive little endian float32 values of a
// weight file in the order layers consume them.
type tensorReader struct {
	data []byte
	off  int
}

func newTensorReader(data []byte) *tensorReader {
	return &tensorReader{data: data}
}

// floats reads the next n values
func (r *tensorReader) floats(n int) ([]float32, error) {
	if n < 0 || r.off+4*n > len(r.data) {
		return nil, fmt.Errorf("weight file holds %d more values, need %d", r.remaining()/4, n)
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(r.data[r.off:]))
		r.off += 4
	}
	return out, nil
}

func (r *tensorReader) remaining() int {
	return len(r.data) - r.off
}
