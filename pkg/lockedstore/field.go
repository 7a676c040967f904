package lockedstore

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// EncodeField serializes a numeric field as little-endian float64 values.
func EncodeField(field []float64) []byte {
	b := make([]byte, 8*len(field))
	for i, v := range field {
		binary.LittleEndian.PutUint64(b[8*i:], math.Float64bits(v))
	}
	return b
}

// DecodeField parses the EncodeField representation.
func DecodeField(b []byte) ([]float64, error) {
	if len(b)%8 != 0 {
		return nil, fmt.Errorf("field payload of %d bytes is not a whole number of float64 values", len(b))
	}
	out := make([]float64, len(b)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[8*i:]))
	}
	return out, nil
}

// ReadField reads and decodes a field under the companion lock.
func ReadField(path string, timeout time.Duration) ([]float64, error) {
	b, err := ReadLocked(path, timeout)
	if err != nil {
		return nil, err
	}
	return DecodeField(b)
}

// WriteField encodes and writes a field under the companion lock.
func WriteField(path string, field []float64, timeout time.Duration) error {
	return WriteLocked(path, EncodeField(field), timeout)
}
