// Package codec converts embedding vectors to and from their persisted byte
// form. Values are stored as little-endian IEEE-754 float32 bit patterns, so a
// round trip is bit-exact (NaN payloads and negative zero included).
package codec

import (
	"encoding/binary"
	"math"

	"catalog-similarity-engine/internal/errs"
	"catalog-similarity-engine/internal/types"
)

// ValueSize is the encoded size of one float32.
const ValueSize = 4

// Encode serializes v.
func Encode(v types.Vector) []byte {
	buf := make([]byte, len(v)*ValueSize)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*ValueSize:], math.Float32bits(f))
	}
	return buf
}

// AppendEncoded appends the encoding of v to dst.
func AppendEncoded(dst []byte, v types.Vector) []byte {
	for _, f := range v {
		dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(f))
	}
	return dst
}

// Decode parses bytes produced by Encode.
func Decode(b []byte) (types.Vector, error) {
	if len(b)%ValueSize != 0 {
		return nil, errs.InvalidArgument("codec.decode", "length %d is not a multiple of %d", len(b), ValueSize)
	}
	v := make(types.Vector, len(b)/ValueSize)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*ValueSize:]))
	}
	return v, nil
}

// Validate checks that v has exactly dim values and that all of them are
// finite. Vectors that pass are accepted by every store and index.
func Validate(v types.Vector, dim int) error {
	if len(v) != dim {
		return errs.DimensionMismatch("codec.validate", dim, len(v))
	}
	for i, x := range v {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return errs.InvalidArgument("codec.validate", "value %d is not finite", i)
		}
	}
	return nil
}
