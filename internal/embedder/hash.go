package embedder

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"

	"catalog-similarity-engine/internal/types"
)

// HashEmbedder derives a deterministic vector from the SHA-256 of the image
// bytes. Identical images map to identical vectors; there is no visual
// similarity beyond that. Used for development and tests.
type HashEmbedder struct {
	dim int
}

func NewHashEmbedder(dim int) *HashEmbedder {
	return &HashEmbedder{dim: dim}
}

func (e *HashEmbedder) Embed(ctx context.Context, image []byte) (types.Vector, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	seed := sha256.Sum256(image)
	vec := make(types.Vector, e.dim)

	// Counter mode: block i is sha256(seed || i), 8 values per block.
	var block [sha256.Size]byte
	var in [sha256.Size + 4]byte
	copy(in[:], seed[:])
	for i := range vec {
		if i%8 == 0 {
			binary.BigEndian.PutUint32(in[sha256.Size:], uint32(i/8))
			block = sha256.Sum256(in[:])
		}
		u := binary.BigEndian.Uint32(block[(i%8)*4:])
		vec[i] = float32(float64(u)/math.MaxUint32*2 - 1)
	}
	return vec, nil
}

func (e *HashEmbedder) Dimension() int { return e.dim }

var _ Embedder = (*HashEmbedder)(nil)
