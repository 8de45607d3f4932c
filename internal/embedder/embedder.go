// Package embedder turns product images into embedding vectors.
package embedder

import (
	"bytes"
	"context"
	"image"
	_ "image/gif" // decoders for DecodeConfig
	_ "image/jpeg"
	_ "image/png"

	"catalog-similarity-engine/internal/errs"
	"catalog-similarity-engine/internal/types"
)

// Embedder produces a fixed-length vector from encoded image bytes.
type Embedder interface {
	// Embed returns the embedding of image. Implementations do not validate
	// the output length; callers check it against the index dimension.
	Embed(ctx context.Context, image []byte) (types.Vector, error)

	// Dimension returns the length of the vectors Embed produces.
	Dimension() int
}

// MaxImageBytes bounds accepted uploads.
const MaxImageBytes = 10 << 20

// ValidateImage rejects empty, oversized, or undecodable input by parsing
// only the image header.
func ValidateImage(img []byte) error {
	if len(img) == 0 {
		return errs.InvalidArgument("image.validate", "no image provided")
	}
	if len(img) > MaxImageBytes {
		return errs.InvalidArgument("image.validate", "image is %d bytes, limit is %d", len(img), MaxImageBytes)
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(img))
	if err != nil {
		return errs.InvalidArgument("image.validate", "unsupported or corrupt image: %v", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return errs.InvalidArgument("image.validate", "%s image has no pixels", format)
	}
	return nil
}
