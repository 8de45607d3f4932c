// Package index provides the in-memory nearest-neighbor indexes over product
// embeddings.
//
// Both implementations use the same update strategy: every product id maps to
// exactly one live slot. Re-inserting a product appends a new slot and marks
// the previous one dead (a tombstone); dead slots never appear in results and
// are dropped by Compact. Distances are squared L2.
package index

import (
	"context"
	"fmt"
	"iter"
	"math"

	"catalog-similarity-engine/internal/errs"
	"catalog-similarity-engine/internal/types"
)

// Kind names an index implementation.
type Kind string

const (
	KindFlat Kind = "flat"
	KindHNSW Kind = "hnsw"
)

// SimilarityIndex is a k-NN index keyed by product id. Implementations are
// safe for concurrent use.
type SimilarityIndex interface {
	// InsertOrUpdate makes vector the live entry for productID.
	InsertOrUpdate(productID types.ProductID, vector types.Vector) error

	// Remove tombstones the live entry for productID. It reports whether
	// there was one.
	Remove(productID types.ProductID) bool

	// Query returns at most k live entries ordered by ascending distance.
	Query(vector types.Vector, k int) ([]types.Match, error)

	// Snapshot serializes the whole index, tombstones included.
	Snapshot() ([]byte, error)

	// Restore replaces the index with a snapshot. On error the current
	// state is kept.
	Restore(data []byte) error

	// RebuildFrom replaces the index with the given records, inserted in
	// iteration order. On error or cancellation the current state is kept.
	RebuildFrom(ctx context.Context, records iter.Seq2[types.EmbeddingRecord, error]) error

	// Compact drops dead slots and returns how many were removed.
	Compact() int

	Stats() Stats
}

// Stats describes index occupancy.
type Stats struct {
	Kind      Kind `json:"kind"`
	Dimension int  `json:"dimension"`
	Live      int  `json:"live"`
	Dead      int  `json:"dead"`
	Slots     int  `json:"slots"`
}

// Config selects and tunes an index.
type Config struct {
	Kind      Kind       `yaml:"kind"`
	Dimension int        `yaml:"dimension"`
	HNSW      HNSWConfig `yaml:"hnsw"`
}

// New builds an empty index from cfg.
func New(cfg Config) (SimilarityIndex, error) {
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("index: invalid dimension %d", cfg.Dimension)
	}
	switch cfg.Kind {
	case KindFlat, "":
		return NewFlat(cfg.Dimension), nil
	case KindHNSW:
		return NewHNSW(cfg.Dimension, cfg.HNSW), nil
	default:
		return nil, fmt.Errorf("index: unknown kind %q", cfg.Kind)
	}
}

func checkVector(op string, v types.Vector, dim int) error {
	if len(v) != dim {
		return errs.DimensionMismatch(op, dim, len(v))
	}
	for i, f := range v {
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return errs.InvalidArgument(op, "value %d is not finite", i)
		}
	}
	return nil
}

func checkQuery(v types.Vector, k, dim int) error {
	if err := checkVector("index.query", v, dim); err != nil {
		return err
	}
	if k <= 0 {
		return errs.InvalidArgument("index.query", "k must be >= 1, got %d", k)
	}
	return nil
}

// squaredL2 accumulates in float64 so results are symmetric and exactly zero
// only for identical inputs.
func squaredL2(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum
}

// drain feeds records to add, checking ctx before each one.
func drain(ctx context.Context, dim int, records iter.Seq2[types.EmbeddingRecord, error], add func(types.EmbeddingRecord)) error {
	for rec, err := range records {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if rec.ProductID <= 0 {
			return errs.InvalidArgument("index.rebuild", "product id must be positive, got %d", rec.ProductID)
		}
		if err := checkVector("index.rebuild", rec.Vector, dim); err != nil {
			return fmt.Errorf("product %d: %w", rec.ProductID, err)
		}
		add(rec)
	}
	return ctx.Err()
}
