package storage

import (
	"context"
	"iter"

	"catalog-similarity-engine/internal/types"
)

// EmbeddingStore is the durable product_id -> embedding table. It is the
// source of truth for a full index rebuild.
type EmbeddingStore interface {
	// Upsert validates and durably stores the vector for productID. An
	// existing record keeps its CreatedAt; only the vector and UpdatedAt change.
	Upsert(ctx context.Context, productID types.ProductID, vector types.Vector) (types.EmbeddingRecord, error)

	// Get returns the record for productID or an errs.ErrNotFound error.
	Get(ctx context.Context, productID types.ProductID) (types.EmbeddingRecord, error)

	// All iterates every record ordered by product id. Each call starts a new
	// pass from the beginning, so a failed rebuild can simply call it again.
	All(ctx context.Context) iter.Seq2[types.EmbeddingRecord, error]

	// Delete removes the record. Deleting an absent id is not an error.
	Delete(ctx context.Context, productID types.ProductID) error

	// Count returns the number of stored records.
	Count(ctx context.Context) (int, error)

	// Close flushes and closes the store.
	Close() error
}
