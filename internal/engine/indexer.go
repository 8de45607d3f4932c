package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"catalog-similarity-engine/internal/catalog"
	"catalog-similarity-engine/internal/codec"
	"catalog-similarity-engine/internal/embedder"
	"catalog-similarity-engine/internal/errs"
	"catalog-similarity-engine/internal/manager"
	"catalog-similarity-engine/internal/storage"
	"catalog-similarity-engine/internal/types"
)

// Indexing steps reported by StepError.
const (
	StepEmbed = "embed"
	StepStore = "store"
	StepIndex = "index"
)

// progressEvery is how often Reindex logs progress, in products.
const progressEvery = 10

// StepError reports which step of indexing a product failed.
type StepError struct {
	Step      string
	ProductID types.ProductID
	Err       error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("index product %d: %s: %v", e.ProductID, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// ReindexReport summarises a Reindex run.
type ReindexReport struct {
	Processed int           `json:"processed"`
	Skipped   int           `json:"skipped"`
	Errors    int           `json:"errors"`
	Live      int           `json:"live"`
	Duration  time.Duration `json:"duration"`
}

// MetadataCache drops cached product metadata. *catalog.CachedLookup
// implements it.
type MetadataCache interface {
	Invalidate(ctx context.Context, ids ...int64) error
}

// Indexer keeps the embedding store and the index manager in step.
type Indexer struct {
	embedder embedder.Embedder
	store    storage.EmbeddingStore
	manager  *manager.Manager
	cache    MetadataCache
	log      *slog.Logger
}

func NewIndexer(emb embedder.Embedder, store storage.EmbeddingStore, mgr *manager.Manager, logger *slog.Logger) *Indexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{
		embedder: emb,
		store:    store,
		manager:  mgr,
		log:      logger.With("component", "indexer"),
	}
}

// SetMetadataCache makes RemoveProduct evict the product from cache. Call it
// before the indexer is shared.
func (x *Indexer) SetMetadataCache(c MetadataCache) { x.cache = c }

// IndexProduct embeds image and makes it productID's embedding in the store
// and the index.
func (x *Indexer) IndexProduct(ctx context.Context, productID types.ProductID, image []byte) (types.EmbeddingRecord, error) {
	if err := embedder.ValidateImage(image); err != nil {
		return types.EmbeddingRecord{}, err
	}
	vec, err := x.embed(ctx, image)
	if err != nil {
		return types.EmbeddingRecord{}, &StepError{Step: StepEmbed, ProductID: productID, Err: err}
	}
	return x.IndexVector(ctx, productID, vec)
}

// IndexVector stores vec as productID's embedding and updates the index.
// If the index step fails the stored record is kept; a rebuild reconciles.
func (x *Indexer) IndexVector(ctx context.Context, productID types.ProductID, vec types.Vector) (types.EmbeddingRecord, error) {
	rec, err := x.store.Upsert(ctx, productID, vec)
	if err != nil {
		return types.EmbeddingRecord{}, &StepError{Step: StepStore, ProductID: productID, Err: err}
	}
	if err := x.manager.InsertOrUpdate(ctx, productID, vec); err != nil {
		return rec, &StepError{Step: StepIndex, ProductID: productID, Err: err}
	}
	x.log.Info("product indexed", "product_id", productID)
	return rec, nil
}

// RemoveProduct deletes productID's embedding from the store and the index.
// It reports whether the index held a live entry.
func (x *Indexer) RemoveProduct(ctx context.Context, productID types.ProductID) (bool, error) {
	if err := x.store.Delete(ctx, productID); err != nil {
		return false, &StepError{Step: StepStore, ProductID: productID, Err: err}
	}
	x.evict(ctx, productID)
	removed, err := x.manager.Remove(ctx, productID)
	if err != nil {
		return removed, &StepError{Step: StepIndex, ProductID: productID, Err: err}
	}
	if removed {
		x.log.Info("product removed from index", "product_id", productID)
	}
	return removed, nil
}

// evict is best effort: a stale entry only lives until its TTL.
func (x *Indexer) evict(ctx context.Context, productID types.ProductID) {
	if x.cache == nil {
		return
	}
	if err := x.cache.Invalidate(ctx, productID); err != nil {
		x.log.Warn("metadata cache eviction failed", "product_id", productID, "error", err)
	}
}

// Reindex embeds the image of every product in images and then rebuilds the
// index from the store. Products without an image are skipped, as are ones
// that already have an embedding unless force is set. Per-product failures
// are logged and counted; only cancellation, a failing image listing or a
// failed rebuild abort the run.
func (x *Indexer) Reindex(ctx context.Context, images catalog.ImageSource, force bool) (ReindexReport, error) {
	start := time.Now()
	var report ReindexReport
	seen := 0

	for pi, err := range images.ProductImages(ctx) {
		if err != nil {
			return report, err
		}
		seen++
		if seen%progressEvery == 0 {
			x.log.Info("reindex progress", "seen", seen,
				"processed", report.Processed, "skipped", report.Skipped, "errors", report.Errors)
		}

		if pi.Image == "" {
			report.Skipped++
			continue
		}
		if !force {
			_, err := x.store.Get(ctx, pi.ProductID)
			if err == nil {
				report.Skipped++
				continue
			}
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			if !errors.Is(err, errs.ErrNotFound) {
				report.Errors++
				x.log.Error("reindex lookup failed", "product_id", pi.ProductID, "error", err)
				continue
			}
		}

		if err := x.reembed(ctx, images, pi); err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			report.Errors++
			x.log.Error("reindex product failed", "product_id", pi.ProductID, "error", err)
			continue
		}
		report.Processed++
	}

	if err := x.manager.RebuildAll(ctx, x.store); err != nil {
		return report, err
	}
	report.Live = x.manager.Stats().Live
	report.Duration = time.Since(start)
	x.log.Info("reindex finished",
		"processed", report.Processed, "skipped", report.Skipped, "errors", report.Errors,
		"live", report.Live, "duration", report.Duration)
	return report, nil
}

func (x *Indexer) reembed(ctx context.Context, images catalog.ImageSource, pi catalog.ProductImage) error {
	img, err := images.ReadImage(ctx, pi.Image)
	if err == nil {
		err = embedder.ValidateImage(img)
	}
	if err != nil {
		return &StepError{Step: StepEmbed, ProductID: pi.ProductID, Err: err}
	}
	vec, err := x.embed(ctx, img)
	if err != nil {
		return &StepError{Step: StepEmbed, ProductID: pi.ProductID, Err: err}
	}
	if _, err := x.store.Upsert(ctx, pi.ProductID, vec); err != nil {
		return &StepError{Step: StepStore, ProductID: pi.ProductID, Err: err}
	}
	return nil
}

// embed runs the embedder and checks the vector fits the index.
func (x *Indexer) embed(ctx context.Context, image []byte) (types.Vector, error) {
	vec, err := x.embedder.Embed(ctx, image)
	if err != nil {
		return nil, err
	}
	if err := codec.Validate(vec, x.manager.Dimension()); err != nil {
		return nil, err
	}
	return vec, nil
}
