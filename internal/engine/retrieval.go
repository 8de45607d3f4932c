// Package engine runs image searches and keeps the index in step with the
// catalogue: it embeds images, queries the index manager, and attaches
// product metadata to the hits.
package engine

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"catalog-similarity-engine/internal/catalog"
	"catalog-similarity-engine/internal/codec"
	"catalog-similarity-engine/internal/embedder"
	"catalog-similarity-engine/internal/errs"
	"catalog-similarity-engine/internal/metrics"
	"catalog-similarity-engine/internal/types"
)

// Condition explains why a search returned no results without failing.
type Condition string

const (
	ConditionOK                  Condition = ""
	ConditionEmbeddingFailed     Condition = "embedding_failed"
	ConditionEmbeddingInvalid    Condition = "embedding_invalid"
	ConditionMetadataUnavailable Condition = "metadata_unavailable"
)

func (c Condition) label() string {
	if c == ConditionOK {
		return "ok"
	}
	return string(c)
}

// SearchConfig bounds the number of results a caller may ask for.
type SearchConfig struct {
	DefaultLimit int `yaml:"default_limit"`
	MaxLimit     int `yaml:"max_limit"`
}

func DefaultSearchConfig() SearchConfig {
	return SearchConfig{DefaultLimit: 10, MaxLimit: 100}
}

// SearchResponse is the ranked result of one search. A non-empty Condition
// means the search degraded to an empty result.
type SearchResponse struct {
	Results   []types.SearchResult `json:"results"`
	Condition Condition            `json:"condition,omitempty"`
}

// VectorIndex is the read side of the index manager.
type VectorIndex interface {
	Dimension() int
	Query(ctx context.Context, vector types.Vector, k int) ([]types.Match, error)
}

// Coordinator answers image similarity searches.
type Coordinator struct {
	embedder embedder.Embedder
	index    VectorIndex
	lookup   catalog.MetadataLookup
	limits   func() SearchConfig
	log      *slog.Logger
}

// NewCoordinator wires a coordinator. limits is consulted on every search so
// reloaded configuration applies without a restart; nil uses the defaults.
func NewCoordinator(emb embedder.Embedder, idx VectorIndex, lookup catalog.MetadataLookup, limits func() SearchConfig, logger *slog.Logger) *Coordinator {
	if limits == nil {
		limits = DefaultSearchConfig
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		embedder: emb,
		index:    idx,
		lookup:   lookup,
		limits:   limits,
		log:      logger.With("component", "search"),
	}
}

// Limits returns the current result limits.
func (c *Coordinator) Limits() SearchConfig { return c.limits() }

// Search embeds image and returns up to k catalogue products ranked by
// similarity. Bad input is an InvalidArgument error. Upstream failures are
// not errors: they yield an empty response carrying a Condition.
func (c *Coordinator) Search(ctx context.Context, image []byte, k int) (SearchResponse, error) {
	start := time.Now()
	if err := c.checkLimit(k); err != nil {
		return SearchResponse{}, err
	}
	if err := embedder.ValidateImage(image); err != nil {
		return SearchResponse{}, err
	}

	vec, err := c.embedder.Embed(ctx, image)
	if err != nil {
		if ctx.Err() != nil {
			return SearchResponse{}, ctx.Err()
		}
		c.log.Warn("image embedding failed", "error", err)
		return c.degraded(ConditionEmbeddingFailed, start), nil
	}
	if err := c.checkEmbedding(vec); err != nil {
		c.log.Warn("embedder returned an unusable vector", "error", err)
		return c.degraded(ConditionEmbeddingInvalid, start), nil
	}
	return c.search(ctx, vec, k, start)
}

// SearchVector is Search for callers that already hold an embedding. A
// vector of the wrong length is a DimensionMismatch error here, since the
// caller supplied it.
func (c *Coordinator) SearchVector(ctx context.Context, vec types.Vector, k int) (SearchResponse, error) {
	start := time.Now()
	if err := c.checkLimit(k); err != nil {
		return SearchResponse{}, err
	}
	if err := c.checkEmbedding(vec); err != nil {
		return SearchResponse{}, err
	}
	return c.search(ctx, vec, k, start)
}

func (c *Coordinator) search(ctx context.Context, vec types.Vector, k int, start time.Time) (SearchResponse, error) {
	matches, err := c.index.Query(ctx, vec, k)
	if err != nil {
		return SearchResponse{}, err
	}
	if len(matches) == 0 {
		metrics.ObserveSearch(ConditionOK.label(), time.Since(start))
		return SearchResponse{Results: []types.SearchResult{}}, nil
	}

	ids := make([]int64, len(matches))
	for i, m := range matches {
		ids[i] = m.ProductID
	}
	products, err := c.lookup.LookupMetadata(ctx, ids)
	if err != nil {
		if ctx.Err() != nil {
			return SearchResponse{}, ctx.Err()
		}
		c.log.Warn("product metadata lookup failed", "ids", len(ids), "error", err)
		return c.degraded(ConditionMetadataUnavailable, start), nil
	}

	results := make([]types.SearchResult, 0, len(matches))
	for _, m := range matches {
		p, ok := products[m.ProductID]
		if !ok {
			continue
		}
		results = append(results, types.SearchResult{
			ProductID:       m.ProductID,
			Distance:        m.Distance,
			SimilarityScore: Score(m.Distance),
			Product:         p,
		})
	}
	slices.SortStableFunc(results, func(a, b types.SearchResult) int {
		switch {
		case a.SimilarityScore > b.SimilarityScore:
			return -1
		case a.SimilarityScore < b.SimilarityScore:
			return 1
		}
		return 0
	})

	d := time.Since(start)
	metrics.ObserveSearch(ConditionOK.label(), d)
	c.log.Debug("search finished", "k", k, "matches", len(matches), "results", len(results), "duration", d)
	return SearchResponse{Results: results}, nil
}

func (c *Coordinator) degraded(cond Condition, start time.Time) SearchResponse {
	metrics.ObserveSearch(cond.label(), time.Since(start))
	return SearchResponse{Results: []types.SearchResult{}, Condition: cond}
}

func (c *Coordinator) checkLimit(k int) error {
	maxLimit := c.limits().MaxLimit
	if k < 1 || k > maxLimit {
		return errs.InvalidArgument("search", "limit must be between 1 and %d, got %d", maxLimit, k)
	}
	return nil
}

func (c *Coordinator) checkEmbedding(vec types.Vector) error {
	return codec.Validate(vec, c.index.Dimension())
}

// Score maps a squared L2 distance to a similarity in (0, 1]. It is strictly
// decreasing in distance and 1 for an exact match.
func Score(distance float32) float64 {
	return 1 / (1 + float64(distance))
}
