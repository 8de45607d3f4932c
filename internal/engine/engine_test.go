package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catalog-similarity-engine/internal/catalog"
	"catalog-similarity-engine/internal/embedder"
	"catalog-similarity-engine/internal/errs"
	"catalog-similarity-engine/internal/index"
	"catalog-similarity-engine/internal/manager"
	"catalog-similarity-engine/internal/observability"
	"catalog-similarity-engine/internal/snapshot"
	"catalog-similarity-engine/internal/storage"
	"catalog-similarity-engine/internal/types"
)

func pngBytes(t *testing.T, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	for x := 0; x < 2; x++ {
		for y := 0; y < 2; y++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// stubEmbedder returns a fixed vector or error and counts calls.
type stubEmbedder struct {
	vec   types.Vector
	err   error
	calls atomic.Int32
}

func (s *stubEmbedder) Embed(context.Context, []byte) (types.Vector, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return s.vec.Clone(), nil
}

func (s *stubEmbedder) Dimension() int { return len(s.vec) }

type failingLookup struct{}

func (failingLookup) LookupMetadata(context.Context, []int64) (map[int64]types.ProductSummary, error) {
	return nil, errs.Unavailable("catalog.lookup", errors.New("connection refused"))
}

func newTestManager(t *testing.T, dim int) *manager.Manager {
	t.Helper()
	return manager.New(index.NewFlat(dim), snapshot.NewMemory(), manager.Options{Logger: observability.Discard()})
}

// scenario indexes three products in 2D and returns the pieces of a search.
func scenario(t *testing.T) (*manager.Manager, *catalog.Memory) {
	t.Helper()
	ctx := context.Background()
	mgr := newTestManager(t, 2)
	require.NoError(t, mgr.InsertOrUpdate(ctx, 1, types.Vector{0, 0}))
	require.NoError(t, mgr.InsertOrUpdate(ctx, 2, types.Vector{1, 1}))
	require.NoError(t, mgr.InsertOrUpdate(ctx, 3, types.Vector{0, 1}))

	cat := catalog.NewMemory()
	for _, p := range []types.ProductSummary{
		{ID: 1, Name: "Red mug", Price: "9.99"},
		{ID: 2, Name: "Blue mug", Price: "10.50"},
		{ID: 3, Name: "Green mug", Price: "8.00"},
	} {
		cat.Put(p, nil)
	}
	return mgr, cat
}

func TestSearchRanksByScore(t *testing.T) {
	mgr, cat := scenario(t)
	emb := &stubEmbedder{vec: types.Vector{0, 0}}
	c := NewCoordinator(emb, mgr, cat, nil, observability.Discard())

	resp, err := c.Search(context.Background(), pngBytes(t, color.White), 3)
	require.NoError(t, err)
	assert.Equal(t, ConditionOK, resp.Condition)
	require.Len(t, resp.Results, 3)

	wantIDs := []int64{1, 3, 2}
	wantDist := []float32{0, 1, 2}
	wantScore := []float64{1, 0.5, 1.0 / 3}
	for i, r := range resp.Results {
		assert.Equal(t, wantIDs[i], r.ProductID)
		assert.Equal(t, wantDist[i], r.Distance)
		assert.InDelta(t, wantScore[i], r.SimilarityScore, 1e-12)
		assert.Equal(t, wantIDs[i], r.Product.ID)
	}
}

func TestSearchExcludesProductsWithoutMetadata(t *testing.T) {
	mgr, cat := scenario(t)
	cat.Delete(3)
	c := NewCoordinator(&stubEmbedder{vec: types.Vector{0, 0}}, mgr, cat, nil, observability.Discard())

	resp, err := c.Search(context.Background(), pngBytes(t, color.White), 3)
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, int64(1), resp.Results[0].ProductID)
	assert.Equal(t, int64(2), resp.Results[1].ProductID)
}

func TestSearchRejectsBadInput(t *testing.T) {
	mgr, cat := scenario(t)
	emb := &stubEmbedder{vec: types.Vector{0, 0}}
	c := NewCoordinator(emb, mgr, cat, nil, observability.Discard())
	ctx := context.Background()
	img := pngBytes(t, color.White)

	for _, k := range []int{0, -1, 101} {
		_, err := c.Search(ctx, img, k)
		assert.True(t, errors.Is(err, errs.ErrInvalidArgument), "k=%d: %v", k, err)
	}
	_, err := c.Search(ctx, nil, 3)
	assert.True(t, errors.Is(err, errs.ErrInvalidArgument))
	_, err = c.Search(ctx, []byte("definitely not an image"), 3)
	assert.True(t, errors.Is(err, errs.ErrInvalidArgument))

	assert.Zero(t, emb.calls.Load(), "embedder must not run for rejected input")
}

func TestSearchLimitsAreLive(t *testing.T) {
	mgr, cat := scenario(t)
	limits := DefaultSearchConfig()
	c := NewCoordinator(&stubEmbedder{vec: types.Vector{0, 0}}, mgr, cat,
		func() SearchConfig { return limits }, observability.Discard())

	_, err := c.Search(context.Background(), pngBytes(t, color.White), 50)
	require.NoError(t, err)

	limits.MaxLimit = 20
	_, err = c.Search(context.Background(), pngBytes(t, color.White), 50)
	assert.True(t, errors.Is(err, errs.ErrInvalidArgument))
	assert.Equal(t, 20, c.Limits().MaxLimit)
}

func TestSearchDegradedConditions(t *testing.T) {
	mgr, cat := scenario(t)
	img := pngBytes(t, color.White)
	ctx := context.Background()

	tests := []struct {
		name   string
		emb    embedder.Embedder
		lookup catalog.MetadataLookup
		want   Condition
	}{
		{"embedder down", &stubEmbedder{err: errs.Unavailable("embedder", errors.New("503"))}, cat, ConditionEmbeddingFailed},
		{"wrong dimension", &stubEmbedder{vec: types.Vector{0, 0, 0}}, cat, ConditionEmbeddingInvalid},
		{"metadata down", &stubEmbedder{vec: types.Vector{0, 0}}, failingLookup{}, ConditionMetadataUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCoordinator(tt.emb, mgr, tt.lookup, nil, observability.Discard())
			resp, err := c.Search(ctx, img, 3)
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.Condition)
			assert.NotNil(t, resp.Results)
			assert.Empty(t, resp.Results)
		})
	}
}

func TestSearchEmptyIndex(t *testing.T) {
	c := NewCoordinator(&stubEmbedder{vec: types.Vector{0, 0}}, newTestManager(t, 2), catalog.NewMemory(), nil, observability.Discard())
	resp, err := c.Search(context.Background(), pngBytes(t, color.White), 5)
	require.NoError(t, err)
	assert.Equal(t, ConditionOK, resp.Condition)
	assert.Empty(t, resp.Results)
}

func TestSearchVector(t *testing.T) {
	mgr, cat := scenario(t)
	c := NewCoordinator(&stubEmbedder{vec: types.Vector{0, 0}}, mgr, cat, nil, observability.Discard())
	ctx := context.Background()

	resp, err := c.SearchVector(ctx, types.Vector{1, 1}, 1)
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, int64(2), resp.Results[0].ProductID)
	assert.Equal(t, 1.0, resp.Results[0].SimilarityScore)

	_, err = c.SearchVector(ctx, types.Vector{1}, 1)
	assert.True(t, errors.Is(err, errs.ErrDimensionMismatch))
}

func TestScoreMonotonic(t *testing.T) {
	assert.Equal(t, 1.0, Score(0))
	prev := Score(0)
	for _, d := range []float32{1e-6, 0.5, 1, 2, 100, 1e9} {
		s := Score(d)
		assert.Less(t, s, prev, "distance %v", d)
		assert.Greater(t, s, 0.0)
		prev = s
	}
}

func newIndexer(t *testing.T, emb embedder.Embedder, dim int) (*Indexer, *manager.Manager, storage.EmbeddingStore) {
	t.Helper()
	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "embeddings.db"), dim)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	mgr := newTestManager(t, dim)
	return NewIndexer(emb, store, mgr, observability.Discard()), mgr, store
}

func TestIndexProduct(t *testing.T) {
	emb := embedder.NewHashEmbedder(8)
	x, mgr, store := newIndexer(t, emb, 8)
	ctx := context.Background()
	img := pngBytes(t, color.Black)

	rec, err := x.IndexProduct(ctx, 42, img)
	require.NoError(t, err)
	assert.Equal(t, int64(42), rec.ProductID)

	stored, err := store.Get(ctx, 42)
	require.NoError(t, err)
	want, _ := emb.Embed(ctx, img)
	assert.Equal(t, want, stored.Vector)

	matches, err := mgr.Query(ctx, want, 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, types.Match{ProductID: 42, Distance: 0}, matches[0])
}

func TestIndexProductStepErrors(t *testing.T) {
	ctx := context.Background()
	img := pngBytes(t, color.Black)

	x, _, _ := newIndexer(t, &stubEmbedder{err: errs.Unavailable("embedder", errors.New("timeout"))}, 2)
	_, err := x.IndexProduct(ctx, 1, img)
	var se *StepError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StepEmbed, se.Step)
	assert.True(t, errors.Is(err, errs.ErrUnavailable))

	x, _, _ = newIndexer(t, &stubEmbedder{vec: types.Vector{1, 2, 3}}, 2)
	_, err = x.IndexProduct(ctx, 1, img)
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StepEmbed, se.Step)
	assert.True(t, errors.Is(err, errs.ErrDimensionMismatch))

	x, _, _ = newIndexer(t, &stubEmbedder{vec: types.Vector{1, 2}}, 2)
	_, err = x.IndexProduct(ctx, 0, img)
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StepStore, se.Step)
	assert.True(t, errors.Is(err, errs.ErrInvalidArgument))

	_, err = x.IndexProduct(ctx, 1, []byte("junk"))
	assert.True(t, errors.Is(err, errs.ErrInvalidArgument))
	assert.False(t, errors.As(err, &se), "input errors are not step errors")
}

func TestRemoveProductCascades(t *testing.T) {
	x, mgr, store := newIndexer(t, &stubEmbedder{vec: types.Vector{1, 2}}, 2)
	ctx := context.Background()

	_, err := x.IndexVector(ctx, 7, types.Vector{1, 2})
	require.NoError(t, err)

	removed, err := x.RemoveProduct(ctx, 7)
	require.NoError(t, err)
	assert.True(t, removed)

	_, err = store.Get(ctx, 7)
	assert.True(t, errors.Is(err, errs.ErrNotFound))
	matches, err := mgr.Query(ctx, types.Vector{1, 2}, 5)
	require.NoError(t, err)
	assert.Empty(t, matches)

	removed, err = x.RemoveProduct(ctx, 7)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestIndexRejectsNonFiniteBeforeStore(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"embedding":[1e39,0.5]}`))
	}))
	defer srv.Close()
	emb, err := embedder.NewHTTPEmbedder(embedder.HTTPConfig{Endpoint: srv.URL, Dimension: 2})
	require.NoError(t, err)
	x, mgr, store := newIndexer(t, emb, 2)

	_, err = x.IndexProduct(ctx, 6, pngBytes(t, color.Black))
	var se *StepError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StepEmbed, se.Step)
	_, err = store.Get(ctx, 6)
	assert.True(t, errors.Is(err, errs.ErrNotFound))

	for _, bad := range []types.Vector{
		{float32(math.Inf(1)), 0},
		{0, float32(math.NaN())},
	} {
		_, err = x.IndexVector(ctx, 7, bad)
		require.ErrorAs(t, err, &se)
		assert.Equal(t, StepStore, se.Step)
		assert.True(t, errors.Is(err, errs.ErrInvalidArgument))
		_, err = store.Get(ctx, 7)
		assert.True(t, errors.Is(err, errs.ErrNotFound), "rejected vector must not reach the store")
	}

	_, err = x.IndexVector(ctx, 8, types.Vector{1, 1})
	require.NoError(t, err)
	require.NoError(t, mgr.RebuildAll(ctx, store))
	assert.Equal(t, 1, mgr.Stats().Live)
}

type recordingCache struct {
	evicted []int64
	err     error
}

func (c *recordingCache) Invalidate(_ context.Context, ids ...int64) error {
	c.evicted = append(c.evicted, ids...)
	return c.err
}

func TestRemoveProductEvictsMetadataCache(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	cat := catalog.NewMemory()
	cat.Put(types.ProductSummary{ID: 7, Name: "Blue vase", Price: "12.00"}, nil)
	cfg := catalog.DefaultRedisConfig()
	cfg.Addr = mr.Addr()
	cached := catalog.NewCachedLookup(cat, catalog.NewRedisClient(cfg), cfg, observability.Discard())

	x, _, _ := newIndexer(t, &stubEmbedder{vec: types.Vector{1, 2}}, 2)
	x.SetMetadataCache(cached)
	_, err := x.IndexVector(ctx, 7, types.Vector{1, 2})
	require.NoError(t, err)

	got, err := cached.LookupMetadata(ctx, []int64{7})
	require.NoError(t, err)
	require.Contains(t, got, int64(7))
	require.True(t, mr.Exists("catalog_similarity:product:7"))

	removed, err := x.RemoveProduct(ctx, 7)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.False(t, mr.Exists("catalog_similarity:product:7"))
}

func TestRemoveProductCacheFailureIsNotFatal(t *testing.T) {
	ctx := context.Background()
	x, mgr, _ := newIndexer(t, &stubEmbedder{vec: types.Vector{1, 2}}, 2)
	rc := &recordingCache{err: errs.Unavailable("cache", errors.New("connection refused"))}
	x.SetMetadataCache(rc)
	_, err := x.IndexVector(ctx, 3, types.Vector{1, 2})
	require.NoError(t, err)

	removed, err := x.RemoveProduct(ctx, 3)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, []int64{3}, rc.evicted)
	assert.Zero(t, mgr.Stats().Live)
}

func TestReindex(t *testing.T) {
	ctx := context.Background()
	emb := embedder.NewHashEmbedder(4)
	x, mgr, store := newIndexer(t, emb, 4)

	cat := catalog.NewMemory()
	for i := int64(1); i <= 12; i++ {
		p := types.ProductSummary{ID: i, Name: "p", Image: fmt.Sprintf("products/%d.png", i)}
		switch {
		case i == 5:
			p.Image = "" // no image
			cat.Put(p, nil)
		case i == 6:
			cat.Put(p, nil) // image file missing
		default:
			cat.Put(p, pngBytes(t, color.Gray{Y: uint8(i * 10)}))
		}
	}

	// Product 3 already has an embedding.
	_, err := store.Upsert(ctx, 3, types.Vector{9, 9, 9, 9})
	require.NoError(t, err)

	report, err := x.Reindex(ctx, cat, false)
	require.NoError(t, err)
	assert.Equal(t, 9, report.Processed)
	assert.Equal(t, 2, report.Skipped)
	assert.Equal(t, 1, report.Errors)
	assert.Equal(t, 10, report.Live)
	assert.Equal(t, 10, mgr.Stats().Live)

	rec, err := store.Get(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, types.Vector{9, 9, 9, 9}, rec.Vector, "existing embedding kept without force")

	report, err = x.Reindex(ctx, cat, true)
	require.NoError(t, err)
	assert.Equal(t, 10, report.Processed)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 1, report.Errors)

	rec, err = store.Get(ctx, 3)
	require.NoError(t, err)
	assert.NotEqual(t, types.Vector{9, 9, 9, 9}, rec.Vector, "force regenerates")
}

func TestReindexCancelled(t *testing.T) {
	x, mgr, _ := newIndexer(t, embedder.NewHashEmbedder(4), 4)
	cat := catalog.NewMemory()
	cat.Put(types.ProductSummary{ID: 1, Image: "a.png"}, pngBytes(t, color.Black))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := x.Reindex(ctx, cat, true)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, mgr.Stats().Live)
}
