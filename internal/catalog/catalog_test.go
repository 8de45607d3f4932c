package catalog

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catalog-similarity-engine/internal/errs"
	"catalog-similarity-engine/internal/observability"
	"catalog-similarity-engine/internal/types"
)

// countingLookup records which ids reach the backing lookup.
type countingLookup struct {
	mu    sync.Mutex
	inner MetadataLookup
	calls [][]int64
	err   error
}

func (c *countingLookup) LookupMetadata(ctx context.Context, ids []int64) (map[int64]types.ProductSummary, error) {
	c.mu.Lock()
	c.calls = append(c.calls, append([]int64(nil), ids...))
	err := c.err
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return c.inner.LookupMetadata(ctx, ids)
}

func sampleCatalog() *Memory {
	m := NewMemory()
	cat := int64(3)
	m.Put(types.ProductSummary{ID: 1, Name: "Red mug", SKU: "MUG-R", Price: "9.99", StockQuantity: 4, Image: "products/1.png", CategoryID: &cat}, []byte("img-1"))
	m.Put(types.ProductSummary{ID: 2, Name: "Blue mug", SKU: "MUG-B", Price: "10.50", Image: "products/2.png"}, nil)
	m.Put(types.ProductSummary{ID: 5, Name: "Plate", SKU: "PL-1", Price: "4.00"}, nil)
	return m
}

func TestMemoryLookup(t *testing.T) {
	m := sampleCatalog()
	got, err := m.LookupMetadata(context.Background(), []int64{1, 99, 5})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, "Red mug", got[1].Name)
	assert.NotContains(t, got, int64(99))

	m.Delete(1)
	got, _ = m.LookupMetadata(context.Background(), []int64{1})
	assert.Empty(t, got)
}

func TestMemoryProductImages(t *testing.T) {
	m := sampleCatalog()
	var ids []int64
	for pi, err := range m.ProductImages(context.Background()) {
		require.NoError(t, err)
		ids = append(ids, pi.ProductID)
	}
	assert.Equal(t, []int64{1, 2, 5}, ids)

	img, err := m.ReadImage(context.Background(), "products/1.png")
	require.NoError(t, err)
	assert.Equal(t, []byte("img-1"), img)

	_, err = m.ReadImage(context.Background(), "products/2.png")
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestCachedLookupReadThrough(t *testing.T) {
	mr := miniredis.RunT(t)
	backing := &countingLookup{inner: sampleCatalog()}
	cfg := DefaultRedisConfig()
	cfg.Addr = mr.Addr()
	c := NewCachedLookup(backing, NewRedisClient(cfg), cfg, observability.Discard())
	ctx := context.Background()

	got, err := c.LookupMetadata(ctx, []int64{1, 2, 99})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	require.Len(t, backing.calls, 1)
	assert.Equal(t, []int64{1, 2, 99}, backing.calls[0])
	assert.True(t, mr.Exists("catalog_similarity:product:1"))
	assert.Greater(t, mr.TTL("catalog_similarity:product:1"), time.Duration(0))

	// Cached ids are served from redis; only the unknown id goes through.
	got, err = c.LookupMetadata(ctx, []int64{1, 2, 99})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, "Red mug", got[1].Name)
	require.NotNil(t, got[1].CategoryID)
	assert.Equal(t, int64(3), *got[1].CategoryID)
	require.Len(t, backing.calls, 2)
	assert.Equal(t, []int64{99}, backing.calls[1])

	require.NoError(t, c.Invalidate(ctx, 1))
	assert.False(t, mr.Exists("catalog_similarity:product:1"))
}

func TestCachedLookupRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	backing := &countingLookup{inner: sampleCatalog()}
	cfg := DefaultRedisConfig()
	cfg.Addr = mr.Addr()
	cfg.MaxRetries = -1
	c := NewCachedLookup(backing, NewRedisClient(cfg), cfg, observability.Discard())
	mr.Close()

	got, err := c.LookupMetadata(context.Background(), []int64{1, 5})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestCachedLookupBackingFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	backing := &countingLookup{inner: sampleCatalog(), err: errs.Unavailable("catalog.lookup", errors.New("db down"))}
	cfg := DefaultRedisConfig()
	cfg.Addr = mr.Addr()
	c := NewCachedLookup(backing, NewRedisClient(cfg), cfg, observability.Discard())

	_, err := c.LookupMetadata(context.Background(), []int64{1})
	assert.True(t, errors.Is(err, errs.ErrUnavailable))
}

func TestReadMediaStaysInRoot(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "products"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "products", "1.png"), []byte("png"), 0o644))

	data, err := readMedia(root, "products/1.png")
	require.NoError(t, err)
	assert.Equal(t, []byte("png"), data)

	_, err = readMedia(root, "products/missing.png")
	assert.True(t, errors.Is(err, errs.ErrNotFound), "got %v", err)

	_, err = readMedia(root, "../../etc/passwd")
	assert.True(t, errors.Is(err, errs.ErrInvalidArgument), "got %v", err)
}

func TestPostgresCatalog(t *testing.T) {
	dsn := os.Getenv("CATALOG_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CATALOG_TEST_POSTGRES_DSN not set")
	}
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	_, err = db.ExecContext(ctx, `
		DROP TABLE IF EXISTS catalogue_product;
		CREATE TABLE catalogue_product (
			id BIGINT PRIMARY KEY,
			name TEXT NOT NULL,
			sku TEXT NOT NULL,
			description TEXT,
			price NUMERIC(10,2) NOT NULL,
			stock_quantity INT NOT NULL DEFAULT 0,
			image TEXT,
			category_id BIGINT,
			is_active BOOLEAN NOT NULL DEFAULT true
		);
		INSERT INTO catalogue_product (id, name, sku, price, image, category_id, is_active) VALUES
			(1, 'Red mug', 'MUG-R', 9.99, 'products/1.png', 3, true),
			(2, 'Old mug', 'MUG-O', 5.00, NULL, NULL, false),
			(3, 'Plate', 'PL-1', 4.00, NULL, NULL, true);`)
	require.NoError(t, err)

	c := NewPostgresCatalog(db, t.TempDir())
	got, err := c.LookupMetadata(ctx, []int64{1, 2, 3, 4})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, "9.99", got[1].Price)
	assert.Nil(t, got[3].CategoryID)

	var refs []ProductImage
	for pi, err := range c.ProductImages(ctx) {
		require.NoError(t, err)
		refs = append(refs, pi)
	}
	assert.Equal(t, []ProductImage{{ProductID: 1, Image: "products/1.png"}, {ProductID: 3}}, refs)
}
