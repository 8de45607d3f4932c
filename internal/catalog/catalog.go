// Package catalog resolves product ids to the product metadata shown with
// search results, and lists product images for re-embedding.
package catalog

import (
	"context"
	"iter"
	"slices"
	"sync"

	"catalog-similarity-engine/internal/errs"
	"catalog-similarity-engine/internal/types"
)

// MetadataLookup resolves product ids. Ids without metadata (deleted or
// inactive products) are absent from the result; that is not an error.
type MetadataLookup interface {
	LookupMetadata(ctx context.Context, ids []int64) (map[int64]types.ProductSummary, error)
}

// ProductImage references the stored image of one product.
type ProductImage struct {
	ProductID int64
	Image     string // path relative to the media root; empty if none
}

// ImageSource lists products with their images and reads image bytes.
type ImageSource interface {
	ProductImages(ctx context.Context) iter.Seq2[ProductImage, error]
	ReadImage(ctx context.Context, ref string) ([]byte, error)
}

// Memory is an in-process catalog for tests and development.
type Memory struct {
	mu       sync.RWMutex
	products map[int64]types.ProductSummary
	images   map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{
		products: make(map[int64]types.ProductSummary),
		images:   make(map[string][]byte),
	}
}

// Put adds or replaces a product. If img is non-nil it is stored under p.Image.
func (m *Memory) Put(p types.ProductSummary, img []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products[p.ID] = p
	if img != nil {
		m.images[p.Image] = img
	}
}

func (m *Memory) Delete(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.products, id)
}

func (m *Memory) LookupMetadata(ctx context.Context, ids []int64) (map[int64]types.ProductSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[int64]types.ProductSummary, len(ids))
	for _, id := range ids {
		if p, ok := m.products[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (m *Memory) ProductImages(ctx context.Context) iter.Seq2[ProductImage, error] {
	return func(yield func(ProductImage, error) bool) {
		m.mu.RLock()
		ids := make([]int64, 0, len(m.products))
		refs := make(map[int64]string, len(m.products))
		for id, p := range m.products {
			ids = append(ids, id)
			refs[id] = p.Image
		}
		m.mu.RUnlock()
		slices.Sort(ids)

		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				yield(ProductImage{}, err)
				return
			}
			if !yield(ProductImage{ProductID: id, Image: refs[id]}, nil) {
				return
			}
		}
	}
}

func (m *Memory) ReadImage(_ context.Context, ref string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	img, ok := m.images[ref]
	if !ok {
		return nil, errs.NotFound("catalog.read_image", "image %q", ref)
	}
	return img, nil
}

var (
	_ MetadataLookup = (*Memory)(nil)
	_ ImageSource    = (*Memory)(nil)
)
