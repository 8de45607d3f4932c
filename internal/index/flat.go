package index

import (
	"container/heap"
	"context"
	"iter"
	"slices"
	"sync"

	"catalog-similarity-engine/internal/types"
)

// Flat is an exact index: every query scans all live slots.
type Flat struct {
	dim int

	mu sync.RWMutex
	t  *slotTable
}

func NewFlat(dim int) *Flat {
	return &Flat{dim: dim, t: newSlotTable(dim)}
}

func (f *Flat) InsertOrUpdate(productID types.ProductID, vector types.Vector) error {
	if err := checkVector("index.insert", vector, f.dim); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t.add(productID, vector)
	return nil
}

func (f *Flat) Remove(productID types.ProductID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t.remove(productID)
}

func (f *Flat) Query(vector types.Vector, k int) ([]types.Match, error) {
	if err := checkQuery(vector, k, f.dim); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return toMatches(f.t, scanTopK(f.t, vector, k)), nil
}

// scanTopK keeps the k closest live slots in a bounded max-heap.
func scanTopK(t *slotTable, q []float32, k int) []candidate {
	h := make(maxHeap, 0, min(k, len(t.byID)))
	for i, live := range t.live {
		if !live {
			continue
		}
		c := candidate{slot: int32(i), dist: squaredL2(q, t.vector(int32(i)))}
		if h.Len() < k {
			heap.Push(&h, c)
		} else if closer(c, h[0]) {
			h[0] = c
			heap.Fix(&h, 0)
		}
	}
	out := []candidate(h)
	slices.SortFunc(out, func(a, b candidate) int {
		if closer(a, b) {
			return -1
		}
		return 1
	})
	return out
}

func (f *Flat) Snapshot() ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return encodeSnapshot(KindFlat, f.t, nil), nil
}

// Restore accepts HNSW snapshots too; the graph section is ignored.
func (f *Flat) Restore(data []byte) error {
	t, _, err := decodeSnapshot(data, f.dim)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.t = t
	f.mu.Unlock()
	return nil
}

func (f *Flat) RebuildFrom(ctx context.Context, records iter.Seq2[types.EmbeddingRecord, error]) error {
	t := newSlotTable(f.dim)
	err := drain(ctx, f.dim, records, func(rec types.EmbeddingRecord) {
		t.add(rec.ProductID, rec.Vector)
	})
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.t = t
	f.mu.Unlock()
	return nil
}

func (f *Flat) Compact() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	removed := f.t.dead
	if removed == 0 {
		return 0
	}
	f.t, _ = f.t.compacted()
	return removed
}

func (f *Flat) Stats() Stats {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.t.stats(KindFlat)
}

var _ SimilarityIndex = (*Flat)(nil)
