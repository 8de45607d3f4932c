package index

import (
	"catalog-similarity-engine/internal/types"
)

// slotTable is the append-only slot storage shared by both indexes. Vectors
// live in one contiguous buffer, slot i at [i*dim, (i+1)*dim).
type slotTable struct {
	dim  int
	ids  []int64
	live []bool
	vecs []float32
	byID map[int64]int32
	dead int
}

func newSlotTable(dim int) *slotTable {
	return &slotTable{dim: dim, byID: make(map[int64]int32)}
}

func (t *slotTable) len() int { return len(t.ids) }

func (t *slotTable) vector(slot int32) []float32 {
	off := int(slot) * t.dim
	return t.vecs[off : off+t.dim : off+t.dim]
}

// add appends a live slot for id and tombstones the previous one.
func (t *slotTable) add(id int64, v types.Vector) int32 {
	slot := int32(len(t.ids))
	t.ids = append(t.ids, id)
	t.live = append(t.live, true)
	t.vecs = append(t.vecs, v...)
	if prev, ok := t.byID[id]; ok {
		t.live[prev] = false
		t.dead++
	}
	t.byID[id] = slot
	return slot
}

func (t *slotTable) remove(id int64) bool {
	slot, ok := t.byID[id]
	if !ok {
		return false
	}
	t.live[slot] = false
	t.dead++
	delete(t.byID, id)
	return true
}

// liveSlots lists live slots in slot order.
func (t *slotTable) liveSlots() []int32 {
	out := make([]int32, 0, len(t.byID))
	for i, ok := range t.live {
		if ok {
			out = append(out, int32(i))
		}
	}
	return out
}

// compacted copies the live slots into a new table, preserving their order.
func (t *slotTable) compacted() (*slotTable, []int32) {
	kept := t.liveSlots()
	nt := newSlotTable(t.dim)
	nt.ids = make([]int64, 0, len(kept))
	nt.live = make([]bool, 0, len(kept))
	nt.vecs = make([]float32, 0, len(kept)*t.dim)
	for _, s := range kept {
		nt.add(t.ids[s], t.vector(s))
	}
	return nt, kept
}

func (t *slotTable) stats(kind Kind) Stats {
	return Stats{
		Kind:      kind,
		Dimension: t.dim,
		Live:      len(t.byID),
		Dead:      t.dead,
		Slots:     len(t.ids),
	}
}

// candidate is a slot with its distance to a query.
type candidate struct {
	slot int32
	dist float64
}

// closer orders by distance, then by slot so ties are deterministic.
func closer(a, b candidate) bool {
	if a.dist != b.dist {
		return a.dist < b.dist
	}
	return a.slot < b.slot
}

// minHeap pops the closest candidate first.
type minHeap []candidate

func (h minHeap) Len() int           { return len(h) }
func (h minHeap) Less(i, j int) bool { return closer(h[i], h[j]) }
func (h minHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x any)        { *h = append(*h, x.(candidate)) }
func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// maxHeap keeps the farthest candidate on top.
type maxHeap []candidate

func (h maxHeap) Len() int           { return len(h) }
func (h maxHeap) Less(i, j int) bool { return closer(h[j], h[i]) }
func (h maxHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x any)        { *h = append(*h, x.(candidate)) }
func (h *maxHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func toMatches(t *slotTable, cs []candidate) []types.Match {
	out := make([]types.Match, len(cs))
	for i, c := range cs {
		out[i] = types.Match{ProductID: t.ids[c.slot], Distance: float32(c.dist)}
	}
	return out
}
