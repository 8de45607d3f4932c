package index

import (
	"container/heap"
	"context"
	"iter"
	"math/rand"
	"slices"
	"sync"

	"catalog-similarity-engine/internal/types"
)

const (
	// MaxLevel caps the layer a node can be assigned to.
	MaxLevel = 16

	DefaultM              = 16 // max connections per layer; layer 0 allows 2*M
	DefaultEfConstruction = 40
	DefaultEfSearch       = 50
)

// HNSWConfig tunes the graph.
type HNSWConfig struct {
	M              int   `yaml:"m"`
	EfConstruction int   `yaml:"ef_construction"`
	EfSearch       int   `yaml:"ef_search"`
	Seed           int64 `yaml:"seed"`
}

func DefaultHNSWConfig() HNSWConfig {
	return HNSWConfig{
		M:              DefaultM,
		EfConstruction: DefaultEfConstruction,
		EfSearch:       DefaultEfSearch,
		Seed:           1,
	}
}

func (c HNSWConfig) withDefaults() HNSWConfig {
	d := DefaultHNSWConfig()
	if c.M <= 0 {
		c.M = d.M
	}
	if c.EfConstruction <= 0 {
		c.EfConstruction = d.EfConstruction
	}
	if c.EfSearch <= 0 {
		c.EfSearch = d.EfSearch
	}
	return c
}

// graph is the layered neighbor structure, indexed by slot. Dead slots stay
// in the graph so searches can route through them.
type graph struct {
	entry    int32 // -1 when empty
	maxLevel int
	levels   []int
	links    [][][]int32 // [slot][level]neighbors
}

func newGraph() *graph {
	return &graph{entry: -1, maxLevel: -1}
}

// HNSW is an approximate index over a hierarchical navigable small world
// graph. With EfSearch at or above the slot count it returns exact results.
type HNSW struct {
	dim int
	cfg HNSWConfig

	mu  sync.RWMutex
	rng *rand.Rand
	t   *slotTable
	g   *graph
}

func NewHNSW(dim int, cfg HNSWConfig) *HNSW {
	cfg = cfg.withDefaults()
	return &HNSW{
		dim: dim,
		cfg: cfg,
		rng: rand.New(rand.NewSource(cfg.Seed)),
		t:   newSlotTable(dim),
		g:   newGraph(),
	}
}

func (h *HNSW) InsertOrUpdate(productID types.ProductID, vector types.Vector) error {
	if err := checkVector("index.insert", vector, h.dim); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	slot := h.t.add(productID, vector)
	h.link(h.t, h.g, slot, h.randomLevel())
	return nil
}

func (h *HNSW) Remove(productID types.ProductID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.t.remove(productID)
}

func (h *HNSW) Query(vector types.Vector, k int) ([]types.Match, error) {
	if err := checkQuery(vector, k, h.dim); err != nil {
		return nil, err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	t, g := h.t, h.g
	if g.entry < 0 || len(t.byID) == 0 {
		return []types.Match{}, nil
	}

	ep := g.entry
	for l := g.maxLevel; l > 0; l-- {
		ep = h.greedy(t, g, vector, ep, l)
	}

	// Dead nodes take up beam space, so widen the beam by their count.
	ef := max(h.cfg.EfSearch, k) + t.dead
	found := h.searchLayer(t, g, vector, ep, min(ef, t.len()), 0)

	out := make([]candidate, 0, k)
	for _, c := range found {
		if !t.live[c.slot] {
			continue
		}
		out = append(out, c)
		if len(out) == k {
			break
		}
	}
	return toMatches(t, out), nil
}

// link wires slot into g at the given level.
func (h *HNSW) link(t *slotTable, g *graph, slot int32, level int) {
	g.levels = append(g.levels, level)
	g.links = append(g.links, make([][]int32, level+1))

	if g.entry < 0 {
		g.entry = slot
		g.maxLevel = level
		return
	}

	q := t.vector(slot)
	ep := g.entry

	// 1. Descend to the node's top level greedily.
	for l := g.maxLevel; l > level; l-- {
		ep = h.greedy(t, g, q, ep, l)
	}

	// 2. Connect on every layer from min(level, maxLevel) down to 0.
	for l := min(level, g.maxLevel); l >= 0; l-- {
		found := h.searchLayer(t, g, q, ep, h.cfg.EfConstruction, l)
		m := h.maxLinks(l)
		if len(found) > m {
			found = found[:m]
		}

		neighbors := make([]int32, len(found))
		for i, c := range found {
			neighbors[i] = c.slot
		}
		g.links[slot][l] = neighbors
		for _, n := range neighbors {
			h.addLink(t, g, n, slot, l)
		}

		if len(found) > 0 {
			ep = found[0].slot
		}
	}

	if level > g.maxLevel {
		g.entry = slot
		g.maxLevel = level
	}
}

// addLink adds to as a neighbor of from, keeping only the closest links when
// the layer's degree bound is exceeded.
func (h *HNSW) addLink(t *slotTable, g *graph, from, to int32, level int) {
	links := append(g.links[from][level], to)
	m := h.maxLinks(level)
	if len(links) > m {
		base := t.vector(from)
		cs := make([]candidate, len(links))
		for i, n := range links {
			cs[i] = candidate{slot: n, dist: squaredL2(base, t.vector(n))}
		}
		sortCandidates(cs)
		links = links[:0]
		for _, c := range cs[:m] {
			links = append(links, c.slot)
		}
	}
	g.links[from][level] = links
}

func (h *HNSW) maxLinks(level int) int {
	if level == 0 {
		return 2 * h.cfg.M
	}
	return h.cfg.M
}

// greedy walks to the single nearest node on a level.
func (h *HNSW) greedy(t *slotTable, g *graph, q []float32, ep int32, level int) int32 {
	curr := candidate{slot: ep, dist: squaredL2(q, t.vector(ep))}
	for changed := true; changed; {
		changed = false
		for _, n := range g.links[curr.slot][level] {
			c := candidate{slot: n, dist: squaredL2(q, t.vector(n))}
			if closer(c, curr) {
				curr = c
				changed = true
			}
		}
	}
	return curr.slot
}

// searchLayer runs the ef-bounded beam search on one level and returns the
// results sorted by ascending distance. Dead slots are included.
func (h *HNSW) searchLayer(t *slotTable, g *graph, q []float32, ep int32, ef int, level int) []candidate {
	visited := make([]bool, t.len())
	visited[ep] = true

	start := candidate{slot: ep, dist: squaredL2(q, t.vector(ep))}
	cands := minHeap{start}
	results := maxHeap{start}

	for cands.Len() > 0 {
		c := heap.Pop(&cands).(candidate)
		if results.Len() >= ef && closer(results[0], c) {
			break
		}
		for _, n := range g.links[c.slot][level] {
			if visited[n] {
				continue
			}
			visited[n] = true
			nc := candidate{slot: n, dist: squaredL2(q, t.vector(n))}
			if results.Len() < ef || closer(nc, results[0]) {
				heap.Push(&cands, nc)
				heap.Push(&results, nc)
				if results.Len() > ef {
					heap.Pop(&results)
				}
			}
		}
	}

	out := []candidate(results)
	sortCandidates(out)
	return out
}

func sortCandidates(cs []candidate) {
	slices.SortFunc(cs, func(a, b candidate) int {
		if closer(a, b) {
			return -1
		}
		if closer(b, a) {
			return 1
		}
		return 0
	})
}

func (h *HNSW) randomLevel() int {
	lvl := 0
	for h.rng.Float64() < 0.5 && lvl < MaxLevel {
		lvl++
	}
	return lvl
}

func (h *HNSW) Snapshot() ([]byte, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return encodeSnapshot(KindHNSW, h.t, h.g), nil
}

// Restore accepts flat snapshots too; the graph is then rebuilt from the
// slots.
func (h *HNSW) Restore(data []byte) error {
	t, g, err := decodeSnapshot(data, h.dim)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if g == nil {
		g = newGraph()
		for s := 0; s < t.len(); s++ {
			h.link(t, g, int32(s), h.randomLevel())
		}
	}
	h.t, h.g = t, g
	return nil
}

func (h *HNSW) RebuildFrom(ctx context.Context, records iter.Seq2[types.EmbeddingRecord, error]) error {
	t, g := newSlotTable(h.dim), newGraph()

	err := drain(ctx, h.dim, records, func(rec types.EmbeddingRecord) {
		t.add(rec.ProductID, rec.Vector)
	})
	if err != nil {
		return err
	}

	// The rng is shared with live inserts.
	h.mu.Lock()
	levels := make([]int, t.len())
	for i := range levels {
		levels[i] = h.randomLevel()
	}
	h.mu.Unlock()

	for s := 0; s < t.len(); s++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		h.link(t, g, int32(s), levels[s])
	}

	h.mu.Lock()
	h.t, h.g = t, g
	h.mu.Unlock()
	return nil
}

// Compact rebuilds the graph over live slots only. Node levels are kept.
func (h *HNSW) Compact() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	removed := h.t.dead
	if removed == 0 {
		return 0
	}
	nt, kept := h.t.compacted()
	ng := newGraph()
	for i, old := range kept {
		h.link(nt, ng, int32(i), h.g.levels[old])
	}
	h.t, h.g = nt, ng
	return removed
}

func (h *HNSW) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.t.stats(KindHNSW)
}

var _ SimilarityIndex = (*HNSW)(nil)
