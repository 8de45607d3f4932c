package index

import (
	"encoding/binary"
	"hash/crc32"
	"math"

	"catalog-similarity-engine/internal/codec"
	"catalog-similarity-engine/internal/errs"
)

// Snapshot layout, all integers little-endian:
//
//	magic "PSIX" | version u32 | kind u8 | dim u32 | slots u32
//	per slot: product id i64 | live u8 | dim x float32
//	hnsw only: entry i32 | max level i32
//	           per slot: level u32, then per layer: count u32, count x u32
//	crc32 (IEEE) of everything above
const (
	snapshotMagic   = "PSIX"
	snapshotVersion = 1

	kindByteFlat = 1
	kindByteHNSW = 2

	headerSize = 4 + 4 + 1 + 4 + 4
)

func encodeSnapshot(kind Kind, t *slotTable, g *graph) []byte {
	size := headerSize + t.len()*(8+1+t.dim*codec.ValueSize) + 4
	buf := make([]byte, 0, size)

	buf = append(buf, snapshotMagic...)
	buf = binary.LittleEndian.AppendUint32(buf, snapshotVersion)
	if kind == KindHNSW {
		buf = append(buf, kindByteHNSW)
	} else {
		buf = append(buf, kindByteFlat)
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(t.dim))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(t.len()))

	for s := 0; s < t.len(); s++ {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(t.ids[s]))
		if t.live[s] {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
		buf = codec.AppendEncoded(buf, t.vector(int32(s)))
	}

	if kind == KindHNSW {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(g.entry))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(int32(g.maxLevel)))
		for s := 0; s < t.len(); s++ {
			buf = binary.LittleEndian.AppendUint32(buf, uint32(g.levels[s]))
			for _, links := range g.links[s] {
				buf = binary.LittleEndian.AppendUint32(buf, uint32(len(links)))
				for _, n := range links {
					buf = binary.LittleEndian.AppendUint32(buf, uint32(n))
				}
			}
		}
	}

	return binary.LittleEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf))
}

// reader is a bounds-checked cursor; the first short read sets err.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.buf)-r.off < n {
		r.err = errs.CorruptSnapshot("index.restore", "truncated at offset %d", r.off)
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() byte {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (r *reader) u64() uint64 {
	if b := r.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (r *reader) remaining() int { return len(r.buf) - r.off }

// decodeSnapshot parses and validates a snapshot for an index of dimension
// dim. The graph is nil for flat snapshots.
func decodeSnapshot(data []byte, dim int) (*slotTable, *graph, error) {
	corrupt := func(format string, args ...any) (*slotTable, *graph, error) {
		return nil, nil, errs.CorruptSnapshot("index.restore", format, args...)
	}

	if len(data) < headerSize+4 {
		return corrupt("snapshot too short: %d bytes", len(data))
	}
	body, trailer := data[:len(data)-4], data[len(data)-4:]
	if crc32.ChecksumIEEE(body) != binary.LittleEndian.Uint32(trailer) {
		return corrupt("checksum mismatch")
	}

	r := &reader{buf: body}
	if string(r.take(4)) != snapshotMagic {
		return corrupt("bad magic")
	}
	if v := r.u32(); v != snapshotVersion {
		return corrupt("unsupported version %d", v)
	}
	kind := r.u8()
	if kind != kindByteFlat && kind != kindByteHNSW {
		return corrupt("unknown index kind %d", kind)
	}
	if d := r.u32(); int(d) != dim {
		return corrupt("dimension %d, index expects %d", d, dim)
	}
	n := int(r.u32())
	slotSize := 8 + 1 + dim*codec.ValueSize
	if n < 0 || n > r.remaining()/slotSize {
		return corrupt("slot count %d exceeds payload", n)
	}

	t := newSlotTable(dim)
	t.ids = make([]int64, 0, n)
	t.live = make([]bool, 0, n)
	t.vecs = make([]float32, 0, n*dim)
	for s := 0; s < n; s++ {
		id := int64(r.u64())
		flag := r.u8()
		raw := r.take(dim * codec.ValueSize)
		if r.err != nil {
			return nil, nil, r.err
		}
		if flag > 1 {
			return corrupt("slot %d: bad live flag %d", s, flag)
		}
		vec, err := codec.Decode(raw)
		if err != nil {
			return corrupt("slot %d: %v", s, err)
		}
		t.ids = append(t.ids, id)
		t.vecs = append(t.vecs, vec...)
		if flag == 1 {
			if _, dup := t.byID[id]; dup {
				return corrupt("product %d has two live slots", id)
			}
			t.byID[id] = int32(s)
			t.live = append(t.live, true)
		} else {
			t.live = append(t.live, false)
			t.dead++
		}
	}

	if kind == kindByteFlat {
		if r.remaining() != 0 {
			return corrupt("%d trailing bytes", r.remaining())
		}
		return t, nil, nil
	}

	g, err := decodeGraph(r, n)
	if err != nil {
		return nil, nil, err
	}
	return t, g, nil
}

func decodeGraph(r *reader, n int) (*graph, error) {
	corrupt := func(format string, args ...any) (*graph, error) {
		return nil, errs.CorruptSnapshot("index.restore", format, args...)
	}

	g := &graph{
		entry:    int32(r.u32()),
		maxLevel: int(int32(r.u32())),
		levels:   make([]int, n),
		links:    make([][][]int32, n),
	}
	if r.err != nil {
		return nil, r.err
	}
	if n == 0 {
		if g.entry != -1 || g.maxLevel != -1 {
			return corrupt("empty graph with entry %d", g.entry)
		}
	} else {
		if g.entry < 0 || int(g.entry) >= n {
			return corrupt("entry slot %d out of range", g.entry)
		}
		if g.maxLevel < 0 || g.maxLevel > MaxLevel {
			return corrupt("max level %d out of range", g.maxLevel)
		}
	}

	for s := 0; s < n; s++ {
		level := r.u32()
		if r.err != nil {
			return nil, r.err
		}
		if int64(level) > int64(g.maxLevel) {
			return corrupt("slot %d: level %d above max %d", s, level, g.maxLevel)
		}
		g.levels[s] = int(level)
		g.links[s] = make([][]int32, level+1)
		for l := range g.links[s] {
			count := r.u32()
			if r.err != nil {
				return nil, r.err
			}
			if uint64(count) > uint64(n) || int(count) > r.remaining()/4 {
				return corrupt("slot %d: %d links on level %d", s, count, l)
			}
			links := make([]int32, count)
			for i := range links {
				nb := r.u32()
				if nb >= uint32(n) || nb > math.MaxInt32 {
					return corrupt("slot %d: neighbor %d out of range", s, nb)
				}
				links[i] = int32(nb)
			}
			g.links[s][l] = links
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	if n > 0 && g.levels[g.entry] != g.maxLevel {
		return corrupt("entry slot %d is not on the top level", g.entry)
	}
	if r.remaining() != 0 {
		return corrupt("%d trailing bytes", r.remaining())
	}

	// Neighbors must exist on the layers they are linked on.
	for s := range g.links {
		for l, links := range g.links[s] {
			for _, nb := range links {
				if g.levels[nb] < l {
					return corrupt("slot %d: neighbor %d missing on level %d", s, nb, l)
				}
			}
		}
	}
	return g, nil
}
