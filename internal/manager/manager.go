// Package manager owns the process-wide similarity index: it loads the index
// from its snapshot on first use, serializes writers, and writes a snapshot
// after every mutation.
package manager

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"catalog-similarity-engine/internal/codec"
	"catalog-similarity-engine/internal/errs"
	"catalog-similarity-engine/internal/index"
	"catalog-similarity-engine/internal/metrics"
	"catalog-similarity-engine/internal/snapshot"
	"catalog-similarity-engine/internal/storage"
	"catalog-similarity-engine/internal/types"
)

// Options tunes a Manager.
type Options struct {
	Logger *slog.Logger

	// CompactRatio triggers compaction after a write once dead/slots exceeds
	// it. Zero disables auto-compaction.
	CompactRatio float64

	// CompactMinDead is the minimum number of dead slots before auto-compaction.
	CompactMinDead int

	// SaveTimeout bounds one snapshot write. Zero means no bound.
	SaveTimeout time.Duration
}

// Stats reports the index and its persistence state.
type Stats struct {
	index.Stats

	Loaded               bool      `json:"loaded"`
	Dirty                bool      `json:"dirty"` // in-memory state newer than the snapshot
	RecoveredFromCorrupt bool      `json:"recovered_from_corrupt"`
	SnapshotUnread       bool      `json:"snapshot_unread"` // writes held off the snapshot until a rebuild
	LastPersisted        time.Time `json:"last_persisted,omitempty"`
	SnapshotLocation     string    `json:"snapshot_location"`
}

var errSnapshotUnread = errors.New("stored snapshot was not read at startup; rebuild required before writes persist")

// Manager coordinates access to one SimilarityIndex. Readers share the index;
// writers are serialized and hold the exclusive lock for mutate plus snapshot
// write. Create one per process and pass it to every caller.
type Manager struct {
	idx       index.SimilarityIndex
	snapshots snapshot.Store
	dim       int
	opts      Options
	log       *slog.Logger

	writers mutex  // serializes mutations and rebuilds
	rw      rwLock // guards the fields below and index reads
	loaded  atomic.Bool

	dirty         bool
	recovered     bool
	unread        bool // a snapshot may exist that we failed to read
	lastPersisted time.Time
}

// New wraps an empty index. Nothing is loaded until first use.
func New(idx index.SimilarityIndex, snapshots snapshot.Store, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		idx:       idx,
		snapshots: snapshots,
		dim:       idx.Stats().Dimension,
		opts:      opts,
		log:       logger.With("component", "index_manager"),
		writers:   newMutex(),
	}
}

// Dimension is the vector length the index accepts.
func (m *Manager) Dimension() int { return m.dim }

// ensureLoaded restores the snapshot on first use. A missing snapshot starts
// an empty index; an unreadable or corrupt one is logged and also starts
// empty, so the process keeps serving until a rebuild. A snapshot that could
// not be read at all (as opposed to one that failed to decode) may still be
// good, so snapshot writes are refused until RebuildAll replaces it.
func (m *Manager) ensureLoaded(ctx context.Context) error {
	if m.loaded.Load() {
		return nil
	}
	if err := m.rw.Lock(ctx); err != nil {
		return err
	}
	defer m.rw.Unlock()
	if m.loaded.Load() {
		return nil
	}

	start := time.Now()
	data, err := m.snapshots.Load(ctx)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		m.log.Info("no index snapshot, starting empty", "location", m.snapshots.Location())
	case ctx.Err() != nil:
		return ctx.Err()
	case err != nil:
		m.recovered = true
		m.unread = true
		m.log.Error("index snapshot unreadable, starting empty; writes will not replace it until a rebuild succeeds",
			"location", m.snapshots.Location(), "error", err)
	default:
		if err := m.idx.Restore(data); err != nil {
			m.recovered = true
			m.log.Error("index snapshot corrupt, starting empty; run a rebuild to recover",
				"location", m.snapshots.Location(), "bytes", len(data), "error", err)
		} else {
			st := m.idx.Stats()
			m.log.Info("index snapshot loaded",
				"location", m.snapshots.Location(),
				"live", st.Live, "dead", st.Dead,
				"duration", time.Since(start))
		}
	}
	m.publish()
	m.loaded.Store(true)
	return nil
}

// InsertOrUpdate makes vector the live entry for productID and persists a
// snapshot. If the snapshot write fails the in-memory update is kept, the
// manager is marked dirty and a StorageFailure is returned.
func (m *Manager) InsertOrUpdate(ctx context.Context, productID types.ProductID, vector types.Vector) (err error) {
	defer func() { metrics.RecordIndexOp("insert", err) }()

	if err := codec.Validate(vector, m.dim); err != nil {
		return err
	}
	if productID <= 0 {
		return errs.InvalidArgument("manager.insert", "product id must be positive, got %d", productID)
	}
	return m.write(ctx, func() (bool, error) {
		if err := m.idx.InsertOrUpdate(productID, vector); err != nil {
			return false, err
		}
		return true, nil
	})
}

// Remove tombstones productID's entry and persists a snapshot. Removing an
// absent product is not an error and writes nothing.
func (m *Manager) Remove(ctx context.Context, productID types.ProductID) (removed bool, err error) {
	defer func() { metrics.RecordIndexOp("remove", err) }()

	err = m.write(ctx, func() (bool, error) {
		removed = m.idx.Remove(productID)
		return removed, nil
	})
	return removed, err
}

// Compact drops dead slots and persists the result.
func (m *Manager) Compact(ctx context.Context) (removed int, err error) {
	defer func() { metrics.RecordIndexOp("compact", err) }()

	err = m.write(ctx, func() (bool, error) {
		removed = m.idx.Compact()
		return removed > 0, nil
	})
	return removed, err
}

// write runs mutate under both locks and persists when it changed anything.
func (m *Manager) write(ctx context.Context, mutate func() (bool, error)) error {
	if err := m.ensureLoaded(ctx); err != nil {
		return err
	}
	if err := m.writers.Lock(ctx); err != nil {
		return err
	}
	defer m.writers.Unlock()
	if err := m.rw.Lock(ctx); err != nil {
		return err
	}
	defer m.rw.Unlock()

	changed, err := mutate()
	if err != nil || !changed {
		return err
	}
	m.maybeCompact()
	return m.persistLocked(ctx)
}

func (m *Manager) maybeCompact() {
	if m.opts.CompactRatio <= 0 {
		return
	}
	st := m.idx.Stats()
	if st.Dead < m.opts.CompactMinDead || st.Slots == 0 {
		return
	}
	if float64(st.Dead)/float64(st.Slots) <= m.opts.CompactRatio {
		return
	}
	removed := m.idx.Compact()
	m.log.Info("index compacted", "removed", removed, "live", st.Live)
}

// persistLocked writes a snapshot. The caller holds the exclusive lock. The
// write is not abandoned when ctx is cancelled: the mutation has already
// happened and the snapshot should follow it.
func (m *Manager) persistLocked(ctx context.Context) error {
	if m.unread {
		m.dirty = true
		m.log.Warn("snapshot write held back; the stored snapshot was never read, run a rebuild",
			"location", m.snapshots.Location())
		return errs.StorageFailure("manager.persist", errSnapshotUnread)
	}

	saveCtx := context.WithoutCancel(ctx)
	if m.opts.SaveTimeout > 0 {
		var cancel context.CancelFunc
		saveCtx, cancel = context.WithTimeout(saveCtx, m.opts.SaveTimeout)
		defer cancel()
	}

	start := time.Now()
	data, err := m.idx.Snapshot()
	if err == nil {
		err = m.snapshots.Save(saveCtx, data)
	}
	metrics.ObserveSnapshotWrite(time.Since(start), len(data), err)
	defer m.publish()

	if err != nil {
		m.dirty = true
		m.log.Error("snapshot write failed; in-memory index is ahead of the snapshot",
			"location", m.snapshots.Location(), "error", err)
		if errs.KindOf(err) != errs.KindStorageFailure {
			err = errs.StorageFailure("manager.persist", err)
		}
		return err
	}
	m.dirty = false
	m.lastPersisted = time.Now().UTC()
	return nil
}

// Query returns up to k nearest live entries. Waiting for the read lock
// honours ctx.
func (m *Manager) Query(ctx context.Context, vector types.Vector, k int) (matches []types.Match, err error) {
	defer func() { metrics.RecordIndexOp("query", err) }()

	if err := m.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	if err := m.rw.RLock(ctx); err != nil {
		return nil, err
	}
	defer m.rw.RUnlock()
	return m.idx.Query(vector, k)
}

// RebuildAll replaces the index with every record in store and persists it.
// The new index is built aside: queries keep reading the old one until the
// swap, and a failed or cancelled rebuild leaves it in place. Writers wait
// for the rebuild to finish.
func (m *Manager) RebuildAll(ctx context.Context, store storage.EmbeddingStore) (err error) {
	defer func() { metrics.RecordIndexOp("rebuild", err) }()

	if err := m.ensureLoaded(ctx); err != nil {
		return err
	}
	if err := m.writers.Lock(ctx); err != nil {
		return err
	}
	defer m.writers.Unlock()

	start := time.Now()
	m.log.Info("index rebuild started")
	if err := m.idx.RebuildFrom(ctx, store.All(ctx)); err != nil {
		m.log.Error("index rebuild failed; previous index kept", "error", err)
		return err
	}

	if err := m.rw.Lock(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	defer m.rw.Unlock()
	m.recovered = false
	m.unread = false
	if err := m.persistLocked(ctx); err != nil {
		return err
	}
	st := m.idx.Stats()
	m.log.Info("index rebuild finished", "live", st.Live, "duration", time.Since(start))
	return nil
}

// Persist writes a snapshot of the current state.
func (m *Manager) Persist(ctx context.Context) (err error) {
	defer func() { metrics.RecordIndexOp("persist", err) }()

	if err := m.ensureLoaded(ctx); err != nil {
		return err
	}
	if err := m.writers.Lock(ctx); err != nil {
		return err
	}
	defer m.writers.Unlock()
	if err := m.rw.Lock(ctx); err != nil {
		return err
	}
	defer m.rw.Unlock()
	return m.persistLocked(ctx)
}

// Flush persists only if the last snapshot write failed. Call on shutdown.
func (m *Manager) Flush(ctx context.Context) error {
	if !m.loaded.Load() || !m.Stats().Dirty {
		return nil
	}
	return m.Persist(ctx)
}

// Stats reports the index occupancy and persistence state without loading.
func (m *Manager) Stats() Stats {
	m.rw.mu.RLock()
	defer m.rw.mu.RUnlock()
	return Stats{
		Stats:                m.idx.Stats(),
		Loaded:               m.loaded.Load(),
		Dirty:                m.dirty,
		RecoveredFromCorrupt: m.recovered,
		SnapshotUnread:       m.unread,
		LastPersisted:        m.lastPersisted,
		SnapshotLocation:     m.snapshots.Location(),
	}
}

// Load forces the lazy load. Servers call it at startup to warm the index.
func (m *Manager) Load(ctx context.Context) error {
	return m.ensureLoaded(ctx)
}

func (m *Manager) publish() {
	st := m.idx.Stats()
	metrics.SetIndexEntries(st.Live, st.Dead)
}
