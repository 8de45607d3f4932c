package storage

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"catalog-similarity-engine/internal/errs"
	"catalog-similarity-engine/internal/types"
)

var badgerPrefix = []byte("emb/")

// BadgerOptions configures a BadgerStore.
type BadgerOptions struct {
	// Dir holds the badger data files. Required unless InMemory is set.
	Dir string

	// InMemory runs badger without disk persistence. Tests only.
	InMemory bool

	// SyncWrites makes every commit fsync before returning.
	SyncWrites bool

	Logger *slog.Logger
}

// BadgerStore implements EmbeddingStore on BadgerDB.
type BadgerStore struct {
	db  *badger.DB
	dim int
	now func() time.Time
}

func NewBadgerStore(opts BadgerOptions, dim int) (*BadgerStore, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("invalid dim: %d", dim)
	}
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("badger: Dir is required for on-disk mode")
	}
	dbOpts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	}
	dbOpts = dbOpts.WithSyncWrites(opts.SyncWrites)

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dbOpts = dbOpts.WithLogger(badgerLogger{logger.With("component", "badger")})

	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, errs.StorageFailure("badger.open", err)
	}
	return &BadgerStore{db: db, dim: dim, now: func() time.Time { return time.Now().UTC() }}, nil
}

func badgerKey(id types.ProductID) []byte {
	return append(append([]byte{}, badgerPrefix...), recordKey(id)...)
}

func (s *BadgerStore) Upsert(ctx context.Context, productID types.ProductID, vector types.Vector) (types.EmbeddingRecord, error) {
	if err := ctx.Err(); err != nil {
		return types.EmbeddingRecord{}, err
	}
	var rec types.EmbeddingRecord
	err := s.db.Update(func(txn *badger.Txn) error {
		key := badgerKey(productID)

		var prev *types.EmbeddingRecord
		item, err := txn.Get(key)
		switch {
		case err == nil:
			data, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			p, err := unmarshalRecord(data)
			if err != nil {
				return err
			}
			prev = &p
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}

		rec, err = prepareUpsert("badger.upsert", s.dim, productID, vector, prev, s.now())
		if err != nil {
			return err
		}
		data, err := marshalRecord(rec)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
	if err != nil {
		return types.EmbeddingRecord{}, wrapStorage("badger.upsert", err)
	}
	return rec, nil
}

func (s *BadgerStore) Get(ctx context.Context, productID types.ProductID) (types.EmbeddingRecord, error) {
	if err := ctx.Err(); err != nil {
		return types.EmbeddingRecord{}, err
	}
	var rec types.EmbeddingRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(productID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return errs.NotFound("badger.get", "embedding for product %d", productID)
		}
		if err != nil {
			return err
		}
		data, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		rec, err = unmarshalRecord(data)
		return err
	})
	if err != nil {
		return types.EmbeddingRecord{}, wrapStorage("badger.get", err)
	}
	return rec, nil
}

func (s *BadgerStore) All(ctx context.Context) iter.Seq2[types.EmbeddingRecord, error] {
	return func(yield func(types.EmbeddingRecord, error) bool) {
		stopped := false
		err := s.db.View(func(txn *badger.Txn) error {
			iterOpts := badger.DefaultIteratorOptions
			iterOpts.Prefix = badgerPrefix
			it := txn.NewIterator(iterOpts)
			defer it.Close()

			for it.Seek(badgerPrefix); it.ValidForPrefix(badgerPrefix); it.Next() {
				if err := ctx.Err(); err != nil {
					return err
				}
				item := it.Item()
				data, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				rec, err := unmarshalRecord(data)
				if err != nil {
					return fmt.Errorf("decode product %d: %w", keyProductID(item.Key()[len(badgerPrefix):]), err)
				}
				if !yield(rec, nil) {
					stopped = true
					return nil
				}
			}
			return nil
		})
		if err != nil && !stopped {
			yield(types.EmbeddingRecord{}, wrapStorage("badger.all", err))
		}
	}
}

func (s *BadgerStore) Delete(ctx context.Context, productID types.ProductID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(badgerKey(productID))
	})
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return errs.StorageFailure("badger.delete", err)
	}
	return nil
}

func (s *BadgerStore) Count(ctx context.Context) (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = badgerPrefix
		iterOpts.PrefetchValues = false
		it := txn.NewIterator(iterOpts)
		defer it.Close()
		for it.Seek(badgerPrefix); it.ValidForPrefix(badgerPrefix); it.Next() {
			n++
		}
		return ctx.Err()
	})
	if err != nil {
		return 0, wrapStorage("badger.count", err)
	}
	return n, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// badgerLogger routes badger's printf-style logging to slog. Info and debug
// output is dropped.
type badgerLogger struct {
	log *slog.Logger
}

func (l badgerLogger) Errorf(f string, v ...interface{})   { l.log.Error(fmt.Sprintf(f, v...)) }
func (l badgerLogger) Warningf(f string, v ...interface{}) { l.log.Warn(fmt.Sprintf(f, v...)) }
func (badgerLogger) Infof(string, ...interface{})          {}
func (badgerLogger) Debugf(string, ...interface{})         {}

var _ EmbeddingStore = (*BadgerStore)(nil)
