package storage

import (
	"context"
	"fmt"
	"iter"
	"time"

	"go.etcd.io/bbolt"

	"catalog-similarity-engine/internal/errs"
	"catalog-similarity-engine/internal/types"
)

var bucketEmbeddings = []byte("embeddings")

// BoltStore implements EmbeddingStore on a single bbolt file. Every Update
// commits with fsync, so Upsert is durable when it returns.
type BoltStore struct {
	db  *bbolt.DB
	dim int
	now func() time.Time
}

func NewBoltStore(path string, dim int) (*BoltStore, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("invalid dim: %d", dim)
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errs.StorageFailure("bolt.open", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEmbeddings)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errs.StorageFailure("bolt.open", err)
	}

	return &BoltStore{db: db, dim: dim, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *BoltStore) Upsert(ctx context.Context, productID types.ProductID, vector types.Vector) (types.EmbeddingRecord, error) {
	if err := ctx.Err(); err != nil {
		return types.EmbeddingRecord{}, err
	}
	var rec types.EmbeddingRecord
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEmbeddings)
		key := recordKey(productID)

		var prev *types.EmbeddingRecord
		if data := b.Get(key); data != nil {
			p, err := unmarshalRecord(data)
			if err != nil {
				return err
			}
			prev = &p
		}

		var err error
		rec, err = prepareUpsert("bolt.upsert", s.dim, productID, vector, prev, s.now())
		if err != nil {
			return err
		}
		data, err := marshalRecord(rec)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
	if err != nil {
		return types.EmbeddingRecord{}, wrapStorage("bolt.upsert", err)
	}
	return rec, nil
}

func (s *BoltStore) Get(ctx context.Context, productID types.ProductID) (types.EmbeddingRecord, error) {
	if err := ctx.Err(); err != nil {
		return types.EmbeddingRecord{}, err
	}
	var rec types.EmbeddingRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketEmbeddings).Get(recordKey(productID))
		if data == nil {
			return errs.NotFound("bolt.get", "embedding for product %d", productID)
		}
		var err error
		rec, err = unmarshalRecord(data)
		return err
	})
	if err != nil {
		return types.EmbeddingRecord{}, wrapStorage("bolt.get", err)
	}
	return rec, nil
}

func (s *BoltStore) All(ctx context.Context) iter.Seq2[types.EmbeddingRecord, error] {
	return func(yield func(types.EmbeddingRecord, error) bool) {
		stopped := false
		err := s.db.View(func(tx *bbolt.Tx) error {
			c := tx.Bucket(bucketEmbeddings).Cursor()
			for k, v := c.First(); k != nil; k, v = c.Next() {
				if err := ctx.Err(); err != nil {
					return err
				}
				rec, err := unmarshalRecord(v)
				if err != nil {
					return fmt.Errorf("decode product %d: %w", keyProductID(k), err)
				}
				if !yield(rec, nil) {
					stopped = true
					return nil
				}
			}
			return nil
		})
		if err != nil && !stopped {
			yield(types.EmbeddingRecord{}, wrapStorage("bolt.all", err))
		}
	}
}

func (s *BoltStore) Delete(ctx context.Context, productID types.ProductID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEmbeddings).Delete(recordKey(productID))
	})
	if err != nil {
		return errs.StorageFailure("bolt.delete", err)
	}
	return nil
}

func (s *BoltStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketEmbeddings).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, errs.StorageFailure("bolt.count", err)
	}
	return n, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// wrapStorage keeps engine errors as they are and wraps anything else.
func wrapStorage(op string, err error) error {
	if errs.KindOf(err) != "" {
		return err
	}
	if err == context.Canceled || err == context.DeadlineExceeded {
		return err
	}
	return errs.StorageFailure(op, err)
}

var _ EmbeddingStore = (*BoltStore)(nil)
