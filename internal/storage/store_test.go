package storage

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"catalog-similarity-engine/internal/errs"
	"catalog-similarity-engine/internal/types"
)

const testDim = 4

func vec(vals ...float32) types.Vector { return types.Vector(vals) }

func openBolt(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(filepath.Join(t.TempDir(), "embeddings.db"), testDim)
	if err != nil {
		t.Fatalf("open bolt: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func openBadger(t *testing.T) *BadgerStore {
	t.Helper()
	s, err := NewBadgerStore(BadgerOptions{InMemory: true}, testDim)
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// runStoreSuite checks the EmbeddingStore contract against one backend.
func runStoreSuite(t *testing.T, open func(t *testing.T) EmbeddingStore) {
	ctx := context.Background()

	t.Run("UpsertGet", func(t *testing.T) {
		s := open(t)
		v := vec(1, -0.5, float32(math.Copysign(0, -1)), 3.25)
		rec, err := s.Upsert(ctx, 7, v)
		if err != nil {
			t.Fatalf("Upsert: %v", err)
		}
		if rec.ProductID != 7 || rec.CreatedAt.IsZero() || !rec.CreatedAt.Equal(rec.UpdatedAt) {
			t.Errorf("unexpected record: %+v", rec)
		}

		got, err := s.Get(ctx, 7)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		for i := range v {
			if math.Float32bits(got.Vector[i]) != math.Float32bits(v[i]) {
				t.Fatalf("value %d: got %v, want %v", i, got.Vector[i], v[i])
			}
		}
	})

	t.Run("UpsertReplacesKeepsCreatedAt", func(t *testing.T) {
		s := open(t)
		first, err := s.Upsert(ctx, 1, vec(1, 1, 1, 1))
		if err != nil {
			t.Fatalf("Upsert: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
		second, err := s.Upsert(ctx, 1, vec(2, 2, 2, 2))
		if err != nil {
			t.Fatalf("Upsert: %v", err)
		}
		if !second.CreatedAt.Equal(first.CreatedAt) {
			t.Errorf("created_at changed: %v -> %v", first.CreatedAt, second.CreatedAt)
		}
		if !second.UpdatedAt.After(first.UpdatedAt) {
			t.Errorf("updated_at not advanced: %v -> %v", first.UpdatedAt, second.UpdatedAt)
		}

		n, err := s.Count(ctx)
		if err != nil {
			t.Fatalf("Count: %v", err)
		}
		if n != 1 {
			t.Errorf("expected 1 record, got %d", n)
		}
		got, _ := s.Get(ctx, 1)
		if got.Vector[0] != 2 {
			t.Errorf("vector not replaced: %v", got.Vector)
		}
	})

	t.Run("UpsertRejectsWrongDimension", func(t *testing.T) {
		s := open(t)
		_, err := s.Upsert(ctx, 1, vec(1, 2, 3))
		if !errors.Is(err, errs.ErrDimensionMismatch) {
			t.Fatalf("expected dimension mismatch, got %v", err)
		}
		if _, err := s.Get(ctx, 1); !errors.Is(err, errs.ErrNotFound) {
			t.Fatalf("rejected vector was stored: %v", err)
		}
	})

	t.Run("UpsertRejectsNonFinite", func(t *testing.T) {
		s := open(t)
		for i, bad := range []float32{float32(math.NaN()), float32(math.Inf(1)), float32(math.Inf(-1))} {
			id := types.ProductID(i + 1)
			_, err := s.Upsert(ctx, id, vec(0, bad, 1, 2))
			if !errors.Is(err, errs.ErrInvalidArgument) {
				t.Fatalf("value %v: expected invalid argument, got %v", bad, err)
			}
			if _, err := s.Get(ctx, id); !errors.Is(err, errs.ErrNotFound) {
				t.Fatalf("value %v: rejected vector was stored: %v", bad, err)
			}
		}
	})

	t.Run("UpsertRejectsNonPositiveID", func(t *testing.T) {
		s := open(t)
		_, err := s.Upsert(ctx, 0, vec(1, 2, 3, 4))
		if !errors.Is(err, errs.ErrInvalidArgument) {
			t.Fatalf("expected invalid argument, got %v", err)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		s := open(t)
		if _, err := s.Get(ctx, 99); !errors.Is(err, errs.ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	})

	t.Run("AllOrderedAndRestartable", func(t *testing.T) {
		s := open(t)
		for _, id := range []int64{30, 2, 1000, 7} {
			if _, err := s.Upsert(ctx, id, vec(float32(id), 0, 0, 0)); err != nil {
				t.Fatalf("Upsert %d: %v", id, err)
			}
		}

		want := []int64{2, 7, 30, 1000}
		for pass := 0; pass < 2; pass++ {
			var got []int64
			for rec, err := range s.All(ctx) {
				if err != nil {
					t.Fatalf("All: %v", err)
				}
				if rec.Vector[0] != float32(rec.ProductID) {
					t.Errorf("record %d has vector %v", rec.ProductID, rec.Vector)
				}
				got = append(got, rec.ProductID)
			}
			if len(got) != len(want) {
				t.Fatalf("pass %d: got %v, want %v", pass, got, want)
			}
			for i := range want {
				if got[i] != want[i] {
					t.Fatalf("pass %d: got %v, want %v", pass, got, want)
				}
			}
		}

		// Stopping early and starting again begins from the first record.
		for rec := range s.All(ctx) {
			if rec.ProductID != 2 {
				t.Fatalf("expected first id 2, got %d", rec.ProductID)
			}
			break
		}
	})

	t.Run("AllHonoursCancel", func(t *testing.T) {
		s := open(t)
		for id := int64(1); id <= 3; id++ {
			s.Upsert(ctx, id, vec(1, 2, 3, 4))
		}
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		var lastErr error
		for _, err := range s.All(cctx) {
			lastErr = err
		}
		if !errors.Is(lastErr, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", lastErr)
		}
	})

	t.Run("DeleteUnconditional", func(t *testing.T) {
		s := open(t)
		s.Upsert(ctx, 5, vec(1, 2, 3, 4))
		if err := s.Delete(ctx, 5); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if err := s.Delete(ctx, 5); err != nil {
			t.Fatalf("second Delete: %v", err)
		}
		if _, err := s.Get(ctx, 5); !errors.Is(err, errs.ErrNotFound) {
			t.Fatalf("expected not found after delete, got %v", err)
		}
	})
}

func TestBoltStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) EmbeddingStore { return openBolt(t) })
}

func TestBadgerStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) EmbeddingStore { return openBadger(t) })
}

func TestBoltStoreReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "embeddings.db")

	store, err := NewBoltStore(path, testDim)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := store.Upsert(ctx, 42, vec(3, 4, 5, 6)); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	_ = store.Close()

	store2, err := NewBoltStore(path, testDim)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store2.Close()

	rec, err := store2.Get(ctx, 42)
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if rec.Vector[0] != 3 || rec.Vector[3] != 6 {
		t.Errorf("vector mismatch after reopen: %v", rec.Vector)
	}
}

func TestRecordKeyOrder(t *testing.T) {
	ids := []int64{-5, 0, 1, 255, 256, math.MaxInt64}
	for i := 1; i < len(ids); i++ {
		a, b := recordKey(ids[i-1]), recordKey(ids[i])
		if string(a) >= string(b) {
			t.Errorf("key(%d) >= key(%d)", ids[i-1], ids[i])
		}
		if keyProductID(b) != ids[i] {
			t.Errorf("keyProductID round trip: got %d, want %d", keyProductID(b), ids[i])
		}
	}
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("CATALOG_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CATALOG_TEST_POSTGRES_DSN not set")
	}
	runStoreSuite(t, func(t *testing.T) EmbeddingStore {
		return openPostgres(t, dsn)
	})
}
