// Package snapshot persists the single opaque index snapshot blob.
//
// Implementations replace the stored blob atomically: a reader sees either
// the previous blob or the new one, never a partial write.
package snapshot

import (
	"context"
	"sync"

	"catalog-similarity-engine/internal/errs"
)

// Store loads and saves one snapshot blob.
type Store interface {
	// Load returns the last saved blob, or an errs.ErrNotFound error if
	// nothing has been saved yet.
	Load(ctx context.Context) ([]byte, error)

	// Save atomically replaces the stored blob.
	Save(ctx context.Context, data []byte) error

	// Location describes where the blob lives, for logs.
	Location() string
}

// Memory keeps the blob in process memory.
type Memory struct {
	mu   sync.Mutex
	data []byte
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Load(_ context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return nil, errs.NotFound("snapshot.load", "no snapshot in memory")
	}
	return append([]byte(nil), m.data...), nil
}

func (m *Memory) Save(_ context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = append(make([]byte, 0, len(data)), data...)
	return nil
}

func (m *Memory) Location() string { return "memory" }

var _ Store = (*Memory)(nil)
