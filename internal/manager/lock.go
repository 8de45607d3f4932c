package manager

import (
	"context"
	"sync"
)

// rwLock is a sync.RWMutex whose acquisition can be abandoned when ctx ends.
// An abandoned acquisition still completes in the background and is released
// immediately, so the lock is never leaked.
type rwLock struct {
	mu sync.RWMutex
}

func (l *rwLock) Lock(ctx context.Context) error {
	if l.mu.TryLock() {
		return nil
	}
	return acquire(ctx, l.mu.Lock, l.mu.Unlock)
}

func (l *rwLock) Unlock() { l.mu.Unlock() }

func (l *rwLock) RLock(ctx context.Context) error {
	if l.mu.TryRLock() {
		return nil
	}
	return acquire(ctx, l.mu.RLock, l.mu.RUnlock)
}

func (l *rwLock) RUnlock() { l.mu.RUnlock() }

func acquire(ctx context.Context, lock, unlock func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	acquired := make(chan struct{})
	go func() {
		lock()
		close(acquired)
	}()
	select {
	case <-acquired:
		return nil
	case <-ctx.Done():
		go func() {
			<-acquired
			unlock()
		}()
		return ctx.Err()
	}
}

// mutex is a context-aware exclusive lock.
type mutex chan struct{}

func newMutex() mutex { return make(mutex, 1) }

func (m mutex) Lock(ctx context.Context) error {
	select {
	case m <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m mutex) Unlock() { <-m }
