package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNotAcquired is returned when a lock could not be taken before the
// context expired.
var ErrNotAcquired = errors.New("lock not acquired")

// Locker serializes work on a key across goroutines, and across processes
// for the Redis implementation. The returned release func is idempotent.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// InMemoryLocker is a Locker for single-process deployments and tests.
type InMemoryLocker struct {
	mu      sync.Mutex
	entries map[string]*memEntry
}

type memEntry struct {
	sem  chan struct{}
	refs int
}

// NewInMemoryLocker creates an empty in-memory locker.
func NewInMemoryLocker() *InMemoryLocker {
	return &InMemoryLocker{entries: make(map[string]*memEntry)}
}

// Acquire blocks until key is free or ctx is done. ttl is ignored: an
// in-process holder cannot disappear without releasing.
func (l *InMemoryLocker) Acquire(ctx context.Context, key string, _ time.Duration) (func(), error) {
	entry := l.ref(key)

	select {
	case entry.sem <- struct{}{}:
	case <-ctx.Done():
		l.unref(key)
		return nil, fmt.Errorf("%w: %s: %v", ErrNotAcquired, key, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-entry.sem
			l.unref(key)
		})
	}, nil
}

func (l *InMemoryLocker) ref(key string) *memEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[key]
	if !ok {
		entry = &memEntry{sem: make(chan struct{}, 1)}
		l.entries[key] = entry
	}
	entry.refs++
	return entry
}

func (l *InMemoryLocker) unref(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[key]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs <= 0 {
		delete(l.entries, key)
	}
}

// size is used by tests to check that idle keys are dropped.
func (l *InMemoryLocker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
