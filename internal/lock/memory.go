package lock

import (
	"context"
	"sync"
	"time"
)

// MemoryLocker is the in-process backend: a table of per-key channel
// semaphores with reference counting so idle entries do not accumulate.
type MemoryLocker struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	timeout time.Duration
}

type memoryEntry struct {
	sem  chan struct{} // capacity 1; holding the token means holding the lock
	refs int
}

// NewMemoryLocker builds a locker with the given acquisition timeout.
func NewMemoryLocker(timeout time.Duration) *MemoryLocker {
	return &MemoryLocker{
		entries: make(map[string]*memoryEntry),
		timeout: waitTimeout(timeout),
	}
}

func (l *MemoryLocker) retain(key string) *memoryEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		e = &memoryEntry{sem: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	return e
}

func (l *MemoryLocker) release(key string, e *memoryEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

// WithLock implements Locker.
func (l *MemoryLocker) WithLock(ctx context.Context, key string, fn func() error) error {
	e := l.retain(key)
	defer l.release(key, e)

	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	select {
	case e.sem <- struct{}{}:
	case <-timer.C:
		return ErrLockTimeout
	case <-ctx.Done():
		return ctx.Err()
	}

	defer func() { <-e.sem }()
	return fn()
}
