// Package lock provides the per-auction serializer: a keyed mutex that
// guarantees at most one in-flight bid commit per auction at a time, with a
// bounded wait. Two backends implement the same contract — an in-process
// lock table for single-instance deployments and a Redis lease for
// multi-instance ones.
package lock

import (
	"context"
	"errors"
	"time"
)

// ErrLockTimeout is returned when the per-key lock could not be acquired
// within the configured wait. Safe to retry.
var ErrLockTimeout = errors.New("lock acquisition timed out")

// Locker serializes critical sections per key. Distinct keys never contend;
// callers for the same key wait until release or the timeout elapses.
type Locker interface {
	// WithLock runs fn while holding the lock for key. The lock is released
	// on every exit path, including a panic or an error from fn.
	WithLock(ctx context.Context, key string, fn func() error) error
}

func waitTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return 5 * time.Second
	}
	return d
}
