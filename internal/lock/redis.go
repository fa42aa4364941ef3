package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisLocker is the distributed backend: a SET NX PX lease per key, released
// only by the holder via a compare-and-delete script. Acquisition polls until
// the lease is granted or the wait budget is spent.
type RedisLocker struct {
	client       *redis.Client
	timeout      time.Duration // acquisition wait budget
	leaseTTL     time.Duration // lease expiry guard against a crashed holder
	pollInterval time.Duration
	keyPrefix    string
}

// NewRedisLocker builds a distributed locker. The lease TTL bounds how long a
// crashed holder can block other instances.
func NewRedisLocker(client *redis.Client, timeout, leaseTTL time.Duration) *RedisLocker {
	if leaseTTL <= 0 {
		leaseTTL = 30 * time.Second
	}
	return &RedisLocker{
		client:       client,
		timeout:      waitTimeout(timeout),
		leaseTTL:     leaseTTL,
		pollInterval: 50 * time.Millisecond,
		keyPrefix:    "lock:auction:",
	}
}

// WithLock implements Locker.
func (l *RedisLocker) WithLock(ctx context.Context, key string, fn func() error) error {
	lockKey := l.keyPrefix + key
	token := uuid.New().String()

	deadline := time.Now().Add(l.timeout)
	for {
		ok, err := l.client.SetNX(ctx, lockKey, token, l.leaseTTL).Result()
		if err != nil {
			return err
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.pollInterval):
		}
	}

	defer func() {
		// Best effort: the lease TTL reclaims the lock if this fails.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(releaseCtx, l.client, []string{lockKey}, token).Err()
	}()

	return fn()
}

// releaseScript deletes the lease only if this caller still owns it, so an
// expired-and-reacquired lock is never released out from under its new owner.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
