// Package lock implements a named distributed lock on Redis. Each lock holds a
// random owner token so release and extend only succeed for the holder; both
// run as server-side scripts to stay atomic.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	relayredis "goa.design/relay/clients/redis"
)

// ErrNotAcquired reports that the lock could not be acquired within the
// caller's wait budget.
var ErrNotAcquired = errors.New("lock not acquired")

// DefaultTTL is the lock TTL applied when the caller does not specify one.
const DefaultTTL = 30 * time.Second

// retryInterval is the sleep between acquisition attempts.
const retryInterval = 100 * time.Millisecond

var (
	releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0`)

	extendScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// Lock is a named distributed lock. A Lock value is single-use: acquire,
// optionally extend, then release. Not reentrant.
type Lock struct {
	rdb   *goredis.Client
	name  string
	token string
	ttl   time.Duration
}

// New builds a lock for the given name. The key is "lock:<name>"; ttl
// defaults to DefaultTTL when zero.
func New(rdb *goredis.Client, name string, ttl time.Duration) *Lock {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Lock{
		rdb:   rdb,
		name:  name,
		token: uuid.New().String(),
		ttl:   ttl,
	}
}

// Key returns the Redis key backing the lock.
func (l *Lock) Key() string { return "lock:" + l.name }

// Acquire attempts SET NX EX in a loop until the lock is held, the wait budget
// is spent, or ctx is canceled. Returns ErrNotAcquired when the budget runs
// out.
func (l *Lock) Acquire(ctx context.Context, wait time.Duration) error {
	deadline := time.Now().Add(wait)
	for {
		ok, err := l.rdb.SetNX(ctx, l.Key(), l.token, l.ttl).Result()
		if err != nil {
			return fmt.Errorf("acquire %s: %w", l.Key(), relayredis.Translate(err))
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s", ErrNotAcquired, l.Key())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
}

// Release deletes the lock key if this lock still owns it. Releasing a lock
// that expired or was taken over is not an error.
func (l *Lock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.rdb, []string{l.Key()}, l.token).Err(); err != nil {
		return fmt.Errorf("release %s: %w", l.Key(), relayredis.Translate(err))
	}
	return nil
}

// Extend refreshes the TTL if this lock still owns the key. Returns false when
// ownership was lost.
func (l *Lock) Extend(ctx context.Context, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = l.ttl
	}
	n, err := extendScript.Run(ctx, l.rdb, []string{l.Key()}, l.token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("extend %s: %w", l.Key(), relayredis.Translate(err))
	}
	return n == 1, nil
}

// WithLock acquires the named lock, runs fn, and guarantees release on all
// exit paths including panics.
func WithLock(ctx context.Context, rdb *goredis.Client, name string, ttl, wait time.Duration, fn func(ctx context.Context) error) error {
	l := New(rdb, name, ttl)
	if err := l.Acquire(ctx, wait); err != nil {
		return err
	}
	defer func() {
		// Release with a fresh context so a canceled caller still unlocks.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.Release(releaseCtx)
	}()
	return fn(ctx)
}
