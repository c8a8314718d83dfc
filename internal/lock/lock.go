// Package lock serialises mutations of a single record across goroutines
// and, with the Redis driver, across processes.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/slatrack/internal/config"
)

// ErrNotAcquired is returned when a lock could not be taken before the
// context ended or the wait limit elapsed.
var ErrNotAcquired = errors.New("lock: not acquired")

// Release frees a held lock.
type Release func(ctx context.Context) error

// Locker hands out exclusive locks by key.
type Locker interface {
	// Acquire blocks until the lock for key is held, ctx ends or the
	// locker's wait limit elapses.
	Acquire(ctx context.Context, key string) (Release, error)
	HealthCheck(ctx context.Context) error
}

// RecordKey returns the lock key for a record.
func RecordKey(recordID string) string {
	return "record:" + recordID
}

// --- MemoryLocker ---

// MemoryLocker is an in-process keyed mutex. Suitable for tests and
// single-instance deployments.
type MemoryLocker struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	wait    time.Duration
}

type memEntry struct {
	ch   chan struct{}
	refs int
}

// NewMemoryLocker creates an in-process locker. A zero wait means Acquire
// waits until ctx ends.
func NewMemoryLocker(wait time.Duration) *MemoryLocker {
	return &MemoryLocker{
		entries: make(map[string]*memEntry),
		wait:    wait,
	}
}

// Acquire takes the lock for key.
func (l *MemoryLocker) Acquire(ctx context.Context, key string) (Release, error) {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &memEntry{ch: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	if l.wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.wait)
		defer cancel()
	}

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.unref(key, e)
		return nil, fmt.Errorf("%w: %s", ErrNotAcquired, key)
	}

	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			<-e.ch
			l.unref(key, e)
		})
		return nil
	}, nil
}

func (l *MemoryLocker) unref(key string, e *memEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

// Len returns the number of keys currently held or awaited.
func (l *MemoryLocker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// HealthCheck always succeeds.
func (l *MemoryLocker) HealthCheck(context.Context) error {
	return nil
}

// --- RedisLocker ---

// releaseScript deletes the key only if it still holds our token, so an
// expired lock taken over by another holder is never released by us.
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`

const (
	defaultLockTTL  = 30 * time.Second
	defaultLockWait = 5 * time.Second
	pollInterval    = 25 * time.Millisecond
)

// RedisLocker is a distributed lock using SET NX PX with a random token.
type RedisLocker struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
	wait   time.Duration
}

// NewRedisLocker creates a Redis-backed locker from the lock configuration.
func NewRedisLocker(client redis.Cmdable, cfg config.LockConfig) *RedisLocker {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &RedisLocker{
		client: client,
		prefix: cfg.KeyPrefix,
		ttl:    ttl,
		wait:   defaultLockWait,
	}
}

// Acquire polls until the key is set or the wait limit elapses.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (Release, error) {
	full := l.prefix + key
	token := uuid.NewString()

	ctx, cancel := context.WithTimeout(ctx, l.wait)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, full, token, l.ttl).Result()
		if err != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("redis setnx %q: %w", full, err)
		}
		if ok {
			return func(rctx context.Context) error {
				if err := l.client.Eval(rctx, releaseScript, []string{full}, token).Err(); err != nil {
					return fmt.Errorf("redis release %q: %w", full, err)
				}
				return nil
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s", ErrNotAcquired, key)
		case <-ticker.C:
		}
	}
}

// HealthCheck pings Redis.
func (l *RedisLocker) HealthCheck(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}
