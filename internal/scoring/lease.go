package scoring

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/rs/zerolog"
)

// Lease guards a recomputation run across instances. Acquire reports false
// when another holder has it. release must be called when the run ends.
type Lease interface {
	Acquire(ctx context.Context) (release func(), ok bool, err error)
}

// DefaultLeaseKey is the Redis key of the recomputation lease.
const DefaultLeaseKey = "retention:recompute"

// RedisLease is a Lease backed by a redislock lock. The lock is refreshed
// while held so a long run does not lose it halfway.
type RedisLease struct {
	log    zerolog.Logger
	locker *redislock.Client
	key    string
	ttl    time.Duration
}

// NewRedisLease creates a lease on key with the given TTL.
func NewRedisLease(locker *redislock.Client, key string, ttl time.Duration, log zerolog.Logger) *RedisLease {
	if key == "" {
		key = DefaultLeaseKey
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisLease{
		log:    log.With().Str("component", "lease").Logger(),
		locker: locker,
		key:    key,
		ttl:    ttl,
	}
}

// Acquire obtains the lock without waiting.
func (l *RedisLease) Acquire(ctx context.Context) (func(), bool, error) {
	lock, err := l.locker.Obtain(ctx, l.key, l.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("obtain lease %s: %w", l.key, err)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(l.ttl / 2)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := lock.Refresh(context.Background(), l.ttl, nil); err != nil {
					l.log.Warn().Err(err).Str("key", l.key).Msg("Failed to refresh lease")
					return
				}
			}
		}
	}()

	var once sync.Once
	release := func() {
		once.Do(func() {
			close(stop)
			wg.Wait()
			if err := lock.Release(context.Background()); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
				l.log.Warn().Err(err).Str("key", l.key).Msg("Failed to release lease")
			}
		})
	}
	return release, true, nil
}

// LocalLease is a process-local Lease for single-instance deployments.
type LocalLease struct {
	mu   sync.Mutex
	held bool
}

// Acquire takes the lease if it is free.
func (l *LocalLease) Acquire(context.Context) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return nil, false, nil
	}
	l.held = true
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			l.held = false
			l.mu.Unlock()
		})
	}, true, nil
}
