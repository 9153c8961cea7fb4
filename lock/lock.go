// Package lock provides a Redis-backed mutual exclusion guard used to keep
// two hosts that share an install directory from unpacking the same
// extension at the same time.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	// keyPrefix namespaces install lock keys in Redis.
	keyPrefix = "extlock:"

	// defaultTTL is the lock expiry if not set via WithTTL. Installs copy
	// directory trees, so the default is generous.
	defaultTTL = 30 * time.Second
	// defaultRetryDelay is the default wait between acquisition attempts.
	defaultRetryDelay = 100 * time.Millisecond
	// defaultMaxRetries bounds Acquire attempts. 0 means retry until the
	// context expires.
	defaultMaxRetries = 50
)

var (
	// ErrNotAcquired is returned when TryAcquire finds the lock held elsewhere.
	ErrNotAcquired = errors.New("lock: not acquired")
	// ErrReleaseFailed is returned when releasing fails, e.g. the lock
	// expired and was re-acquired by another holder.
	ErrReleaseFailed = errors.New("lock: failed to release")
	// ErrWaitTimeout is returned when Acquire gives up because the context
	// expired or was canceled.
	ErrWaitTimeout = errors.New("lock: waiting for lock timed out or context canceled")
	// ErrMaxRetriesExceeded is returned when Acquire exhausts its retry budget.
	ErrMaxRetriesExceeded = errors.New("lock: maximum retries exceeded")
)

// releaseScript deletes the key only while it still holds our value, so an
// expired lock re-acquired by another host is never deleted from here.
// KEYS[1]: the lock key
// ARGV[1]: the unique value held by this guard
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// Guard is a distributed lock over a single extension id.
type Guard struct {
	client     redis.Cmdable
	key        string
	value      string // unique value set while the lock is held
	ttl        time.Duration
	retryDelay time.Duration
	maxRetries int
}

// Option configures a Guard.
type Option func(*Guard)

// WithTTL sets the lock expiry.
func WithTTL(ttl time.Duration) Option {
	return func(g *Guard) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

// WithRetryDelay sets the wait between acquisition attempts in Acquire.
func WithRetryDelay(delay time.Duration) Option {
	return func(g *Guard) {
		if delay > 0 {
			g.retryDelay = delay
		}
	}
}

// WithMaxRetries bounds the number of Acquire attempts. Zero retries until
// the context expires.
func WithMaxRetries(retries int) Option {
	return func(g *Guard) {
		if retries >= 0 {
			g.maxRetries = retries
		}
	}
}

// ForExtension creates a Guard over the install lock key for the given
// extension id.
func ForExtension(client redis.Cmdable, extensionID string, options ...Option) *Guard {
	g := &Guard{
		client:     client,
		key:        keyPrefix + extensionID,
		ttl:        defaultTTL,
		retryDelay: defaultRetryDelay,
		maxRetries: defaultMaxRetries,
	}
	for _, opt := range options {
		opt(g)
	}
	log.Debug().Str("key", g.key).Dur("ttl", g.ttl).Dur("retry_delay", g.retryDelay).Int("max_retries", g.maxRetries).Msg("install lock guard created")
	return g
}

// tryAcquire performs one SET NX attempt. Returns the unique lock value on
// success.
func (g *Guard) tryAcquire(ctx context.Context) (string, error) {
	lockValue := uuid.NewString()
	ok, err := g.client.SetNX(ctx, g.key, lockValue, g.ttl).Result()
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", ErrWaitTimeout
		}
		log.Error().Err(err).Str("key", g.key).Msg("failed to execute setnx command")
		return "", err
	}
	if !ok {
		return "", ErrNotAcquired
	}
	return lockValue, nil
}

// TryAcquire attempts to take the lock without waiting.
func (g *Guard) TryAcquire(ctx context.Context) error {
	lockValue, err := g.tryAcquire(ctx)
	if err != nil {
		if !errors.Is(err, ErrNotAcquired) {
			log.Warn().Err(err).Str("key", g.key).Msg("tryacquire failed")
		}
		return err
	}
	g.value = lockValue
	log.Debug().Str("key", g.key).Msg("install lock acquired")
	return nil
}

// Acquire takes the lock, waiting and retrying within the context deadline
// and the retry budget.
func (g *Guard) Acquire(ctx context.Context) error {
	lockValue, err := g.tryAcquire(ctx)
	if err == nil {
		g.value = lockValue
		log.Debug().Str("key", g.key).Msg("install lock acquired immediately")
		return nil
	}
	if !errors.Is(err, ErrNotAcquired) {
		return err
	}

	retryCount := 0
	ticker := time.NewTicker(g.retryDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Warn().Err(ctx.Err()).Str("key", g.key).Int("retries_attempted", retryCount).Msg("gave up waiting for install lock")
			return ErrWaitTimeout

		case <-ticker.C:
			retryCount++
			lockValue, err := g.tryAcquire(ctx)
			if err == nil {
				g.value = lockValue
				log.Debug().Str("key", g.key).Int("retries_needed", retryCount).Msg("install lock acquired after waiting")
				return nil
			}
			if !errors.Is(err, ErrNotAcquired) {
				return err
			}
			if g.maxRetries > 0 && retryCount >= g.maxRetries {
				log.Warn().Str("key", g.key).Int("retries_attempted", retryCount).Msg("maximum install lock retries exceeded")
				return ErrMaxRetriesExceeded
			}
		}
	}
}

// Release frees the lock. Releasing a lock that already expired is treated
// as success; releasing one re-acquired by another holder is not.
func (g *Guard) Release(ctx context.Context) error {
	if g.value == "" {
		log.Warn().Str("key", g.key).Msg("release attempted without holding the lock")
		return ErrReleaseFailed
	}

	heldValue := g.value
	g.value = ""

	res, err := g.client.Eval(ctx, releaseScript, []string{g.key}, heldValue).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Key gone, lock already expired.
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return ctx.Err()
		}
		log.Error().Err(err).Str("key", g.key).Msg("failed to execute release script")
		return err
	}

	if val, ok := res.(int64); ok && val == 1 {
		log.Debug().Str("key", g.key).Msg("install lock released")
		return nil
	}
	log.Warn().Str("key", g.key).Msg("release failed, lock expired and was re-acquired elsewhere")
	return ErrReleaseFailed
}

// Key returns the Redis key guarded by this lock.
func (g *Guard) Key() string {
	return g.key
}
