package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/joao-fontenele/orderflow-checkout/internal/domain"
)

const (
	keyPrefix  = "lock:"
	minBackoff = 5 * time.Millisecond
	maxBackoff = 100 * time.Millisecond
)

// releaseScript deletes the lease only when the caller still holds it.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

var meter = otel.Meter("lock")

var errLeaseHeld = errors.New("lease held by another owner")

// Options are the default timeout and TTL used by WithLock and WithLocks.
// Logger defaults to slog.Default.
type Options struct {
	Timeout time.Duration
	TTL     time.Duration
	Logger  *slog.Logger
}

// RedisCoordinator grants leases stored in Redis so that mutual exclusion
// holds across every service instance sharing the same Redis.
type RedisCoordinator struct {
	client   *redis.Client
	opts     Options
	logger   *slog.Logger
	timeouts metric.Int64Counter
}

func NewRedisCoordinator(client *redis.Client, opts Options) *RedisCoordinator {
	timeouts, _ := meter.Int64Counter("lock.acquire.timeouts",
		metric.WithDescription("Lease acquisitions that gave up after the timeout."))
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisCoordinator{client: client, opts: opts, logger: logger, timeouts: timeouts}
}

// Acquire blocks until the lease for key is granted, ctx is done or timeout
// elapses. Contention is retried with jittered exponential backoff. The
// returned token must be passed to Release.
func (c *RedisCoordinator) Acquire(ctx context.Context, key string, timeout, ttl time.Duration) (string, error) {
	token := uuid.NewString()

	opts := []backoff.RetryOption{
		backoff.WithBackOff(&backoff.ExponentialBackOff{
			InitialInterval:     minBackoff,
			RandomizationFactor: 0.5,
			Multiplier:          2,
			MaxInterval:         maxBackoff,
		}),
		backoff.WithMaxElapsedTime(timeout),
	}
	if timeout <= 0 {
		opts = append(opts, backoff.WithMaxTries(1))
	}

	_, err := backoff.Retry(ctx, func() (bool, error) {
		ok, err := c.client.SetNX(ctx, keyPrefix+key, token, ttl).Result()
		if err != nil {
			return false, backoff.Permanent(err)
		}
		if !ok {
			return false, errLeaseHeld
		}
		return true, nil
	}, opts...)

	switch {
	case err == nil:
		return token, nil
	case errors.Is(err, errLeaseHeld):
		c.timeouts.Add(ctx, 1, metric.WithAttributes(attribute.String("lock.namespace", namespace(key))))
		return "", fmt.Errorf("%w: %s", domain.ErrLockTimeout, key)
	default:
		return "", fmt.Errorf("acquire %s: %w", key, err)
	}
}

// Release frees the lease if token still holds it. A lease that expired or
// was taken over by another holder is left alone.
func (c *RedisCoordinator) Release(ctx context.Context, key, token string) error {
	if err := releaseScript.Run(ctx, c.client, []string{keyPrefix + key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}

// TryWithLock runs fn while holding the lease for key. The lease is released
// whatever fn returns, including on panic.
func (c *RedisCoordinator) TryWithLock(ctx context.Context, key string, timeout, ttl time.Duration, fn func(ctx context.Context) error) error {
	token, err := c.Acquire(ctx, key, timeout, ttl)
	if err != nil {
		return err
	}
	defer c.releaseDetached(ctx, key, token)

	return fn(ctx)
}

func (c *RedisCoordinator) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	return c.TryWithLock(ctx, key, c.opts.Timeout, c.opts.TTL, fn)
}

// WithLocks acquires every key in sorted order, runs fn, then releases in
// reverse order. Duplicate keys are acquired once.
func (c *RedisCoordinator) WithLocks(ctx context.Context, keys []string, fn func(ctx context.Context) error) error {
	sorted := slices.Clone(keys)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	tokens := make([]string, 0, len(sorted))
	defer func() {
		for i := len(tokens) - 1; i >= 0; i-- {
			c.releaseDetached(ctx, sorted[i], tokens[i])
		}
	}()

	deadline := time.Now().Add(c.opts.Timeout)
	for _, key := range sorted {
		token, err := c.Acquire(ctx, key, time.Until(deadline), c.opts.TTL)
		if err != nil {
			return err
		}
		tokens = append(tokens, token)
	}

	return fn(ctx)
}

// releaseDetached releases even when the caller's context is already
// cancelled, so a cancelled request does not hold the lease until TTL.
func (c *RedisCoordinator) releaseDetached(ctx context.Context, key, token string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if err := c.Release(rctx, key, token); err != nil {
		c.logger.Warn("lease release failed, key stays held until its ttl", "error", err, "key", key)
	}
}

func namespace(key string) string {
	ns, _, _ := strings.Cut(key, ":")
	return ns
}

func CartKey(owner domain.CartOwner) string { return "cart:" + owner.Key() }
func StockKey(variantID string) string      { return "stock:" + variantID }
