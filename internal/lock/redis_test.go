package lock

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-fontenele/orderflow-checkout/internal/domain"
)

func setupCoordinator(t *testing.T) (*RedisCoordinator, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisCoordinator(client, Options{Timeout: 2 * time.Second, TTL: 5 * time.Second}), mr
}

func TestAcquireRelease(t *testing.T) {
	c, mr := setupCoordinator(t)
	ctx := context.Background()

	token, err := c.Acquire(ctx, "cart:user:1", time.Second, time.Second)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, mr.Exists("lock:cart:user:1"))

	require.NoError(t, c.Release(ctx, "cart:user:1", token))
	assert.False(t, mr.Exists("lock:cart:user:1"))
}

func TestAcquire_TimesOutWhileHeld(t *testing.T) {
	c, _ := setupCoordinator(t)
	ctx := context.Background()

	_, err := c.Acquire(ctx, "stock:v-1", time.Second, 10*time.Second)
	require.NoError(t, err)

	start := time.Now()
	_, err = c.Acquire(ctx, "stock:v-1", 50*time.Millisecond, time.Second)
	assert.ErrorIs(t, err, domain.ErrLockTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRelease_StaleTokenIsNoop(t *testing.T) {
	c, mr := setupCoordinator(t)
	ctx := context.Background()

	first, err := c.Acquire(ctx, "cart:user:2", time.Second, time.Second)
	require.NoError(t, err)

	// Lease expires and a second holder takes over.
	mr.FastForward(2 * time.Second)
	second, err := c.Acquire(ctx, "cart:user:2", time.Second, time.Second)
	require.NoError(t, err)

	require.NoError(t, c.Release(ctx, "cart:user:2", first))
	stored, err := mr.Get("lock:cart:user:2")
	require.NoError(t, err)
	assert.Equal(t, second, stored)
}

func TestTryWithLock_ReleasesOnError(t *testing.T) {
	c, mr := setupCoordinator(t)
	boom := errors.New("boom")

	err := c.TryWithLock(context.Background(), "cart:guest:s", time.Second, time.Second, func(context.Context) error {
		assert.True(t, mr.Exists("lock:cart:guest:s"))
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, mr.Exists("lock:cart:guest:s"))
}

func TestTryWithLock_ReleasesOnPanic(t *testing.T) {
	c, mr := setupCoordinator(t)

	func() {
		defer func() { _ = recover() }()
		_ = c.TryWithLock(context.Background(), "cart:guest:p", time.Second, time.Second, func(context.Context) error {
			panic("critical section crashed")
		})
	}()

	assert.False(t, mr.Exists("lock:cart:guest:p"))
}

func TestWithLock_SerializesCriticalSections(t *testing.T) {
	c, _ := setupCoordinator(t)
	ctx := context.Background()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := c.WithLock(ctx, "stock:hot", func(context.Context) error {
				v := counter
				time.Sleep(time.Millisecond)
				counter = v + 1
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, counter)
}

func TestWithLocks_SortsAndDeduplicates(t *testing.T) {
	c, mr := setupCoordinator(t)

	err := c.WithLocks(context.Background(), []string{"stock:b", "stock:a", "stock:b"}, func(context.Context) error {
		assert.True(t, mr.Exists("lock:stock:a"))
		assert.True(t, mr.Exists("lock:stock:b"))
		return nil
	})
	require.NoError(t, err)
	assert.False(t, mr.Exists("lock:stock:a"))
	assert.False(t, mr.Exists("lock:stock:b"))
}

func TestWithLocks_ReleasesAcquiredOnTimeout(t *testing.T) {
	c, mr := setupCoordinator(t)
	c.opts.Timeout = 50 * time.Millisecond
	ctx := context.Background()

	_, err := c.Acquire(ctx, "stock:b", time.Second, 10*time.Second)
	require.NoError(t, err)

	called := false
	err = c.WithLocks(ctx, []string{"stock:b", "stock:a"}, func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, domain.ErrLockTimeout)
	assert.False(t, called)
	assert.False(t, mr.Exists("lock:stock:a"), "partially acquired lease must be released")
}

func TestAcquire_StopsWhenContextCancelled(t *testing.T) {
	c, _ := setupCoordinator(t)

	_, err := c.Acquire(context.Background(), "cart:user:3", time.Second, 10*time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = c.Acquire(ctx, "cart:user:3", 5*time.Second, time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, domain.ErrLockTimeout)
}

func TestTryWithLock_LogsFailedRelease(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	var logs bytes.Buffer
	c := NewRedisCoordinator(client, Options{
		Timeout: time.Second,
		TTL:     5 * time.Second,
		Logger:  slog.New(slog.NewJSONHandler(&logs, nil)),
	})

	err := c.TryWithLock(context.Background(), "stock:v-9", time.Second, 5*time.Second, func(context.Context) error {
		mr.Close()
		return nil
	})
	require.NoError(t, err)
	assert.Contains(t, logs.String(), "lease release failed")
	assert.Contains(t, logs.String(), `"key":"stock:v-9"`)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "cart:user:u-1", CartKey(domain.UserOwner("u-1")))
	assert.Equal(t, "cart:guest:s-1", CartKey(domain.GuestOwner("s-1")))
	assert.Equal(t, "stock:v-1", StockKey("v-1"))
	assert.Equal(t, "stock", namespace("stock:v-1"))
	assert.Equal(t, "plain", namespace("plain"))
}
