package cart

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-fontenele/orderflow-checkout/internal/domain"
)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func TestRedisCache_Miss(t *testing.T) {
	client, _ := setupTestRedis(t)
	cache := NewRedisCache(client, time.Minute)

	_, err := cache.Get(context.Background(), domain.UserOwner("u-1"))
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestRedisCache_SetGetDelete(t *testing.T) {
	client, mr := setupTestRedis(t)
	cache := NewRedisCache(client, time.Minute)
	ctx := context.Background()

	c := domain.NewCart("cart-1", domain.GuestOwner("sess-9"), time.Now().UTC())
	require.NoError(t, c.AddLine(domain.CartLine{VariantID: "VAR-001", Quantity: 2, UnitPrice: 1999}))
	c.Recalculate(0)

	require.NoError(t, cache.Set(ctx, c))

	ttl := mr.TTL("cartcache:guest:sess-9")
	assert.GreaterOrEqual(t, ttl, time.Minute)
	assert.LessOrEqual(t, ttl, time.Minute+12*time.Second)

	got, err := cache.Get(ctx, domain.GuestOwner("sess-9"))
	require.NoError(t, err)
	assert.Equal(t, "cart-1", got.ID)
	assert.Equal(t, int64(3998), got.Total)
	require.Len(t, got.Lines, 1)

	require.NoError(t, cache.Delete(ctx, domain.GuestOwner("sess-9")))
	assert.False(t, mr.Exists("cartcache:guest:sess-9"))
}

func TestRedisCache_CorruptEntry(t *testing.T) {
	client, mr := setupTestRedis(t)
	cache := NewRedisCache(client, time.Minute)

	require.NoError(t, mr.Set("cartcache:user:u-2", "{not json"))

	_, err := cache.Get(context.Background(), domain.UserOwner("u-2"))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrCacheMiss)
}
