package cart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/joao-fontenele/orderflow-checkout/internal/domain"
)

var ErrCacheMiss = errors.New("cart not in cache")

// RedisCache holds serialized active carts keyed by owner.
type RedisCache struct {
	client  *redis.Client
	baseTTL time.Duration
}

func NewRedisCache(client *redis.Client, baseTTL time.Duration) *RedisCache {
	return &RedisCache{client: client, baseTTL: baseTTL}
}

func (c *RedisCache) Get(ctx context.Context, owner domain.CartOwner) (*domain.Cart, error) {
	data, err := c.client.Get(ctx, cacheKey(owner)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var cart domain.Cart
	if err := json.Unmarshal(data, &cart); err != nil {
		return nil, fmt.Errorf("unmarshal cart: %w", err)
	}
	return &cart, nil
}

// Set stores the cart with the base TTL plus up to 20% jitter so entries
// written together do not expire together.
func (c *RedisCache) Set(ctx context.Context, cart *domain.Cart) error {
	data, err := json.Marshal(cart)
	if err != nil {
		return fmt.Errorf("marshal cart: %w", err)
	}

	ttl := c.baseTTL + rand.N(c.baseTTL/5+1)
	if err := c.client.Set(ctx, cacheKey(cart.Owner), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, owner domain.CartOwner) error {
	if err := c.client.Del(ctx, cacheKey(owner)).Err(); err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

func cacheKey(owner domain.CartOwner) string {
	return "cartcache:" + owner.Key()
}
