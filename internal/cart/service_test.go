package cart

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-fontenele/orderflow-checkout/internal/domain"
	"github.com/joao-fontenele/orderflow-checkout/internal/lock"
)

// memStore mimics the carts table, including the one-active-cart-per-owner
// unique index.
type memStore struct {
	mu    sync.Mutex
	carts map[string]*domain.Cart
	saves int
}

func newMemStore() *memStore {
	return &memStore{carts: map[string]*domain.Cart{}}
}

func clone(c *domain.Cart) *domain.Cart {
	data, _ := json.Marshal(c)
	var out domain.Cart
	_ = json.Unmarshal(data, &out)
	return &out
}

func (s *memStore) GetActive(_ context.Context, owner domain.CartOwner) (*domain.Cart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.carts {
		if c.Active && c.Owner == owner {
			return clone(c), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *memStore) Save(_ context.Context, carts ...*domain.Cart) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range carts {
		if !c.Active {
			continue
		}
		for id, existing := range s.carts {
			if id != c.ID && existing.Active && existing.Owner == c.Owner {
				return ErrConcurrentCart
			}
		}
	}
	for _, c := range carts {
		s.carts[c.ID] = clone(c)
	}
	s.saves++
	return nil
}

func (s *memStore) activeFor(owner domain.CartOwner) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.carts {
		if c.Active && c.Owner == owner {
			n++
		}
	}
	return n
}

type fakeCatalog struct {
	variants       map[string]*domain.Variant
	customizations map[string]*domain.Customization
}

func (f *fakeCatalog) GetVariant(_ context.Context, id string) (*domain.Variant, error) {
	v, ok := f.variants[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *v
	return &cp, nil
}

func (f *fakeCatalog) GetCustomization(_ context.Context, ref string) (*domain.Customization, error) {
	c, ok := f.customizations[ref]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return c, nil
}

func (f *fakeCatalog) GetStock(_ context.Context, id string) (*domain.StockLevel, error) {
	v, ok := f.variants[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &domain.StockLevel{VariantID: id, Available: v.Available, Version: v.Version}, nil
}

type testEnv struct {
	svc     *Service
	store   *memStore
	catalog *fakeCatalog
	locks   *lock.RedisCoordinator
	client  *redis.Client
}

func setupService(t *testing.T, taxRateBPS int64) *testEnv {
	t.Helper()
	client, _ := setupTestRedis(t)

	store := newMemStore()
	catalog := &fakeCatalog{
		variants: map[string]*domain.Variant{
			"VAR-001": {ID: "VAR-001", Price: 1000, Available: 100},
			"VAR-002": {ID: "VAR-002", Price: 2500, Available: 5},
		},
		customizations: map[string]*domain.Customization{
			"GIFT-WRAP": {Ref: "GIFT-WRAP", Surcharge: 300},
		},
	}
	locks := lock.NewRedisCoordinator(client, lock.Options{Timeout: 10 * time.Second, TTL: 10 * time.Second})
	cache := NewRedisCache(client, time.Minute)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return &testEnv{
		svc:     NewService(store, cache, locks, catalog, taxRateBPS, logger),
		store:   store,
		catalog: catalog,
		locks:   locks,
		client:  client,
	}
}

func TestService_ConcurrentAddsShareOneCart(t *testing.T) {
	env := setupService(t, 0)
	owner := domain.UserOwner("u-1")
	ctx := context.Background()

	const adds = 50
	var wg sync.WaitGroup
	errs := make(chan error, adds)
	for i := 0; i < adds; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.AddItem(ctx, owner, AddItemInput{VariantID: "VAR-001", Quantity: 1})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, 1, env.store.activeFor(owner))
	c, err := env.store.GetActive(ctx, owner)
	require.NoError(t, err)
	require.Len(t, c.Lines, 1)
	assert.Equal(t, adds, c.Lines[0].Quantity)
	assert.Equal(t, int64(adds*1000), c.Total)
}

func TestService_AddItem(t *testing.T) {
	env := setupService(t, 825)
	ctx := context.Background()
	owner := domain.GuestOwner("sess-1")

	c, err := env.svc.AddItem(ctx, owner, AddItemInput{VariantID: "VAR-002", Quantity: 1, CustomizationRef: "GIFT-WRAP"})
	require.NoError(t, err)
	c, err = env.svc.AddItem(ctx, owner, AddItemInput{VariantID: "VAR-001", Quantity: 1})
	require.NoError(t, err)

	require.Len(t, c.Lines, 2)
	assert.Equal(t, int64(2800), c.Lines[0].LineTotal)
	assert.Equal(t, int64(3800), c.Subtotal)
	assert.Equal(t, int64(314), c.TaxAmount)
	assert.Equal(t, int64(4114), c.Total)
	assert.True(t, c.Active)

	t.Run("rejects quantity above stock", func(t *testing.T) {
		_, err := env.svc.AddItem(ctx, owner, AddItemInput{VariantID: "VAR-002", Quantity: 5})
		assert.ErrorIs(t, err, domain.ErrInsufficientStock)

		stored, err := env.store.GetActive(ctx, owner)
		require.NoError(t, err)
		assert.Equal(t, 1, stored.QuantityOf("VAR-002"), "rejected add must leave the cart unchanged")
	})

	t.Run("rejects non-positive quantity", func(t *testing.T) {
		_, err := env.svc.AddItem(ctx, owner, AddItemInput{VariantID: "VAR-001", Quantity: 0})
		assert.ErrorIs(t, err, domain.ErrInvalidQuantity)
	})

	t.Run("rejects unknown variant", func(t *testing.T) {
		_, err := env.svc.AddItem(ctx, owner, AddItemInput{VariantID: "nope", Quantity: 1})
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("rejects owner with both identities", func(t *testing.T) {
		_, err := env.svc.AddItem(ctx, domain.CartOwner{UserID: "u", SessionID: "s"}, AddItemInput{VariantID: "VAR-001", Quantity: 1})
		assert.ErrorIs(t, err, domain.ErrOwnerConflict)
	})
}

func TestService_AddItem_LockTimeout(t *testing.T) {
	env := setupService(t, 0)
	ctx := context.Background()
	owner := domain.UserOwner("u-busy")

	_, err := env.locks.Acquire(ctx, lock.CartKey(owner), time.Second, time.Minute)
	require.NoError(t, err)

	env.svc.locker = lock.NewRedisCoordinator(env.client, lock.Options{Timeout: 50 * time.Millisecond, TTL: time.Second})

	_, err = env.svc.AddItem(ctx, owner, AddItemInput{VariantID: "VAR-001", Quantity: 1})
	assert.ErrorIs(t, err, domain.ErrLockTimeout)
	assert.Equal(t, 0, env.store.activeFor(owner))
}

func TestService_UpdateAndRemove(t *testing.T) {
	env := setupService(t, 0)
	ctx := context.Background()
	owner := domain.UserOwner("u-2")

	_, err := env.svc.AddItem(ctx, owner, AddItemInput{VariantID: "VAR-002", Quantity: 2})
	require.NoError(t, err)

	c, err := env.svc.UpdateQuantity(ctx, owner, "VAR-002", "", 4)
	require.NoError(t, err)
	assert.Equal(t, 4, c.QuantityOf("VAR-002"))
	assert.Equal(t, int64(10000), c.Total)

	_, err = env.svc.UpdateQuantity(ctx, owner, "VAR-002", "", 6)
	assert.ErrorIs(t, err, domain.ErrInsufficientStock)

	_, err = env.svc.UpdateQuantity(ctx, owner, "VAR-001", "", 1)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	c, err = env.svc.RemoveItem(ctx, owner, "VAR-002", "")
	require.NoError(t, err)
	assert.Empty(t, c.Lines)
	assert.Equal(t, int64(0), c.Total)

	_, err = env.svc.RemoveItem(ctx, owner, "VAR-002", "")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestService_MergeCapsAtStock(t *testing.T) {
	env := setupService(t, 0)
	ctx := context.Background()
	user := domain.UserOwner("u-3")
	guest := domain.GuestOwner("sess-3")

	_, err := env.svc.AddItem(ctx, user, AddItemInput{VariantID: "VAR-002", Quantity: 3})
	require.NoError(t, err)
	_, err = env.svc.AddItem(ctx, guest, AddItemInput{VariantID: "VAR-002", Quantity: 4})
	require.NoError(t, err)
	_, err = env.svc.AddItem(ctx, guest, AddItemInput{VariantID: "VAR-001", Quantity: 2})
	require.NoError(t, err)

	merged, err := env.svc.Merge(ctx, "u-3", "sess-3")
	require.NoError(t, err)

	assert.Equal(t, 5, merged.QuantityOf("VAR-002"), "summed quantity is capped at available stock")
	assert.Equal(t, 2, merged.QuantityOf("VAR-001"))
	assert.Equal(t, int64(5*2500+2*1000), merged.Total)

	assert.Equal(t, 0, env.store.activeFor(guest), "guest cart is deactivated")
	assert.Equal(t, 1, env.store.activeFor(user))

	guestView, err := env.svc.GetCart(ctx, guest)
	require.NoError(t, err)
	assert.Empty(t, guestView.Lines)
}

func TestService_MergeWithoutGuestCart(t *testing.T) {
	env := setupService(t, 0)
	ctx := context.Background()

	_, err := env.svc.AddItem(ctx, domain.UserOwner("u-4"), AddItemInput{VariantID: "VAR-001", Quantity: 1})
	require.NoError(t, err)
	savesBefore := env.store.saves

	merged, err := env.svc.Merge(ctx, "u-4", "sess-none")
	require.NoError(t, err)
	assert.Equal(t, 1, merged.QuantityOf("VAR-001"))
	assert.Equal(t, savesBefore, env.store.saves)

	_, err = env.svc.Merge(ctx, "u-4", "")
	assert.ErrorIs(t, err, domain.ErrOwnerConflict)
}

func TestService_GetCartWriteThrough(t *testing.T) {
	env := setupService(t, 0)
	ctx := context.Background()
	owner := domain.UserOwner("u-5")

	empty, err := env.svc.GetCart(ctx, owner)
	require.NoError(t, err)
	assert.Empty(t, empty.Lines)
	assert.Empty(t, empty.ID)
	_, err = env.svc.cache.Get(ctx, owner)
	assert.ErrorIs(t, err, ErrCacheMiss, "reads never fill the cache")

	added, err := env.svc.AddItem(ctx, owner, AddItemInput{VariantID: "VAR-001", Quantity: 2})
	require.NoError(t, err)

	cached, err := env.svc.cache.Get(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, added.ID, cached.ID)
	assert.Equal(t, 2, cached.QuantityOf("VAR-001"))

	_, err = env.svc.AddItem(ctx, owner, AddItemInput{VariantID: "VAR-001", Quantity: 1})
	require.NoError(t, err)

	cached, err = env.svc.cache.Get(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, 3, cached.QuantityOf("VAR-001"), "mutations write the new cart through")

	require.NoError(t, env.svc.cache.Delete(ctx, owner))
	fresh, err := env.svc.GetCart(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, 3, fresh.QuantityOf("VAR-001"))
	_, err = env.svc.cache.Get(ctx, owner)
	assert.ErrorIs(t, err, ErrCacheMiss)
}

// stallingStore blocks the next GetActive after it has read the row, so a
// mutation can commit in between.
type stallingStore struct {
	*memStore
	armed   atomic.Bool
	reached chan struct{}
	release chan struct{}
}

func (s *stallingStore) GetActive(ctx context.Context, owner domain.CartOwner) (*domain.Cart, error) {
	c, err := s.memStore.GetActive(ctx, owner)
	if s.armed.CompareAndSwap(true, false) {
		close(s.reached)
		<-s.release
	}
	return c, err
}

func TestService_GetCartDoesNotCacheStaleRead(t *testing.T) {
	env := setupService(t, 0)
	ctx := context.Background()
	owner := domain.UserOwner("u-6")

	store := &stallingStore{memStore: env.store, reached: make(chan struct{}), release: make(chan struct{})}
	cache := NewRedisCache(env.client, time.Minute)
	svc := NewService(store, cache, env.locks, env.catalog, 0, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := svc.AddItem(ctx, owner, AddItemInput{VariantID: "VAR-001", Quantity: 1})
	require.NoError(t, err)
	require.NoError(t, cache.Delete(ctx, owner))

	store.armed.Store(true)
	done := make(chan *domain.Cart)
	go func() {
		c, err := svc.GetCart(ctx, owner)
		assert.NoError(t, err)
		done <- c
	}()

	<-store.reached
	_, err = svc.AddItem(ctx, owner, AddItemInput{VariantID: "VAR-001", Quantity: 4})
	require.NoError(t, err)
	close(store.release)

	stale := <-done
	assert.Equal(t, 1, stale.QuantityOf("VAR-001"), "the racing read saw the old row")

	current, err := svc.GetCart(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, 5, current.QuantityOf("VAR-001"))

	cached, err := cache.Get(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, 5, cached.QuantityOf("VAR-001"))
}
