package cart

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/joao-fontenele/orderflow-checkout/internal/domain"
	"github.com/joao-fontenele/orderflow-checkout/internal/lock"
)

type Store interface {
	GetActive(ctx context.Context, owner domain.CartOwner) (*domain.Cart, error)
	Save(ctx context.Context, carts ...*domain.Cart) error
}

type Cache interface {
	Get(ctx context.Context, owner domain.CartOwner) (*domain.Cart, error)
	Set(ctx context.Context, cart *domain.Cart) error
	Delete(ctx context.Context, owner domain.CartOwner) error
}

type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
	WithLocks(ctx context.Context, keys []string, fn func(ctx context.Context) error) error
}

// Catalog is the read-only view of prices, surcharges and stock.
type Catalog interface {
	GetVariant(ctx context.Context, variantID string) (*domain.Variant, error)
	GetCustomization(ctx context.Context, ref string) (*domain.Customization, error)
	GetStock(ctx context.Context, variantID string) (*domain.StockLevel, error)
}

type Service struct {
	store      Store
	cache      Cache
	locker     Locker
	catalog    Catalog
	taxRateBPS int64
	logger     *slog.Logger
	sfg        singleflight.Group

	now   func() time.Time
	newID func() string
}

func NewService(store Store, cache Cache, locker Locker, catalog Catalog, taxRateBPS int64, logger *slog.Logger) *Service {
	return &Service{
		store:      store,
		cache:      cache,
		locker:     locker,
		catalog:    catalog,
		taxRateBPS: taxRateBPS,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		newID:      uuid.NewString,
	}
}

// GetCart returns the owner's active cart, or an empty unsaved cart when
// there is none. The cache is only written by mutations holding the cart
// lease, so a miss reads the store without filling the cache. Concurrent
// misses for the same owner share one database read.
func (s *Service) GetCart(ctx context.Context, owner domain.CartOwner) (*domain.Cart, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}

	v, err, _ := s.sfg.Do(owner.Key(), func() (any, error) {
		if s.cache != nil {
			c, err := s.cache.Get(ctx, owner)
			if err == nil {
				return c, nil
			}
			if !errors.Is(err, ErrCacheMiss) {
				s.logger.Warn("cart cache read failed", "error", err, "owner", owner.Key())
			}
		}

		c, err := s.store.GetActive(ctx, owner)
		if errors.Is(err, domain.ErrNotFound) {
			empty := domain.NewCart("", owner, s.now())
			return empty, nil
		}
		if err != nil {
			return nil, err
		}
		return c, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(*domain.Cart), nil
}

type AddItemInput struct {
	VariantID        string
	Quantity         int
	CustomizationRef string
}

// AddItem adds quantity of a variant to the owner's active cart, creating
// the cart on first add. The unit price is captured now.
func (s *Service) AddItem(ctx context.Context, owner domain.CartOwner, in AddItemInput) (*domain.Cart, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}
	if in.Quantity < 1 {
		return nil, domain.ErrInvalidQuantity
	}

	var result *domain.Cart
	err := s.locker.WithLock(ctx, lock.CartKey(owner), func(ctx context.Context) error {
		c, err := s.loadOrCreate(ctx, owner)
		if err != nil {
			return err
		}

		variant, err := s.catalog.GetVariant(ctx, in.VariantID)
		if err != nil {
			return err
		}

		var surcharge int64
		if in.CustomizationRef != "" {
			cust, err := s.catalog.GetCustomization(ctx, in.CustomizationRef)
			if err != nil {
				return err
			}
			surcharge = cust.Surcharge
		}

		if want := c.QuantityOf(in.VariantID) + in.Quantity; want > variant.Available {
			return fmt.Errorf("variant %s: requested %d, available %d: %w", in.VariantID, want, variant.Available, domain.ErrInsufficientStock)
		}

		if err := c.AddLine(domain.CartLine{
			VariantID:        in.VariantID,
			Quantity:         in.Quantity,
			UnitPrice:        variant.Price,
			CustomizationRef: in.CustomizationRef,
			Surcharge:        surcharge,
		}); err != nil {
			return err
		}

		if err := s.persist(ctx, c); err != nil {
			return err
		}
		result = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("cart item added", "cart_id", result.ID, "variant_id", in.VariantID, "quantity", in.Quantity)
	return result, nil
}

func (s *Service) UpdateQuantity(ctx context.Context, owner domain.CartOwner, variantID, customizationRef string, quantity int) (*domain.Cart, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}
	if quantity < 1 {
		return nil, domain.ErrInvalidQuantity
	}

	var result *domain.Cart
	err := s.locker.WithLock(ctx, lock.CartKey(owner), func(ctx context.Context) error {
		c, err := s.store.GetActive(ctx, owner)
		if err != nil {
			return err
		}

		i := c.LineIndex(variantID, customizationRef)
		if i < 0 {
			return fmt.Errorf("line %s: %w", variantID, domain.ErrNotFound)
		}

		stock, err := s.catalog.GetStock(ctx, variantID)
		if err != nil {
			return err
		}
		if want := c.QuantityOf(variantID) - c.Lines[i].Quantity + quantity; want > stock.Available {
			return fmt.Errorf("variant %s: requested %d, available %d: %w", variantID, want, stock.Available, domain.ErrInsufficientStock)
		}

		if err := c.SetQuantity(variantID, customizationRef, quantity); err != nil {
			return err
		}

		if err := s.persist(ctx, c); err != nil {
			return err
		}
		result = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (s *Service) RemoveItem(ctx context.Context, owner domain.CartOwner, variantID, customizationRef string) (*domain.Cart, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}

	var result *domain.Cart
	err := s.locker.WithLock(ctx, lock.CartKey(owner), func(ctx context.Context) error {
		c, err := s.store.GetActive(ctx, owner)
		if err != nil {
			return err
		}

		if err := c.RemoveLine(variantID, customizationRef); err != nil {
			return fmt.Errorf("line %s: %w", variantID, err)
		}

		if err := s.persist(ctx, c); err != nil {
			return err
		}
		result = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// Merge folds the guest session's cart into the user's cart and deactivates
// the guest cart. Quantities are summed per line and capped at current
// stock: the user's own quantities are kept, and only the guest's
// contribution is trimmed. Merge never fails because of stock.
func (s *Service) Merge(ctx context.Context, userID, sessionID string) (*domain.Cart, error) {
	user := domain.UserOwner(userID)
	guest := domain.GuestOwner(sessionID)
	if userID == "" || sessionID == "" {
		return nil, domain.ErrOwnerConflict
	}

	var result *domain.Cart
	var trimmed int
	err := s.locker.WithLocks(ctx, []string{lock.CartKey(user), lock.CartKey(guest)}, func(ctx context.Context) error {
		guestCart, err := s.store.GetActive(ctx, guest)
		if errors.Is(err, domain.ErrNotFound) {
			c, err := s.store.GetActive(ctx, user)
			if errors.Is(err, domain.ErrNotFound) {
				result = domain.NewCart("", user, s.now())
				return nil
			}
			result = c
			return err
		}
		if err != nil {
			return err
		}

		userCart, err := s.loadOrCreate(ctx, user)
		if err != nil {
			return err
		}

		for _, line := range guestCart.Lines {
			stock, err := s.catalog.GetStock(ctx, line.VariantID)
			if errors.Is(err, domain.ErrNotFound) {
				trimmed += line.Quantity
				continue
			}
			if err != nil {
				return err
			}

			qty := min(line.Quantity, stock.Available-userCart.QuantityOf(line.VariantID))
			trimmed += line.Quantity - max(qty, 0)
			if qty <= 0 {
				continue
			}

			if i := userCart.LineIndex(line.VariantID, line.CustomizationRef); i >= 0 {
				userCart.Lines[i].Quantity += qty
			} else {
				merged := line
				merged.Quantity = qty
				userCart.Lines = append(userCart.Lines, merged)
			}
		}

		now := s.now()
		userCart.Recalculate(s.taxRateBPS)
		userCart.UpdatedAt = now
		guestCart.Active = false
		guestCart.UpdatedAt = now

		if err := s.store.Save(ctx, userCart, guestCart); err != nil {
			return err
		}
		s.remember(ctx, userCart)
		s.invalidate(ctx, guest)

		result = userCart
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("guest cart merged", "user_id", userID, "cart_id", result.ID, "trimmed_units", trimmed)
	return result, nil
}

func (s *Service) loadOrCreate(ctx context.Context, owner domain.CartOwner) (*domain.Cart, error) {
	c, err := s.store.GetActive(ctx, owner)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.NewCart(s.newID(), owner, s.now()), nil
	}
	return c, err
}

func (s *Service) persist(ctx context.Context, c *domain.Cart) error {
	c.Recalculate(s.taxRateBPS)
	c.UpdatedAt = s.now()
	if err := s.store.Save(ctx, c); err != nil {
		return err
	}
	s.remember(ctx, c)
	return nil
}

// remember writes a just-saved cart through to the cache. It must run under
// the owner's cart lease.
func (s *Service) remember(ctx context.Context, c *domain.Cart) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, c); err != nil {
		s.logger.Warn("cart cache write failed", "error", err, "owner", c.Owner.Key())
		s.invalidate(ctx, c.Owner)
	}
}

func (s *Service) invalidate(ctx context.Context, owner domain.CartOwner) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, owner); err != nil {
		s.logger.Warn("cart cache invalidation failed", "error", err, "owner", owner.Key())
	}
}
