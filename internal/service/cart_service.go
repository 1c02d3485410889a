package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_checkout/internal/cache"
	"github.com/fjod/go_checkout/internal/cart"
	"github.com/fjod/go_checkout/internal/catalog"
	"github.com/fjod/go_checkout/internal/coupon"
	"github.com/fjod/go_checkout/internal/pricing"
	"github.com/fjod/go_checkout/internal/repository"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

type CartService struct {
	repo    repository.CartRepository
	cache   cache.CartCache
	catalog catalog.Catalog
	coupons coupon.Resolver
	engine  pricing.Engine
	logger  *zap.Logger
	sfg     singleflight.Group // Prevents cache stampede
}

func NewCartService(
	repo repository.CartRepository,
	cache cache.CartCache,
	catalog catalog.Catalog,
	coupons coupon.Resolver,
	engine pricing.Engine,
	logger *zap.Logger,
) *CartService {
	return &CartService{
		repo:    repo,
		cache:   cache,
		catalog: catalog,
		coupons: coupons,
		engine:  engine,
		logger:  logger,
	}
}

// GetCart returns the priced cart. A cart that was never saved is returned empty.
func (s *CartService) GetCart(ctx context.Context, cartID string) (*cart.Cart, error) {
	v, err, _ := s.sfg.Do(cartID, func() (interface{}, error) {
		cached, err := s.cache.Get(ctx, cartID)
		if err == nil {
			c := cached.WithEngine(s.engine)
			return &c, nil
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			s.logger.Warn("cache get error", zap.String("cart_id", cartID), zap.Error(err))
		}

		snapshot, revision, err := s.repo.Load(ctx, cartID)
		if err != nil {
			return nil, fmt.Errorf("load cart %s: %w", cartID, err)
		}
		c := cart.FromSnapshot(cartID, snapshot, revision).WithEngine(s.engine)

		go func() {
			if errSet := s.cache.Set(context.Background(), cartID, &c); errSet != nil {
				s.logger.Warn("cache set error", zap.String("cart_id", cartID), zap.Error(errSet))
			}
		}()

		return &c, nil
	})
	if err != nil {
		return nil, err
	}

	c := *v.(*cart.Cart)
	return &c, nil
}

// AddItem looks up the product's current name and price and adds it to the cart.
func (s *CartService) AddItem(ctx context.Context, cartID, productID, variantID string, quantity int) (*cart.Cart, error) {
	if productID == "" {
		return nil, cart.ErrProductRequired
	}
	product, err := s.catalog.GetProduct(ctx, productID, variantID)
	if err != nil {
		return nil, err
	}

	return s.mutate(ctx, cartID, func(store *cart.Store) (cart.Cart, error) {
		return store.AddItem(ctx, cart.NewItem{
			ProductID: product.ID,
			VariantID: product.VariantID,
			Name:      product.Name,
			SKU:       product.SKU,
			UnitPrice: product.Price,
			Quantity:  quantity,
		})
	})
}

func (s *CartService) UpdateQuantity(ctx context.Context, cartID, itemID string, quantity int) (*cart.Cart, error) {
	return s.mutate(ctx, cartID, func(store *cart.Store) (cart.Cart, error) {
		return store.UpdateQuantity(ctx, itemID, quantity)
	})
}

func (s *CartService) RemoveItem(ctx context.Context, cartID, itemID string) (*cart.Cart, error) {
	return s.mutate(ctx, cartID, func(store *cart.Store) (cart.Cart, error) {
		return store.RemoveItem(ctx, itemID)
	})
}

// ApplyCoupon resolves code against the current subtotal. The resulting
// discount amount is fixed from then on.
func (s *CartService) ApplyCoupon(ctx context.Context, cartID, code string) (*cart.Cart, error) {
	if code == "" {
		return nil, cart.ErrCouponRequired
	}
	return s.mutate(ctx, cartID, func(store *cart.Store) (cart.Cart, error) {
		current := store.Snapshot()
		if current.HasCoupon(code) {
			return current, nil
		}
		discount, err := s.coupons.Resolve(ctx, code, current.Subtotal)
		if err != nil {
			return current, err
		}
		return store.ApplyCoupon(ctx, cart.Coupon{
			Code:        code,
			Discount:    discount.Amount,
			PromotionID: discount.PromotionID,
		})
	})
}

func (s *CartService) RemoveCoupon(ctx context.Context, cartID, code string) (*cart.Cart, error) {
	return s.mutate(ctx, cartID, func(store *cart.Store) (cart.Cart, error) {
		return store.RemoveCoupon(ctx, code)
	})
}

func (s *CartService) SetShipping(ctx context.Context, cartID string, amount decimal.Decimal) (*cart.Cart, error) {
	return s.mutate(ctx, cartID, func(store *cart.Store) (cart.Cart, error) {
		return store.SetShipping(ctx, amount)
	})
}

func (s *CartService) ClearCart(ctx context.Context, cartID string) (*cart.Cart, error) {
	return s.mutate(ctx, cartID, func(store *cart.Store) (cart.Cart, error) {
		return store.Clear(ctx)
	})
}

// mutate opens a store handle for one request. Every saved change is written
// through to the cache.
func (s *CartService) mutate(ctx context.Context, cartID string, fn func(*cart.Store) (cart.Cart, error)) (*cart.Cart, error) {
	store, err := cart.Open(ctx, cartID, s.repo, s.engine)
	if err != nil {
		s.logger.Error("open cart failed", zap.String("cart_id", cartID), zap.Error(err))
		return nil, err
	}
	store.OnChange(func(next cart.Cart) {
		refreshCache(s.cache, s.logger, &next)
	})

	c, err := fn(store)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// refreshCache stores a freshly saved cart. The cache keeps the newest
// revision, so a slower read-through fill cannot put an older cart back.
// If the write fails the entry is dropped instead.
func refreshCache(c cache.CartCache, logger *zap.Logger, next *cart.Cart) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := c.Set(ctx, next.ID, next)
	if err == nil {
		return
	}
	logger.Warn("cache refresh error", zap.String("cart_id", next.ID), zap.Error(err))
	if err := c.Delete(ctx, next.ID); err != nil {
		logger.Warn("cache invalidate error", zap.String("cart_id", next.ID), zap.Error(err))
	}
}
