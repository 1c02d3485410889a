package service

import (
	"context"
	"sync"
	"testing"

	"github.com/fjod/go_checkout/internal/cache"
	"github.com/fjod/go_checkout/internal/cart"
	"github.com/fjod/go_checkout/internal/catalog"
	"github.com/fjod/go_checkout/internal/domain"
	"github.com/fjod/go_checkout/internal/pricing"
	"github.com/fjod/go_checkout/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var testEngine = pricing.NewEngine(pricing.DefaultTaxRate)

func money(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func requireMoney(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.True(t, money(want).Equal(got), "want %s, got %s", want, got.StringFixed(2))
}

type mockCache struct {
	m     sync.RWMutex
	carts map[string]cart.Cart
	err   error

	hold     chan struct{}
	held     bool
	heldDone bool
}

func newMockCache() *mockCache {
	return &mockCache{carts: make(map[string]cart.Cart)}
}

func (c *mockCache) Get(_ context.Context, cartID string) (*cart.Cart, error) {
	c.m.RLock()
	defer c.m.RUnlock()
	if c.err != nil {
		return nil, c.err
	}
	v, ok := c.carts[cartID]
	if !ok {
		return nil, cache.ErrCacheMiss
	}
	return &v, nil
}

// Set keeps a newer cached revision, like RedisCache.
func (c *mockCache) Set(_ context.Context, cartID string, v *cart.Cart) error {
	c.m.Lock()
	hold := c.hold
	c.hold = nil
	if hold != nil {
		c.held = true
	}
	c.m.Unlock()

	if hold != nil {
		<-hold
	}

	c.m.Lock()
	defer c.m.Unlock()
	if hold != nil {
		c.heldDone = true
	}
	if current, ok := c.carts[cartID]; ok && current.Revision > v.Revision {
		return nil
	}
	c.carts[cartID] = *v
	return nil
}

func (c *mockCache) Delete(_ context.Context, cartID string) error {
	c.m.Lock()
	defer c.m.Unlock()
	delete(c.carts, cartID)
	return nil
}

// holdNextSet blocks the next Set until the returned channel is closed.
func (c *mockCache) holdNextSet() chan struct{} {
	c.m.Lock()
	defer c.m.Unlock()
	c.hold = make(chan struct{})
	c.held = false
	c.heldDone = false
	return c.hold
}

func (c *mockCache) setHeld() bool {
	c.m.RLock()
	defer c.m.RUnlock()
	return c.held
}

func (c *mockCache) heldSetDone() bool {
	c.m.RLock()
	defer c.m.RUnlock()
	return c.heldDone
}

func (c *mockCache) cached(cartID string) bool {
	c.m.RLock()
	defer c.m.RUnlock()
	_, ok := c.carts[cartID]
	return ok
}

func (c *mockCache) cachedCart(cartID string) (cart.Cart, bool) {
	c.m.RLock()
	defer c.m.RUnlock()
	v, ok := c.carts[cartID]
	return v, ok
}

type mockCatalog struct {
	products map[string]catalog.Product
}

func newMockCatalog() *mockCatalog {
	return &mockCatalog{products: map[string]catalog.Product{
		"mug/": {ID: "mug", Name: "Ceramic Mug", SKU: "MUG-001", Price: money("20.00")},
		"tea/": {ID: "tea", Name: "Green Tea", SKU: "TEA-001", Price: money("15.00")},
	}}
}

func (m *mockCatalog) GetProduct(_ context.Context, productID, variantID string) (*catalog.Product, error) {
	p, ok := m.products[productID+"/"+variantID]
	if !ok {
		return nil, catalog.ErrProductNotFound
	}
	return &p, nil
}

func newMemoryStore(t *testing.T) *store.MemoryStore {
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	return s
}

func setStock(t *testing.T, s *store.MemoryStore, productID string, quantity int) {
	require.NoError(t, s.SetStock(context.Background(), domain.StockLevel{
		StockKey:       domain.StockKey{ProductID: productID},
		Quantity:       quantity,
		TrackInventory: true,
	}))
}

func stockOf(t *testing.T, s *store.MemoryStore, productID string) int {
	key := domain.StockKey{ProductID: productID}
	levels, err := s.StockLevels(context.Background(), []domain.StockKey{key})
	require.NoError(t, err)
	return levels[key].Quantity
}

// fillCart saves mug x2 into cartID and returns the priced cart.
func fillCart(t *testing.T, s *store.MemoryStore, cartID string) cart.Cart {
	st, err := cart.Open(context.Background(), cartID, s, testEngine)
	require.NoError(t, err)
	c, err := st.AddItem(context.Background(), cart.NewItem{
		ProductID: "mug",
		Name:      "Ceramic Mug",
		UnitPrice: money("20.00"),
		Quantity:  2,
	})
	require.NoError(t, err)
	return c
}
