package cart

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/fjod/go_checkout/internal/pricing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockPersister struct {
	m        sync.RWMutex
	saved    map[string]Snapshot
	revision map[string]int64
	saveErr  error
	loadErr  error
}

func newMockPersister() *mockPersister {
	return &mockPersister{saved: map[string]Snapshot{}, revision: map[string]int64{}}
}

func (m *mockPersister) Load(_ context.Context, cartID string) (Snapshot, int64, error) {
	m.m.RLock()
	defer m.m.RUnlock()
	if m.loadErr != nil {
		return Snapshot{}, 0, m.loadErr
	}
	return m.saved[cartID], m.revision[cartID], nil
}

func (m *mockPersister) Save(_ context.Context, cartID string, snapshot Snapshot) (int64, error) {
	m.m.Lock()
	defer m.m.Unlock()
	if m.saveErr != nil {
		return 0, m.saveErr
	}
	m.saved[cartID] = snapshot
	m.revision[cartID]++
	return m.revision[cartID], nil
}

func openStore(t *testing.T, p *mockPersister) *Store {
	t.Helper()
	s, err := Open(context.Background(), "session:abc", p, pricing.NewEngine(pricing.DefaultTaxRate))
	require.NoError(t, err)
	return s
}

func TestStore_MutationsPersistAndNotify(t *testing.T) {
	p := newMockPersister()
	s := openStore(t, p)
	ctx := context.Background()

	var seen []Cart
	s.OnChange(func(c Cart) { seen = append(seen, c) })

	_, err := s.AddItem(ctx, itemA())
	require.NoError(t, err)
	c, err := s.AddItem(ctx, itemB())
	require.NoError(t, err)

	require.Len(t, seen, 2)
	assert.Equal(t, int64(2), c.Revision)
	requireMoney(t, "55.00", seen[1].Subtotal)
	assert.Len(t, p.saved["session:abc"].Items, 2)
}

func TestStore_ReloadReconstructsIdenticalCart(t *testing.T) {
	p := newMockPersister()
	s := openStore(t, p)
	ctx := context.Background()

	_, err := s.AddItem(ctx, itemA())
	require.NoError(t, err)
	_, err = s.ApplyCoupon(ctx, Coupon{Code: "SAVE5", Discount: money("5")})
	require.NoError(t, err)
	before, err := s.SetShipping(ctx, money("2.50"))
	require.NoError(t, err)

	reopened := openStore(t, p)
	after := reopened.Snapshot()

	assert.Equal(t, before.Items, after.Items)
	assert.Equal(t, before.Coupons, after.Coupons)
	assert.True(t, before.Total.Equal(after.Total))
	assert.Equal(t, before.Revision, after.Revision)
}

func TestStore_ApplyCouponTwiceDoesNotSave(t *testing.T) {
	p := newMockPersister()
	s := openStore(t, p)
	ctx := context.Background()

	_, err := s.AddItem(ctx, itemA())
	require.NoError(t, err)
	first, err := s.ApplyCoupon(ctx, Coupon{Code: "SAVE5", Discount: money("5")})
	require.NoError(t, err)
	second, err := s.ApplyCoupon(ctx, Coupon{Code: "SAVE5", Discount: money("5")})
	require.NoError(t, err)

	assert.Equal(t, first.Revision, second.Revision)
	assert.Len(t, second.Coupons, 1)
}

func TestStore_ValidationErrorKeepsState(t *testing.T) {
	p := newMockPersister()
	s := openStore(t, p)

	_, err := s.UpdateQuantity(context.Background(), "missing", 2)

	assert.ErrorIs(t, err, ErrItemNotFound)
	assert.Equal(t, int64(0), s.Snapshot().Revision)
	assert.Empty(t, p.saved)
}

func TestStore_SaveErrorKeepsState(t *testing.T) {
	p := newMockPersister()
	p.saveErr = errors.New("mongo down")
	s := openStore(t, p)

	_, err := s.AddItem(context.Background(), itemA())

	assert.ErrorContains(t, err, "mongo down")
	assert.True(t, s.Snapshot().IsEmpty())
}

func TestStore_Clear(t *testing.T) {
	p := newMockPersister()
	s := openStore(t, p)
	ctx := context.Background()

	_, err := s.AddItem(ctx, itemA())
	require.NoError(t, err)
	c, err := s.Clear(ctx)
	require.NoError(t, err)

	assert.True(t, c.IsEmpty())
	assert.True(t, c.Total.IsZero())
	assert.Empty(t, p.saved["session:abc"].Items)
}

func TestOpen_LoadError(t *testing.T) {
	p := newMockPersister()
	p.loadErr = errors.New("boom")

	_, err := Open(context.Background(), "c", p, pricing.NewEngine(pricing.DefaultTaxRate))

	assert.ErrorContains(t, err, "load cart c")
}
