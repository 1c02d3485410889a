package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fjod/go_checkout/internal/cart"
	"github.com/fjod/go_checkout/internal/domain"
	"github.com/fjod/go_checkout/internal/repository"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *MemoryStore {
	s := NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	return s
}

func testOrder(transactionID string, quantity int) *domain.Order {
	return &domain.Order{
		ID:            uuid.New(),
		Number:        domain.NewOrderNumber(),
		TransactionID: transactionID,
		CartID:        "user:1",
		UserID:        "1",
		Items: []domain.OrderItem{
			{ProductID: "mug", UnitPrice: decimal.NewFromInt(20), Quantity: quantity},
		},
		PaymentStatus:     domain.PaymentStatusCaptured,
		FulfillmentStatus: domain.FulfillmentStatusConfirmed,
	}
}

func setMugStock(t *testing.T, s *MemoryStore, quantity int) {
	require.NoError(t, s.SetStock(context.Background(), domain.StockLevel{
		StockKey:       domain.StockKey{ProductID: "mug"},
		Quantity:       quantity,
		TrackInventory: true,
	}))
}

func mugStock(t *testing.T, s *MemoryStore) int {
	levels, err := s.StockLevels(context.Background(), []domain.StockKey{{ProductID: "mug"}})
	require.NoError(t, err)
	return levels[domain.StockKey{ProductID: "mug"}].Quantity
}

func TestCartPersistence(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	snapshot, revision, err := s.Load(ctx, "session:1")
	require.NoError(t, err)
	assert.Zero(t, revision)
	assert.Empty(t, snapshot.Items)

	rev, err := s.Save(ctx, "session:1", cart.Snapshot{Items: []cart.Item{{ID: "i1", ProductID: "mug", Quantity: 1}}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rev)

	cleared, err := s.ClearIfRevision(ctx, "session:1", 0)
	require.NoError(t, err)
	assert.False(t, cleared)

	cleared, err = s.ClearIfRevision(ctx, "session:1", 1)
	require.NoError(t, err)
	assert.True(t, cleared)

	snapshot, revision, err = s.Load(ctx, "session:1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), revision)
	assert.Empty(t, snapshot.Items)
}

func TestCreateOrder_Idempotent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	setMugStock(t, s, 5)

	first, err := s.CreateOrder(ctx, testOrder("pi_1", 2))
	require.NoError(t, err)
	assert.True(t, first.Created)

	for i := 0; i < 5; i++ {
		again, err := s.CreateOrder(ctx, testOrder("pi_1", 2))
		require.NoError(t, err)
		assert.False(t, again.Created)
		assert.Equal(t, first.Order.ID, again.Order.ID)
	}

	assert.Equal(t, 3, mugStock(t, s))
	events, err := s.GetUnprocessedEvents(ctx, 100)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestCreateOrder_Concurrent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	setMugStock(t, s, 5)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := s.CreateOrder(ctx, testOrder("pi_race", 2))
			if !assert.NoError(t, err) {
				return
			}
			if result.Created {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, 3, mugStock(t, s))
}

func TestCreateOrder_Shortfall(t *testing.T) {
	s := newStore(t)
	setMugStock(t, s, 1)

	result, err := s.CreateOrder(context.Background(), testOrder("pi_short", 3))
	require.NoError(t, err)

	require.Len(t, result.Shortfalls, 1)
	assert.Equal(t, 1, result.Shortfalls[0].Available)
	assert.Equal(t, 0, mugStock(t, s))
}

func TestSetStock_RejectsNegative(t *testing.T) {
	s := newStore(t)

	err := s.SetStock(context.Background(), domain.StockLevel{StockKey: domain.StockKey{ProductID: "mug"}, Quantity: -1})
	assert.Error(t, err)
}

func TestUpdatePaymentStatus(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	result, err := s.CreateOrder(ctx, testOrder("pi_s", 1))
	require.NoError(t, err)
	id := result.Order.ID

	ok, err := s.UpdatePaymentStatus(ctx, id, domain.PaymentStatusCaptured, domain.PaymentStatusRefunded, domain.FulfillmentStatusRefunded)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.UpdatePaymentStatus(ctx, id, domain.PaymentStatusCaptured, domain.PaymentStatusRefunded, domain.FulfillmentStatusRefunded)
	require.NoError(t, err)
	assert.False(t, ok)

	order, err := s.GetOrderByTransactionID(ctx, "pi_s")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusRefunded, order.PaymentStatus)
	assert.Equal(t, domain.FulfillmentStatusRefunded, order.FulfillmentStatus)

	_, err = s.UpdatePaymentStatus(ctx, uuid.New(), domain.PaymentStatusPending, domain.PaymentStatusCaptured, "")
	assert.ErrorIs(t, err, repository.ErrOrderNotFound)
}

func TestReturnedOrdersAreCopies(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	result, err := s.CreateOrder(ctx, testOrder("pi_copy", 1))
	require.NoError(t, err)

	result.Order.Items[0].Quantity = 99
	result.Order.PaymentStatus = domain.PaymentStatusFailed

	stored, err := s.GetOrderByNumber(ctx, result.Order.Number)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Items[0].Quantity)
	assert.Equal(t, domain.PaymentStatusCaptured, stored.PaymentStatus)
}

func TestMarkCartCleared(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	result, err := s.CreateOrder(ctx, testOrder("pi_c", 1))
	require.NoError(t, err)

	require.NoError(t, s.MarkCartCleared(ctx, result.Order.ID))
	order, err := s.GetOrderByNumber(ctx, result.Order.Number)
	require.NoError(t, err)
	assert.NotNil(t, order.CartClearedAt)
}

func TestListOrdersByUserID_NewestFirst(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	first, err := s.CreateOrder(ctx, testOrder("pi_old", 1))
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	second, err := s.CreateOrder(ctx, testOrder("pi_new", 1))
	require.NoError(t, err)

	orders, err := s.ListOrdersByUserID(ctx, "1")
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, second.Order.ID, orders[0].ID)
	assert.Equal(t, first.Order.ID, orders[1].ID)
}

func TestCheckoutSessions(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveCheckoutSession(ctx, &domain.CheckoutSession{ID: "cs_1", CartID: "user:1"}))
	assert.ErrorIs(t, s.SaveCheckoutSession(ctx, &domain.CheckoutSession{ID: "cs_1"}), repository.ErrDuplicateSession)

	session, err := s.GetCheckoutSession(ctx, "cs_1")
	require.NoError(t, err)
	assert.Equal(t, "user:1", session.CartID)
	assert.False(t, session.CreatedAt.IsZero())

	_, err = s.GetCheckoutSession(ctx, "cs_2")
	assert.ErrorIs(t, err, repository.ErrSessionNotFound)
}

func TestOutbox_ProcessAndPurge(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	_, err := s.CreateOrder(ctx, testOrder("pi_o1", 1))
	require.NoError(t, err)
	_, err = s.CreateOrder(ctx, testOrder("pi_o2", 1))
	require.NoError(t, err)

	events, err := s.GetUnprocessedEvents(ctx, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)

	require.NoError(t, s.MarkEventAsProcessed(ctx, events[0].ID))
	assert.Error(t, s.MarkEventAsProcessed(ctx, 999))

	s.purgeProcessedEvents(time.Now().Add(time.Minute))

	remaining, err := s.GetUnprocessedEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.NotEqual(t, events[0].ID, remaining[0].ID)
	assert.Len(t, s.outbox, 1)
}

func TestReconciliationFlags(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.FlagForReconciliation(ctx, domain.ReconciliationFlag{Reference: "cs_x", Reason: domain.ReasonUnknownSession}))

	flags, err := s.ReconciliationFlags(ctx, "cs_x")
	require.NoError(t, err)
	require.Len(t, flags, 1)
	assert.False(t, flags[0].CreatedAt.IsZero())
}
