package webhook

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/fjod/go_checkout/internal/cache"
	"github.com/fjod/go_checkout/internal/cart"
	"github.com/fjod/go_checkout/internal/domain"
	"github.com/fjod/go_checkout/internal/gateway"
	"github.com/fjod/go_checkout/internal/pricing"
	"github.com/fjod/go_checkout/internal/repository"
	"github.com/fjod/go_checkout/internal/service"
	"github.com/fjod/go_checkout/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixture struct {
	store     *store.MemoryStore
	gateway   *gateway.FakeGateway
	processor *Processor
}

func newFixture(t *testing.T) *fixture {
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()
	engine := pricing.NewEngine(pricing.DefaultTaxRate)

	require.NoError(t, s.SetStock(ctx, domain.StockLevel{StockKey: domain.StockKey{ProductID: "mug"}, Quantity: 5, TrackInventory: true}))
	st, err := cart.Open(ctx, "user:1", s, engine)
	require.NoError(t, err)
	c, err := st.AddItem(ctx, cart.NewItem{ProductID: "mug", Name: "Ceramic Mug", UnitPrice: decimal.RequireFromString("20.00"), Quantity: 2})
	require.NoError(t, err)
	require.NoError(t, s.SaveCheckoutSession(ctx, &domain.CheckoutSession{
		ID:           "cs_1",
		CartID:       "user:1",
		CartRevision: c.Revision,
		Email:        "buyer@example.com",
		Currency:     "usd",
	}))

	gw := gateway.NewFakeGateway("http://pay.local", "whsec_test")
	finalizer := service.NewFinalizer(s, s, s, s, cache.Nop{}, engine, zap.NewNop())
	orders := service.NewOrderService(s, zap.NewNop())

	return &fixture{
		store:     s,
		gateway:   gw,
		processor: NewProcessor(gw, finalizer, orders, s, zap.NewNop()),
	}
}

func (f *fixture) deliver(eventType, object string) error {
	payload := []byte(fmt.Sprintf(`{"id":"evt_%s","object":"event","type":%q,"data":{"object":%s}}`, eventType, eventType, object))
	return f.processor.Process(context.Background(), payload, f.gateway.Sign(payload))
}

func (f *fixture) mugStock(t *testing.T) int {
	key := domain.StockKey{ProductID: "mug"}
	levels, err := f.store.StockLevels(context.Background(), []domain.StockKey{key})
	require.NoError(t, err)
	return levels[key].Quantity
}

const completedSession = `{"id":"cs_1","payment_intent":"pi_1","payment_status":"paid","amount_total":4400,"currency":"usd"}`

func TestProcess_CompletedReplayedCreatesOneOrder(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, f.deliver(gateway.EventCheckoutSessionCompleted, completedSession))
	}

	order, err := f.store.GetOrderByTransactionID(context.Background(), "pi_1")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusCaptured, order.PaymentStatus)
	assert.Equal(t, 3, f.mugStock(t))
}

func TestProcess_ConcurrentDeliveries(t *testing.T) {
	f := newFixture(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.deliver(gateway.EventCheckoutSessionCompleted, completedSession))
		}()
	}
	wg.Wait()

	orders, err := f.store.ListOrdersByUserID(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, orders, 1)
	assert.Equal(t, 3, f.mugStock(t))
}

func TestProcess_InvalidSignature(t *testing.T) {
	f := newFixture(t)
	payload := []byte(`{"id":"evt_1","type":"checkout.session.completed","data":{"object":` + completedSession + `}}`)

	err := f.processor.Process(context.Background(), payload, "t=1,v1=deadbeef")
	assert.ErrorIs(t, err, gateway.ErrInvalidSignature)

	_, err = f.store.GetOrderByTransactionID(context.Background(), "pi_1")
	assert.ErrorIs(t, err, repository.ErrOrderNotFound)
}

func TestProcess_UnknownSessionAcknowledged(t *testing.T) {
	f := newFixture(t)

	err := f.deliver(gateway.EventCheckoutSessionCompleted, `{"id":"cs_other","payment_intent":"pi_9","payment_status":"paid"}`)
	require.NoError(t, err)

	flags, err := f.store.ReconciliationFlags(context.Background(), "cs_other")
	require.NoError(t, err)
	assert.Len(t, flags, 1)
}

func TestProcess_FailedForUnknownTransactionIsNoOp(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.deliver(gateway.EventPaymentIntentFailed, `{"id":"pi_unknown"}`))

	_, err := f.store.GetOrderByTransactionID(context.Background(), "pi_unknown")
	assert.ErrorIs(t, err, repository.ErrOrderNotFound)
	events, err := f.store.GetUnprocessedEvents(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestProcess_CapturedBeforeOrderIsNotReady(t *testing.T) {
	f := newFixture(t)

	err := f.deliver(gateway.EventPaymentIntentSucceeded, `{"id":"pi_1"}`)
	assert.ErrorIs(t, err, service.ErrOrderNotReady)
}

func TestProcess_AsyncPaymentLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.deliver(gateway.EventCheckoutSessionCompleted, `{"id":"cs_1","payment_intent":"pi_1","payment_status":"unpaid"}`))
	order, err := f.store.GetOrderByTransactionID(ctx, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPending, order.PaymentStatus)

	require.NoError(t, f.deliver(gateway.EventCheckoutAsyncPaymentSucceeded, `{"id":"cs_1","payment_intent":"pi_1"}`))
	order, err = f.store.GetOrderByTransactionID(ctx, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusCaptured, order.PaymentStatus)
}

func TestProcess_Refunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.deliver(gateway.EventCheckoutSessionCompleted, completedSession))

	require.NoError(t, f.deliver(gateway.EventChargeRefunded, `{"id":"ch_1","payment_intent":"pi_1","amount_refunded":1000,"refunded":false}`))
	order, err := f.store.GetOrderByTransactionID(ctx, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusCaptured, order.PaymentStatus)

	require.NoError(t, f.deliver(gateway.EventChargeRefunded, `{"id":"ch_1","payment_intent":"pi_1","amount_refunded":4400,"refunded":true}`))
	order, err = f.store.GetOrderByTransactionID(ctx, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusRefunded, order.PaymentStatus)
	assert.Equal(t, domain.FulfillmentStatusRefunded, order.FulfillmentStatus)
}

func TestProcess_IgnoredKind(t *testing.T) {
	f := newFixture(t)

	assert.NoError(t, f.deliver("invoice.paid", `{"id":"in_1"}`))
}

type stubParser struct{ event gateway.Event }

func (s stubParser) ParseEvent([]byte, string) (gateway.Event, error) { return s.event, nil }

type failingFinalizer struct{ err error }

func (f failingFinalizer) Finalize(context.Context, gateway.PaymentCompleted) (*service.FinalizeResult, error) {
	return nil, f.err
}

func TestProcess_TransientFinalizeErrorIsReturned(t *testing.T) {
	dbErr := errors.New("database unavailable")
	p := NewProcessor(stubParser{event: gateway.PaymentCompleted{SessionID: "cs_1"}}, failingFinalizer{err: dbErr}, nil, nil, zap.NewNop())

	err := p.Process(context.Background(), nil, "")
	assert.ErrorIs(t, err, dbErr)
}

func TestProcess_UndecodableEventFlaggedAndAcknowledged(t *testing.T) {
	f := newFixture(t)

	err := f.deliver(gateway.EventChargeRefunded, `"not-an-object"`)
	require.NoError(t, err)

	flags, err := f.store.ReconciliationFlags(context.Background(), "evt_"+gateway.EventChargeRefunded)
	require.NoError(t, err)
	require.Len(t, flags, 1)
	assert.Equal(t, domain.ReasonMalformedEvent, flags[0].Reason)
}

func TestProcess_BrokenEnvelopeFlaggedByPayloadHash(t *testing.T) {
	f := newFixture(t)
	payload := []byte(`{"id":`)

	require.NoError(t, f.processor.Process(context.Background(), payload, f.gateway.Sign(payload)))

	flags, err := f.store.ReconciliationFlags(context.Background(), fmt.Sprintf("payload:%016x", xxhash.Sum64(payload)))
	require.NoError(t, err)
	assert.Len(t, flags, 1)
}

type failingFlagger struct{ err error }

func (f failingFlagger) FlagForReconciliation(context.Context, domain.ReconciliationFlag) error {
	return f.err
}

func TestProcess_UndecodableEventRetriedWhenFlagFails(t *testing.T) {
	gw := gateway.NewFakeGateway("http://pay.local", "whsec_test")
	dbErr := errors.New("database unavailable")
	p := NewProcessor(gw, nil, nil, failingFlagger{err: dbErr}, zap.NewNop())

	payload := []byte(`{"id":"evt_9","object":"event","type":"charge.refunded","data":{"object":"nope"}}`)
	err := p.Process(context.Background(), payload, gw.Sign(payload))
	assert.ErrorIs(t, err, dbErr)
}
