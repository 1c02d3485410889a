package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fjod/go_checkout/internal/cache"
	"github.com/fjod/go_checkout/internal/cart"
	"github.com/fjod/go_checkout/internal/domain"
	"github.com/fjod/go_checkout/internal/gateway"
	"github.com/fjod/go_checkout/internal/pricing"
	"github.com/fjod/go_checkout/internal/repository"
	"github.com/fjod/go_checkout/pkg/logger"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/fjod/go_checkout/internal/service"

// FinalizeResult describes what a finalization did. Order is nil when the
// checkout session was unknown.
type FinalizeResult struct {
	Order   *domain.Order
	Created bool
	Flagged bool
}

// Finalizer turns a completed payment into an order. Order creation is keyed
// on the transaction id, so replays and concurrent deliveries of the same
// event create at most one order and decrement stock once.
type Finalizer struct {
	sessions repository.SessionRepository
	orders   repository.OrderRepository
	carts    repository.CartRepository
	flags    repository.ReconciliationRepository
	cache    cache.CartCache
	engine   pricing.Engine
	logger   *zap.Logger
	tracer   trace.Tracer
}

func NewFinalizer(
	sessions repository.SessionRepository,
	orders repository.OrderRepository,
	carts repository.CartRepository,
	flags repository.ReconciliationRepository,
	cache cache.CartCache,
	engine pricing.Engine,
	logger *zap.Logger,
) *Finalizer {
	return &Finalizer{
		sessions: sessions,
		orders:   orders,
		carts:    carts,
		flags:    flags,
		cache:    cache,
		engine:   engine,
		logger:   logger,
		tracer:   otel.Tracer(tracerName),
	}
}

func (f *Finalizer) Finalize(ctx context.Context, event gateway.PaymentCompleted) (result *FinalizeResult, err error) {
	ctx, span := f.tracer.Start(ctx, "Finalizer.Finalize", trace.WithAttributes(
		attribute.String("checkout.session_id", event.SessionID),
		attribute.String("payment.transaction_id", event.TransactionID),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	log := logger.WithContext(ctx, f.logger).With(
		zap.String("session_id", event.SessionID),
		zap.String("transaction_id", event.TransactionID),
	)

	session, err := f.sessions.GetCheckoutSession(ctx, event.SessionID)
	if errors.Is(err, repository.ErrSessionNotFound) {
		log.Error("payment completed for unknown checkout session")
		f.flag(ctx, log, event.SessionID, domain.ReasonUnknownSession,
			fmt.Sprintf("transaction %s, amount %d %s", event.TransactionID, event.AmountTotal, event.Currency))
		return &FinalizeResult{Flagged: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get checkout session %s: %w", event.SessionID, err)
	}

	existing, err := f.orders.GetOrderByTransactionID(ctx, event.TransactionID)
	if err == nil {
		log.Info("order already exists for transaction", zap.String("order_number", existing.Number))
		return &FinalizeResult{Order: existing}, f.clearCart(ctx, log, existing)
	}
	if !errors.Is(err, repository.ErrOrderNotFound) {
		return nil, fmt.Errorf("get order for transaction %s: %w", event.TransactionID, err)
	}

	order, err := f.buildOrder(ctx, log, session, event)
	if err != nil {
		return nil, err
	}

	created, err := f.orders.CreateOrder(ctx, order)
	if err != nil {
		return nil, fmt.Errorf("create order for transaction %s: %w", event.TransactionID, err)
	}
	span.SetAttributes(attribute.String("order.number", created.Order.Number), attribute.Bool("order.created", created.Created))

	if !created.Created {
		log.Info("order created by a concurrent delivery", zap.String("order_number", created.Order.Number))
		return &FinalizeResult{Order: created.Order}, f.clearCart(ctx, log, created.Order)
	}

	log.Info("order created",
		zap.String("order_number", created.Order.Number),
		zap.String("total", created.Order.Total.StringFixed(2)),
		zap.String("payment_status", created.Order.PaymentStatus.String()),
	)

	res := &FinalizeResult{Order: created.Order, Created: true}
	if len(created.Shortfalls) > 0 {
		details := make([]string, 0, len(created.Shortfalls))
		for _, s := range created.Shortfalls {
			details = append(details, fmt.Sprintf("%s/%s requested %d available %d", s.ProductID, s.VariantID, s.Requested, s.Available))
		}
		log.Warn("stock shortfall on finalized order", zap.Strings("shortfalls", details))
		f.flag(ctx, log, created.Order.Number, domain.ReasonStockShortfall, strings.Join(details, "; "))
		res.Flagged = true
	}
	if event.AmountTotal > 0 && event.AmountTotal != pricing.MinorUnits(created.Order.Total) {
		log.Warn("paid amount differs from order total",
			zap.Int64("paid", event.AmountTotal),
			zap.Int64("order_total", pricing.MinorUnits(created.Order.Total)),
		)
		f.flag(ctx, log, created.Order.Number, domain.ReasonAmountMismatch,
			fmt.Sprintf("paid %d, order total %d", event.AmountTotal, pricing.MinorUnits(created.Order.Total)))
		res.Flagged = true
	}

	return res, f.clearCart(ctx, log, created.Order)
}

// buildOrder copies the cart's current contents. A cart that is already empty
// falls back to the items captured when the checkout session was created.
func (f *Finalizer) buildOrder(ctx context.Context, log *zap.Logger, session *domain.CheckoutSession, event gateway.PaymentCompleted) (*domain.Order, error) {
	snapshot, revision, err := f.carts.Load(ctx, session.CartID)
	if err != nil {
		return nil, fmt.Errorf("load cart %s: %w", session.CartID, err)
	}
	c := cart.FromSnapshot(session.CartID, snapshot, revision).WithEngine(f.engine)

	order := &domain.Order{
		ID:                uuid.New(),
		Number:            domain.NewOrderNumber(),
		TransactionID:     event.TransactionID,
		CheckoutSessionID: session.ID,
		CartID:            session.CartID,
		CartRevision:      revision,
		UserID:            session.UserID,
		Email:             session.Email,
		ShippingAddress:   session.ShippingAddress,
		BillingAddress:    session.BillingAddress,
		Currency:          session.Currency,
		PaymentStatus:     domain.PaymentStatusCaptured,
		FulfillmentStatus: domain.FulfillmentStatusConfirmed,
	}
	if !event.Paid {
		order.PaymentStatus = domain.PaymentStatusPending
	}
	if order.Currency == "" {
		order.Currency = event.Currency
	}
	if order.Email == "" {
		order.Email = event.CustomerEmail
	}

	if c.IsEmpty() {
		log.Warn("cart is empty, finalizing from checkout session items", zap.String("cart_id", session.CartID))
		order.Items = append([]domain.OrderItem(nil), session.Items...)
		order.Subtotal = session.Subtotal
		order.Discount = session.Discount
		order.Shipping = session.Shipping
		order.Tax = session.Tax
		order.Total = session.Total
		return order, nil
	}

	if revision != session.CartRevision {
		log.Warn("cart changed since checkout started",
			zap.Int64("checkout_revision", session.CartRevision),
			zap.Int64("current_revision", revision),
		)
	}
	order.Items = orderItems(c)
	order.Subtotal = c.Subtotal
	order.Discount = c.Discount
	order.Shipping = c.Shipping
	order.Tax = c.Tax
	order.Total = c.Total
	return order, nil
}

// clearCart empties the cart the order was taken from, unless it changed
// after the order was built. It is a no-op once recorded on the order.
func (f *Finalizer) clearCart(ctx context.Context, log *zap.Logger, order *domain.Order) error {
	if order.CartClearedAt != nil {
		return nil
	}

	cleared, err := f.carts.ClearIfRevision(ctx, order.CartID, order.CartRevision)
	if err != nil {
		return fmt.Errorf("clear cart %s: %w", order.CartID, err)
	}
	if cleared {
		empty := cart.New(order.CartID).WithEngine(f.engine)
		empty.Revision = order.CartRevision + 1
		refreshCache(f.cache, f.logger, &empty)
	} else {
		log.Info("cart changed after order was placed, leaving contents",
			zap.String("cart_id", order.CartID),
			zap.String("order_number", order.Number),
		)
	}

	if err := f.orders.MarkCartCleared(ctx, order.ID); err != nil {
		return fmt.Errorf("mark cart cleared for order %s: %w", order.Number, err)
	}
	return nil
}

// flag records a reconciliation flag. Failures are logged only: the payment
// is still acknowledged.
func (f *Finalizer) flag(ctx context.Context, log *zap.Logger, reference, reason, details string) {
	err := f.flags.FlagForReconciliation(ctx, domain.ReconciliationFlag{
		Reference: reference,
		Reason:    reason,
		Details:   details,
	})
	if err != nil {
		log.Error("flag for reconciliation failed", zap.String("reason", reason), zap.Error(err))
	}
}
