package repository

import (
	"context"
	"errors"

	"github.com/fjod/go_checkout/internal/cart"
	"github.com/fjod/go_checkout/internal/domain"
	"github.com/google/uuid"
)

var (
	ErrOrderNotFound    = errors.New("order not found")
	ErrSessionNotFound  = errors.New("checkout session not found")
	ErrDuplicateOrder   = errors.New("order with this number already exists")
	ErrDuplicateSession = errors.New("checkout session already exists")
)

type Credentials struct {
	Host              string
	Port              int
	User              string
	Password          string
	DBName            string
	MigrationsDirPath string
}

// CartRepository persists cart snapshots. Save increments the revision.
type CartRepository interface {
	cart.Persister
	// ClearIfRevision empties the cart only if its stored revision still equals
	// revision. It reports whether the cart was cleared. A cleared cart is
	// stored at revision+1.
	ClearIfRevision(ctx context.Context, cartID string, revision int64) (bool, error)
}

// CreateResult is the outcome of CreateOrder. Created is false when an order
// for the same transaction id already existed; Order is then the stored one.
type CreateResult struct {
	Order      *domain.Order
	Created    bool
	Shortfalls []domain.Shortfall
}

// OrderRepository stores orders. CreateOrder inserts the order, decrements
// stock for its items and records an outbox event in one transaction;
// transaction id uniqueness makes it idempotent.
type OrderRepository interface {
	CreateOrder(ctx context.Context, order *domain.Order) (*CreateResult, error)
	GetOrderByNumber(ctx context.Context, number string) (*domain.Order, error)
	GetOrderByTransactionID(ctx context.Context, transactionID string) (*domain.Order, error)
	ListOrdersByUserID(ctx context.Context, userID string) ([]*domain.Order, error)
	// UpdatePaymentStatus moves the order from one payment status to another.
	// It reports false when the order was no longer in status from.
	UpdatePaymentStatus(ctx context.Context, orderID uuid.UUID, from, to domain.PaymentStatus, fulfillment domain.FulfillmentStatus) (bool, error)
	MarkCartCleared(ctx context.Context, orderID uuid.UUID) error
}

type SessionRepository interface {
	SaveCheckoutSession(ctx context.Context, session *domain.CheckoutSession) error
	GetCheckoutSession(ctx context.Context, id string) (*domain.CheckoutSession, error)
}

type StockRepository interface {
	// StockLevels returns levels for the known keys; unknown keys are absent.
	StockLevels(ctx context.Context, keys []domain.StockKey) (map[domain.StockKey]domain.StockLevel, error)
	SetStock(ctx context.Context, level domain.StockLevel) error
}

type ReconciliationRepository interface {
	FlagForReconciliation(ctx context.Context, flag domain.ReconciliationFlag) error
}

type OutboxRepository interface {
	GetUnprocessedEvents(ctx context.Context, limit int) ([]*domain.OutboxEvent, error)
	MarkEventAsProcessed(ctx context.Context, id int64) error
}
