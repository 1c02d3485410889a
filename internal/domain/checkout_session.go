package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// CheckoutSession records what was sent to the payment gateway. Its items
// are the fallback source for finalization when the cart is already empty.
type CheckoutSession struct {
	ID              string          `json:"id"`
	CartID          string          `json:"cart_id"`
	CartRevision    int64           `json:"cart_revision"`
	UserID          string          `json:"user_id,omitempty"`
	Email           string          `json:"email"`
	ShippingAddress Address         `json:"shipping_address"`
	BillingAddress  Address         `json:"billing_address"`
	Items           []OrderItem     `json:"items"`
	Subtotal        decimal.Decimal `json:"subtotal"`
	Discount        decimal.Decimal `json:"discount"`
	Shipping        decimal.Decimal `json:"shipping"`
	Tax             decimal.Decimal `json:"tax"`
	Total           decimal.Decimal `json:"total"`
	Currency        string          `json:"currency"`
	CreatedAt       time.Time       `json:"created_at"`
}

// ReconciliationFlag marks a payment that needs manual attention.
type ReconciliationFlag struct {
	Reference string    `json:"reference"`
	Reason    string    `json:"reason"`
	Details   string    `json:"details,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	ReasonUnknownSession = "unknown_checkout_session"
	ReasonStockShortfall = "stock_shortfall"
	ReasonAmountMismatch = "amount_mismatch"
	ReasonMalformedEvent = "malformed_event"
)

// OutboxEvent is a domain event written in the same transaction as the
// state change it describes.
type OutboxEvent struct {
	ID          int64
	AggregateID string
	EventType   string
	Payload     []byte
	CreatedAt   time.Time
}

const (
	EventOrderCreated              = "order.created"
	EventOrderPaymentStatusChanged = "order.payment_status_changed"
)
