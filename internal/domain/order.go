package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "pending"
	PaymentStatusCaptured PaymentStatus = "captured"
	PaymentStatusFailed   PaymentStatus = "failed"
	PaymentStatusRefunded PaymentStatus = "refunded"
)

// allowed payment transitions; refunded is terminal
var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusPending:  {PaymentStatusCaptured, PaymentStatusFailed},
	PaymentStatusCaptured: {PaymentStatusRefunded},
	PaymentStatusFailed:   {PaymentStatusCaptured},
}

// CanTransitionTo reports whether an order in status s may move to next.
// Staying in the same status is not a transition.
func (s PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	for _, allowed := range paymentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s PaymentStatus) String() string {
	return string(s)
}

type FulfillmentStatus string

const (
	FulfillmentStatusConfirmed FulfillmentStatus = "confirmed"
	FulfillmentStatusRefunded  FulfillmentStatus = "refunded"
)

type Address struct {
	Name       string `json:"name,omitempty"`
	Line1      string `json:"line1,omitempty"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country,omitempty"`
}

type OrderItem struct {
	ProductID string          `json:"product_id"`
	VariantID string          `json:"variant_id,omitempty"`
	Name      string          `json:"name"`
	SKU       string          `json:"sku,omitempty"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  int             `json:"quantity"`
	Subtotal  decimal.Decimal `json:"subtotal"`
}

type Order struct {
	ID                uuid.UUID         `json:"id"`
	Number            string            `json:"number"`
	TransactionID     string            `json:"transaction_id"`
	CheckoutSessionID string            `json:"checkout_session_id"`
	CartID            string            `json:"cart_id"`
	CartRevision      int64             `json:"-"`
	UserID            string            `json:"user_id,omitempty"`
	Email             string            `json:"email"`
	ShippingAddress   Address           `json:"shipping_address"`
	BillingAddress    Address           `json:"billing_address"`
	Items             []OrderItem       `json:"items"`
	Subtotal          decimal.Decimal   `json:"subtotal"`
	Discount          decimal.Decimal   `json:"discount"`
	Shipping          decimal.Decimal   `json:"shipping"`
	Tax               decimal.Decimal   `json:"tax"`
	Total             decimal.Decimal   `json:"total"`
	Currency          string            `json:"currency"`
	PaymentStatus     PaymentStatus     `json:"payment_status"`
	FulfillmentStatus FulfillmentStatus `json:"fulfillment_status"`
	CartClearedAt     *time.Time        `json:"-"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// NewOrderNumber returns a human-facing, lexically time-ordered order number.
func NewOrderNumber() string {
	return fmt.Sprintf("ORD-%s", ulid.Make().String())
}

// Decrements returns the stock decrements needed to fulfil the order,
// merged per product and variant.
func (o *Order) Decrements() []StockDecrement {
	index := make(map[StockKey]int)
	var out []StockDecrement
	for _, item := range o.Items {
		key := StockKey{ProductID: item.ProductID, VariantID: item.VariantID}
		if i, ok := index[key]; ok {
			out[i].Quantity += item.Quantity
			continue
		}
		index[key] = len(out)
		out = append(out, StockDecrement{StockKey: key, Quantity: item.Quantity})
	}
	return out
}
