package gateway

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrMalformedEvent   = errors.New("malformed gateway event")

	// ErrIdempotencyConflict means an idempotency key was reused with
	// different session parameters.
	ErrIdempotencyConflict = errors.New("checkout session parameters changed for the same idempotency key")
)

// MalformedEventError is returned for correctly signed events whose payload
// cannot be decoded. EventID and Type are empty when the envelope itself is broken.
type MalformedEventError struct {
	EventID string
	Type    string
	Err     error
}

func (e *MalformedEventError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("%v: %v", ErrMalformedEvent, e.Err)
	}
	return fmt.Sprintf("%v: %s: %v", ErrMalformedEvent, e.Type, e.Err)
}

func (e *MalformedEventError) Unwrap() error { return e.Err }

func (e *MalformedEventError) Is(target error) bool { return target == ErrMalformedEvent }

const (
	MetadataCartID = "cart_id"
	MetadataUserID = "user_id"
)

// LineItem is one line on the hosted payment page. Amounts are in minor units.
type LineItem struct {
	Name       string
	UnitAmount int64
	Quantity   int64
}

type SessionRequest struct {
	Currency       string
	CustomerEmail  string
	LineItems      []LineItem
	Metadata       map[string]string
	SuccessURL     string
	CancelURL      string
	IdempotencyKey string
}

type Session struct {
	ID  string
	URL string
}

// Gateway is the payment provider capability used by checkout and webhooks.
type Gateway interface {
	CreateCheckoutSession(ctx context.Context, req SessionRequest) (*Session, error)
	// ParseEvent verifies the signature header against the payload and
	// classifies the event. Verification failures return ErrInvalidSignature.
	ParseEvent(payload []byte, signature string) (Event, error)
}
