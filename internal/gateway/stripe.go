package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/fjod/go_checkout/pkg/circuitbreaker"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/checkout/session"
	"github.com/stripe/stripe-go/v81/webhook"
	"go.uber.org/zap"
)

// StripeGateway creates hosted checkout sessions through the Stripe API and
// verifies Stripe-Signature headers on incoming webhooks.
type StripeGateway struct {
	sessions      session.Client
	webhookSecret string
	breaker       *circuitbreaker.Breaker[*stripe.CheckoutSession]
}

func NewStripeGateway(secretKey, webhookSecret string, logger *zap.Logger) *StripeGateway {
	cfg := circuitbreaker.DefaultConfig("stripe-checkout")
	cfg.IsSuccessful = isCallerError

	return &StripeGateway{
		sessions:      session.Client{B: stripe.GetBackend(stripe.APIBackend), Key: secretKey},
		webhookSecret: webhookSecret,
		breaker:       circuitbreaker.New[*stripe.CheckoutSession](cfg, logger),
	}
}

func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, req SessionRequest) (*Session, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		Currency:   stripe.String(req.Currency),
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
		LineItems:  make([]*stripe.CheckoutSessionLineItemParams, 0, len(req.LineItems)),
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: req.Metadata,
		},
	}
	params.Context = ctx
	if req.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(req.CustomerEmail)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	for _, item := range req.LineItems {
		params.LineItems = append(params.LineItems, &stripe.CheckoutSessionLineItemParams{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(req.Currency),
				UnitAmount: stripe.Int64(item.UnitAmount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(item.Name),
				},
			},
			Quantity: stripe.Int64(item.Quantity),
		})
	}

	s, err := g.breaker.Execute(func() (*stripe.CheckoutSession, error) {
		return g.sessions.New(params)
	})
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Type == stripe.ErrorTypeIdempotency {
			return nil, fmt.Errorf("%w: %v", ErrIdempotencyConflict, err)
		}
		return nil, fmt.Errorf("create stripe checkout session: %w", err)
	}
	return &Session{ID: s.ID, URL: s.URL}, nil
}

func (g *StripeGateway) ParseEvent(payload []byte, signature string) (Event, error) {
	return parseSignedEvent(payload, signature, g.webhookSecret)
}

// parseSignedEvent verifies the t=...,v1=... header and classifies the event.
func parseSignedEvent(payload []byte, signature, secret string) (Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if errors.Is(err, webhook.ErrNotSigned) ||
			errors.Is(err, webhook.ErrInvalidHeader) ||
			errors.Is(err, webhook.ErrNoValidSignature) ||
			errors.Is(err, webhook.ErrTooOld) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		return nil, &MalformedEventError{Err: err}
	}
	return Classify(event)
}

// Rejected requests are our fault, not Stripe's, and must not open the breaker.
func isCallerError(err error) bool {
	if err == nil {
		return true
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return stripeErr.HTTPStatusCode >= http.StatusBadRequest &&
			stripeErr.HTTPStatusCode < http.StatusInternalServerError &&
			stripeErr.HTTPStatusCode != http.StatusTooManyRequests
	}
	return false
}
