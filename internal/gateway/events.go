package gateway

import (
	"encoding/json"
	"errors"

	"github.com/stripe/stripe-go/v81"
)

const (
	EventCheckoutSessionCompleted      = "checkout.session.completed"
	EventCheckoutAsyncPaymentSucceeded = "checkout.session.async_payment_succeeded"
	EventCheckoutAsyncPaymentFailed    = "checkout.session.async_payment_failed"
	EventPaymentIntentSucceeded        = "payment_intent.succeeded"
	EventPaymentIntentFailed           = "payment_intent.payment_failed"
	EventChargeRefunded                = "charge.refunded"
)

// Event is one of PaymentCompleted, PaymentCaptured, PaymentFailed,
// ChargeRefunded or Ignored.
type Event interface {
	GatewayEventID() string
	sealed()
}

// PaymentCompleted is a finished hosted checkout. Paid is false for
// asynchronous payment methods that settle later.
type PaymentCompleted struct {
	EventID       string
	SessionID     string
	TransactionID string
	Paid          bool
	AmountTotal   int64
	Currency      string
	CustomerEmail string
	Metadata      map[string]string
}

type PaymentCaptured struct {
	EventID       string
	SessionID     string
	TransactionID string
}

type PaymentFailed struct {
	EventID       string
	SessionID     string
	TransactionID string
	Reason        string
}

type ChargeRefunded struct {
	EventID        string
	TransactionID  string
	ChargeID       string
	AmountRefunded int64
	FullyRefunded  bool
}

// Ignored is any event kind this system does not act on.
type Ignored struct {
	EventID string
	Type    string
}

func (e PaymentCompleted) GatewayEventID() string { return e.EventID }
func (e PaymentCaptured) GatewayEventID() string  { return e.EventID }
func (e PaymentFailed) GatewayEventID() string    { return e.EventID }
func (e ChargeRefunded) GatewayEventID() string   { return e.EventID }
func (e Ignored) GatewayEventID() string          { return e.EventID }

func (PaymentCompleted) sealed() {}
func (PaymentCaptured) sealed()  {}
func (PaymentFailed) sealed()    {}
func (ChargeRefunded) sealed()   {}
func (Ignored) sealed()          {}

// Classify maps a verified stripe event onto the closed event set.
func Classify(event stripe.Event) (Event, error) {
	eventType := string(event.Type)

	switch eventType {
	case EventCheckoutSessionCompleted:
		s, err := decodeObject[stripe.CheckoutSession](event)
		if err != nil {
			return nil, err
		}
		return PaymentCompleted{
			EventID:       event.ID,
			SessionID:     s.ID,
			TransactionID: sessionTransactionID(s),
			Paid:          s.PaymentStatus != stripe.CheckoutSessionPaymentStatusUnpaid,
			AmountTotal:   s.AmountTotal,
			Currency:      string(s.Currency),
			CustomerEmail: s.CustomerEmail,
			Metadata:      s.Metadata,
		}, nil

	case EventCheckoutAsyncPaymentSucceeded:
		s, err := decodeObject[stripe.CheckoutSession](event)
		if err != nil {
			return nil, err
		}
		return PaymentCaptured{EventID: event.ID, SessionID: s.ID, TransactionID: sessionTransactionID(s)}, nil

	case EventCheckoutAsyncPaymentFailed:
		s, err := decodeObject[stripe.CheckoutSession](event)
		if err != nil {
			return nil, err
		}
		return PaymentFailed{EventID: event.ID, SessionID: s.ID, TransactionID: sessionTransactionID(s)}, nil

	case EventPaymentIntentSucceeded:
		pi, err := decodeObject[stripe.PaymentIntent](event)
		if err != nil {
			return nil, err
		}
		return PaymentCaptured{EventID: event.ID, TransactionID: pi.ID}, nil

	case EventPaymentIntentFailed:
		pi, err := decodeObject[stripe.PaymentIntent](event)
		if err != nil {
			return nil, err
		}
		failed := PaymentFailed{EventID: event.ID, TransactionID: pi.ID}
		if pi.LastPaymentError != nil {
			failed.Reason = pi.LastPaymentError.Msg
		}
		return failed, nil

	case EventChargeRefunded:
		ch, err := decodeObject[stripe.Charge](event)
		if err != nil {
			return nil, err
		}
		refunded := ChargeRefunded{
			EventID:        event.ID,
			ChargeID:       ch.ID,
			TransactionID:  ch.ID,
			AmountRefunded: ch.AmountRefunded,
			FullyRefunded:  ch.Refunded,
		}
		if ch.PaymentIntent != nil && ch.PaymentIntent.ID != "" {
			refunded.TransactionID = ch.PaymentIntent.ID
		}
		return refunded, nil

	default:
		return Ignored{EventID: event.ID, Type: eventType}, nil
	}
}

func decodeObject[T any](event stripe.Event) (*T, error) {
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return nil, &MalformedEventError{EventID: event.ID, Type: string(event.Type), Err: errors.New("no data object")}
	}
	var obj T
	if err := json.Unmarshal(event.Data.Raw, &obj); err != nil {
		return nil, &MalformedEventError{EventID: event.ID, Type: string(event.Type), Err: err}
	}
	return &obj, nil
}

// The payment intent id identifies the charge across session, intent and
// charge events. Sessions without one (nothing to pay) fall back to their own id.
func sessionTransactionID(s *stripe.CheckoutSession) string {
	if s.PaymentIntent != nil && s.PaymentIntent.ID != "" {
		return s.PaymentIntent.ID
	}
	return s.ID
}
