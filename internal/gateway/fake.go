package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v81/webhook"
)

// FakeGateway issues local session ids and accepts webhooks signed with its
// secret using the same header scheme as Stripe. Used for local runs and tests.
type FakeGateway struct {
	mu            sync.RWMutex
	checkoutURL   string
	webhookSecret string
	requests      map[string]SessionRequest
	err           error
}

func NewFakeGateway(checkoutURL, webhookSecret string) *FakeGateway {
	return &FakeGateway{
		checkoutURL:   checkoutURL,
		webhookSecret: webhookSecret,
		requests:      make(map[string]SessionRequest),
	}
}

func (f *FakeGateway) CreateCheckoutSession(_ context.Context, req SessionRequest) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}
	id := "cs_fake_" + uuid.NewString()
	f.requests[id] = req
	return &Session{ID: id, URL: fmt.Sprintf("%s/%s", f.checkoutURL, id)}, nil
}

func (f *FakeGateway) ParseEvent(payload []byte, signature string) (Event, error) {
	return parseSignedEvent(payload, signature, f.webhookSecret)
}

// FailWith makes subsequent CreateCheckoutSession calls return err. Nil resets.
func (f *FakeGateway) FailWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Request returns the request that created session id.
func (f *FakeGateway) Request(id string) (SessionRequest, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	req, ok := f.requests[id]
	return req, ok
}

// Sign returns a Stripe-Signature header for payload.
func (f *FakeGateway) Sign(payload []byte) string {
	return webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    f.webhookSecret,
		Timestamp: time.Now(),
	}).Header
}
