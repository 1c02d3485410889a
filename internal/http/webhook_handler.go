package http

import (
	"context"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"
)

const maxWebhookBodySize = 64 << 10

type WebhookProcessor interface {
	Process(ctx context.Context, payload []byte, signature string) error
}

type WebhookHandler struct {
	processor WebhookProcessor
	logger    *zap.Logger
}

func NewWebhookHandler(processor WebhookProcessor, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{processor: processor, logger: logger}
}

// POST /api/v1/webhooks/payments
// The raw body is needed for signature verification. Any non-2xx answer
// makes the gateway redeliver the event.
func (h *WebhookHandler) HandlePayment(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodySize))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			respondError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "webhook body exceeds 64 KiB")
			return
		}
		respondError(w, http.StatusBadRequest, "invalid_request", "failed to read body")
		return
	}

	if err := h.processor.Process(r.Context(), payload, r.Header.Get("Stripe-Signature")); err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]bool{"received": true})
}
