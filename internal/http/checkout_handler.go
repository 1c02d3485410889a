package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/fjod/go_checkout/internal/domain"
	"github.com/fjod/go_checkout/internal/service"
	"go.uber.org/zap"
)

type CheckoutService interface {
	InitiateCheckout(ctx context.Context, req service.CheckoutRequest) (*service.CheckoutResult, error)
}

type CheckoutHandler struct {
	service CheckoutService
	timeout time.Duration
	logger  *zap.Logger
}

func NewCheckoutHandler(service CheckoutService, timeout time.Duration, logger *zap.Logger) *CheckoutHandler {
	return &CheckoutHandler{
		service: service,
		timeout: timeout,
		logger:  logger,
	}
}

type InitiateCheckoutRequestDTO struct {
	Email           string         `json:"email"`
	ShippingAddress domain.Address `json:"shipping_address"`
	BillingAddress  domain.Address `json:"billing_address"`
}

type CheckoutResponseDTO struct {
	SessionID   string `json:"session_id"`
	RedirectURL string `json:"redirect_url"`
}

// POST /api/v1/checkout
func (h *CheckoutHandler) InitiateCheckout(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req InitiateCheckoutRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	result, err := h.service.InitiateCheckout(ctx, service.CheckoutRequest{
		CartID:          getCartIDFromContext(r.Context()),
		UserID:          getUserIDFromContext(r.Context()),
		Email:           req.Email,
		ShippingAddress: req.ShippingAddress,
		BillingAddress:  req.BillingAddress,
	})
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	respondJSON(w, http.StatusCreated, CheckoutResponseDTO{
		SessionID:   result.SessionID,
		RedirectURL: result.RedirectURL,
	})
}
