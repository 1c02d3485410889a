package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fjod/go_checkout/internal/cart"
	"github.com/fjod/go_checkout/internal/catalog"
	"github.com/fjod/go_checkout/internal/coupon"
	"github.com/fjod/go_checkout/internal/gateway"
	"github.com/fjod/go_checkout/internal/repository"
	"github.com/fjod/go_checkout/internal/service"
	"github.com/fjod/go_checkout/pkg/circuitbreaker"
	"go.uber.org/zap"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		zap.L().Warn("failed to encode response", zap.Error(err))
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

// handleServiceError maps domain errors to HTTP status codes.
func handleServiceError(w http.ResponseWriter, logger *zap.Logger, err error) {
	var httpStatus int
	var code string

	switch {
	case errors.Is(err, cart.ErrInvalidQuantity),
		errors.Is(err, cart.ErrInvalidPrice),
		errors.Is(err, cart.ErrInvalidShipping),
		errors.Is(err, cart.ErrProductRequired),
		errors.Is(err, cart.ErrCouponRequired):
		httpStatus = http.StatusBadRequest
		code = "invalid_argument"
	case errors.Is(err, gateway.ErrInvalidSignature):
		httpStatus = http.StatusBadRequest
		code = "invalid_signature"
	case errors.Is(err, cart.ErrItemNotFound),
		errors.Is(err, catalog.ErrProductNotFound),
		errors.Is(err, repository.ErrOrderNotFound):
		httpStatus = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, service.ErrInsufficientStock):
		httpStatus = http.StatusConflict
		code = "insufficient_stock"
	case errors.Is(err, gateway.ErrIdempotencyConflict):
		httpStatus = http.StatusConflict
		code = "checkout_conflict"
	case errors.Is(err, coupon.ErrInvalidCoupon):
		httpStatus = http.StatusUnprocessableEntity
		code = "invalid_coupon"
	case errors.Is(err, service.ErrEmptyCart):
		httpStatus = http.StatusUnprocessableEntity
		code = "empty_cart"
	case errors.Is(err, service.ErrEmailRequired):
		httpStatus = http.StatusUnprocessableEntity
		code = "email_required"
	case errors.Is(err, service.ErrNothingToPay):
		httpStatus = http.StatusUnprocessableEntity
		code = "nothing_to_pay"
	case errors.Is(err, service.ErrOrderNotReady),
		errors.Is(err, circuitbreaker.ErrOpenState),
		errors.Is(err, circuitbreaker.ErrTooManyRequests):
		httpStatus = http.StatusServiceUnavailable
		code = "service_unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		httpStatus = http.StatusGatewayTimeout
		code = "timeout"
	default:
		logger.Error("request failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal_error", "internal server error")
		return
	}

	respondError(w, httpStatus, code, err.Error())
}
