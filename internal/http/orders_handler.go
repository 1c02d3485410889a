package http

import (
	"context"
	"net/http"
	"time"

	"github.com/fjod/go_checkout/internal/domain"
	"github.com/fjod/go_checkout/internal/repository"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type OrderService interface {
	GetOrder(ctx context.Context, number string) (*domain.Order, error)
	ListOrders(ctx context.Context, userID string) ([]*domain.Order, error)
}

type OrdersHandler struct {
	service OrderService
	timeout time.Duration
	logger  *zap.Logger
}

func NewOrdersHandler(service OrderService, timeout time.Duration, logger *zap.Logger) *OrdersHandler {
	return &OrdersHandler{
		service: service,
		timeout: timeout,
		logger:  logger,
	}
}

// GET /api/v1/orders
func (h *OrdersHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	userID := getUserIDFromContext(r.Context())
	if userID == "" {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing user authentication")
		return
	}

	orders, err := h.service.ListOrders(ctx, userID)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	if orders == nil {
		orders = make([]*domain.Order, 0)
	}

	respondJSON(w, http.StatusOK, orders)
}

// GET /api/v1/orders/{number}
// Orders of other users are reported as not found.
func (h *OrdersHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	userID := getUserIDFromContext(r.Context())
	if userID == "" {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing user authentication")
		return
	}

	order, err := h.service.GetOrder(ctx, chi.URLParam(r, "number"))
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	if order.UserID != userID {
		handleServiceError(w, h.logger, repository.ErrOrderNotFound)
		return
	}

	respondJSON(w, http.StatusOK, order)
}
