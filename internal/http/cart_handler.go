package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/fjod/go_checkout/internal/cart"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const maxItemQuantity = 99

type CartService interface {
	GetCart(ctx context.Context, cartID string) (*cart.Cart, error)
	AddItem(ctx context.Context, cartID, productID, variantID string, quantity int) (*cart.Cart, error)
	UpdateQuantity(ctx context.Context, cartID, itemID string, quantity int) (*cart.Cart, error)
	RemoveItem(ctx context.Context, cartID, itemID string) (*cart.Cart, error)
	ApplyCoupon(ctx context.Context, cartID, code string) (*cart.Cart, error)
	RemoveCoupon(ctx context.Context, cartID, code string) (*cart.Cart, error)
	SetShipping(ctx context.Context, cartID string, amount decimal.Decimal) (*cart.Cart, error)
	ClearCart(ctx context.Context, cartID string) (*cart.Cart, error)
}

type CartHandler struct {
	service CartService
	timeout time.Duration
	logger  *zap.Logger
}

func NewCartHandler(service CartService, timeout time.Duration, logger *zap.Logger) *CartHandler {
	return &CartHandler{
		service: service,
		timeout: timeout,
		logger:  logger,
	}
}

type AddItemRequestDTO struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id"`
	Quantity  int    `json:"quantity"`
}

type UpdateQuantityRequestDTO struct {
	Quantity int `json:"quantity"`
}

type ApplyCouponRequestDTO struct {
	Code string `json:"code"`
}

type SetShippingRequestDTO struct {
	Amount decimal.Decimal `json:"amount"`
}

// GET /api/v1/cart
// The ETag is a hash of the response body, so an unchanged cart answers
// If-None-Match with 304.
func (h *CartHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	c, err := h.service.GetCart(ctx, getCartIDFromContext(r.Context()))
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	body, err := json.Marshal(c)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	etag := fmt.Sprintf(`"%016x"`, xxhash.Sum64(body))
	w.Header().Set("ETag", etag)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		h.logger.Warn("failed to write cart response", zap.Error(err))
	}
}

// POST /api/v1/cart/items
func (h *CartHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req AddItemRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	if strings.TrimSpace(req.ProductID) == "" {
		respondError(w, http.StatusBadRequest, "invalid_product_id", "product_id is required")
		return
	}
	if req.Quantity <= 0 || req.Quantity > maxItemQuantity {
		respondError(w, http.StatusBadRequest, "invalid_quantity", "quantity must be between 1 and 99")
		return
	}

	c, err := h.service.AddItem(ctx, getCartIDFromContext(r.Context()), req.ProductID, req.VariantID, req.Quantity)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	respondJSON(w, http.StatusCreated, c)
}

// PATCH /api/v1/cart/items/{itemID}
// A quantity of zero or less removes the item.
func (h *CartHandler) UpdateQuantity(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req UpdateQuantityRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if req.Quantity > maxItemQuantity {
		respondError(w, http.StatusBadRequest, "invalid_quantity", "quantity must not exceed 99")
		return
	}

	c, err := h.service.UpdateQuantity(ctx, getCartIDFromContext(r.Context()), chi.URLParam(r, "itemID"), req.Quantity)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	respondJSON(w, http.StatusOK, c)
}

// DELETE /api/v1/cart/items/{itemID}
func (h *CartHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	c, err := h.service.RemoveItem(ctx, getCartIDFromContext(r.Context()), chi.URLParam(r, "itemID"))
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	respondJSON(w, http.StatusOK, c)
}

// POST /api/v1/cart/coupons
func (h *CartHandler) ApplyCoupon(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req ApplyCouponRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	c, err := h.service.ApplyCoupon(ctx, getCartIDFromContext(r.Context()), req.Code)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	respondJSON(w, http.StatusOK, c)
}

// DELETE /api/v1/cart/coupons/{code}
func (h *CartHandler) RemoveCoupon(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	c, err := h.service.RemoveCoupon(ctx, getCartIDFromContext(r.Context()), chi.URLParam(r, "code"))
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	respondJSON(w, http.StatusOK, c)
}

// PUT /api/v1/cart/shipping
func (h *CartHandler) SetShipping(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req SetShippingRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	c, err := h.service.SetShipping(ctx, getCartIDFromContext(r.Context()), req.Amount)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	respondJSON(w, http.StatusOK, c)
}

// DELETE /api/v1/cart
func (h *CartHandler) ClearCart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	c, err := h.service.ClearCart(ctx, getCartIDFromContext(r.Context()))
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	respondJSON(w, http.StatusOK, c)
}
