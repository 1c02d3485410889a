package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/fjod/go_checkout/internal/cart"
	"github.com/fjod/go_checkout/internal/domain"
	"github.com/fjod/go_checkout/internal/gateway"
	"github.com/fjod/go_checkout/internal/pricing"
	"github.com/fjod/go_checkout/internal/repository"
	"go.uber.org/zap"
)

type CheckoutConfig struct {
	Currency   string
	SuccessURL string
	CancelURL  string
}

type CheckoutRequest struct {
	CartID          string
	UserID          string
	Email           string
	ShippingAddress domain.Address
	BillingAddress  domain.Address
}

type CheckoutResult struct {
	SessionID   string
	RedirectURL string
}

type CheckoutService struct {
	carts    repository.CartRepository
	stock    repository.StockRepository
	sessions repository.SessionRepository
	gateway  gateway.Gateway
	engine   pricing.Engine
	cfg      CheckoutConfig
	logger   *zap.Logger
}

func NewCheckoutService(
	carts repository.CartRepository,
	stock repository.StockRepository,
	sessions repository.SessionRepository,
	gw gateway.Gateway,
	engine pricing.Engine,
	cfg CheckoutConfig,
	logger *zap.Logger,
) *CheckoutService {
	return &CheckoutService{
		carts:    carts,
		stock:    stock,
		sessions: sessions,
		gateway:  gw,
		engine:   engine,
		cfg:      cfg,
		logger:   logger,
	}
}

// InitiateCheckout creates a hosted payment session for the cart and records
// the session so the payment webhook can find the cart again.
func (s *CheckoutService) InitiateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	snapshot, revision, err := s.carts.Load(ctx, req.CartID)
	if err != nil {
		return nil, fmt.Errorf("load cart %s: %w", req.CartID, err)
	}
	c := cart.FromSnapshot(req.CartID, snapshot, revision).WithEngine(s.engine)

	if c.IsEmpty() {
		return nil, ErrEmptyCart
	}
	if strings.TrimSpace(req.Email) == "" {
		return nil, ErrEmailRequired
	}
	if !c.Total.IsPositive() {
		return nil, ErrNothingToPay
	}
	if err := s.checkStock(ctx, c); err != nil {
		return nil, err
	}

	session, err := s.gateway.CreateCheckoutSession(ctx, gateway.SessionRequest{
		Currency:      s.cfg.Currency,
		CustomerEmail: req.Email,
		LineItems:     lineItems(c),
		Metadata: map[string]string{
			gateway.MetadataCartID: req.CartID,
			gateway.MetadataUserID: req.UserID,
		},
		SuccessURL: s.cfg.SuccessURL,
		CancelURL:  s.cfg.CancelURL,
		IdempotencyKey: idempotencyKey(req, revision),
	})
	if err != nil {
		s.logger.Error("create checkout session failed", zap.String("cart_id", req.CartID), zap.Error(err))
		return nil, err
	}

	record := &domain.CheckoutSession{
		ID:              session.ID,
		CartID:          req.CartID,
		CartRevision:    revision,
		UserID:          req.UserID,
		Email:           req.Email,
		ShippingAddress: req.ShippingAddress,
		BillingAddress:  req.BillingAddress,
		Items:           orderItems(c),
		Subtotal:        c.Subtotal,
		Discount:        c.Discount,
		Shipping:        c.Shipping,
		Tax:             c.Tax,
		Total:           c.Total,
		Currency:        s.cfg.Currency,
	}
	if err := s.sessions.SaveCheckoutSession(ctx, record); err != nil && !errors.Is(err, repository.ErrDuplicateSession) {
		return nil, fmt.Errorf("save checkout session %s: %w", session.ID, err)
	}

	s.logger.Info("checkout session created",
		zap.String("cart_id", req.CartID),
		zap.String("session_id", session.ID),
		zap.String("total", c.Total.StringFixed(2)),
	)
	return &CheckoutResult{SessionID: session.ID, RedirectURL: session.URL}, nil
}

// idempotencyKey is stable for a retry of the same cart revision by the same
// buyer. A corrected email or address gets a new gateway session.
func idempotencyKey(req CheckoutRequest, revision int64) string {
	buyer, _ := json.Marshal(struct {
		UserID   string         `json:"user_id"`
		Email    string         `json:"email"`
		Shipping domain.Address `json:"shipping"`
		Billing  domain.Address `json:"billing"`
	}{req.UserID, strings.TrimSpace(req.Email), req.ShippingAddress, req.BillingAddress})
	return fmt.Sprintf("checkout-%s-%d-%016x", req.CartID, revision, xxhash.Sum64(buyer))
}

// checkStock rejects carts asking for more of a tracked product than is in stock.
// Products without a stock record are not tracked.
func (s *CheckoutService) checkStock(ctx context.Context, c cart.Cart) error {
	wanted := make(map[domain.StockKey]int)
	keys := make([]domain.StockKey, 0, len(c.Items))
	for _, item := range c.Items {
		key := domain.StockKey{ProductID: item.ProductID, VariantID: item.VariantID}
		if _, ok := wanted[key]; !ok {
			keys = append(keys, key)
		}
		wanted[key] += item.Quantity
	}

	levels, err := s.stock.StockLevels(ctx, keys)
	if err != nil {
		return fmt.Errorf("load stock levels: %w", err)
	}
	for _, key := range keys {
		level, ok := levels[key]
		if ok && !level.Covers(wanted[key]) {
			return fmt.Errorf("%w: %s has %d, requested %d", ErrInsufficientStock, key.ProductID, level.Quantity, wanted[key])
		}
	}
	return nil
}

// lineItems builds the hosted page lines: one per item plus shipping and tax,
// so the page total equals the cart total. Gateway lines cannot be negative,
// so a discounted cart is shown as a single line for the discounted items.
func lineItems(c cart.Cart) []gateway.LineItem {
	var lines []gateway.LineItem
	if c.Discount.IsPositive() {
		taxable := pricing.Round(c.Subtotal.Sub(c.Discount))
		if taxable.IsPositive() {
			lines = append(lines, gateway.LineItem{
				Name:       fmt.Sprintf("Items (%d) with discount", c.ItemCount()),
				UnitAmount: pricing.MinorUnits(taxable),
				Quantity:   1,
			})
		}
	} else {
		for _, item := range c.Items {
			lines = append(lines, gateway.LineItem{
				Name:       item.Name,
				UnitAmount: pricing.MinorUnits(item.UnitPrice),
				Quantity:   int64(item.Quantity),
			})
		}
	}

	if !c.Shipping.IsZero() {
		lines = append(lines, gateway.LineItem{Name: "Shipping", UnitAmount: pricing.MinorUnits(c.Shipping), Quantity: 1})
	}
	if !c.Tax.IsZero() {
		lines = append(lines, gateway.LineItem{Name: "Tax", UnitAmount: pricing.MinorUnits(c.Tax), Quantity: 1})
	}
	return lines
}

func orderItems(c cart.Cart) []domain.OrderItem {
	items := make([]domain.OrderItem, 0, len(c.Items))
	for _, item := range c.Items {
		items = append(items, domain.OrderItem{
			ProductID: item.ProductID,
			VariantID: item.VariantID,
			Name:      item.Name,
			SKU:       item.SKU,
			UnitPrice: item.UnitPrice,
			Quantity:  item.Quantity,
			Subtotal:  item.Subtotal,
		})
	}
	return items
}
