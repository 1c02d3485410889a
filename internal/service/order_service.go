package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/fjod/go_checkout/internal/domain"
	"github.com/fjod/go_checkout/internal/repository"
	"github.com/fjod/go_checkout/pkg/logger"
	"go.uber.org/zap"
)

const maxStatusAttempts = 3

type OrderService struct {
	orders repository.OrderRepository
	logger *zap.Logger
}

func NewOrderService(orders repository.OrderRepository, logger *zap.Logger) *OrderService {
	return &OrderService{orders: orders, logger: logger}
}

func (s *OrderService) GetOrder(ctx context.Context, number string) (*domain.Order, error) {
	return s.orders.GetOrderByNumber(ctx, number)
}

func (s *OrderService) ListOrders(ctx context.Context, userID string) ([]*domain.Order, error) {
	return s.orders.ListOrdersByUserID(ctx, userID)
}

// ApplyPaymentStatus moves the order paid by transactionID to status to.
// Repeating the current status and disallowed transitions are acknowledged
// without change. An unknown transaction returns ErrOrderNotReady, except
// for failures, which never need an order.
func (s *OrderService) ApplyPaymentStatus(ctx context.Context, transactionID string, to domain.PaymentStatus) error {
	log := logger.WithContext(ctx, s.logger).With(
		zap.String("transaction_id", transactionID),
		zap.String("to", to.String()),
	)

	fulfillment := domain.FulfillmentStatus("")
	if to == domain.PaymentStatusRefunded {
		fulfillment = domain.FulfillmentStatusRefunded
	}

	for attempt := 0; attempt < maxStatusAttempts; attempt++ {
		order, err := s.orders.GetOrderByTransactionID(ctx, transactionID)
		if errors.Is(err, repository.ErrOrderNotFound) {
			if to == domain.PaymentStatusFailed {
				log.Info("payment failed for transaction without order")
				return nil
			}
			return fmt.Errorf("%w: %s", ErrOrderNotReady, transactionID)
		}
		if err != nil {
			return fmt.Errorf("get order for transaction %s: %w", transactionID, err)
		}

		from := order.PaymentStatus
		if from == to {
			return nil
		}
		if !from.CanTransitionTo(to) {
			log.Warn("ignoring payment status transition",
				zap.String("order_number", order.Number),
				zap.String("from", from.String()),
			)
			return nil
		}

		updated, err := s.orders.UpdatePaymentStatus(ctx, order.ID, from, to, fulfillment)
		if err != nil {
			return fmt.Errorf("update payment status of order %s: %w", order.Number, err)
		}
		if updated {
			log.Info("payment status updated",
				zap.String("order_number", order.Number),
				zap.String("from", from.String()),
			)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrStatusConflict, transactionID)
}
