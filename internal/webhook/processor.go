package webhook

import (
	"context"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/fjod/go_checkout/internal/domain"
	"github.com/fjod/go_checkout/internal/gateway"
	"github.com/fjod/go_checkout/internal/service"
	"github.com/fjod/go_checkout/pkg/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

type EventParser interface {
	ParseEvent(payload []byte, signature string) (gateway.Event, error)
}

type OrderFinalizer interface {
	Finalize(ctx context.Context, event gateway.PaymentCompleted) (*service.FinalizeResult, error)
}

type PaymentStatusUpdater interface {
	ApplyPaymentStatus(ctx context.Context, transactionID string, to domain.PaymentStatus) error
}

type Flagger interface {
	FlagForReconciliation(ctx context.Context, flag domain.ReconciliationFlag) error
}

// Processor verifies gateway webhooks and dispatches them. A nil error means
// the event may be acknowledged, including replays and ignored kinds.
type Processor struct {
	parser    EventParser
	finalizer OrderFinalizer
	orders    PaymentStatusUpdater
	flags     Flagger
	logger    *zap.Logger
}

func NewProcessor(
	parser EventParser,
	finalizer OrderFinalizer,
	orders PaymentStatusUpdater,
	flags Flagger,
	logger *zap.Logger,
) *Processor {
	return &Processor{
		parser:    parser,
		finalizer: finalizer,
		orders:    orders,
		flags:     flags,
		logger:    logger,
	}
}

// Process returns gateway.ErrInvalidSignature for payloads that must be
// rejected, service.ErrOrderNotReady for status events that arrived before
// their order, and any other error for failures the gateway should retry.
// Signed events that cannot be decoded are flagged and acknowledged.
func (p *Processor) Process(ctx context.Context, payload []byte, signature string) (err error) {
	ctx, span := otel.Tracer("github.com/fjod/go_checkout/internal/webhook").Start(ctx, "Processor.Process")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	event, err := p.parser.ParseEvent(payload, signature)
	var malformed *gateway.MalformedEventError
	if errors.As(err, &malformed) {
		return p.flagMalformed(ctx, payload, malformed)
	}
	if err != nil {
		p.logger.Warn("rejected webhook", zap.Error(err))
		return err
	}
	span.SetAttributes(attribute.String("gateway.event_id", event.GatewayEventID()))
	log := logger.WithContext(ctx, p.logger).With(zap.String("event_id", event.GatewayEventID()))

	switch e := event.(type) {
	case gateway.PaymentCompleted:
		log.Info("payment completed", zap.String("session_id", e.SessionID), zap.String("transaction_id", e.TransactionID))
		if _, err := p.finalizer.Finalize(ctx, e); err != nil {
			return fmt.Errorf("finalize session %s: %w", e.SessionID, err)
		}
		return nil

	case gateway.PaymentCaptured:
		log.Info("payment captured", zap.String("transaction_id", e.TransactionID))
		return p.orders.ApplyPaymentStatus(ctx, e.TransactionID, domain.PaymentStatusCaptured)

	case gateway.PaymentFailed:
		log.Info("payment failed", zap.String("transaction_id", e.TransactionID), zap.String("reason", e.Reason))
		return p.orders.ApplyPaymentStatus(ctx, e.TransactionID, domain.PaymentStatusFailed)

	case gateway.ChargeRefunded:
		if !e.FullyRefunded {
			log.Info("partial refund, order status unchanged",
				zap.String("transaction_id", e.TransactionID),
				zap.Int64("amount_refunded", e.AmountRefunded),
			)
			return nil
		}
		log.Info("charge refunded", zap.String("transaction_id", e.TransactionID))
		return p.orders.ApplyPaymentStatus(ctx, e.TransactionID, domain.PaymentStatusRefunded)

	case gateway.Ignored:
		log.Debug("ignoring webhook event", zap.String("type", e.Type))
		return nil

	default:
		log.Warn("unhandled webhook event", zap.String("type", fmt.Sprintf("%T", e)))
		return nil
	}
}

// flagMalformed records a signed event that could not be decoded. Redelivery
// would fail the same way, so the event is acknowledged once it is flagged.
func (p *Processor) flagMalformed(ctx context.Context, payload []byte, malformed *gateway.MalformedEventError) error {
	reference := malformed.EventID
	if reference == "" {
		reference = fmt.Sprintf("payload:%016x", xxhash.Sum64(payload))
	}
	log := logger.WithContext(ctx, p.logger).With(zap.String("reference", reference))
	log.Warn("undecodable webhook event", zap.String("type", malformed.Type), zap.Error(malformed))

	err := p.flags.FlagForReconciliation(ctx, domain.ReconciliationFlag{
		Reference: reference,
		Reason:    domain.ReasonMalformedEvent,
		Details:   malformed.Error(),
	})
	if err != nil {
		return fmt.Errorf("flag malformed event %s: %w", reference, err)
	}
	return nil
}
