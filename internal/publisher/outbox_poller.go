package publisher

import (
	"context"
	"time"

	"github.com/fjod/go_checkout/internal/domain"
	"github.com/fjod/go_checkout/internal/repository"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	Topic     = "orders-outbox"
	batchSize = 100
)

type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// OutboxPoller publishes order events written by the order repository.
// Events are marked processed only after Kafka accepted them, so delivery is
// at least once.
type OutboxPoller struct {
	eventTick time.Duration
	repo      repository.OutboxRepository
	writer    MessageWriter
	logger    *zap.Logger
}

func NewOutboxPoller(repo repository.OutboxRepository, logger *zap.Logger, brokers ...string) *OutboxPoller {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  Topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		WriteTimeout:           10 * time.Second,
	}
	return &OutboxPoller{eventTick: time.Second, repo: repo, writer: w, logger: logger}
}

func (p *OutboxPoller) Run(ctx context.Context) {
	eventTicker := time.NewTicker(p.eventTick)
	defer eventTicker.Stop()
	for {
		select {
		case <-eventTicker.C:
			p.processUnpublishedEvents(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (p *OutboxPoller) Close() error {
	return p.writer.Close()
}

func (p *OutboxPoller) processUnpublishedEvents(ctx context.Context) {
	events, err := p.repo.GetUnprocessedEvents(ctx, batchSize)
	if err != nil {
		p.logger.Error("failed to fetch outbox events", zap.Error(err))
		return
	}

	for _, event := range events {
		if err := p.publish(ctx, event); err != nil {
			p.logger.Warn("failed to publish outbox event", zap.Int64("event_id", event.ID), zap.Error(err))
			// keep per-order ordering: later events for the same order wait for the next tick
			return
		}

		if err := p.repo.MarkEventAsProcessed(ctx, event.ID); err != nil {
			p.logger.Error("failed to mark outbox event as processed", zap.Int64("event_id", event.ID), zap.Error(err))
			return
		}
	}
}

func (p *OutboxPoller) publish(ctx context.Context, event *domain.OutboxEvent) error {
	msg := kafka.Message{
		Key:   []byte(event.AggregateID), // order number keeps an order's events on one partition
		Value: event.Payload,
		Time:  event.CreatedAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
		},
	}
	return p.writer.WriteMessages(ctx, msg)
}
