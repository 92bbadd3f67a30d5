// Package events emits domain events on a best-effort, at-most-once basis.
// Nothing published here can fail the caller: errors are logged and counted.
package events

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"payment-sync-service/internal/clock"
	"payment-sync-service/internal/message"
	"payment-sync-service/internal/model"
	"payment-sync-service/internal/payload"
	"payment-sync-service/internal/tracing"
)

const (
	PaymentCompletedEvent  = "payment-completed"
	PaymentFailedEvent     = "payment-failed"
	AssociationSyncedEvent = "association-synced"
)

var (
	publishedCounter = metrics.GetOrCreateCounter(`events_publish_total{result="enqueued"}`)
	failedCounter    = metrics.GetOrCreateCounter(`events_publish_total{result="failed"}`)
)

// MessageWriter is satisfied by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type Topics struct {
	Payments     string
	Associations string
}

type Publisher struct {
	writer MessageWriter
	topics Topics
	clock  clock.Clock
	logger *slog.Logger
}

func NewPublisher(writer MessageWriter, topics Topics, clk clock.Clock, logger *slog.Logger) *Publisher {
	return &Publisher{writer: writer, topics: topics, clock: clk, logger: logger}
}

func (p *Publisher) PaymentCompleted(ctx context.Context, pay *model.Payment) {
	p.publish(ctx, p.topics.Payments, PaymentCompletedEvent, pay.ID, payload.PaymentCompleted{
		PaymentID:   pay.ID,
		UserID:      pay.UserID,
		InvoiceRef:  pay.InvoiceRef,
		CheckoutRef: pay.CheckoutRef,
		Amount:      pay.Amount,
		Currency:    pay.Currency,
		PaidAt:      pay.PaidAt,
	})
}

func (p *Publisher) PaymentFailed(ctx context.Context, pay *model.Payment) {
	p.publish(ctx, p.topics.Payments, PaymentFailedEvent, pay.ID, payload.PaymentFailed{
		PaymentID:   pay.ID,
		UserID:      pay.UserID,
		CheckoutRef: pay.CheckoutRef,
		Amount:      pay.Amount,
		Currency:    pay.Currency,
		Status:      string(pay.Status),
	})
}

func (p *Publisher) AssociationSynced(ctx context.Context, a *model.Association) {
	syncedAt := p.clock.Now()
	if a.LastSyncedAt != nil {
		syncedAt = *a.LastSyncedAt
	}
	p.publish(ctx, p.topics.Associations, AssociationSyncedEvent, a.ID, payload.AssociationSynced{
		AssociationID: a.ID,
		Slug:          a.Slug,
		Name:          a.Name,
		City:          a.City,
		SyncedAt:      syncedAt,
	})
}

func (p *Publisher) publish(ctx context.Context, topic, event string, subject uuid.UUID, body any) {
	raw, err := json.Marshal(body)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error marshalling event payload", "event", event, "subject", subject, "error", err)
		failedCounter.Inc()
		return
	}

	envelope := message.DomainEvent{
		ID:         uuid.New(),
		Event:      event,
		OccurredAt: p.clock.Now(),
		Payload:    raw,
	}
	value, err := json.Marshal(envelope)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error marshalling event envelope", "event", event, "subject", subject, "error", err)
		failedCounter.Inc()
		return
	}

	msg := kafka.Message{
		Topic:   topic,
		Key:     []byte(subject.String()), // subject id as key keeps per-subject ordering
		Value:   value,
		Headers: tracing.MessageHeaders(ctx, event),
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.ErrorContext(ctx, "Error publishing event", "event", event, "eventId", envelope.ID, "subject", subject, "error", err)
		failedCounter.Inc()
		return
	}

	p.logger.InfoContext(ctx, "Published event", "event", event, "eventId", envelope.ID, "subject", subject)
	publishedCounter.Inc()
}
