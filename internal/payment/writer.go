package payment

import (
	"context"
	"log/slog"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"payment-sync-service/internal/model"
	"payment-sync-service/internal/store"
)

var (
	writerAppliedCounter = metrics.GetOrCreateCounter(`payment_writer_items_total{result="applied"}`)
	writerStaleCounter   = metrics.GetOrCreateCounter(`payment_writer_items_total{result="stale"}`)
)

type EventPublisher interface {
	PaymentCompleted(ctx context.Context, p *model.Payment)
	PaymentFailed(ctx context.Context, p *model.Payment)
}

// Writer persists resolved payments and only then emits their events, so a
// consumer of an event can always find the row.
type Writer struct {
	tx        store.TxRunner
	publisher EventPublisher
	logger    *slog.Logger
}

func NewWriter(tx store.TxRunner, publisher EventPublisher, logger *slog.Logger) *Writer {
	return &Writer{tx: tx, publisher: publisher, logger: logger}
}

// Write applies the status changes of a chunk resolved from an earlier
// snapshot. The rows are locked and every change is checked again against
// the stored status, so a payment moved by a webhook in the meantime is left
// alone. Only status, paid-at, receipt and updated-at are written. Events are
// emitted after commit and only for the payments that were updated.
func (w *Writer) Write(ctx context.Context, chunk []*model.Payment) error {
	if len(chunk) == 0 {
		return nil
	}

	ids := make([]uuid.UUID, len(chunk))
	for i, p := range chunk {
		ids[i] = p.ID
	}

	var applied []*model.Payment
	err := w.tx.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		locked, err := tx.LockPayments(ctx, ids)
		if err != nil {
			return err
		}
		stored := make(map[uuid.UUID]*model.Payment, len(locked))
		for _, p := range locked {
			stored[p.ID] = p
		}

		applied = applied[:0]
		changes := make([]store.StatusChange, 0, len(chunk))
		for _, resolved := range chunk {
			current, ok := stored[resolved.ID]
			if !ok || !CanTransition(current.Status, resolved.Status) {
				w.logger.WarnContext(ctx, "Payment changed since it was scanned, skipping",
					"paymentId", resolved.ID, "resolved", resolved.Status, "found", ok)
				writerStaleCounter.Inc()
				continue
			}

			next := current.Clone()
			next.Status = resolved.Status
			if resolved.PaidAt != nil {
				next.PaidAt = resolved.PaidAt
			}
			if resolved.ReceiptURL != nil {
				next.ReceiptURL = resolved.ReceiptURL
			}
			next.UpdatedAt = resolved.UpdatedAt

			changes = append(changes, store.StatusChange{From: current.Status, Payment: next})
			applied = append(applied, next)
		}
		return tx.UpdatePaymentStatuses(ctx, changes)
	})
	if err != nil {
		return errors.Wrapf(err, "writing %d payments", len(chunk))
	}
	writerAppliedCounter.Add(len(applied))
	w.logger.InfoContext(ctx, "Persisted payment chunk", "size", len(chunk), "applied", len(applied))

	w.Emit(ctx, applied...)
	return nil
}

// Emit publishes the event matching each payment's current status. Callers
// must have committed the payments first.
func (w *Writer) Emit(ctx context.Context, payments ...*model.Payment) {
	for _, p := range payments {
		switch p.Status {
		case model.StatusCompleted:
			w.publisher.PaymentCompleted(ctx, p)
		case model.StatusFailed:
			w.publisher.PaymentFailed(ctx, p)
		case model.StatusRefunded:
			// no refund event exists downstream yet
			w.logger.InfoContext(ctx, "Payment refunded, no event emitted", "paymentId", p.ID)
		default:
			w.logger.WarnContext(ctx, "Unexpected status after write, no event emitted", "paymentId", p.ID, "status", p.Status)
		}
	}
}
