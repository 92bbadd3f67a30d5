package webhook

import (
	"context"
	"log/slog"
	"strings"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"payment-sync-service/internal/idempotency"
	"payment-sync-service/internal/logcontext"
	"payment-sync-service/internal/model"
	"payment-sync-service/internal/payload"
	"payment-sync-service/internal/payment"
	"payment-sync-service/internal/store"
)

var (
	ErrPaymentNotFound = errors.New("payment not found for checkout")
	ErrMissingEventID  = errors.New("notification has no event id")
)

var (
	processedTransitionCounter = metrics.GetOrCreateCounter(`webhook_processed_total{result="transitioned"}`)
	processedNoopCounter       = metrics.GetOrCreateCounter(`webhook_processed_total{result="noop"}`)
	processedDuplicateCounter  = metrics.GetOrCreateCounter(`webhook_processed_total{result="duplicate"}`)
	processedErrorCounter      = metrics.GetOrCreateCounter(`webhook_processed_total{result="error"}`)
)

type Emitter interface {
	Emit(ctx context.Context, payments ...*model.Payment)
}

type Result struct {
	Kind         EventKind
	Duplicate    bool
	Transitioned bool
	PaymentID    uuid.UUID
	Status       model.PaymentStatus
}

// Processor applies one verified notification: idempotency fence, state
// transition and write in one transaction, events after commit.
type Processor struct {
	tx      store.TxRunner
	guard   *idempotency.Guard
	machine *payment.StateMachine
	emitter Emitter
	logger  *slog.Logger
}

func NewProcessor(tx store.TxRunner, guard *idempotency.Guard, machine *payment.StateMachine, emitter Emitter, logger *slog.Logger) *Processor {
	return &Processor{tx: tx, guard: guard, machine: machine, emitter: emitter, logger: logger}
}

func (p *Processor) Process(ctx context.Context, n payload.Notification) (Result, error) {
	kind, err := Classify(n.EventType)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error classifying webhook", "eventType", n.EventType, "error", err)
		processedErrorCounter.Inc()
		return Result{}, err
	}

	eventID := strings.TrimSpace(n.Data.ID)
	if eventID == "" {
		processedErrorCounter.Inc()
		return Result{}, ErrMissingEventID
	}

	ctx = logcontext.AppendCtx(ctx, slog.String("eventId", eventID))
	result := Result{Kind: kind}

	seen, err := p.guard.Seen(ctx, eventID)
	if err != nil {
		processedErrorCounter.Inc()
		return result, err
	}
	if seen {
		p.logger.InfoContext(ctx, "Webhook already processed")
		processedDuplicateCounter.Inc()
		result.Duplicate = true
		return result, nil
	}

	var changed *model.Payment
	err = p.tx.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		won, err := p.guard.Acquire(ctx, tx, eventID)
		if err != nil {
			return err
		}
		if !won {
			result.Duplicate = true
			return nil
		}

		target, ok := targetStatus[kind]
		if !ok {
			p.logger.InfoContext(ctx, "Webhook carries no payment transition", "kind", kind)
			return nil
		}

		current, err := tx.FindPaymentByCheckoutRef(ctx, n.Data.CheckoutRef)
		if errors.Is(err, store.ErrNotFound) {
			return errors.Wrapf(ErrPaymentNotFound, "checkout %q", n.Data.CheckoutRef)
		}
		if err != nil {
			return errors.Wrap(err, "loading payment")
		}
		result.PaymentID = current.ID
		result.Status = current.Status

		updated := current.Clone()
		if !p.machine.Transition(ctx, updated, target, n.Data.Date) {
			return nil
		}
		applyPayer(updated, n.Data.Payer)

		if err := tx.UpsertPayments(ctx, []*model.Payment{updated}); err != nil {
			return errors.Wrap(err, "writing payment")
		}
		changed = updated
		return nil
	})
	if err != nil {
		p.logger.ErrorContext(ctx, "Error processing webhook", "kind", kind, "error", err)
		processedErrorCounter.Inc()
		return result, err
	}

	switch {
	case result.Duplicate:
		p.logger.InfoContext(ctx, "Webhook already processed")
		processedDuplicateCounter.Inc()
	case changed != nil:
		result.Transitioned = true
		result.Status = changed.Status
		processedTransitionCounter.Inc()
		p.emitter.Emit(ctx, changed)
	default:
		processedNoopCounter.Inc()
	}

	return result, nil
}

func applyPayer(p *model.Payment, payer *payload.Payer) {
	if payer == nil {
		return
	}
	if payer.Email != "" {
		email := payer.Email
		p.PayerEmail = &email
	}
	if name := strings.TrimSpace(payer.FirstName + " " + payer.LastName); name != "" {
		p.PayerName = &name
	}
}
