package payment

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/VictoriaMetrics/metrics"

	"payment-sync-service/internal/clock"
	"payment-sync-service/internal/fault"
	"payment-sync-service/internal/model"
)

var (
	transitionAppliedCounter  = metrics.GetOrCreateCounter(`payment_transition_total{result="applied"}`)
	transitionRejectedCounter = metrics.GetOrCreateCounter(`payment_transition_total{result="rejected"}`)
)

var transitions = map[model.PaymentStatus][]model.PaymentStatus{
	model.StatusPending:    {model.StatusAuthorized, model.StatusCompleted, model.StatusFailed, model.StatusCancelled},
	model.StatusAuthorized: {model.StatusCompleted, model.StatusFailed},
	model.StatusCompleted:  {model.StatusRefunded},
}

// checkoutStates maps lower-cased provider checkout states to a target status.
// "pending" maps to no transition.
var checkoutStates = map[string]model.PaymentStatus{
	"authorized": model.StatusAuthorized,
	"registered": model.StatusCompleted,
	"refused":    model.StatusFailed,
	"canceled":   model.StatusFailed,
	"refunded":   model.StatusRefunded,
	"pending":    "",
}

// CanTransition reports whether from -> to is in the transition table.
// Staying in the same state is not a transition.
func CanTransition(from, to model.PaymentStatus) bool {
	return slices.Contains(transitions[from], to)
}

// ResolveCheckoutState maps a provider checkout state to the status the
// payment should move to. ok is false when no transition is needed.
func ResolveCheckoutState(state string) (target model.PaymentStatus, ok bool, err error) {
	target, known := checkoutStates[strings.ToLower(strings.TrimSpace(state))]
	if !known {
		return "", false, fault.Classificationf("resolve checkout state", "unresolvable checkout state %q", state)
	}
	return target, target != "", nil
}

type StateMachine struct {
	clock  clock.Clock
	logger *slog.Logger
}

func NewStateMachine(clk clock.Clock, logger *slog.Logger) *StateMachine {
	return &StateMachine{clock: clk, logger: logger}
}

// Transition moves p to target when the table allows it and reports whether
// p changed. Rejected transitions are logged and leave p untouched; they are
// expected when a stale or replayed status arrives. occurredAt becomes the
// paid-at time on completion; zero means now.
func (m *StateMachine) Transition(ctx context.Context, p *model.Payment, target model.PaymentStatus, occurredAt time.Time) bool {
	if !CanTransition(p.Status, target) {
		m.logger.WarnContext(ctx, "Rejected payment transition",
			"paymentId", p.ID, "from", p.Status, "to", target)
		transitionRejectedCounter.Inc()
		return false
	}

	now := m.clock.Now()
	if occurredAt.IsZero() {
		occurredAt = now
	}

	from := p.Status
	p.Status = target
	p.UpdatedAt = now
	if target == model.StatusCompleted && p.PaidAt == nil {
		paidAt := occurredAt
		p.PaidAt = &paidAt
	}

	m.logger.InfoContext(ctx, "Applied payment transition", "paymentId", p.ID, "from", from, "to", target)
	transitionAppliedCounter.Inc()
	return true
}
