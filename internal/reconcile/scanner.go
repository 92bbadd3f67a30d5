package reconcile

import (
	"context"
	"iter"
	"log/slog"
	"slices"
	"time"

	"github.com/pkg/errors"

	"payment-sync-service/internal/clock"
	"payment-sync-service/internal/model"
	"payment-sync-service/internal/store"
)

const DefaultStaleThreshold = 24 * time.Hour

// Scanner finds payments left PENDING for longer than the threshold.
type Scanner struct {
	payments  store.Payments
	clock     clock.Clock
	threshold time.Duration
	logger    *slog.Logger
}

func NewScanner(payments store.Payments, clk clock.Clock, threshold time.Duration, logger *slog.Logger) *Scanner {
	if threshold <= 0 {
		threshold = DefaultStaleThreshold
	}
	return &Scanner{payments: payments, clock: clk, threshold: threshold, logger: logger}
}

func (s *Scanner) Cutoff() time.Time {
	return s.clock.Now().Add(-s.threshold)
}

// Scan snapshots the stale payments once. The returned sequence replays that
// snapshot every time it is ranged over; payments created after the call are
// not part of it.
func (s *Scanner) Scan(ctx context.Context) (iter.Seq[*model.Payment], error) {
	cutoff := s.Cutoff()

	stale, err := s.payments.FindPayments(ctx, store.PaymentFilter{
		Status:        model.StatusPending,
		CreatedBefore: cutoff,
	})
	if err != nil {
		return nil, errors.Wrap(err, "finding stale payments")
	}

	s.logger.InfoContext(ctx, "Found stale payments", "count", len(stale), "cutoff", cutoff)
	return slices.Values(stale), nil
}
