package idempotency

import (
	"context"

	"github.com/pkg/errors"

	"payment-sync-service/internal/clock"
	"payment-sync-service/internal/model"
	"payment-sync-service/internal/store"
)

// Guard applies each provider event at most once. The fence is the unique
// event id in storage, written inside the caller's transaction, so two
// concurrent deliveries cannot both pass and a rolled back attempt leaves
// no trace.
type Guard struct {
	records store.WebhookRecords
	clock   clock.Clock
}

func NewGuard(records store.WebhookRecords, clk clock.Clock) *Guard {
	return &Guard{records: records, clock: clk}
}

// Seen is a read-only shortcut for deliveries that were committed long ago.
// It is not the fence: a false answer must still go through Acquire.
func (g *Guard) Seen(ctx context.Context, eventID string) (bool, error) {
	seen, err := g.records.WebhookRecordExists(ctx, eventID)
	if err != nil {
		return false, errors.Wrapf(err, "checking webhook record %s", eventID)
	}
	return seen, nil
}

// Acquire inserts the processed record in tx and reports whether this call
// won. false means the event was already processed and must be a no-op.
func (g *Guard) Acquire(ctx context.Context, tx store.Tx, eventID string) (bool, error) {
	if eventID == "" {
		return false, errors.New("empty event id")
	}

	inserted, err := tx.InsertWebhookRecord(ctx, model.WebhookProcessingRecord{
		EventID:     eventID,
		Processed:   true,
		ProcessedAt: g.clock.Now(),
	})
	if err != nil {
		return false, errors.Wrapf(err, "inserting webhook record %s", eventID)
	}
	return inserted, nil
}
