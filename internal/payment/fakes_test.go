package payment_test

import (
	"context"
	"sync"

	"payment-sync-service/internal/model"
	"payment-sync-service/internal/store/memstore"
)

type publishedEvent struct {
	kind      string
	paymentID string
	status    model.PaymentStatus
	// stored is the status committed in the store when the event was published
	stored model.PaymentStatus
}

type fakePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	store  *memstore.Store
}

func (f *fakePublisher) record(kind string, p *model.Payment) {
	event := publishedEvent{kind: kind, paymentID: p.ID.String(), status: p.Status}
	if f.store != nil {
		if stored, ok := f.store.Payment(p.ID); ok {
			event.stored = stored.Status
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakePublisher) PaymentCompleted(_ context.Context, p *model.Payment) { f.record("completed", p) }
func (f *fakePublisher) PaymentFailed(_ context.Context, p *model.Payment)    { f.record("failed", p) }
