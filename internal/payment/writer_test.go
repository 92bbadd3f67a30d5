package payment_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payment-sync-service/internal/model"
	"payment-sync-service/internal/payment"
	"payment-sync-service/internal/store/memstore"
)

func stored(mem *memstore.Store, status model.PaymentStatus) *model.Payment {
	email, name := "payer@example.com", "Payer"
	p := &model.Payment{
		ID:          uuid.New(),
		UserID:      uuid.New(),
		Status:      status,
		CheckoutRef: uuid.NewString(),
		PayerEmail:  &email,
		PayerName:   &name,
		CreatedAt:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		UpdatedAt:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	mem.AddPayment(p)
	return p
}

func resolved(p *model.Payment, status model.PaymentStatus) *model.Payment {
	r := p.Clone()
	r.Status = status
	r.UpdatedAt = time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	if status == model.StatusCompleted {
		paidAt := r.UpdatedAt
		r.PaidAt = &paidAt
	}
	return r
}

func TestWriter_WriteThenEmit(t *testing.T) {
	mem := memstore.New()
	publisher := &fakePublisher{store: mem}
	writer := payment.NewWriter(mem, publisher, slog.Default())

	completed := stored(mem, model.StatusPending)
	failed := stored(mem, model.StatusAuthorized)
	authorized := stored(mem, model.StatusPending)

	err := writer.Write(context.Background(), []*model.Payment{
		resolved(completed, model.StatusCompleted),
		resolved(failed, model.StatusFailed),
		resolved(authorized, model.StatusAuthorized),
	})
	require.NoError(t, err)

	require.Len(t, publisher.events, 2)
	assert.Equal(t, publishedEvent{kind: "completed", paymentID: completed.ID.String(), status: model.StatusCompleted, stored: model.StatusCompleted}, publisher.events[0])
	assert.Equal(t, publishedEvent{kind: "failed", paymentID: failed.ID.String(), status: model.StatusFailed, stored: model.StatusFailed}, publisher.events[1])

	p, ok := mem.Payment(authorized.ID)
	require.True(t, ok)
	assert.Equal(t, model.StatusAuthorized, p.Status)

	p, ok = mem.Payment(completed.ID)
	require.True(t, ok)
	require.NotNil(t, p.PaidAt)
	assert.Equal(t, time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC), p.UpdatedAt)
}

func TestWriter_NoEmissionWhenWriteFails(t *testing.T) {
	mem := memstore.New()
	mem.FailPaymentWrites = errors.New("deadlock")
	publisher := &fakePublisher{store: mem}
	writer := payment.NewWriter(mem, publisher, slog.Default())

	p := stored(mem, model.StatusPending)
	err := writer.Write(context.Background(), []*model.Payment{resolved(p, model.StatusCompleted)})

	assert.Error(t, err)
	assert.Empty(t, publisher.events)
	current, _ := mem.Payment(p.ID)
	assert.Equal(t, model.StatusPending, current.Status)
}

func TestWriter_EmptyChunk(t *testing.T) {
	publisher := &fakePublisher{}
	writer := payment.NewWriter(memstore.New(), publisher, slog.Default())

	require.NoError(t, writer.Write(context.Background(), nil))
	assert.Empty(t, publisher.events)
}

func TestWriter_SkipsPaymentsMovedSinceScan(t *testing.T) {
	mem := memstore.New()
	publisher := &fakePublisher{store: mem}
	writer := payment.NewWriter(mem, publisher, slog.Default())

	p := stored(mem, model.StatusPending)
	stale := resolved(p, model.StatusFailed)

	// a webhook completes the payment after the snapshot was taken
	completed := p.Clone()
	completed.Status = model.StatusCompleted
	mem.AddPayment(completed)

	require.NoError(t, writer.Write(context.Background(), []*model.Payment{stale}))

	current, ok := mem.Payment(p.ID)
	require.True(t, ok)
	assert.Equal(t, model.StatusCompleted, current.Status)
	assert.Empty(t, publisher.events)
}

func TestWriter_KeepsAnonymizedPayerData(t *testing.T) {
	mem := memstore.New()
	publisher := &fakePublisher{store: mem}
	writer := payment.NewWriter(mem, publisher, slog.Default())

	p := stored(mem, model.StatusPending)
	snapshot := resolved(p, model.StatusCompleted)

	_, err := mem.AnonymizeUserPayments(context.Background(), p.UserID)
	require.NoError(t, err)

	require.NoError(t, writer.Write(context.Background(), []*model.Payment{snapshot}))

	current, ok := mem.Payment(p.ID)
	require.True(t, ok)
	assert.Equal(t, model.StatusCompleted, current.Status)
	assert.Nil(t, current.PayerEmail)
	assert.Nil(t, current.PayerName)
	require.Len(t, publisher.events, 1)
}

func TestWriter_SkipsUnknownPayment(t *testing.T) {
	mem := memstore.New()
	publisher := &fakePublisher{store: mem}
	writer := payment.NewWriter(mem, publisher, slog.Default())

	known := stored(mem, model.StatusPending)
	unknown := &model.Payment{ID: uuid.New(), Status: model.StatusCompleted}

	err := writer.Write(context.Background(), []*model.Payment{unknown, resolved(known, model.StatusCompleted)})
	require.NoError(t, err)

	_, ok := mem.Payment(unknown.ID)
	assert.False(t, ok)
	require.Len(t, publisher.events, 1)
	assert.Equal(t, known.ID.String(), publisher.events[0].paymentID)
}
