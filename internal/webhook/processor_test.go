package webhook_test

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"payment-sync-service/internal/clock"
	"payment-sync-service/internal/fault"
	"payment-sync-service/internal/idempotency"
	"payment-sync-service/internal/model"
	"payment-sync-service/internal/payload"
	"payment-sync-service/internal/payment"
	"payment-sync-service/internal/store/memstore"
	"payment-sync-service/internal/webhook"
)

type recordingPublisher struct {
	mu        sync.Mutex
	completed []uuid.UUID
	failed    []uuid.UUID
}

func (r *recordingPublisher) PaymentCompleted(_ context.Context, p *model.Payment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, p.ID)
}

func (r *recordingPublisher) PaymentFailed(_ context.Context, p *model.Payment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, p.ID)
}

type ProcessorTestSuite struct {
	suite.Suite
	ctx       context.Context
	now       time.Time
	store     *memstore.Store
	publisher *recordingPublisher
	sut       *webhook.Processor
	payment   *model.Payment
}

func (s *ProcessorTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.now = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFixed(s.now)

	s.store = memstore.New()
	s.publisher = &recordingPublisher{}
	writer := payment.NewWriter(s.store, s.publisher, slog.Default())
	s.sut = webhook.NewProcessor(
		s.store,
		idempotency.NewGuard(s.store, clk),
		payment.NewStateMachine(clk, slog.Default()),
		writer,
		slog.Default(),
	)

	s.payment = &model.Payment{
		ID:          uuid.New(),
		UserID:      uuid.New(),
		Amount:      decimal.RequireFromString("30.00"),
		Currency:    "EUR",
		Status:      model.StatusPending,
		CheckoutRef: "chk-100",
		CreatedAt:   s.now.Add(-time.Hour),
		UpdatedAt:   s.now.Add(-time.Hour),
	}
	s.store.AddPayment(s.payment)
}

func notification(eventType, eventID, checkoutRef string) payload.Notification {
	return payload.Notification{
		EventType: eventType,
		Data: payload.NotificationData{
			ID:          eventID,
			CheckoutRef: checkoutRef,
			Amount:      3000,
			State:       "Registered",
			Date:        time.Date(2026, 6, 1, 11, 59, 0, 0, time.UTC),
		},
	}
}

func (s *ProcessorTestSuite) stored() *model.Payment {
	p, ok := s.store.Payment(s.payment.ID)
	s.Require().True(ok)
	return p
}

func (s *ProcessorTestSuite) TestCompleted() {
	t := s.T()

	n := notification("Payment.Completed", "evt-1", "chk-100")
	n.Data.Payer = &payload.Payer{Email: "jane@example.com", FirstName: "Jane", LastName: "Doe"}

	result, err := s.sut.Process(s.ctx, n)
	require.NoError(t, err)

	assert.True(t, result.Transitioned)
	assert.False(t, result.Duplicate)
	assert.Equal(t, model.StatusCompleted, result.Status)

	stored := s.stored()
	assert.Equal(t, model.StatusCompleted, stored.Status)
	require.NotNil(t, stored.PaidAt)
	assert.Equal(t, n.Data.Date, *stored.PaidAt)
	require.NotNil(t, stored.PayerEmail)
	assert.Equal(t, "jane@example.com", *stored.PayerEmail)
	assert.Equal(t, "Jane Doe", *stored.PayerName)

	assert.Equal(t, []uuid.UUID{s.payment.ID}, s.publisher.completed)
}

func (s *ProcessorTestSuite) TestDuplicateDelivery() {
	t := s.T()
	n := notification("Payment.Completed", "evt-dup", "chk-100")

	first, err := s.sut.Process(s.ctx, n)
	require.NoError(t, err)
	second, err := s.sut.Process(s.ctx, n)
	require.NoError(t, err)

	assert.True(t, first.Transitioned)
	assert.True(t, second.Duplicate)
	assert.False(t, second.Transitioned)
	assert.Len(t, s.publisher.completed, 1)
	assert.Equal(t, 1, s.store.WebhookRecordCount())
}

func (s *ProcessorTestSuite) TestConcurrentDuplicateDelivery() {
	t := s.T()
	n := notification("Payment.Completed", "evt-race", "chk-100")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.sut.Process(s.ctx, n)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, s.publisher.completed, 1)
	assert.Equal(t, model.StatusCompleted, s.stored().Status)
}

func (s *ProcessorTestSuite) TestInvalidTransitionIsNoop() {
	t := s.T()

	_, err := s.sut.Process(s.ctx, notification("Payment.Completed", "evt-a", "chk-100"))
	require.NoError(t, err)
	before := s.stored()

	result, err := s.sut.Process(s.ctx, notification("Payment.Authorized", "evt-b", "chk-100"))
	require.NoError(t, err)

	assert.False(t, result.Transitioned)
	assert.False(t, result.Duplicate)
	assert.Equal(t, model.StatusCompleted, result.Status)
	assert.Equal(t, before, s.stored())
	assert.Len(t, s.publisher.completed, 1)
	assert.Equal(t, 2, s.store.WebhookRecordCount())
}

func (s *ProcessorTestSuite) TestFailedEmitsFailedEvent() {
	t := s.T()

	result, err := s.sut.Process(s.ctx, notification("Payment.Failed", "evt-f", "chk-100"))
	require.NoError(t, err)

	assert.True(t, result.Transitioned)
	assert.Equal(t, []uuid.UUID{s.payment.ID}, s.publisher.failed)
	assert.Empty(t, s.publisher.completed)
}

func (s *ProcessorTestSuite) TestOrderCreatedOnlyRecords() {
	t := s.T()

	result, err := s.sut.Process(s.ctx, notification("Order.Created", "evt-o", ""))
	require.NoError(t, err)

	assert.Equal(t, webhook.OrderCreated, result.Kind)
	assert.False(t, result.Transitioned)
	assert.Equal(t, 1, s.store.WebhookRecordCount())
	assert.Equal(t, model.StatusPending, s.stored().Status)
}

func (s *ProcessorTestSuite) TestUnknownPaymentRollsBack() {
	t := s.T()

	_, err := s.sut.Process(s.ctx, notification("Payment.Completed", "evt-x", "chk-unknown"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, webhook.ErrPaymentNotFound))
	assert.Equal(t, 0, s.store.WebhookRecordCount())

	s.store.AddPayment(&model.Payment{ID: uuid.New(), Status: model.StatusPending, CheckoutRef: "chk-unknown"})
	result, err := s.sut.Process(s.ctx, notification("Payment.Completed", "evt-x", "chk-unknown"))
	require.NoError(t, err)
	assert.True(t, result.Transitioned)
}

func (s *ProcessorTestSuite) TestUnknownEventType() {
	t := s.T()

	_, err := s.sut.Process(s.ctx, notification("Form.Published", "evt-u", "chk-100"))
	require.Error(t, err)
	kind, ok := fault.KindOf(err)
	assert.True(t, ok)
	assert.Equal(t, fault.Classification, kind)
	assert.Equal(t, 0, s.store.WebhookRecordCount())
}

func (s *ProcessorTestSuite) TestMissingEventID() {
	_, err := s.sut.Process(s.ctx, notification("Payment.Completed", " ", "chk-100"))
	s.True(errors.Is(err, webhook.ErrMissingEventID))
}

func (s *ProcessorTestSuite) TestWriteFailureRollsBackFence() {
	t := s.T()
	s.store.FailPaymentWrites = errors.New("disk full")

	_, err := s.sut.Process(s.ctx, notification("Payment.Completed", "evt-w", "chk-100"))
	require.Error(t, err)
	assert.Equal(t, 0, s.store.WebhookRecordCount())
	assert.Empty(t, s.publisher.completed)
	assert.Equal(t, model.StatusPending, s.stored().Status)
}

func TestProcessorTestSuite(t *testing.T) {
	suite.Run(t, new(ProcessorTestSuite))
}
