//go:build integration

package db_test

import (
	"context"
	"log"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"payment-sync-service/internal/db"
	"payment-sync-service/internal/model"
	"payment-sync-service/internal/payment"
	"payment-sync-service/internal/store"
	"payment-sync-service/internal/testhelpers"
)

type RepositoryTestSuite struct {
	suite.Suite
	pgContainer *testhelpers.PostgresContainer
	pool        *pgxpool.Pool
	sut         *db.Repository
	ctx         context.Context
}

func (s *RepositoryTestSuite) SetupSuite() {
	time.Local = time.UTC

	s.ctx = context.Background()
	pgContainer, err := testhelpers.CreatePostgresContainer(s.ctx)
	if err != nil {
		log.Fatal(err)
	}
	s.pgContainer = pgContainer

	if err := db.RunMigrations(pgContainer.ConnectionString, "../../migrations"); err != nil {
		log.Fatal(err)
	}

	pool, err := db.GetPool(s.ctx, pgContainer.ConnectionString)
	if err != nil {
		log.Fatal(err)
	}

	s.pool = pool
	s.sut = db.NewRepository(pool)
}

func (s *RepositoryTestSuite) TearDownSuite() {
	s.pool.Close()

	if err := s.pgContainer.Terminate(s.ctx); err != nil {
		log.Fatalf("error terminating postgres container: %s", err)
	}
}

func (s *RepositoryTestSuite) SetupTest() {
	_, err := s.pool.Exec(s.ctx, "TRUNCATE payments, webhook_processing_records, associations, cleanup_audits")
	if err != nil {
		log.Fatalf("error truncating tables: %s", err)
	}
}

func (s *RepositoryTestSuite) newPayment(ref string, createdAt time.Time) *model.Payment {
	email, name := "jane@example.com", "Jane Doe"
	return &model.Payment{
		ID:          uuid.New(),
		UserID:      uuid.New(),
		Amount:      decimal.RequireFromString("42.50"),
		Currency:    "EUR",
		Status:      model.StatusPending,
		CheckoutRef: ref,
		PayerEmail:  &email,
		PayerName:   &name,
		CreatedAt:   createdAt.Truncate(time.Microsecond),
		UpdatedAt:   createdAt.Truncate(time.Microsecond),
	}
}

func (s *RepositoryTestSuite) seed(payments []*model.Payment) error {
	return s.sut.InTx(s.ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.UpsertPayments(ctx, payments)
	})
}

// completeByWebhook commits a completion the way the webhook path does.
func (s *RepositoryTestSuite) completeByWebhook(ctx context.Context, tx store.Tx, ref string) error {
	p, err := tx.FindPaymentByCheckoutRef(ctx, ref)
	if err != nil {
		return err
	}
	paidAt := time.Now().UTC().Truncate(time.Microsecond)
	p.Status = model.StatusCompleted
	p.PaidAt = &paidAt
	p.UpdatedAt = paidAt
	return tx.UpsertPayments(ctx, []*model.Payment{p})
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []uuid.UUID
}

func (r *recordingPublisher) PaymentCompleted(_ context.Context, p *model.Payment) { r.record(p) }
func (r *recordingPublisher) PaymentFailed(_ context.Context, p *model.Payment)    { r.record(p) }

func (r *recordingPublisher) record(p *model.Payment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, p.ID)
}

func (s *RepositoryTestSuite) TestUpsertAndFindPayments() {
	t := s.T()
	now := time.Now().UTC()

	stale := s.newPayment("chk-stale", now.Add(-30*time.Hour))
	fresh := s.newPayment("chk-fresh", now.Add(-time.Hour))
	require.NoError(t, s.seed([]*model.Payment{stale, fresh}))

	found, err := s.sut.FindPayments(s.ctx, store.PaymentFilter{
		Status:        model.StatusPending,
		CreatedBefore: now.Add(-24 * time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, stale.ID, found[0].ID)
	assert.True(t, stale.Amount.Equal(found[0].Amount))
	assert.Equal(t, "jane@example.com", *found[0].PayerEmail)

	paidAt := now.Truncate(time.Microsecond)
	stale.Status = model.StatusCompleted
	stale.PaidAt = &paidAt
	require.NoError(t, s.seed([]*model.Payment{stale}))

	found, err = s.sut.FindPayments(s.ctx, store.PaymentFilter{Status: model.StatusCompleted})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, paidAt, found[0].PaidAt.UTC())
}

func (s *RepositoryTestSuite) TestInsertWebhookRecordIsUnique() {
	t := s.T()
	record := model.WebhookProcessingRecord{EventID: "evt-1", Processed: true, ProcessedAt: time.Now().UTC()}

	var inserted []bool
	for range 2 {
		err := s.sut.InTx(s.ctx, func(ctx context.Context, tx store.Tx) error {
			ok, err := tx.InsertWebhookRecord(ctx, record)
			inserted = append(inserted, ok)
			return err
		})
		require.NoError(t, err)
	}
	assert.Equal(t, []bool{true, false}, inserted)

	exists, err := s.sut.WebhookRecordExists(s.ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, exists)
}

func (s *RepositoryTestSuite) TestConcurrentWebhookRecordInsertHasOneWinner() {
	t := s.T()
	record := model.WebhookProcessingRecord{EventID: "evt-race", Processed: true, ProcessedAt: time.Now().UTC()}

	var (
		mu   sync.Mutex
		wins int
		wg   sync.WaitGroup
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.sut.InTx(s.ctx, func(ctx context.Context, tx store.Tx) error {
				ok, err := tx.InsertWebhookRecord(ctx, record)
				if ok {
					mu.Lock()
					wins++
					mu.Unlock()
				}
				return err
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
}

func (s *RepositoryTestSuite) TestRollbackDiscardsWebhookRecord() {
	t := s.T()
	record := model.WebhookProcessingRecord{EventID: "evt-rollback", Processed: true, ProcessedAt: time.Now().UTC()}

	err := s.sut.InTx(s.ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.InsertWebhookRecord(ctx, record); err != nil {
			return err
		}
		_, err := tx.FindPaymentByCheckoutRef(ctx, "chk-missing")
		return err
	})
	require.ErrorIs(t, err, store.ErrNotFound)

	exists, err := s.sut.WebhookRecordExists(s.ctx, "evt-rollback")
	require.NoError(t, err)
	assert.False(t, exists)
}

func (s *RepositoryTestSuite) TestFindPaymentByCheckoutRefInTx() {
	t := s.T()
	p := s.newPayment("chk-lock", time.Now().UTC())
	require.NoError(t, s.seed([]*model.Payment{p}))

	err := s.sut.InTx(s.ctx, func(ctx context.Context, tx store.Tx) error {
		found, err := tx.FindPaymentByCheckoutRef(ctx, "chk-lock")
		if err != nil {
			return err
		}
		found.Status = model.StatusAuthorized
		return tx.UpsertPayments(ctx, []*model.Payment{found})
	})
	require.NoError(t, err)

	found, err := s.sut.FindPayments(s.ctx, store.PaymentFilter{Status: model.StatusAuthorized})
	require.NoError(t, err)
	assert.Len(t, found, 1)
}

func (s *RepositoryTestSuite) TestConditionalStatusUpdate() {
	t := s.T()
	p := s.newPayment("chk-cond", time.Now().UTC())
	require.NoError(t, s.seed([]*model.Payment{p}))

	err := s.sut.InTx(s.ctx, func(ctx context.Context, tx store.Tx) error {
		locked, err := tx.LockPayments(ctx, []uuid.UUID{p.ID, uuid.New()})
		if err != nil {
			return err
		}
		require.Len(t, locked, 1)

		next := locked[0].Clone()
		next.Status = model.StatusAuthorized
		return tx.UpdatePaymentStatuses(ctx, []store.StatusChange{{From: model.StatusPending, Payment: next}})
	})
	require.NoError(t, err)

	stale := p.Clone()
	stale.Status = model.StatusFailed
	err = s.sut.InTx(s.ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.UpdatePaymentStatuses(ctx, []store.StatusChange{{From: model.StatusPending, Payment: stale}})
	})
	require.Error(t, err)

	found, err := s.sut.FindPayments(s.ctx, store.PaymentFilter{UserID: p.UserID})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, model.StatusAuthorized, found[0].Status)
	assert.Equal(t, "jane@example.com", *found[0].PayerEmail)
}

func (s *RepositoryTestSuite) TestReconciliationWriteAfterWebhookCompletion() {
	t := s.T()
	p := s.newPayment("chk-race", time.Now().UTC().Add(-30*time.Hour))
	require.NoError(t, s.seed([]*model.Payment{p}))

	// snapshot taken by the scan, resolved to failed by the provider
	stale := p.Clone()
	stale.Status = model.StatusFailed
	stale.UpdatedAt = time.Now().UTC().Truncate(time.Microsecond)

	require.NoError(t, s.sut.InTx(s.ctx, func(ctx context.Context, tx store.Tx) error {
		return s.completeByWebhook(ctx, tx, "chk-race")
	}))
	_, err := s.sut.AnonymizeUserPayments(s.ctx, p.UserID)
	require.NoError(t, err)

	publisher := &recordingPublisher{}
	writer := payment.NewWriter(s.sut, publisher, slog.Default())
	require.NoError(t, writer.Write(s.ctx, []*model.Payment{stale}))

	found, err := s.sut.FindPayments(s.ctx, store.PaymentFilter{UserID: p.UserID})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, model.StatusCompleted, found[0].Status)
	assert.Nil(t, found[0].PayerEmail)
	assert.Nil(t, found[0].PayerName)
	assert.Empty(t, publisher.events)
}

func (s *RepositoryTestSuite) TestReconciliationWriteWaitsForWebhookLock() {
	t := s.T()
	p := s.newPayment("chk-locked", time.Now().UTC().Add(-30*time.Hour))
	require.NoError(t, s.seed([]*model.Payment{p}))

	stale := p.Clone()
	stale.Status = model.StatusFailed
	stale.UpdatedAt = time.Now().UTC().Truncate(time.Microsecond)

	locked := make(chan struct{})
	release := make(chan struct{})
	webhookDone := make(chan error, 1)
	go func() {
		webhookDone <- s.sut.InTx(s.ctx, func(ctx context.Context, tx store.Tx) error {
			if _, err := tx.FindPaymentByCheckoutRef(ctx, "chk-locked"); err != nil {
				return err
			}
			close(locked)
			<-release
			return s.completeByWebhook(ctx, tx, "chk-locked")
		})
	}()
	<-locked

	publisher := &recordingPublisher{}
	writer := payment.NewWriter(s.sut, publisher, slog.Default())
	writeDone := make(chan error, 1)
	go func() { writeDone <- writer.Write(s.ctx, []*model.Payment{stale}) }()

	select {
	case err := <-writeDone:
		t.Fatalf("write finished while the row was locked: %v", err)
	case <-time.After(200 * time.Millisecond):
	}
	close(release)

	require.NoError(t, <-webhookDone)
	require.NoError(t, <-writeDone)

	found, err := s.sut.FindPayments(s.ctx, store.PaymentFilter{UserID: p.UserID})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, model.StatusCompleted, found[0].Status)
	assert.Empty(t, publisher.events)
}

func (s *RepositoryTestSuite) TestAnonymizeUserPayments() {
	t := s.T()
	p := s.newPayment("chk-anon", time.Now().UTC())
	other := s.newPayment("chk-other", time.Now().UTC())
	require.NoError(t, s.seed([]*model.Payment{p, other}))

	rows, err := s.sut.AnonymizeUserPayments(s.ctx, p.UserID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, rows)

	found, err := s.sut.FindPayments(s.ctx, store.PaymentFilter{UserID: p.UserID})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Nil(t, found[0].PayerEmail)
	assert.Nil(t, found[0].PayerName)

	untouched, err := s.sut.FindPayments(s.ctx, store.PaymentFilter{UserID: other.UserID})
	require.NoError(t, err)
	assert.NotNil(t, untouched[0].PayerEmail)
}

func (s *RepositoryTestSuite) TestAssociations() {
	t := s.T()
	now := time.Now().UTC().Truncate(time.Microsecond)
	recent := now.Add(-time.Hour)

	due := &model.Association{ID: uuid.New(), Slug: "a-due", Name: "Due", CreatedAt: now, UpdatedAt: now}
	fresh := &model.Association{ID: uuid.New(), Slug: "b-fresh", Name: "Fresh", LastSyncedAt: &recent, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.sut.UpsertAssociations(s.ctx, []*model.Association{due, fresh}))

	found, err := s.sut.FindAssociations(s.ctx, store.AssociationFilter{SyncedBefore: now.Add(-24 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "a-due", found[0].Slug)

	due.City = "Lyon"
	due.LastSyncedAt = &now
	require.NoError(t, s.sut.UpsertAssociations(s.ctx, []*model.Association{due}))

	found, err = s.sut.FindAssociations(s.ctx, store.AssociationFilter{SyncedBefore: now.Add(-24 * time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, found)
}

func (s *RepositoryTestSuite) TestCleanupAudits() {
	t := s.T()
	errMsg := "notification-service answered 503 Service Unavailable"

	partial := &model.CleanupAudit{
		ID:      uuid.New(),
		UserID:  uuid.New(),
		Outcome: model.CleanupPartialFailure,
		Services: []model.ServiceCleanupResult{
			{Service: "association-service", Success: true},
			{Service: "notification-service", Success: false, Error: &errMsg},
		},
		CompletedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	success := &model.CleanupAudit{
		ID:          uuid.New(),
		UserID:      uuid.New(),
		Outcome:     model.CleanupSuccess,
		Services:    []model.ServiceCleanupResult{{Service: "association-service", Success: true}},
		CompletedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	require.NoError(t, s.sut.SaveCleanupAudit(s.ctx, partial))
	require.NoError(t, s.sut.SaveCleanupAudit(s.ctx, success))

	found, err := s.sut.FindCleanupAudits(s.ctx, model.CleanupPartialFailure, model.CleanupFailed)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, partial.ID, found[0].ID)
	assert.Equal(t, partial.Services, found[0].Services)

	all, err := s.sut.FindCleanupAudits(s.ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestRepositoryTestSuite(t *testing.T) {
	suite.Run(t, new(RepositoryTestSuite))
}
