package db

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"payment-sync-service/internal/model"
	"payment-sync-service/internal/store"
)

const paymentColumns = `id, user_id, amount::text, currency, status, checkout_ref, invoice_ref, receipt_url,
	payer_email, payer_name, paid_at, created_at, updated_at`

const upsertPaymentQuery = `INSERT INTO payments (id, user_id, amount, currency, status, checkout_ref, invoice_ref,
	receipt_url, payer_email, payer_name, paid_at, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	ON CONFLICT (id) DO UPDATE SET status = $5, invoice_ref = $7, receipt_url = $8, payer_email = $9,
	payer_name = $10, paid_at = $11, updated_at = $13`

const updatePaymentStatusQuery = `UPDATE payments SET status = $2, paid_at = $3, receipt_url = $4, updated_at = $5
	WHERE id = $1 AND status = $6`

// querier is the part of pgxpool.Pool and pgx.Tx the queries need.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Repository implements the store ports on Postgres.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "starting transaction")
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(ctx, &repositoryTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "committing transaction")
	}
	return nil
}

type repositoryTx struct {
	tx pgx.Tx
}

func (t *repositoryTx) InsertWebhookRecord(ctx context.Context, record model.WebhookProcessingRecord) (bool, error) {
	query := `INSERT INTO webhook_processing_records (event_id, processed, processed_at)
	          VALUES ($1, $2, $3) ON CONFLICT (event_id) DO NOTHING`
	tag, err := t.tx.Exec(ctx, query, record.EventID, record.Processed, record.ProcessedAt)
	if err != nil {
		return false, errors.Wrap(err, "inserting webhook record")
	}
	return tag.RowsAffected() == 1, nil
}

func (t *repositoryTx) FindPaymentByCheckoutRef(ctx context.Context, checkoutRef string) (*model.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE checkout_ref = $1 FOR UPDATE`
	p, err := scanPayment(t.tx.QueryRow(ctx, query, checkoutRef))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "selecting payment for update")
	}
	return p, nil
}

func (t *repositoryTx) UpsertPayments(ctx context.Context, payments []*model.Payment) error {
	return upsertPayments(ctx, t.tx, payments)
}

func (t *repositoryTx) LockPayments(ctx context.Context, ids []uuid.UUID) ([]*model.Payment, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	values := make([]string, len(ids))
	for i, id := range ids {
		values[i] = id.String()
	}

	// ordering by id keeps concurrent writers locking rows in the same order
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = ANY($1::uuid[]) ORDER BY id FOR UPDATE`
	rows, err := t.tx.Query(ctx, query, values)
	if err != nil {
		return nil, errors.Wrap(err, "locking payments")
	}
	return collectPayments(rows)
}

func (t *repositoryTx) UpdatePaymentStatuses(ctx context.Context, changes []store.StatusChange) error {
	if len(changes) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, c := range changes {
		p := c.Payment
		batch.Queue(updatePaymentStatusQuery, p.ID, string(p.Status), p.PaidAt, p.ReceiptURL, p.UpdatedAt, string(c.From))
	}

	results := t.tx.SendBatch(ctx, batch)
	for _, c := range changes {
		tag, err := results.Exec()
		if err != nil {
			_ = results.Close()
			return errors.Wrapf(err, "updating status of payment %s", c.Payment.ID)
		}
		if tag.RowsAffected() != 1 {
			_ = results.Close()
			return errors.Errorf("payment %s is no longer %s", c.Payment.ID, c.From)
		}
	}
	return errors.Wrap(results.Close(), "closing status batch")
}

func (r *Repository) FindPayments(ctx context.Context, filter store.PaymentFilter) ([]*model.Payment, error) {
	var (
		conditions []string
		args       []any
	)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	if !filter.CreatedBefore.IsZero() {
		args = append(args, filter.CreatedBefore)
		conditions = append(conditions, fmt.Sprintf("created_at < $%d", len(args)))
	}
	if filter.UserID != uuid.Nil {
		args = append(args, filter.UserID)
		conditions = append(conditions, fmt.Sprintf("user_id = $%d", len(args)))
	}

	query := `SELECT ` + paymentColumns + ` FROM payments`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, " AND ")
	}
	query += ` ORDER BY created_at, id`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "querying payments")
	}
	return collectPayments(rows)
}

func (r *Repository) WebhookRecordExists(ctx context.Context, eventID string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM webhook_processing_records WHERE event_id = $1 AND processed)`
	var exists bool
	if err := r.pool.QueryRow(ctx, query, eventID).Scan(&exists); err != nil {
		return false, errors.Wrap(err, "checking webhook record")
	}
	return exists, nil
}

func (r *Repository) FindAssociations(ctx context.Context, filter store.AssociationFilter) ([]*model.Association, error) {
	query := `SELECT id, slug, name, city, postal_code, category, last_synced_at, created_at, updated_at
	          FROM associations`
	var args []any
	if !filter.SyncedBefore.IsZero() {
		query += ` WHERE last_synced_at IS NULL OR last_synced_at < $1`
		args = append(args, filter.SyncedBefore)
	}
	query += ` ORDER BY slug`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "querying associations")
	}
	defer rows.Close()

	var associations []*model.Association
	for rows.Next() {
		var a model.Association
		err := rows.Scan(&a.ID, &a.Slug, &a.Name, &a.City, &a.PostalCode, &a.Category, &a.LastSyncedAt, &a.CreatedAt, &a.UpdatedAt)
		if err != nil {
			return nil, errors.Wrap(err, "scanning association")
		}
		associations = append(associations, &a)
	}
	return associations, errors.Wrap(rows.Err(), "iterating associations")
}

func (r *Repository) UpsertAssociations(ctx context.Context, associations []*model.Association) error {
	query := `INSERT INTO associations (id, slug, name, city, postal_code, category, last_synced_at, created_at, updated_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	          ON CONFLICT (id) DO UPDATE SET name = $3, city = $4, postal_code = $5, category = $6,
	          last_synced_at = $7, updated_at = $9`

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "starting transaction")
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	batch := &pgx.Batch{}
	for _, a := range associations {
		batch.Queue(query, a.ID, a.Slug, a.Name, a.City, a.PostalCode, a.Category, a.LastSyncedAt, a.CreatedAt, a.UpdatedAt)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return errors.Wrap(err, "upserting associations")
	}

	return errors.Wrap(tx.Commit(ctx), "committing associations")
}

func (r *Repository) AnonymizeUserPayments(ctx context.Context, userID uuid.UUID) (int64, error) {
	query := `UPDATE payments SET payer_email = NULL, payer_name = NULL, updated_at = $2 WHERE user_id = $1`
	tag, err := r.pool.Exec(ctx, query, userID, time.Now().UTC())
	if err != nil {
		return 0, errors.Wrap(err, "anonymizing payments")
	}
	return tag.RowsAffected(), nil
}

func (r *Repository) SaveCleanupAudit(ctx context.Context, audit *model.CleanupAudit) error {
	services, err := json.Marshal(audit.Services)
	if err != nil {
		return errors.Wrap(err, "encoding service results")
	}

	query := `INSERT INTO cleanup_audits (id, user_id, outcome, services, completed_at) VALUES ($1, $2, $3, $4, $5)`
	_, err = r.pool.Exec(ctx, query, audit.ID, audit.UserID, string(audit.Outcome), services, audit.CompletedAt)
	return errors.Wrap(err, "inserting cleanup audit")
}

func (r *Repository) FindCleanupAudits(ctx context.Context, outcomes ...model.CleanupOutcome) ([]*model.CleanupAudit, error) {
	query := `SELECT id, user_id, outcome, services, completed_at FROM cleanup_audits`
	var args []any
	if len(outcomes) > 0 {
		values := make([]string, len(outcomes))
		for i, o := range outcomes {
			values[i] = string(o)
		}
		query += ` WHERE outcome = ANY($1)`
		args = append(args, values)
	}
	query += ` ORDER BY completed_at`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "querying cleanup audits")
	}
	defer rows.Close()

	var audits []*model.CleanupAudit
	for rows.Next() {
		var (
			a        model.CleanupAudit
			outcome  string
			services []byte
		)
		if err := rows.Scan(&a.ID, &a.UserID, &outcome, &services, &a.CompletedAt); err != nil {
			return nil, errors.Wrap(err, "scanning cleanup audit")
		}
		if err := json.Unmarshal(services, &a.Services); err != nil {
			return nil, errors.Wrap(err, "decoding service results")
		}
		a.Outcome = model.CleanupOutcome(outcome)
		audits = append(audits, &a)
	}
	return audits, errors.Wrap(rows.Err(), "iterating cleanup audits")
}

func upsertPayments(ctx context.Context, q querier, payments []*model.Payment) error {
	if len(payments) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, p := range payments {
		batch.Queue(upsertPaymentQuery, p.ID, p.UserID, p.Amount.String(), p.Currency, string(p.Status), p.CheckoutRef,
			p.InvoiceRef, p.ReceiptURL, p.PayerEmail, p.PayerName, p.PaidAt, p.CreatedAt, p.UpdatedAt)
	}
	if err := q.SendBatch(ctx, batch).Close(); err != nil {
		return errors.Wrapf(err, "upserting %d payments", len(payments))
	}
	return nil
}

func collectPayments(rows pgx.Rows) ([]*model.Payment, error) {
	defer rows.Close()

	var payments []*model.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scanning payment")
		}
		payments = append(payments, p)
	}
	return payments, errors.Wrap(rows.Err(), "iterating payments")
}

func scanPayment(row pgx.Row) (*model.Payment, error) {
	var (
		p      model.Payment
		amount string
		status string
	)
	err := row.Scan(&p.ID, &p.UserID, &amount, &p.Currency, &status, &p.CheckoutRef, &p.InvoiceRef, &p.ReceiptURL,
		&p.PayerEmail, &p.PayerName, &p.PaidAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}

	p.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing amount of payment %s", p.ID)
	}
	p.Status = model.PaymentStatus(status)
	return &p, nil
}
