// Package store declares the storage operations the synchronization paths
// rely on. internal/db implements them on Postgres and memstore in memory.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"payment-sync-service/internal/model"
)

var ErrNotFound = errors.New("not found")

type PaymentFilter struct {
	Status        model.PaymentStatus
	CreatedBefore time.Time
	UserID        uuid.UUID
}

type AssociationFilter struct {
	// SyncedBefore matches associations never synced or synced before it.
	SyncedBefore time.Time
}

// StatusChange moves one locked payment from From to the status, paid-at,
// receipt and updated-at carried by Payment. Payer data is not part of it.
type StatusChange struct {
	From    model.PaymentStatus
	Payment *model.Payment
}

// Tx is the transactional view used by the webhook path and the payment writer.
type Tx interface {
	// InsertWebhookRecord reports false when a record with the same event id
	// already exists. Uniqueness is enforced by the storage layer.
	InsertWebhookRecord(ctx context.Context, record model.WebhookProcessingRecord) (bool, error)
	// FindPaymentByCheckoutRef locks the row until the transaction ends.
	FindPaymentByCheckoutRef(ctx context.Context, checkoutRef string) (*model.Payment, error)
	UpsertPayments(ctx context.Context, payments []*model.Payment) error
	// LockPayments loads the payments with the given ids and locks them until
	// the transaction ends. Unknown ids are left out.
	LockPayments(ctx context.Context, ids []uuid.UUID) ([]*model.Payment, error)
	// UpdatePaymentStatuses fails when a stored status no longer equals From.
	UpdatePaymentStatuses(ctx context.Context, changes []StatusChange) error
}

type TxRunner interface {
	// InTx commits when fn returns nil and rolls back otherwise.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

type Payments interface {
	FindPayments(ctx context.Context, filter PaymentFilter) ([]*model.Payment, error)
}

type WebhookRecords interface {
	WebhookRecordExists(ctx context.Context, eventID string) (bool, error)
}

type Associations interface {
	FindAssociations(ctx context.Context, filter AssociationFilter) ([]*model.Association, error)
	UpsertAssociations(ctx context.Context, associations []*model.Association) error
}

type UserData interface {
	// AnonymizeUserPayments clears payer data of every payment of the user and
	// returns how many rows were touched.
	AnonymizeUserPayments(ctx context.Context, userID uuid.UUID) (int64, error)
}

type CleanupAudits interface {
	SaveCleanupAudit(ctx context.Context, audit *model.CleanupAudit) error
	FindCleanupAudits(ctx context.Context, outcomes ...model.CleanupOutcome) ([]*model.CleanupAudit, error)
}
