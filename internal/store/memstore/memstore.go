// Package memstore is an in-memory implementation of the store ports.
// Transactions are serialised by a single mutex and their writes are staged
// until fn returns nil.
package memstore

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"payment-sync-service/internal/model"
	"payment-sync-service/internal/store"
)

type Store struct {
	mu             sync.Mutex
	payments       map[uuid.UUID]*model.Payment
	webhookRecords map[string]model.WebhookProcessingRecord
	associations   map[uuid.UUID]*model.Association
	audits         []*model.CleanupAudit

	// Fail hooks let tests inject storage errors.
	FailPaymentWrites      error
	FailUpsertAssociations error
	FailAnonymize          error
	FailSaveAudit          error
}

func New() *Store {
	return &Store{
		payments:       map[uuid.UUID]*model.Payment{},
		webhookRecords: map[string]model.WebhookProcessingRecord{},
		associations:   map[uuid.UUID]*model.Association{},
	}
}

func (s *Store) AddPayment(p *model.Payment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments[p.ID] = p.Clone()
}

func (s *Store) Payment(id uuid.UUID) (*model.Payment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

func (s *Store) AddAssociation(a *model.Association) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *a
	s.associations[a.ID] = &c
}

func (s *Store) Association(id uuid.UUID) (*model.Association, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.associations[id]
	if !ok {
		return nil, false
	}
	c := *a
	return &c, true
}

func (s *Store) WebhookRecordCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.webhookRecords)
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		store:    s,
		payments: map[uuid.UUID]*model.Payment{},
		records:  map[string]model.WebhookProcessingRecord{},
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	for id, p := range tx.payments {
		s.payments[id] = p
	}
	for id, r := range tx.records {
		s.webhookRecords[id] = r
	}
	return nil
}

type memTx struct {
	store    *Store
	payments map[uuid.UUID]*model.Payment
	records  map[string]model.WebhookProcessingRecord
}

func (t *memTx) InsertWebhookRecord(_ context.Context, record model.WebhookProcessingRecord) (bool, error) {
	if _, ok := t.store.webhookRecords[record.EventID]; ok {
		return false, nil
	}
	if _, ok := t.records[record.EventID]; ok {
		return false, nil
	}
	t.records[record.EventID] = record
	return true, nil
}

func (t *memTx) FindPaymentByCheckoutRef(_ context.Context, checkoutRef string) (*model.Payment, error) {
	for _, p := range t.payments {
		if p.CheckoutRef == checkoutRef {
			return p.Clone(), nil
		}
	}
	for _, p := range t.store.payments {
		if p.CheckoutRef == checkoutRef {
			return p.Clone(), nil
		}
	}
	return nil, store.ErrNotFound
}

func (t *memTx) UpsertPayments(_ context.Context, payments []*model.Payment) error {
	if t.store.FailPaymentWrites != nil {
		return t.store.FailPaymentWrites
	}
	for _, p := range payments {
		t.payments[p.ID] = p.Clone()
	}
	return nil
}

// current returns the staged version of a payment, falling back to the
// committed one. The store mutex held by InTx is the row lock.
func (t *memTx) current(id uuid.UUID) (*model.Payment, bool) {
	if p, ok := t.payments[id]; ok {
		return p, true
	}
	p, ok := t.store.payments[id]
	return p, ok
}

func (t *memTx) LockPayments(_ context.Context, ids []uuid.UUID) ([]*model.Payment, error) {
	var result []*model.Payment
	for _, id := range ids {
		if p, ok := t.current(id); ok {
			result = append(result, p.Clone())
		}
	}
	return result, nil
}

func (t *memTx) UpdatePaymentStatuses(_ context.Context, changes []store.StatusChange) error {
	if t.store.FailPaymentWrites != nil {
		return t.store.FailPaymentWrites
	}
	for _, c := range changes {
		p, ok := t.current(c.Payment.ID)
		if !ok || p.Status != c.From {
			return errors.Errorf("payment %s is no longer %s", c.Payment.ID, c.From)
		}
		updated := p.Clone()
		updated.Status = c.Payment.Status
		updated.PaidAt = c.Payment.PaidAt
		updated.ReceiptURL = c.Payment.ReceiptURL
		updated.UpdatedAt = c.Payment.UpdatedAt
		t.payments[updated.ID] = updated
	}
	return nil
}

func (s *Store) FindPayments(_ context.Context, filter store.PaymentFilter) ([]*model.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*model.Payment
	for _, p := range s.payments {
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		if !filter.CreatedBefore.IsZero() && !p.CreatedAt.Before(filter.CreatedBefore) {
			continue
		}
		if filter.UserID != uuid.Nil && p.UserID != filter.UserID {
			continue
		}
		result = append(result, p.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *Store) WebhookRecordExists(_ context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.webhookRecords[eventID]
	return ok && r.Processed, nil
}

func (s *Store) FindAssociations(_ context.Context, filter store.AssociationFilter) ([]*model.Association, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*model.Association
	for _, a := range s.associations {
		if a.LastSyncedAt != nil && !filter.SyncedBefore.IsZero() && !a.LastSyncedAt.Before(filter.SyncedBefore) {
			continue
		}
		c := *a
		result = append(result, &c)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Slug < result[j].Slug
	})
	return result, nil
}

func (s *Store) UpsertAssociations(_ context.Context, associations []*model.Association) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailUpsertAssociations != nil {
		return s.FailUpsertAssociations
	}
	for _, a := range associations {
		c := *a
		s.associations[a.ID] = &c
	}
	return nil
}

func (s *Store) AnonymizeUserPayments(_ context.Context, userID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailAnonymize != nil {
		return 0, s.FailAnonymize
	}

	var n int64
	for _, p := range s.payments {
		if p.UserID != userID {
			continue
		}
		p.PayerEmail = nil
		p.PayerName = nil
		n++
	}
	return n, nil
}

func (s *Store) SaveCleanupAudit(_ context.Context, audit *model.CleanupAudit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailSaveAudit != nil {
		return s.FailSaveAudit
	}
	c := *audit
	c.Services = slices.Clone(audit.Services)
	s.audits = append(s.audits, &c)
	return nil
}

func (s *Store) FindCleanupAudits(_ context.Context, outcomes ...model.CleanupOutcome) ([]*model.CleanupAudit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*model.CleanupAudit
	for _, a := range s.audits {
		if len(outcomes) > 0 && !slices.Contains(outcomes, a.Outcome) {
			continue
		}
		c := *a
		result = append(result, &c)
	}
	return result, nil
}
