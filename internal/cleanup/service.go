package cleanup

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"payment-sync-service/internal/logcontext"
	"payment-sync-service/internal/message"
	"payment-sync-service/internal/model"
	"payment-sync-service/internal/store"
)

var ErrInvalidUser = errors.New("user id is required")

type Service struct {
	users       store.UserData
	audits      store.CleanupAudits
	coordinator *Coordinator
	logger      *slog.Logger
}

func NewService(users store.UserData, audits store.CleanupAudits, coordinator *Coordinator, logger *slog.Logger) *Service {
	return &Service{users: users, audits: audits, coordinator: coordinator, logger: logger}
}

// DeleteUser anonymizes the user's payer data locally and then asks the
// siblings to do the same. A failed local write stops the saga before any
// remote call; it is recorded as a FAILED audit and returned with the error.
func (s *Service) DeleteUser(ctx context.Context, userID uuid.UUID) (*model.CleanupAudit, error) {
	if userID == uuid.Nil {
		return nil, ErrInvalidUser
	}
	ctx = logcontext.AppendCtx(ctx, slog.String("userId", userID.String()))

	rows, err := s.users.AnonymizeUserPayments(ctx, userID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error anonymizing local payments", "error", err)
		audit, _ := s.coordinator.RecordLocalFailure(ctx, userID, err)
		return audit, errors.Wrap(err, "anonymizing local payments")
	}
	s.logger.InfoContext(ctx, "Anonymized local payments", "rows", rows)

	return s.coordinator.Cleanup(ctx, userID)
}

// HandleDeletionRequest adapts DeleteUser to the deletion request topic.
func (s *Service) HandleDeletionRequest(ctx context.Context, r message.UserDeletionRequest) error {
	_, err := s.DeleteUser(ctx, r.UserID)
	return err
}

func (s *Service) Audits(ctx context.Context, outcomes ...model.CleanupOutcome) ([]*model.CleanupAudit, error) {
	return s.audits.FindCleanupAudits(ctx, outcomes...)
}
