package message

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DomainEvent is the envelope of every event this service emits.
type DomainEvent struct {
	ID         uuid.UUID       `json:"id"`
	Event      string          `json:"event"`
	OccurredAt time.Time       `json:"occurredAt"`
	Payload    json.RawMessage `json:"payload"`
}

// UserDeletionRequest is consumed from the user-deletion-requests topic.
type UserDeletionRequest struct {
	ID          uuid.UUID `json:"id"`
	UserID      uuid.UUID `json:"userId"`
	RequestedAt time.Time `json:"requestedAt"`
}
