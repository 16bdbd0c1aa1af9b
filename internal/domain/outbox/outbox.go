package outbox

import (
	"time"

	"github.com/google/uuid"
)

// Status represents the processing state of an outbox event
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// OutboxEvent is an encoded realtime event written in the same transaction
// as the row it announces and published once committed.
type OutboxEvent struct {
	ID          uuid.UUID
	EventType   string
	Topic       string
	Payload     []byte
	Status      Status
	RetryCount  int
	Error       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ProcessedAt *time.Time
}
