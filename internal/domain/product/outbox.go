package product

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrLeaseLost is returned when a worker settles an entry it no longer holds.
	ErrLeaseLost = errors.New("outbox lease no longer held")
	// ErrAlreadyPublished is returned when requeueing a published entry.
	ErrAlreadyPublished = errors.New("outbox entry already published")
)

// OutboxStatus tracks publication of one event reference.
type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "PENDING"
	OutboxPublished OutboxStatus = "PUBLISHED"
	// OutboxFailed entries failed at least one delivery and are retried after NextAttemptAt.
	OutboxFailed OutboxStatus = "FAILED"
)

// OutboxEntry references an event that still has to reach downstream consumers.
// ClaimedBy and LeaseUntil are set while a relay worker owns the entry.
type OutboxEntry struct {
	ID            string
	SourceEventID string
	AggregateID   ID
	Version       int64
	Position      int64
	Status        OutboxStatus
	Attempts      int
	LastError     string
	NextAttemptAt time.Time
	ClaimedBy     string
	LeaseUntil    time.Time
	CreatedAt     time.Time
	PublishedAt   *time.Time
}

// NewOutboxEntry builds the pending entry for an envelope whose Position is already assigned.
func NewOutboxEntry(env Envelope) OutboxEntry {
	now := time.Now().UTC()
	return OutboxEntry{
		ID:            uuid.NewString(),
		SourceEventID: env.EventID,
		AggregateID:   env.AggregateID,
		Version:       env.Version,
		Position:      env.Position,
		Status:        OutboxPending,
		NextAttemptAt: now,
		CreatedAt:     now,
	}
}

// OutboxStats summarizes outbox depth by status.
type OutboxStats struct {
	Pending   int `json:"pending"`
	Failed    int `json:"failed"`
	Published int `json:"published"`
	Claimed   int `json:"claimed"`
}
