package product

import (
	"context"
	"time"
)

// Repository loads aggregates outside of a unit of work.
type Repository interface {
	FindByID(ctx context.Context, id ID) (*Product, error)
}

// StateWriter persists aggregate state inside a unit of work.
// Save inserts version 1 and otherwise updates only if the stored version is p.Version-1.
type StateWriter interface {
	Save(ctx context.Context, p *Product) error
}

// EventAppender appends envelopes inside a unit of work and returns the assigned log position.
type EventAppender interface {
	Append(ctx context.Context, env Envelope) (int64, error)
}

// OutboxWriter inserts outbox entries inside a unit of work.
type OutboxWriter interface {
	Insert(ctx context.Context, entry OutboxEntry) error
}

// Tx is the set of writers bound to one unit of work.
type Tx interface {
	Products() StateWriter
	Events() EventAppender
	Outbox() OutboxWriter
}

// UnitOfWork commits aggregate state, event log and outbox together or not at all.
type UnitOfWork interface {
	Do(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// EventLog reads committed envelopes.
type EventLog interface {
	Get(ctx context.Context, eventID string) (Envelope, error)
	ListByAggregate(ctx context.Context, id ID, afterVersion int64) ([]Envelope, error)
	ListAfter(ctx context.Context, position int64, limit int) ([]Envelope, error)
}

// Outbox is the relay-facing side of the outbox table.
type Outbox interface {
	// Claim leases up to limit due entries to worker. Only the lowest unpublished
	// position of each aggregate is eligible.
	Claim(ctx context.Context, worker string, now time.Time, lease time.Duration, limit int) ([]OutboxEntry, error)
	MarkPublished(ctx context.Context, id, worker string, at time.Time) error
	MarkFailed(ctx context.Context, id, worker string, reason string, nextAttempt time.Time) error
	Requeue(ctx context.Context, id string, now time.Time) error
	Stats(ctx context.Context) (OutboxStats, error)
}
