package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	domain "productregistry/backend/internal/domain/product"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const outboxColumns = `id, source_event_id, aggregate_id, version, position, status, attempts, last_error,
next_attempt_at, claimed_by, lease_until, created_at, published_at`

// Outbox is the relay-facing side of product_outbox.
type Outbox struct {
	pool *pgxpool.Pool
}

// NewOutbox constructs the outbox adapter.
func NewOutbox(pool *pgxpool.Pool) *Outbox {
	return &Outbox{pool: pool}
}

// Claim leases due head-of-aggregate entries. Rows locked by a concurrent claim are skipped.
func (o *Outbox) Claim(ctx context.Context, worker string, now time.Time, lease time.Duration, limit int) ([]domain.OutboxEntry, error) {
	query := `
WITH candidates AS (
    SELECT o.id
    FROM product_outbox o
    WHERE o.status <> 'PUBLISHED'
      AND o.next_attempt_at <= $2
      AND (o.claimed_by = '' OR o.lease_until IS NULL OR o.lease_until <= $2)
      AND NOT EXISTS (
          SELECT 1 FROM product_outbox prev
          WHERE prev.aggregate_id = o.aggregate_id
            AND prev.status <> 'PUBLISHED'
            AND prev.position < o.position
      )
    ORDER BY o.position ASC
    LIMIT $4
    FOR UPDATE OF o SKIP LOCKED
)
UPDATE product_outbox SET claimed_by = $1, lease_until = $3
FROM candidates
WHERE product_outbox.id = candidates.id
RETURNING ` + qualified("product_outbox", outboxColumns)

	rows, err := o.pool.Query(ctx, query, worker, now, now.Add(lease), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var claimed []domain.OutboxEntry
	for rows.Next() {
		entry, err := scanOutboxEntry(rows)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(claimed, func(i, j int) bool { return claimed[i].Position < claimed[j].Position })
	return claimed, nil
}

// MarkPublished settles an entry held by worker. Settling an already published entry is a no-op.
func (o *Outbox) MarkPublished(ctx context.Context, id, worker string, at time.Time) error {
	const query = `
UPDATE product_outbox
SET status = 'PUBLISHED', published_at = $3, last_error = '', claimed_by = '', lease_until = NULL
WHERE id = $1 AND claimed_by = $2 AND status <> 'PUBLISHED'
`
	tag, err := o.pool.Exec(ctx, query, id, worker, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return o.settleMiss(ctx, id)
}

// MarkFailed records a failed delivery and schedules the next attempt.
func (o *Outbox) MarkFailed(ctx context.Context, id, worker string, reason string, nextAttempt time.Time) error {
	const query = `
UPDATE product_outbox
SET status = 'FAILED', attempts = attempts + 1, last_error = $3, next_attempt_at = $4,
    claimed_by = '', lease_until = NULL
WHERE id = $1 AND claimed_by = $2 AND status <> 'PUBLISHED'
`
	tag, err := o.pool.Exec(ctx, query, id, worker, reason, nextAttempt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return o.settleMiss(ctx, id)
}

// settleMiss explains why a guarded update touched no row.
func (o *Outbox) settleMiss(ctx context.Context, id string) error {
	var status string
	err := o.pool.QueryRow(ctx, `SELECT status FROM product_outbox WHERE id = $1`, id).Scan(&status)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("outbox entry %s: %w", id, domain.ErrNotFound)
	case err != nil:
		return err
	case domain.OutboxStatus(status) == domain.OutboxPublished:
		return nil
	default:
		return fmt.Errorf("outbox entry %s: %w", id, domain.ErrLeaseLost)
	}
}

// Requeue makes an unpublished entry due at now.
func (o *Outbox) Requeue(ctx context.Context, id string, now time.Time) error {
	tag, err := o.pool.Exec(ctx,
		`UPDATE product_outbox SET next_attempt_at = $2 WHERE id = $1 AND status <> 'PUBLISHED'`,
		id, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if err := o.settleMiss(ctx, id); err != nil && !errors.Is(err, domain.ErrLeaseLost) {
		return err
	}
	return fmt.Errorf("outbox entry %s: %w", id, domain.ErrAlreadyPublished)
}

// Stats counts entries by status.
func (o *Outbox) Stats(ctx context.Context) (domain.OutboxStats, error) {
	const query = `
SELECT
    count(*) FILTER (WHERE status = 'PENDING'),
    count(*) FILTER (WHERE status = 'FAILED'),
    count(*) FILTER (WHERE status = 'PUBLISHED'),
    count(*) FILTER (WHERE status <> 'PUBLISHED' AND claimed_by <> '' AND lease_until > now())
FROM product_outbox
`
	var stats domain.OutboxStats
	err := o.pool.QueryRow(ctx, query).Scan(&stats.Pending, &stats.Failed, &stats.Published, &stats.Claimed)
	return stats, err
}

type outboxWriter struct {
	q querier
}

func (w outboxWriter) Insert(ctx context.Context, entry domain.OutboxEntry) error {
	const query = `
INSERT INTO product_outbox (id, source_event_id, aggregate_id, version, position, status, attempts,
    last_error, next_attempt_at, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`
	_, err := w.q.Exec(ctx, query,
		entry.ID,
		entry.SourceEventID,
		entry.AggregateID.String(),
		entry.Version,
		entry.Position,
		string(entry.Status),
		entry.Attempts,
		entry.LastError,
		entry.NextAttemptAt,
		entry.CreatedAt,
	)
	if err != nil {
		return domain.StorageFault("insert outbox entry", err)
	}
	return nil
}

func scanOutboxEntry(row pgx.Row) (domain.OutboxEntry, error) {
	var (
		e                      domain.OutboxEntry
		id, eventID, aggregate string
		status                 string
		leaseUntil             *time.Time
	)
	err := row.Scan(
		&id,
		&eventID,
		&aggregate,
		&e.Version,
		&e.Position,
		&status,
		&e.Attempts,
		&e.LastError,
		&e.NextAttemptAt,
		&e.ClaimedBy,
		&leaseUntil,
		&e.CreatedAt,
		&e.PublishedAt,
	)
	if err != nil {
		return domain.OutboxEntry{}, err
	}
	e.ID = id
	e.SourceEventID = eventID
	e.AggregateID = domain.ID(aggregate)
	e.Status = domain.OutboxStatus(status)
	if leaseUntil != nil {
		e.LeaseUntil = *leaseUntil
	}
	return e, nil
}
