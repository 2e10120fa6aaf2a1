package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	domain "productregistry/backend/internal/domain/product"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const envelopeColumns = `position, event_id, aggregate_id, version, event_type, schema_version, payload, occurred_at`

// EventLog reads committed envelopes.
type EventLog struct {
	pool *pgxpool.Pool
}

// NewEventLog constructs an event log reader.
func NewEventLog(pool *pgxpool.Pool) *EventLog {
	return &EventLog{pool: pool}
}

// Get returns the envelope with eventID.
func (l *EventLog) Get(ctx context.Context, eventID string) (domain.Envelope, error) {
	query := `SELECT ` + envelopeColumns + ` FROM product_events WHERE event_id = $1`
	env, err := scanEnvelope(l.pool.QueryRow(ctx, query, eventID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Envelope{}, fmt.Errorf("event %s: %w", eventID, domain.ErrNotFound)
		}
		return domain.Envelope{}, err
	}
	return env, nil
}

// ListByAggregate returns envelopes of id above afterVersion in version order.
func (l *EventLog) ListByAggregate(ctx context.Context, id domain.ID, afterVersion int64) ([]domain.Envelope, error) {
	query := `SELECT ` + envelopeColumns + `
FROM product_events
WHERE aggregate_id = $1 AND version > $2
ORDER BY version ASC`
	rows, err := l.pool.Query(ctx, query, id.String(), afterVersion)
	if err != nil {
		return nil, err
	}
	return collectEnvelopes(rows)
}

// ListAfter returns up to limit envelopes past position. A non-positive limit returns all of them.
func (l *EventLog) ListAfter(ctx context.Context, position int64, limit int) ([]domain.Envelope, error) {
	query := `SELECT ` + envelopeColumns + `
FROM product_events
WHERE position > $1
ORDER BY position ASC
LIMIT $2`
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := l.pool.Query(ctx, query, position, lim)
	if err != nil {
		return nil, err
	}
	return collectEnvelopes(rows)
}

type eventAppender struct {
	q querier
}

func (a eventAppender) Append(ctx context.Context, env domain.Envelope) (int64, error) {
	payload, err := domain.EncodeEvent(env.Payload)
	if err != nil {
		return 0, domain.StorageFault("encode event", err)
	}
	const query = `
INSERT INTO product_events (event_id, aggregate_id, version, event_type, schema_version, payload, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING position
`
	var position int64
	err = a.q.QueryRow(ctx, query,
		env.EventID,
		env.AggregateID.String(),
		env.Version,
		string(env.Type()),
		env.SchemaVersion,
		payload,
		env.OccurredAt,
	).Scan(&position)
	if err != nil {
		if constraint, ok := uniqueViolation(err); ok && constraint == "product_events_aggregate_version_key" {
			return 0, domain.ErrConcurrencyConflict
		}
		return 0, domain.StorageFault("append event", err)
	}
	return position, nil
}

func collectEnvelopes(rows pgx.Rows) ([]domain.Envelope, error) {
	defer rows.Close()

	var out []domain.Envelope
	for rows.Next() {
		env, err := scanEnvelope(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, rows.Err()
}

func scanEnvelope(row pgx.Row) (domain.Envelope, error) {
	var (
		env                      domain.Envelope
		eventID, aggregateID, tp string
		payload                  []byte
		occurredAt               time.Time
	)
	err := row.Scan(
		&env.Position,
		&eventID,
		&aggregateID,
		&env.Version,
		&tp,
		&env.SchemaVersion,
		&payload,
		&occurredAt,
	)
	if err != nil {
		return domain.Envelope{}, err
	}
	evt, err := domain.DecodeEvent(domain.EventType(tp), env.SchemaVersion, payload)
	if err != nil {
		return domain.Envelope{}, err
	}
	env.EventID = eventID
	env.AggregateID = domain.ID(aggregateID)
	env.OccurredAt = occurredAt.UTC()
	env.Payload = evt
	return env, nil
}
