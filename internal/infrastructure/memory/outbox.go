package memory

import (
	"context"
	"fmt"
	"time"

	"productregistry/backend/internal/domain/product"
)

// Claim leases due entries to worker, at most one per aggregate: the lowest
// unpublished position. An entry whose predecessor is still unpublished is never
// returned, even if the predecessor is leased elsewhere.
func (s *Store) Claim(ctx context.Context, worker string, now time.Time, lease time.Duration, limit int) ([]product.OutboxEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	heads := make(map[product.ID]struct{})
	var claimed []product.OutboxEntry
	for _, entry := range s.outbox {
		if limit > 0 && len(claimed) >= limit {
			break
		}
		if entry.Status == product.OutboxPublished {
			continue
		}
		if _, blocked := heads[entry.AggregateID]; blocked {
			continue
		}
		heads[entry.AggregateID] = struct{}{}

		if entry.NextAttemptAt.After(now) {
			continue
		}
		if entry.ClaimedBy != "" && entry.LeaseUntil.After(now) {
			continue
		}
		entry.ClaimedBy = worker
		entry.LeaseUntil = now.Add(lease)
		claimed = append(claimed, *entry)
	}
	return claimed, nil
}

// MarkPublished settles an entry held by worker. Settling an already published entry is a no-op.
func (s *Store) MarkPublished(ctx context.Context, id, worker string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.held(id, worker)
	if err != nil || entry == nil {
		return err
	}
	published := at
	entry.Status = product.OutboxPublished
	entry.PublishedAt = &published
	entry.LastError = ""
	entry.ClaimedBy = ""
	entry.LeaseUntil = time.Time{}
	return nil
}

// MarkFailed records a failed delivery and schedules the next attempt.
func (s *Store) MarkFailed(ctx context.Context, id, worker string, reason string, nextAttempt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.held(id, worker)
	if err != nil || entry == nil {
		return err
	}
	entry.Status = product.OutboxFailed
	entry.Attempts++
	entry.LastError = reason
	entry.NextAttemptAt = nextAttempt
	entry.ClaimedBy = ""
	entry.LeaseUntil = time.Time{}
	return nil
}

// held returns the entry if worker still owns it, nil if it is already published.
func (s *Store) held(id, worker string) (*product.OutboxEntry, error) {
	entry, ok := s.byOutbox[id]
	if !ok {
		return nil, fmt.Errorf("outbox entry %s: %w", id, product.ErrNotFound)
	}
	if entry.Status == product.OutboxPublished {
		return nil, nil
	}
	if entry.ClaimedBy != worker {
		return nil, fmt.Errorf("outbox entry %s: %w", id, product.ErrLeaseLost)
	}
	return entry, nil
}

// Requeue makes an unpublished entry due at now.
func (s *Store) Requeue(ctx context.Context, id string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.byOutbox[id]
	if !ok {
		return fmt.Errorf("outbox entry %s: %w", id, product.ErrNotFound)
	}
	if entry.Status == product.OutboxPublished {
		return fmt.Errorf("outbox entry %s: %w", id, product.ErrAlreadyPublished)
	}
	entry.NextAttemptAt = now
	return nil
}

// Stats counts entries by status. Claimed counts unpublished entries under an unexpired lease.
func (s *Store) Stats(ctx context.Context) (product.OutboxStats, error) {
	if err := ctx.Err(); err != nil {
		return product.OutboxStats{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	var stats product.OutboxStats
	for _, entry := range s.outbox {
		switch entry.Status {
		case product.OutboxPending:
			stats.Pending++
		case product.OutboxFailed:
			stats.Failed++
		case product.OutboxPublished:
			stats.Published++
			continue
		}
		if entry.ClaimedBy != "" && entry.LeaseUntil.After(now) {
			stats.Claimed++
		}
	}
	return stats, nil
}

// Entries returns a snapshot of the outbox in insertion order.
func (s *Store) Entries() []product.OutboxEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]product.OutboxEntry, len(s.outbox))
	for i, entry := range s.outbox {
		out[i] = *entry
	}
	return out
}
