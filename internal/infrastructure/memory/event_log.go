package memory

import (
	"context"
	"fmt"

	"productregistry/backend/internal/domain/product"
)

// Get returns the committed envelope with eventID.
func (s *Store) Get(ctx context.Context, eventID string) (product.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return product.Envelope{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.byEvent[eventID]
	if !ok {
		return product.Envelope{}, fmt.Errorf("event %s: %w", eventID, product.ErrNotFound)
	}
	return s.events[idx], nil
}

// ListByAggregate returns the aggregate's envelopes with a version above afterVersion, in version order.
func (s *Store) ListByAggregate(ctx context.Context, id product.ID, afterVersion int64) ([]product.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []product.Envelope
	for _, env := range s.events {
		if env.AggregateID == id && env.Version > afterVersion {
			out = append(out, env)
		}
	}
	return out, nil
}

// ListAfter returns up to limit envelopes past position. A non-positive limit returns all of them.
func (s *Store) ListAfter(ctx context.Context, position int64, limit int) ([]product.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if position < 0 {
		position = 0
	}
	if position >= int64(len(s.events)) {
		return nil, nil
	}
	rest := s.events[position:]
	if limit > 0 && len(rest) > limit {
		rest = rest[:limit]
	}
	out := make([]product.Envelope, len(rest))
	copy(out, rest)
	return out, nil
}
