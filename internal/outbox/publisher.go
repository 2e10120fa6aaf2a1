// Package outbox relays committed events from the outbox table to publishers.
package outbox

import (
	"context"
	"errors"
	"fmt"

	"productregistry/backend/internal/domain/product"
)

// ErrDeliveryFault wraps every publisher failure. The entry stays in the outbox and is retried.
var ErrDeliveryFault = errors.New("outbox delivery fault")

// Publisher delivers one envelope downstream. Delivery is at least once, so
// implementations must tolerate repeats of the same event id.
type Publisher interface {
	Publish(ctx context.Context, env product.Envelope) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, env product.Envelope) error

func (f PublisherFunc) Publish(ctx context.Context, env product.Envelope) error {
	return f(ctx, env)
}

// MultiPublisher hands every envelope to each publisher in order. All of them are
// attempted; any failure fails the delivery.
type MultiPublisher []Publisher

func (m MultiPublisher) Publish(ctx context.Context, env product.Envelope) error {
	var errs []error
	for i, p := range m {
		if err := p.Publish(ctx, env); err != nil {
			errs = append(errs, fmt.Errorf("publisher %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
