// Package broadcast fans projected view changes out to live subscribers.
package broadcast

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"productregistry/backend/internal/domain/product"
	"productregistry/backend/internal/domain/productview"
	"productregistry/backend/internal/pkg/logger"
)

// DefaultBufferSize is used when New is given a non-positive size.
const DefaultBufferSize = 64

// Broadcaster keeps the subscription registry. Sends never block: a subscriber
// whose buffer is full misses that change.
type Broadcaster struct {
	mu         sync.RWMutex
	subs       map[string]*Subscription
	bufferSize int
	closed     bool
	log        *zap.Logger
}

// New creates a broadcaster whose subscriptions buffer bufferSize changes.
func New(bufferSize int) *Broadcaster {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Broadcaster{
		subs:       make(map[string]*Subscription),
		bufferSize: bufferSize,
		log:        logger.Named("broadcast"),
	}
}

// Filter selects the products a subscription receives.
type Filter struct {
	all bool
	ids map[product.ID]struct{}
}

// All matches every product.
func All() Filter { return Filter{all: true} }

// Only matches the listed products. With no ids it matches nothing.
func Only(ids ...product.ID) Filter {
	f := Filter{ids: make(map[product.ID]struct{}, len(ids))}
	for _, id := range ids {
		f.ids[id] = struct{}{}
	}
	return f
}

// Matches reports whether id passes the filter.
func (f Filter) Matches(id product.ID) bool {
	if f.all {
		return true
	}
	_, ok := f.ids[id]
	return ok
}

// Subscription is one live stream. Receive from C until it is closed.
type Subscription struct {
	id      string
	filter  Filter
	ch      chan productview.Change
	owner   *Broadcaster
	dropped atomic.Int64

	once      sync.Once
	mu        sync.Mutex
	stop      func() bool
	cancelled bool
}

// Subscribe registers a stream of the changes passing filter. The subscription
// ends on Cancel or when ctx is done.
func (b *Broadcaster) Subscribe(ctx context.Context, filter Filter) *Subscription {
	sub := &Subscription{
		id:     uuid.NewString(),
		filter: filter,
		ch:     make(chan productview.Change, b.bufferSize),
		owner:  b,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.once.Do(func() { close(sub.ch) })
		return sub
	}
	b.subs[sub.id] = sub
	total := len(b.subs)
	b.mu.Unlock()

	sub.setStop(context.AfterFunc(ctx, sub.Cancel))
	b.log.Debug("subscription added",
		zap.String("subscription_id", sub.id),
		zap.Bool("all_products", filter.all),
		zap.Int("filter_size", len(filter.ids)),
		zap.Int("active", total),
	)
	return sub
}

// Broadcast delivers change to every matching subscriber without blocking.
func (b *Broadcaster) Broadcast(change productview.Change) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if !sub.filter.Matches(change.ProductID) {
			continue
		}
		select {
		case sub.ch <- change:
		default:
			dropped := sub.dropped.Add(1)
			b.log.Warn("subscriber buffer full, change dropped",
				zap.String("subscription_id", sub.id),
				zap.String("product_id", change.ProductID.String()),
				zap.Int64("version", change.Version),
				zap.Int64("dropped_total", dropped),
			)
		}
	}
}

// Len reports the number of registered subscriptions.
func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close cancels every subscription. Later subscriptions are closed on creation.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
}

func (b *Broadcaster) remove(sub *Subscription) {
	b.mu.Lock()
	if b.subs[sub.id] == sub {
		delete(b.subs, sub.id)
	}
	close(sub.ch)
	total := len(b.subs)
	b.mu.Unlock()

	b.log.Debug("subscription removed",
		zap.String("subscription_id", sub.id),
		zap.Int64("dropped", sub.dropped.Load()),
		zap.Int("active", total),
	)
}

// ID identifies the subscription in logs.
func (s *Subscription) ID() string { return s.id }

// C is closed once the subscription is cancelled.
func (s *Subscription) C() <-chan productview.Change { return s.ch }

// Dropped counts changes skipped because the buffer was full.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Cancel removes the subscription from the registry and closes C. It is
// safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.mu.Lock()
		s.cancelled = true
		stop := s.stop
		s.mu.Unlock()
		if stop != nil {
			stop()
		}
		s.owner.remove(s)
	})
}

func (s *Subscription) setStop(stop func() bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		stop()
		return
	}
	s.stop = stop
}
