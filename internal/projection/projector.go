// Package projection folds committed product events into the read model.
package projection

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"productregistry/backend/internal/domain/product"
	"productregistry/backend/internal/domain/productview"
	"productregistry/backend/internal/pkg/logger"
)

// ErrVersionGap means an envelope arrived before one of its predecessors and the
// missing versions could not be read back. The caller should retry later.
var ErrVersionGap = errors.New("projection version gap")

// Outcome describes what Apply did with an envelope.
type Outcome int

const (
	// OutcomeDuplicate means the view already reflects the version.
	OutcomeDuplicate Outcome = iota
	// OutcomeApplied means the envelope was the next expected version.
	OutcomeApplied
	// OutcomeResynced means missing versions were read from the event log and applied first.
	OutcomeResynced
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeApplied:
		return "applied"
	case OutcomeResynced:
		return "resynced"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// EventReader is the slice of the event log the projector reads.
type EventReader interface {
	ListByAggregate(ctx context.Context, id product.ID, afterVersion int64) ([]product.Envelope, error)
	ListAfter(ctx context.Context, position int64, limit int) ([]product.Envelope, error)
}

// Notifier receives every change written to the view store.
type Notifier interface {
	Broadcast(change productview.Change)
}

// Option configures a Projector.
type Option func(*Projector)

// WithEventReader enables gap resync and Rebuild.
func WithEventReader(r EventReader) Option {
	return func(p *Projector) { p.events = r }
}

// WithNotifier publishes applied changes, typically to a broadcast.Broadcaster.
func WithNotifier(n Notifier) Option {
	return func(p *Projector) { p.notifier = n }
}

// WithRebuildBatch sets how many envelopes Rebuild reads per page.
func WithRebuildBatch(n int) Option {
	return func(p *Projector) {
		if n > 0 {
			p.batch = n
		}
	}
}

// Projector applies envelopes to the view store. Envelopes of one aggregate are
// applied one at a time; different aggregates proceed in parallel.
type Projector struct {
	views    productview.Store
	events   EventReader
	notifier Notifier
	batch    int
	log      *zap.Logger

	mu    sync.Mutex
	locks map[product.ID]*aggregateLock
}

type aggregateLock struct {
	mu   sync.Mutex
	refs int
}

// New creates a projector over views.
func New(views productview.Store, opts ...Option) *Projector {
	p := &Projector{
		views: views,
		batch: 500,
		log:   logger.Named("projection"),
		locks: make(map[product.ID]*aggregateLock),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish lets the projector sit behind the outbox relay.
func (p *Projector) Publish(ctx context.Context, env product.Envelope) error {
	_, err := p.Apply(ctx, env)
	return err
}

// Apply folds env into the view of its aggregate.
func (p *Projector) Apply(ctx context.Context, env product.Envelope) (Outcome, error) {
	return p.apply(ctx, env, true)
}

func (p *Projector) apply(ctx context.Context, env product.Envelope, notify bool) (Outcome, error) {
	unlock := p.lock(env.AggregateID)
	defer unlock()

	current, err := p.views.Get(ctx, env.AggregateID)
	if err != nil && !errors.Is(err, productview.ErrNotFound) {
		return OutcomeDuplicate, fmt.Errorf("load view %s: %w", env.AggregateID, err)
	}
	applied := current.AppliedVersion

	switch {
	case env.Version <= applied:
		p.log.Debug("duplicate envelope ignored",
			zap.String("aggregate_id", env.AggregateID.String()),
			zap.Int64("version", env.Version),
			zap.Int64("applied_version", applied),
		)
		return OutcomeDuplicate, nil
	case env.Version == applied+1:
		next, err := fold(current, env)
		if err != nil {
			return OutcomeDuplicate, err
		}
		wrote, err := p.store(ctx, next, []productview.Change{changeOf(env, next)}, notify)
		if err != nil || !wrote {
			return OutcomeDuplicate, err
		}
		return OutcomeApplied, nil
	default:
		return p.resync(ctx, current, env, notify)
	}
}

// resync reads the versions between the view and env from the event log and
// applies them in order. The view is written once, after every version folded.
func (p *Projector) resync(ctx context.Context, current productview.View, env product.Envelope, notify bool) (Outcome, error) {
	applied := current.AppliedVersion
	gap := fmt.Errorf("%w: %s at version %d, received %d", ErrVersionGap, env.AggregateID, applied, env.Version)
	if p.events == nil {
		return OutcomeDuplicate, gap
	}

	missing, err := p.events.ListByAggregate(ctx, env.AggregateID, applied)
	if err != nil {
		return OutcomeDuplicate, fmt.Errorf("read versions after %d of %s: %w", applied, env.AggregateID, err)
	}

	view := current
	changes := make([]productview.Change, 0, len(missing))
	expected := applied + 1
	for _, m := range missing {
		if m.Version > env.Version {
			break
		}
		if m.Version != expected {
			return OutcomeDuplicate, gap
		}
		if view, err = fold(view, m); err != nil {
			return OutcomeDuplicate, err
		}
		changes = append(changes, changeOf(m, view))
		expected++
	}
	if expected != env.Version+1 {
		return OutcomeDuplicate, gap
	}

	wrote, err := p.store(ctx, view, changes, notify)
	if err != nil || !wrote {
		return OutcomeDuplicate, err
	}
	p.log.Info("view resynced from event log",
		zap.String("aggregate_id", env.AggregateID.String()),
		zap.Int64("from_version", applied),
		zap.Int64("to_version", env.Version),
	)
	return OutcomeResynced, nil
}

// store writes the final view and then broadcasts each change in version order.
func (p *Projector) store(ctx context.Context, view productview.View, changes []productview.Change, notify bool) (bool, error) {
	wrote, err := p.views.Upsert(ctx, view)
	if err != nil {
		return false, fmt.Errorf("upsert view %s: %w", view.ID, err)
	}
	if !wrote || !notify || p.notifier == nil {
		return wrote, nil
	}
	for _, change := range changes {
		p.notifier.Broadcast(change)
	}
	return true, nil
}

// changeOf pairs env with the view as it stood right after env was folded.
func changeOf(env product.Envelope, view productview.View) productview.Change {
	return productview.Change{
		ProductID:  env.AggregateID,
		Version:    env.Version,
		EventType:  env.Type(),
		OccurredAt: env.OccurredAt,
		View:       view,
	}
}

// Rebuild clears the view store and replays the whole event log in position
// order. Nothing is broadcast. It returns the number of envelopes applied.
// Views are absent until the replay reaches them, so GetByID may report
// NotFound for existing products while a rebuild runs.
func (p *Projector) Rebuild(ctx context.Context) (int, error) {
	if p.events == nil {
		return 0, errors.New("rebuild requires an event reader")
	}
	if err := p.views.Reset(ctx); err != nil {
		return 0, fmt.Errorf("reset views: %w", err)
	}

	var (
		position int64
		applied  int
	)
	for {
		page, err := p.events.ListAfter(ctx, position, p.batch)
		if err != nil {
			return applied, fmt.Errorf("read event log after %d: %w", position, err)
		}
		for _, env := range page {
			outcome, err := p.apply(ctx, env, false)
			if err != nil {
				return applied, err
			}
			if outcome != OutcomeDuplicate {
				applied++
			}
			position = env.Position
		}
		if len(page) < p.batch {
			break
		}
	}
	p.log.Info("views rebuilt", zap.Int("events", applied))
	return applied, nil
}

func (p *Projector) lock(id product.ID) func() {
	p.mu.Lock()
	l, ok := p.locks[id]
	if !ok {
		l = &aggregateLock{}
		p.locks[id] = l
	}
	l.refs++
	p.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		p.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.locks, id)
		}
		p.mu.Unlock()
	}
}

// fold returns view with env applied on top.
func fold(view productview.View, env product.Envelope) (productview.View, error) {
	switch evt := env.Payload.(type) {
	case product.ProductRegistered:
		view = productview.View{
			ID:          env.AggregateID,
			Name:        evt.Name,
			Description: evt.Description,
			SKU:         evt.SKU,
			Status:      product.StatusActive,
		}
	case product.ProductNameUpdated:
		view.Name = evt.NewName
	case product.ProductDescriptionUpdated:
		view.Description = evt.NewDescription
	case product.ProductRetired:
		view.Status = product.StatusRetired
	default:
		return view, fmt.Errorf("%w: %q for %s", product.ErrUnknownEvent, env.Type(), env.AggregateID)
	}
	view.AppliedVersion = env.Version
	view.UpdatedAt = env.OccurredAt
	return view, nil
}
