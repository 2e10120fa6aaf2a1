package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"productregistry/backend/internal/domain/product"
	"productregistry/backend/internal/pkg/logger"
	"productregistry/backend/internal/pkg/worker"
)

// Config tunes the relay. Zero values fall back to defaults.
type Config struct {
	Workers        int
	BatchSize      int
	PollInterval   time.Duration
	LeaseDuration  time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 30 * time.Second
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 500 * time.Millisecond
	}
	if c.BackoffMax < c.BackoffInitial {
		c.BackoffMax = time.Minute
		if c.BackoffMax < c.BackoffInitial {
			c.BackoffMax = c.BackoffInitial
		}
	}
	return c
}

// EventSource loads the envelope an outbox entry points at.
type EventSource interface {
	Get(ctx context.Context, eventID string) (product.Envelope, error)
}

// Option configures a Relay.
type Option func(*Relay)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Relay) { r.now = now }
}

// Relay claims due outbox entries and hands their envelopes to a Publisher.
type Relay struct {
	outbox    product.Outbox
	events    EventSource
	publisher Publisher
	pool      *worker.Pool
	cfg       Config
	id        string
	now       func() time.Time
	log       *zap.Logger
	tracer    trace.Tracer
}

// NewRelay wires a relay. Deliveries of one batch run concurrently on pool.
func NewRelay(outbox product.Outbox, events EventSource, publisher Publisher, pool *worker.Pool, cfg Config, opts ...Option) *Relay {
	r := &Relay{
		outbox:    outbox,
		events:    events,
		publisher: publisher,
		pool:      pool,
		cfg:       cfg.withDefaults(),
		id:        uuid.NewString(),
		now:       time.Now,
		log:       logger.Named("outbox"),
		tracer:    otel.Tracer("productregistry/outbox"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run polls until ctx is done. Each of the configured workers claims under its own id.
func (r *Relay) Run(ctx context.Context) error {
	r.log.Info("outbox relay started",
		zap.String("relay_id", r.id),
		zap.Int("workers", r.cfg.Workers),
		zap.Int("batch_size", r.cfg.BatchSize),
		zap.Int("pool_capacity", r.pool.Cap()),
		zap.Duration("poll_interval", r.cfg.PollInterval),
	)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < r.cfg.Workers; i++ {
		workerID := fmt.Sprintf("%s-%d", r.id, i)
		g.Go(func() error { return r.loop(ctx, workerID) })
	}
	err := g.Wait()
	r.log.Info("outbox relay stopped", zap.String("relay_id", r.id))
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Relay) loop(ctx context.Context, workerID string) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		for {
			n, err := r.drain(ctx, workerID)
			if err != nil && !errors.Is(err, context.Canceled) {
				r.log.Error("outbox iteration failed", zap.String("worker", workerID), zap.Error(err))
			}
			if err != nil || n < r.cfg.BatchSize {
				break
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// DrainOnce runs a single claim and delivery pass and reports how many entries it claimed.
func (r *Relay) DrainOnce(ctx context.Context) (int, error) {
	return r.drain(ctx, r.id+"-once")
}

func (r *Relay) drain(ctx context.Context, workerID string) (int, error) {
	entries, err := r.outbox.Claim(ctx, workerID, r.now(), r.cfg.LeaseDuration, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim outbox entries: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}
	r.log.Debug("outbox entries claimed", zap.String("worker", workerID), zap.Int("count", len(entries)))

	tasks := make([]worker.Task, len(entries))
	for i, entry := range entries {
		tasks[i] = func(ctx context.Context) { r.deliver(ctx, workerID, entry) }
	}
	return len(entries), r.pool.Run(ctx, tasks)
}

func (r *Relay) deliver(ctx context.Context, workerID string, entry product.OutboxEntry) {
	ctx, span := r.tracer.Start(ctx, "outbox.deliver", trace.WithAttributes(
		attribute.String("outbox.id", entry.ID),
		attribute.String("product.id", entry.AggregateID.String()),
		attribute.Int64("product.version", entry.Version),
		attribute.Int("outbox.attempt", entry.Attempts+1),
	))
	defer span.End()

	fields := []zap.Field{
		zap.String("outbox_id", entry.ID),
		zap.String("aggregate_id", entry.AggregateID.String()),
		zap.Int64("version", entry.Version),
		zap.Int("attempt", entry.Attempts+1),
	}

	env, err := r.events.Get(ctx, entry.SourceEventID)
	if err == nil {
		err = r.publisher.Publish(ctx, env)
	}
	if err != nil {
		fault := fmt.Errorf("%w: %w", ErrDeliveryFault, err)
		span.RecordError(fault)
		span.SetStatus(codes.Error, "delivery failed")

		delay := r.backoff(entry.Attempts + 1)
		r.log.Warn("outbox delivery failed", append(fields, zap.Duration("retry_in", delay), zap.Error(fault))...)
		if err := r.outbox.MarkFailed(ctx, entry.ID, workerID, err.Error(), r.now().Add(delay)); err != nil {
			r.settleFailed(err, fields)
		}
		return
	}

	if err := r.outbox.MarkPublished(ctx, entry.ID, workerID, r.now()); err != nil {
		r.settleFailed(err, fields)
		return
	}
	r.log.Debug("outbox entry published", fields...)
}

// settleFailed logs a mark that did not stick. The entry is redelivered once its lease expires.
func (r *Relay) settleFailed(err error, fields []zap.Field) {
	if errors.Is(err, product.ErrLeaseLost) {
		r.log.Info("outbox lease lost before settle", fields...)
		return
	}
	r.log.Error("outbox settle failed", append(fields, zap.Error(err))...)
}

// backoff returns the delay before the given attempt, capped at BackoffMax.
func (r *Relay) backoff(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.BackoffInitial
	b.MaxInterval = r.cfg.BackoffMax
	b.RandomizationFactor = 0

	if attempt > 32 {
		attempt = 32
	}
	var delay time.Duration
	for i := 0; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	if delay <= 0 || delay > r.cfg.BackoffMax {
		delay = r.cfg.BackoffMax
	}
	return delay
}
