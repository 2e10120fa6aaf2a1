// Package memory provides in-process adapters with the same contracts as the
// postgres package. They back STORAGE_DRIVER=memory and the package tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"productregistry/backend/internal/domain/product"
)

var (
	_ product.Repository = (*Store)(nil)
	_ product.UnitOfWork = (*Store)(nil)
	_ product.EventLog   = (*Store)(nil)
	_ product.Outbox     = (*Store)(nil)
)

// Fault steps passed to a FaultFunc.
const (
	StepSave   = "save"
	StepAppend = "append"
	StepOutbox = "outbox"
	StepCommit = "commit"
)

// FaultFunc is consulted before each step of a unit of work. A non-nil error
// aborts the unit as a storage fault.
type FaultFunc func(step string) error

// Option configures a Store.
type Option func(*Store)

// WithFault injects failures into units of work.
func WithFault(fn FaultFunc) Option {
	return func(s *Store) { s.fault = fn }
}

// Store keeps aggregate state, the event log and the outbox behind one lock.
// Units of work are serialized.
type Store struct {
	mu sync.RWMutex

	products map[product.ID]product.Product
	skus     map[string]product.ID

	events   []product.Envelope
	byEvent  map[string]int
	versions map[product.ID]int64

	outbox   []*product.OutboxEntry
	byOutbox map[string]*product.OutboxEntry

	fault FaultFunc
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		products: make(map[product.ID]product.Product),
		skus:     make(map[string]product.ID),
		byEvent:  make(map[string]int),
		versions: make(map[product.ID]int64),
		byOutbox: make(map[string]*product.OutboxEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FindByID returns a copy of the committed aggregate.
func (s *Store) FindByID(ctx context.Context, id product.ID) (*product.Product, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[id]
	if !ok {
		return nil, product.ErrNotFound
	}
	return &p, nil
}

// Do runs fn against staged writers and commits them only if every step succeeds.
// fn must not call other Store methods.
func (s *Store) Do(ctx context.Context, fn func(ctx context.Context, tx product.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &tx{store: s, products: make(map[product.ID]product.Product)}
	if err := fn(ctx, t); err != nil {
		return err
	}
	if err := s.check(StepCommit); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return product.StorageFault(StepCommit, err)
	}
	s.commit(t)
	return nil
}

func (s *Store) check(step string) error {
	if s.fault == nil {
		return nil
	}
	return product.StorageFault(step, s.fault(step))
}

func (s *Store) commit(t *tx) {
	for id, p := range t.products {
		s.products[id] = p
		s.skus[p.SKU.String()] = id
	}
	for _, env := range t.events {
		s.byEvent[env.EventID] = len(s.events)
		s.events = append(s.events, env)
		s.versions[env.AggregateID] = env.Version
	}
	for i := range t.outbox {
		entry := t.outbox[i]
		s.outbox = append(s.outbox, &entry)
		s.byOutbox[entry.ID] = &entry
	}
}

type tx struct {
	store    *Store
	products map[product.ID]product.Product
	events   []product.Envelope
	outbox   []product.OutboxEntry
}

func (t *tx) Products() product.StateWriter { return t }
func (t *tx) Events() product.EventAppender { return t }
func (t *tx) Outbox() product.OutboxWriter  { return t }

func (t *tx) Save(ctx context.Context, p *product.Product) error {
	if err := t.store.check(StepSave); err != nil {
		return err
	}
	current, exists := t.products[p.ID]
	if !exists {
		current, exists = t.store.products[p.ID]
	}

	if p.Version == 1 {
		if exists {
			return product.ErrConcurrencyConflict
		}
		if t.skuTaken(p.SKU.String(), p.ID) {
			return fmt.Errorf("%w: %s", product.ErrDuplicateSKU, p.SKU)
		}
	} else {
		if !exists {
			return product.ErrNotFound
		}
		if current.Version != p.Version-1 {
			return product.ErrConcurrencyConflict
		}
	}
	t.products[p.ID] = *p
	return nil
}

func (t *tx) skuTaken(sku string, self product.ID) bool {
	if owner, ok := t.store.skus[sku]; ok && owner != self {
		return true
	}
	for id, staged := range t.products {
		if id != self && staged.SKU.String() == sku {
			return true
		}
	}
	return false
}

func (t *tx) Append(ctx context.Context, env product.Envelope) (int64, error) {
	if err := t.store.check(StepAppend); err != nil {
		return 0, err
	}
	latest := t.store.versions[env.AggregateID]
	for _, staged := range t.events {
		if staged.AggregateID == env.AggregateID && staged.Version > latest {
			latest = staged.Version
		}
	}
	if env.Version <= latest {
		return 0, product.ErrConcurrencyConflict
	}
	if _, dup := t.store.byEvent[env.EventID]; dup {
		return 0, product.StorageFault(StepAppend, fmt.Errorf("event %s already appended", env.EventID))
	}
	env.Position = int64(len(t.store.events) + len(t.events) + 1)
	t.events = append(t.events, env)
	return env.Position, nil
}

func (t *tx) Insert(ctx context.Context, entry product.OutboxEntry) error {
	if err := t.store.check(StepOutbox); err != nil {
		return err
	}
	if _, dup := t.store.byOutbox[entry.ID]; dup {
		return product.StorageFault(StepOutbox, fmt.Errorf("outbox entry %s already exists", entry.ID))
	}
	t.outbox = append(t.outbox, entry)
	return nil
}
