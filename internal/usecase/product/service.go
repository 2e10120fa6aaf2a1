package product

import (
	"context"
	"errors"

	domain "productregistry/backend/internal/domain/product"
	"productregistry/backend/internal/pkg/logger"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DefaultConflictRetries is how often a command is reloaded and retried after losing a version race.
const DefaultConflictRetries = 3

// Command is one of RegisterCommand, UpdateNameCommand, UpdateDescriptionCommand or RetireCommand.
type Command interface {
	commandName() string
}

// RegisterCommand creates a product.
type RegisterCommand struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	SKU         string `json:"sku"`
}

// UpdateNameCommand renames a product.
type UpdateNameCommand struct {
	ID   string `json:"-"`
	Name string `json:"name"`
}

// UpdateDescriptionCommand replaces a product description.
type UpdateDescriptionCommand struct {
	ID          string `json:"-"`
	Description string `json:"description"`
}

// RetireCommand retires a product.
type RetireCommand struct {
	ID string `json:"-"`
}

func (RegisterCommand) commandName() string          { return "register" }
func (UpdateNameCommand) commandName() string        { return "update_name" }
func (UpdateDescriptionCommand) commandName() string { return "update_description" }
func (RetireCommand) commandName() string            { return "retire" }

// Result identifies the committed aggregate version.
type Result struct {
	ID      domain.ID `json:"id"`
	Version int64     `json:"version"`
}

// Option configures the Service.
type Option func(*Service)

// WithConflictRetries overrides DefaultConflictRetries. Negative values are treated as zero.
func WithConflictRetries(n int) Option {
	return func(s *Service) {
		if n < 0 {
			n = 0
		}
		s.retries = n
	}
}

// Service handles product commands. Every accepted command commits state, event and
// outbox entry in one unit of work before Handle returns.
type Service struct {
	repo    domain.Repository
	uow     domain.UnitOfWork
	retries int
	log     *zap.Logger
	tracer  trace.Tracer
}

// NewService constructs a product command service.
func NewService(repo domain.Repository, uow domain.UnitOfWork, opts ...Option) *Service {
	s := &Service{
		repo:    repo,
		uow:     uow,
		retries: DefaultConflictRetries,
		log:     logger.Named("commands"),
		tracer:  otel.Tracer("productregistry/commands"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle dispatches cmd.
func (s *Service) Handle(ctx context.Context, cmd Command) (Result, error) {
	if cmd == nil {
		return Result{}, domain.NewValidationError("command", "command is required")
	}
	ctx, span := s.tracer.Start(ctx, "product.command", trace.WithAttributes(
		attribute.String("command", cmd.commandName()),
	))
	defer span.End()

	var (
		res Result
		err error
	)
	switch c := cmd.(type) {
	case RegisterCommand:
		res, err = s.register(ctx, c)
	case UpdateNameCommand:
		res, err = s.mutate(ctx, c.ID, func(p *domain.Product) (domain.Envelope, error) {
			return p.UpdateName(c.Name)
		})
	case UpdateDescriptionCommand:
		res, err = s.mutate(ctx, c.ID, func(p *domain.Product) (domain.Envelope, error) {
			return p.UpdateDescription(c.Description)
		})
	case RetireCommand:
		res, err = s.mutate(ctx, c.ID, func(p *domain.Product) (domain.Envelope, error) {
			return p.Retire()
		})
	default:
		err = domain.NewValidationError("command", "unsupported command")
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, cmd.commandName()+" rejected")
		return Result{}, err
	}
	span.SetAttributes(
		attribute.String("product.id", res.ID.String()),
		attribute.Int64("product.version", res.Version),
	)
	return res, nil
}

func (s *Service) register(ctx context.Context, c RegisterCommand) (Result, error) {
	sku, err := domain.ParseSkuID(c.SKU)
	if err != nil {
		return Result{}, err
	}
	p, env, err := domain.Register(c.Name, c.Description, sku)
	if err != nil {
		return Result{}, err
	}
	if err := s.commit(ctx, p, env); err != nil {
		return Result{}, err
	}
	s.log.Info("product registered",
		zap.String("product_id", p.ID.String()),
		zap.String("sku", sku.String()),
	)
	return Result{ID: p.ID, Version: p.Version}, nil
}

// mutate loads the aggregate, applies fn and commits. On a version race the
// aggregate is reloaded and fn applied again, up to s.retries more times.
func (s *Service) mutate(ctx context.Context, rawID string, fn func(*domain.Product) (domain.Envelope, error)) (Result, error) {
	id, err := domain.ParseID(rawID)
	if err != nil {
		return Result{}, err
	}

	for attempt := 0; ; attempt++ {
		p, err := s.repo.FindByID(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return Result{}, err
			}
			return Result{}, domain.StorageFault("load product", err)
		}
		env, err := fn(p)
		if err != nil {
			return Result{}, err
		}

		err = s.commit(ctx, p, env)
		if err == nil {
			s.log.Debug("product mutated",
				zap.String("product_id", id.String()),
				zap.String("event", string(env.Type())),
				zap.Int64("version", p.Version),
			)
			return Result{ID: p.ID, Version: p.Version}, nil
		}
		if !errors.Is(err, domain.ErrConcurrencyConflict) || attempt >= s.retries {
			return Result{}, err
		}
		s.log.Info("version conflict, retrying",
			zap.String("product_id", id.String()),
			zap.Int("attempt", attempt+1),
		)
	}
}

// commit writes state, event and outbox entry as one unit.
func (s *Service) commit(ctx context.Context, p *domain.Product, env domain.Envelope) error {
	err := s.uow.Do(ctx, func(ctx context.Context, tx domain.Tx) error {
		if err := tx.Products().Save(ctx, p); err != nil {
			return err
		}
		position, err := tx.Events().Append(ctx, env)
		if err != nil {
			return err
		}
		env.Position = position
		return tx.Outbox().Insert(ctx, domain.NewOutboxEntry(env))
	})
	if err == nil || isDomainError(err) {
		return err
	}
	return domain.StorageFault("commit", err)
}

func isDomainError(err error) bool {
	for _, target := range []error{
		domain.ErrConcurrencyConflict,
		domain.ErrDuplicateSKU,
		domain.ErrNotFound,
		domain.ErrStorageFault,
		domain.ErrValidation,
		domain.ErrIllegalStateTransition,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
