package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"productregistry/backend/internal/broadcast"
	"productregistry/backend/internal/config"
	productdomain "productregistry/backend/internal/domain/product"
	"productregistry/backend/internal/domain/productview"
	"productregistry/backend/internal/httpserver"
	"productregistry/backend/internal/infrastructure/kafka"
	"productregistry/backend/internal/infrastructure/memory"
	"productregistry/backend/internal/infrastructure/postgres"
	"productregistry/backend/internal/infrastructure/token"
	"productregistry/backend/internal/outbox"
	"productregistry/backend/internal/pkg/logger"
	"productregistry/backend/internal/pkg/worker"
	"productregistry/backend/internal/projection"
	"productregistry/backend/internal/usecase/catalog"
	productusecase "productregistry/backend/internal/usecase/product"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// storage bundles the adapters of one driver.
type storage struct {
	repo   productdomain.Repository
	uow    productdomain.UnitOfWork
	events productdomain.EventLog
	outbox productdomain.Outbox
	views  productview.Store
	ready  func(ctx context.Context) error
	close  func()
}

func main() {
	mintOperator := flag.String("mint-token", "", "print a signed operator token for the given name and exit")
	mintRole := flag.String("role", token.RoleWriter, "role for -mint-token (writer or admin)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := logger.Init(cfg.LogLevel, cfg.LogFormat); err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	tokenManager := token.NewJWTManager(cfg.JWTSecret, cfg.JWTExpiry, cfg.JWTIssuer)
	if *mintOperator != "" {
		signed, err := tokenManager.Generate(*mintOperator, *mintRole)
		if err != nil {
			log.Fatalf("failed to mint token: %v", err)
		}
		fmt.Fprintln(os.Stdout, signed)
		return
	}

	if err := run(cfg, tokenManager); err != nil {
		logger.Error("server exited with error", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg config.Config, tokenManager *token.JWTManager) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.close()

	bus := broadcast.New(cfg.StreamBufferSize)
	projector := projection.New(store.views,
		projection.WithEventReader(store.events),
		projection.WithNotifier(bus),
	)

	var publisher outbox.Publisher = projector
	if cfg.KafkaEnabled() {
		sink, err := kafka.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return fmt.Errorf("kafka publisher: %w", err)
		}
		defer func() {
			if err := sink.Close(); err != nil {
				logger.Warn("kafka writer close failed", zap.Error(err))
			}
		}()
		publisher = outbox.MultiPublisher{projector, sink}
		logger.Info("kafka sink enabled", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	}

	pool, err := worker.NewPool("outbox", cfg.Relay.PoolSize)
	if err != nil {
		return fmt.Errorf("worker pool: %w", err)
	}
	defer pool.Release(5 * time.Second)

	relay := outbox.NewRelay(store.outbox, store.events, publisher, pool, outbox.Config{
		Workers:        cfg.Relay.Workers,
		BatchSize:      cfg.Relay.BatchSize,
		PollInterval:   cfg.Relay.PollInterval,
		LeaseDuration:  cfg.Relay.Lease,
		BackoffInitial: cfg.Relay.BackoffInitial,
		BackoffMax:     cfg.Relay.BackoffMax,
	})

	commands := productusecase.NewService(store.repo, store.uow,
		productusecase.WithConflictRetries(cfg.CommandConflictRetries))
	queries := catalog.NewService(store.views, bus, catalog.WithMaxPageSize(cfg.QueryMaxPageSize))

	server := httpserver.NewServer(cfg, httpserver.Dependencies{
		Commands:    commands,
		Catalog:     queries,
		Outbox:      store.outbox,
		Projections: projector,
		Tokens:      tokenManager,
		Ready:       store.ready,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("HTTP server listening", zap.String("addr", server.Addr()), zap.String("storage", cfg.StorageDriver))
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return relay.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		// Ending subscriptions first lets open streams return before Shutdown waits on them.
		bus.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("graceful shutdown failed", zap.Error(err))
			return nil
		}
		logger.Info("graceful shutdown completed")
		return nil
	})
	return g.Wait()
}

func openStorage(ctx context.Context, cfg config.Config) (*storage, error) {
	switch cfg.StorageDriver {
	case config.DriverMemory:
		logger.Warn("using in-memory storage; state is lost on exit")
		mem := memory.New()
		return &storage{
			repo:   mem,
			uow:    mem,
			events: mem,
			outbox: mem,
			views:  memory.NewViewStore(),
			close:  func() {},
		}, nil
	default:
		db, err := postgres.New(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConns)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to run database migrations: %w", err)
		}
		return &storage{
			repo:   postgres.NewProductRepository(db.Pool),
			uow:    postgres.NewUnitOfWork(db.Pool),
			events: postgres.NewEventLog(db.Pool),
			outbox: postgres.NewOutbox(db.Pool),
			views:  postgres.NewViewStore(db.Pool),
			ready:  db.Ping,
			close:  db.Close,
		}, nil
	}
}
