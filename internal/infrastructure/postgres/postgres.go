package postgres

import (
	"context"
	"time"

	domain "productregistry/backend/internal/domain/product"
	"productregistry/backend/internal/domain/productview"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Database wraps the pgx connection pool shared by every adapter in this package.
type Database struct {
	Pool *pgxpool.Pool
}

// New establishes a new connection pool against the provided DSN.
// maxConns of zero keeps the pgxpool default.
func New(ctx context.Context, dsn string, maxConns int32) (*Database, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &Database{Pool: pool}, nil
}

// Ping checks that a connection can be acquired.
func (db *Database) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// Close drains the connection pool.
func (db *Database) Close() {
	if db != nil && db.Pool != nil {
		db.Pool.Close()
	}
}

var (
	_ domain.Repository = (*ProductRepository)(nil)
	_ domain.UnitOfWork = (*UnitOfWork)(nil)
	_ domain.EventLog   = (*EventLog)(nil)
	_ domain.Outbox     = (*Outbox)(nil)
	_ productview.Store = (*ViewStore)(nil)
)
