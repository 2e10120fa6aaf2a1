package postgres

import (
	"context"

	domain "productregistry/backend/internal/domain/product"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// UnitOfWork runs aggregate save, event append and outbox insert in one pgx transaction.
type UnitOfWork struct {
	pool *pgxpool.Pool
}

// NewUnitOfWork constructs a unit of work over pool.
func NewUnitOfWork(pool *pgxpool.Pool) *UnitOfWork {
	return &UnitOfWork{pool: pool}
}

// Do commits only if fn returns nil. Any error rolls the whole transaction back.
func (u *UnitOfWork) Do(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	tx, err := u.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return domain.StorageFault("begin", err)
	}
	// Rollback after Commit is a no-op returning pgx.ErrTxClosed.
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(ctx, pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.StorageFault("commit", err)
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t pgTx) Products() domain.StateWriter { return productWriter{q: t.tx} }
func (t pgTx) Events() domain.EventAppender { return eventAppender{q: t.tx} }
func (t pgTx) Outbox() domain.OutboxWriter  { return outboxWriter{q: t.tx} }
