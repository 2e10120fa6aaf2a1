package postgres

import (
	"context"
	"errors"
	"time"

	domain "productregistry/backend/internal/domain/product"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const skuConstraint = "products_sku_key"

// ProductRepository reads aggregate state in PostgreSQL.
type ProductRepository struct {
	pool *pgxpool.Pool
}

// NewProductRepository constructs a repository.
func NewProductRepository(pool *pgxpool.Pool) *ProductRepository {
	return &ProductRepository{pool: pool}
}

// FindByID fetches a product by id.
func (r *ProductRepository) FindByID(ctx context.Context, id domain.ID) (*domain.Product, error) {
	const query = `
SELECT id, name, description, sku, status, version, created_at, updated_at
FROM products WHERE id = $1
`
	product, err := scanProduct(r.pool.QueryRow(ctx, query, id.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return product, nil
}

// productWriter saves aggregate state inside a transaction.
type productWriter struct {
	q querier
}

// Save inserts version 1 and otherwise updates only the row still at the previous version.
func (w productWriter) Save(ctx context.Context, p *domain.Product) error {
	if p.Version == 1 {
		return w.insert(ctx, p)
	}

	const query = `
UPDATE products
SET name = $2,
    description = $3,
    status = $4,
    version = $5,
    updated_at = $6
WHERE id = $1 AND version = $5 - 1
`
	tag, err := w.q.Exec(ctx, query,
		p.ID.String(),
		p.Name,
		p.Description,
		string(p.Status),
		p.Version,
		p.UpdatedAt,
	)
	if err != nil {
		return domain.StorageFault("update product", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := w.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`, p.ID.String()).Scan(&exists); err != nil {
		return domain.StorageFault("check product", err)
	}
	if !exists {
		return domain.ErrNotFound
	}
	return domain.ErrConcurrencyConflict
}

func (w productWriter) insert(ctx context.Context, p *domain.Product) error {
	const query = `
INSERT INTO products (id, name, description, sku, status, version, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`
	_, err := w.q.Exec(ctx, query,
		p.ID.String(),
		p.Name,
		p.Description,
		p.SKU.String(),
		string(p.Status),
		p.Version,
		p.CreatedAt,
		p.UpdatedAt,
	)
	if err != nil {
		if constraint, ok := uniqueViolation(err); ok {
			if constraint == skuConstraint {
				return domain.ErrDuplicateSKU
			}
			return domain.ErrConcurrencyConflict
		}
		return domain.StorageFault("insert product", err)
	}
	return nil
}

func scanProduct(row pgx.Row) (*domain.Product, error) {
	var (
		id, sku, status      string
		p                    domain.Product
		createdAt, updatedAt time.Time
	)
	err := row.Scan(
		&id,
		&p.Name,
		&p.Description,
		&sku,
		&status,
		&p.Version,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	parsed, err := domain.ParseSkuID(sku)
	if err != nil {
		return nil, err
	}
	p.ID = domain.ID(id)
	p.SKU = parsed
	p.Status = domain.Lifecycle(status)
	p.CreatedAt = createdAt.UTC()
	p.UpdatedAt = updatedAt.UTC()
	return &p, nil
}
