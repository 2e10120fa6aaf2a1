package postgres

import (
	"context"
	"errors"
	"math"

	domain "productregistry/backend/internal/domain/product"
	"productregistry/backend/internal/domain/productview"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ViewStore persists the read model in product_views.
type ViewStore struct {
	pool *pgxpool.Pool
}

// NewViewStore constructs a view store.
func NewViewStore(pool *pgxpool.Pool) *ViewStore {
	return &ViewStore{pool: pool}
}

func (s *ViewStore) Get(ctx context.Context, id domain.ID) (productview.View, error) {
	const query = `
SELECT id, name, description, sku, status, catalog_count, applied_version, updated_at
FROM product_views WHERE id = $1
`
	view, err := scanView(s.pool.QueryRow(ctx, query, id.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return productview.View{}, productview.ErrNotFound
		}
		return productview.View{}, err
	}
	return view, nil
}

// Upsert writes view unless the stored row already has an equal or newer applied version.
func (s *ViewStore) Upsert(ctx context.Context, view productview.View) (bool, error) {
	const query = `
INSERT INTO product_views (id, name, description, sku, status, catalog_count, applied_version, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO UPDATE
SET name = EXCLUDED.name,
    description = EXCLUDED.description,
    sku = EXCLUDED.sku,
    status = EXCLUDED.status,
    catalog_count = EXCLUDED.catalog_count,
    applied_version = EXCLUDED.applied_version,
    updated_at = EXCLUDED.updated_at
WHERE product_views.applied_version < EXCLUDED.applied_version
`
	tag, err := s.pool.Exec(ctx, query,
		view.ID.String(),
		view.Name,
		view.Description,
		view.SKU,
		string(view.Status),
		view.CatalogCount,
		view.AppliedVersion,
		view.UpdatedAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Search returns one page ordered by SKU.
func (s *ViewStore) Search(ctx context.Context, filter productview.Filter, page, size int) ([]productview.View, error) {
	const query = `
SELECT id, name, description, sku, status, catalog_count, applied_version, updated_at
FROM product_views
WHERE $1 = '%%' OR sku ILIKE $1
ORDER BY sku ASC, id ASC
LIMIT $2 OFFSET $3
`
	if page < 0 || size <= 0 || page > (math.MaxInt-size)/size {
		return []productview.View{}, nil
	}
	offset := int64(page) * int64(size)
	rows, err := s.pool.Query(ctx, query, containsPattern(filter.SKUPattern), size, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	views := []productview.View{}
	for rows.Next() {
		view, err := scanView(rows)
		if err != nil {
			return nil, err
		}
		views = append(views, view)
	}
	return views, rows.Err()
}

func (s *ViewStore) Count(ctx context.Context, filter productview.Filter) (int64, error) {
	const query = `SELECT count(*) FROM product_views WHERE $1 = '%%' OR sku ILIKE $1`
	var total int64
	err := s.pool.QueryRow(ctx, query, containsPattern(filter.SKUPattern)).Scan(&total)
	return total, err
}

// Reset deletes every view ahead of a rebuild.
func (s *ViewStore) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM product_views`)
	return err
}

func scanView(row pgx.Row) (productview.View, error) {
	var (
		v          productview.View
		id, status string
	)
	err := row.Scan(
		&id,
		&v.Name,
		&v.Description,
		&v.SKU,
		&status,
		&v.CatalogCount,
		&v.AppliedVersion,
		&v.UpdatedAt,
	)
	if err != nil {
		return productview.View{}, err
	}
	v.ID = domain.ID(id)
	v.Status = domain.Lifecycle(status)
	v.UpdatedAt = v.UpdatedAt.UTC()
	return v, nil
}
