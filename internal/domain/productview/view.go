// Package productview holds the denormalized read model derived from product events.
package productview

import (
	"context"
	"errors"
	"strings"
	"time"

	"productregistry/backend/internal/domain/product"
)

// ErrNotFound indicates no view has been projected for the id yet.
var ErrNotFound = errors.New("product view not found")

// View is the query-side representation of a product. Only the projector writes it.
type View struct {
	ID             product.ID        `json:"id"`
	Name           string            `json:"name"`
	Description    string            `json:"description"`
	SKU            string            `json:"skuId"`
	Status         product.Lifecycle `json:"status"`
	CatalogCount   int               `json:"catalogCount"`
	AppliedVersion int64             `json:"appliedVersion"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// Change is one element of the live stream.
type Change struct {
	ProductID  product.ID        `json:"productId"`
	Version    int64             `json:"version"`
	EventType  product.EventType `json:"eventType"`
	OccurredAt time.Time         `json:"occurredAt"`
	View       View              `json:"view"`
}

// Filter narrows searches. An empty SKUPattern matches everything.
type Filter struct {
	SKUPattern string
}

// Matches reports whether v passes the filter; SKU matching is a case-insensitive substring test.
func (f Filter) Matches(v View) bool {
	pattern := strings.TrimSpace(f.SKUPattern)
	if pattern == "" {
		return true
	}
	return strings.Contains(strings.ToUpper(v.SKU), strings.ToUpper(pattern))
}

// Store persists views.
// Upsert must only write when view.AppliedVersion is greater than the stored one and
// reports whether it wrote.
type Store interface {
	Get(ctx context.Context, id product.ID) (View, error)
	Upsert(ctx context.Context, view View) (bool, error)
	Search(ctx context.Context, filter Filter, page, size int) ([]View, error)
	Count(ctx context.Context, filter Filter) (int64, error)
	Reset(ctx context.Context) error
}
