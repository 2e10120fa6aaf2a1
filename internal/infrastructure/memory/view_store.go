package memory

import (
	"context"
	"sort"
	"sync"

	"productregistry/backend/internal/domain/product"
	"productregistry/backend/internal/domain/productview"
)

var _ productview.Store = (*ViewStore)(nil)

// ViewStore is the in-memory read model.
type ViewStore struct {
	mu    sync.RWMutex
	views map[product.ID]productview.View
}

// NewViewStore creates an empty view store.
func NewViewStore() *ViewStore {
	return &ViewStore{views: make(map[product.ID]productview.View)}
}

func (s *ViewStore) Get(ctx context.Context, id product.ID) (productview.View, error) {
	if err := ctx.Err(); err != nil {
		return productview.View{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.views[id]
	if !ok {
		return productview.View{}, productview.ErrNotFound
	}
	return v, nil
}

// Upsert writes view only when its AppliedVersion is newer than the stored one.
func (s *ViewStore) Upsert(ctx context.Context, view productview.View) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.views[view.ID]; ok && current.AppliedVersion >= view.AppliedVersion {
		return false, nil
	}
	s.views[view.ID] = view
	return true, nil
}

// Search returns one page of matching views ordered by SKU.
func (s *ViewStore) Search(ctx context.Context, filter productview.Filter, page, size int) ([]productview.View, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	matched := s.matching(filter)
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].SKU == matched[j].SKU {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].SKU < matched[j].SKU
	})

	if page < 0 || size <= 0 {
		return []productview.View{}, nil
	}
	pages := len(matched) / size
	if len(matched)%size != 0 {
		pages++
	}
	if page >= pages {
		return []productview.View{}, nil
	}
	start := page * size
	end := min(start+size, len(matched))
	return matched[start:end], nil
}

func (s *ViewStore) Count(ctx context.Context, filter productview.Filter) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return int64(len(s.matching(filter))), nil
}

// Reset drops every view. Used before a rebuild.
func (s *ViewStore) Reset(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.views = make(map[product.ID]productview.View)
	s.mu.Unlock()
	return nil
}

func (s *ViewStore) matching(filter productview.Filter) []productview.View {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]productview.View, 0, len(s.views))
	for _, v := range s.views {
		if filter.Matches(v) {
			out = append(out, v)
		}
	}
	return out
}
