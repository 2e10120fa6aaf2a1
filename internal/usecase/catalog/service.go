// Package catalog answers read-side queries and opens live change streams.
package catalog

import (
	"context"
	"errors"
	"math"
	"strings"

	"productregistry/backend/internal/broadcast"
	"productregistry/backend/internal/domain/product"
	"productregistry/backend/internal/domain/productview"
)

const (
	// DefaultPageSize applies when a search omits its size.
	DefaultPageSize = 10
	// DefaultMaxPageSize bounds the size of one page.
	DefaultMaxPageSize = 100
)

// Query is either ListQuery or ListBySkuPatternQuery.
type Query interface {
	pageRequest() (page, size int)
	filter() productview.Filter
}

// ListQuery pages over every product.
type ListQuery struct {
	Page int
	Size int
}

// ListBySkuPatternQuery pages over products whose SKU contains Pattern, ignoring case.
type ListBySkuPatternQuery struct {
	Pattern string
	Page    int
	Size    int
}

func (q ListQuery) pageRequest() (int, int)   { return q.Page, q.Size }
func (q ListQuery) filter() productview.Filter { return productview.Filter{} }

func (q ListBySkuPatternQuery) pageRequest() (int, int) { return q.Page, q.Size }
func (q ListBySkuPatternQuery) filter() productview.Filter {
	return productview.Filter{SKUPattern: q.Pattern}
}

// SearchResult is one page of views plus the total number of matches.
type SearchResult struct {
	Items []productview.View `json:"items"`
	Page  int                `json:"page"`
	Size  int                `json:"size"`
	Total int64              `json:"total"`
}

// Subscriber opens change streams.
type Subscriber interface {
	Subscribe(ctx context.Context, filter broadcast.Filter) *broadcast.Subscription
}

// Option configures a Service.
type Option func(*Service)

// WithMaxPageSize overrides DefaultMaxPageSize.
func WithMaxPageSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxPageSize = n
		}
	}
}

// Service is the query side. It only reads views; the projector owns writes.
type Service struct {
	views       productview.Store
	subs        Subscriber
	maxPageSize int
}

// NewService constructs a query service.
func NewService(views productview.Store, subs Subscriber, opts ...Option) *Service {
	s := &Service{views: views, subs: subs, maxPageSize: DefaultMaxPageSize}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetByID returns the view for a UUID id.
func (s *Service) GetByID(ctx context.Context, rawID string) (productview.View, error) {
	id, err := product.ParseID(rawID)
	if err != nil {
		return productview.View{}, err
	}
	view, err := s.views.Get(ctx, id)
	if err != nil {
		if errors.Is(err, productview.ErrNotFound) {
			return productview.View{}, product.ErrNotFound
		}
		return productview.View{}, product.StorageFault("get view", err)
	}
	return view, nil
}

// Search runs q and returns the requested page ordered by SKU.
func (s *Service) Search(ctx context.Context, q Query) (SearchResult, error) {
	if q == nil {
		return SearchResult{}, product.NewValidationError("query", "query is required")
	}
	page, size := q.pageRequest()
	if err := s.validatePage(page, size); err != nil {
		return SearchResult{}, err
	}
	filter := q.filter()

	items := []productview.View{}
	// A page whose offset does not fit in an int lies past any result set.
	if page <= (math.MaxInt-size)/size {
		found, err := s.views.Search(ctx, filter, page, size)
		if err != nil {
			return SearchResult{}, product.StorageFault("search views", err)
		}
		if found != nil {
			items = found
		}
	}
	total, err := s.views.Count(ctx, filter)
	if err != nil {
		return SearchResult{}, product.StorageFault("count views", err)
	}
	return SearchResult{Items: items, Page: page, Size: size, Total: total}, nil
}

// Count returns the number of views whose SKU contains pattern. An empty pattern counts all.
func (s *Service) Count(ctx context.Context, pattern string) (int64, error) {
	total, err := s.views.Count(ctx, productview.Filter{SKUPattern: pattern})
	if err != nil {
		return 0, product.StorageFault("count views", err)
	}
	return total, nil
}

// StreamByProductID follows one product. The stream ends when ctx is done or the
// subscription is cancelled.
func (s *Service) StreamByProductID(ctx context.Context, rawID string) (*broadcast.Subscription, error) {
	id, err := product.ParseID(rawID)
	if err != nil {
		return nil, err
	}
	return s.subs.Subscribe(ctx, broadcast.Only(id)), nil
}

// StreamByProductIDs follows the listed products, or every product when rawIDs is empty.
func (s *Service) StreamByProductIDs(ctx context.Context, rawIDs []string) (*broadcast.Subscription, error) {
	ids := make([]product.ID, 0, len(rawIDs))
	for _, raw := range rawIDs {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		id, err := product.ParseID(raw)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return s.subs.Subscribe(ctx, broadcast.All()), nil
	}
	return s.subs.Subscribe(ctx, broadcast.Only(ids...)), nil
}

// StreamForSearch runs q and follows the products on the returned page.
// An empty page yields a stream that receives nothing.
func (s *Service) StreamForSearch(ctx context.Context, q Query) (*broadcast.Subscription, SearchResult, error) {
	res, err := s.Search(ctx, q)
	if err != nil {
		return nil, SearchResult{}, err
	}
	ids := make([]product.ID, len(res.Items))
	for i, v := range res.Items {
		ids[i] = v.ID
	}
	return s.subs.Subscribe(ctx, broadcast.Only(ids...)), res, nil
}

func (s *Service) validatePage(page, size int) error {
	if page < 0 {
		return product.NewValidationError("page", "page must be zero or greater")
	}
	if size < 1 {
		return product.NewValidationError("size", "size must be at least 1")
	}
	if size > s.maxPageSize {
		return product.NewValidationError("size", "size exceeds the maximum page size")
	}
	return nil
}
