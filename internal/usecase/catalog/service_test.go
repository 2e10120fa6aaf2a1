package catalog

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"productregistry/backend/internal/broadcast"
	"productregistry/backend/internal/domain/product"
	"productregistry/backend/internal/domain/productview"
	"productregistry/backend/internal/infrastructure/memory"
)

func seedViews(t *testing.T, views *memory.ViewStore, skus ...string) []product.ID {
	t.Helper()
	ids := make([]product.ID, len(skus))
	for i, sku := range skus {
		ids[i] = product.NewID()
		_, err := views.Upsert(context.Background(), productview.View{
			ID:             ids[i],
			Name:           "Product " + sku,
			SKU:            sku,
			Status:         product.StatusActive,
			AppliedVersion: 1,
		})
		require.NoError(t, err)
	}
	return ids
}

func TestGetByID(t *testing.T) {
	ctx := context.Background()
	views := memory.NewViewStore()
	ids := seedViews(t, views, "ABC-00001")
	svc := NewService(views, broadcast.New(4))

	view, err := svc.GetByID(ctx, ids[0].String())
	require.NoError(t, err)
	require.Equal(t, "ABC-00001", view.SKU)

	_, err = svc.GetByID(ctx, "nope")
	require.ErrorIs(t, err, product.ErrValidation)

	_, err = svc.GetByID(ctx, product.NewID().String())
	require.ErrorIs(t, err, product.ErrNotFound)
}

func TestSearch(t *testing.T) {
	ctx := context.Background()
	views := memory.NewViewStore()
	seedViews(t, views, "ABC-00002", "XYZ-00001", "ABC-00001")
	svc := NewService(views, broadcast.New(4), WithMaxPageSize(50))

	res, err := svc.Search(ctx, ListQuery{Page: 0, Size: 2})
	require.NoError(t, err)
	require.Equal(t, int64(3), res.Total)
	require.Len(t, res.Items, 2)
	require.Equal(t, "ABC-00001", res.Items[0].SKU)

	res, err = svc.Search(ctx, ListBySkuPatternQuery{Pattern: "abc", Page: 0, Size: 10})
	require.NoError(t, err)
	require.Equal(t, int64(2), res.Total)

	res, err = svc.Search(ctx, ListQuery{Page: 9, Size: 10})
	require.NoError(t, err)
	require.NotNil(t, res.Items)
	require.Empty(t, res.Items)

	res, err = svc.Search(ctx, ListQuery{Page: math.MaxInt, Size: 10})
	require.NoError(t, err)
	require.Empty(t, res.Items)
	require.Equal(t, int64(3), res.Total)

	res, err = svc.Search(ctx, ListBySkuPatternQuery{Pattern: "abc", Page: 1_000_000_000_000_000_000, Size: 10})
	require.NoError(t, err)
	require.Empty(t, res.Items)
	require.Equal(t, int64(2), res.Total)

	count, err := svc.Count(ctx, "XYZ")
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}

func TestSearch_InvalidPaging(t *testing.T) {
	svc := NewService(memory.NewViewStore(), broadcast.New(4), WithMaxPageSize(20))
	for _, q := range []Query{
		ListQuery{Page: -1, Size: 10},
		ListQuery{Page: 0, Size: 0},
		ListBySkuPatternQuery{Pattern: "A", Page: 0, Size: 21},
		nil,
	} {
		_, err := svc.Search(context.Background(), q)
		require.ErrorIs(t, err, product.ErrValidation)
	}
}

func TestStreams(t *testing.T) {
	ctx := context.Background()
	views := memory.NewViewStore()
	ids := seedViews(t, views, "ABC-00001", "ABC-00002", "XYZ-00001")
	b := broadcast.New(4)
	svc := NewService(views, b)

	one, err := svc.StreamByProductID(ctx, ids[0].String())
	require.NoError(t, err)
	defer one.Cancel()

	_, err = svc.StreamByProductID(ctx, "bad")
	require.ErrorIs(t, err, product.ErrValidation)

	page, res, err := svc.StreamForSearch(ctx, ListBySkuPatternQuery{Pattern: "ABC", Page: 0, Size: 10})
	require.NoError(t, err)
	defer page.Cancel()
	require.Len(t, res.Items, 2)

	all, err := svc.StreamByProductIDs(ctx, nil)
	require.NoError(t, err)
	defer all.Cancel()
	require.Equal(t, 3, b.Len())

	b.Broadcast(productview.Change{ProductID: ids[2], Version: 2})
	b.Broadcast(productview.Change{ProductID: ids[1], Version: 2})

	require.Equal(t, ids[1], next(t, page).ProductID)
	require.Equal(t, ids[2], next(t, all).ProductID)
	require.Empty(t, one.C())

	empty, _, err := svc.StreamForSearch(ctx, ListBySkuPatternQuery{Pattern: "QQQ", Page: 0, Size: 10})
	require.NoError(t, err)
	b.Broadcast(productview.Change{ProductID: ids[0], Version: 2})
	require.Empty(t, empty.C())
	empty.Cancel()
}

func next(t *testing.T, sub *broadcast.Subscription) productview.Change {
	t.Helper()
	select {
	case c := <-sub.C():
		return c
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for change")
		return productview.Change{}
	}
}
