package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"productregistry/backend/internal/domain/product"
	"productregistry/backend/internal/domain/productview"
)

func commit(ctx context.Context, s *Store, p *product.Product, env product.Envelope) error {
	return s.Do(ctx, func(ctx context.Context, tx product.Tx) error {
		if err := tx.Products().Save(ctx, p); err != nil {
			return err
		}
		pos, err := tx.Events().Append(ctx, env)
		if err != nil {
			return err
		}
		env.Position = pos
		return tx.Outbox().Insert(ctx, product.NewOutboxEntry(env))
	})
}

func register(t *testing.T, s *Store, sku string) *product.Product {
	t.Helper()
	p, env, err := product.Register("Widget", "A widget", product.MustSkuID(sku))
	require.NoError(t, err)
	require.NoError(t, commit(context.Background(), s, p, env))
	return p
}

func TestUnitOfWork_CommitsAllThree(t *testing.T) {
	ctx := context.Background()
	s := New()
	p := register(t, s, "ABC-00001")

	stored, err := s.FindByID(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), stored.Version)

	events, err := s.ListByAggregate(ctx, p.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, int64(1), events[0].Position)

	entries := s.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, events[0].EventID, entries[0].SourceEventID)
	require.Equal(t, product.OutboxPending, entries[0].Status)
}

func TestUnitOfWork_FaultLeavesNothingBehind(t *testing.T) {
	for _, step := range []string{StepSave, StepAppend, StepOutbox, StepCommit} {
		t.Run(step, func(t *testing.T) {
			ctx := context.Background()
			boom := errors.New("disk on fire")
			s := New(WithFault(func(got string) error {
				if got == step {
					return boom
				}
				return nil
			}))

			p, env, err := product.Register("Widget", "A widget", product.MustSkuID("ABC-00001"))
			require.NoError(t, err)

			err = commit(ctx, s, p, env)
			require.ErrorIs(t, err, product.ErrStorageFault)
			require.ErrorIs(t, err, boom)

			_, err = s.FindByID(ctx, p.ID)
			require.ErrorIs(t, err, product.ErrNotFound)
			events, err := s.ListAfter(ctx, 0, 0)
			require.NoError(t, err)
			require.Empty(t, events)
			require.Empty(t, s.Entries())
		})
	}
}

func TestUnitOfWork_DuplicateSKU(t *testing.T) {
	s := New()
	register(t, s, "ABC-00001")

	p, env, err := product.Register("Other", "Another", product.MustSkuID("ABC-00001"))
	require.NoError(t, err)
	err = commit(context.Background(), s, p, env)
	require.ErrorIs(t, err, product.ErrDuplicateSKU)
	require.Len(t, s.Entries(), 1)
}

func TestUnitOfWork_StaleVersionConflicts(t *testing.T) {
	ctx := context.Background()
	s := New()
	p := register(t, s, "ABC-00001")

	first, err := s.FindByID(ctx, p.ID)
	require.NoError(t, err)
	second, err := s.FindByID(ctx, p.ID)
	require.NoError(t, err)

	env, err := first.UpdateName("First")
	require.NoError(t, err)
	require.NoError(t, commit(ctx, s, first, env))

	env, err = second.UpdateName("Second")
	require.NoError(t, err)
	require.ErrorIs(t, commit(ctx, s, second, env), product.ErrConcurrencyConflict)

	stored, err := s.FindByID(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, "First", stored.Name)
	require.Equal(t, int64(2), stored.Version)
}

func TestEventLog_Readers(t *testing.T) {
	ctx := context.Background()
	s := New()
	a := register(t, s, "ABC-00001")
	b := register(t, s, "ABC-00002")

	stored, err := s.FindByID(ctx, a.ID)
	require.NoError(t, err)
	env, err := stored.Retire()
	require.NoError(t, err)
	require.NoError(t, commit(ctx, s, stored, env))

	all, err := s.ListAfter(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, []int64{1, 2, 3}, []int64{all[0].Position, all[1].Position, all[2].Position})

	page, err := s.ListAfter(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, b.ID, page[0].AggregateID)

	tail, err := s.ListByAggregate(ctx, a.ID, 1)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	require.Equal(t, product.TypeProductRetired, tail[0].Type())

	got, err := s.Get(ctx, tail[0].EventID)
	require.NoError(t, err)
	require.Equal(t, int64(2), got.Version)

	_, err = s.Get(ctx, "missing")
	require.ErrorIs(t, err, product.ErrNotFound)
}

func TestOutbox_ClaimOnlyHeadOfAggregate(t *testing.T) {
	ctx := context.Background()
	s := New()
	p := register(t, s, "ABC-00001")
	q := register(t, s, "ABC-00002")

	stored, err := s.FindByID(ctx, p.ID)
	require.NoError(t, err)
	env, err := stored.UpdateName("Renamed")
	require.NoError(t, err)
	require.NoError(t, commit(ctx, s, stored, env))

	now := time.Now()
	claimed, err := s.Claim(ctx, "w1", now, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	require.Equal(t, p.ID, claimed[0].AggregateID)
	require.Equal(t, int64(1), claimed[0].Version)
	require.Equal(t, q.ID, claimed[1].AggregateID)

	// The second version of p stays blocked while its predecessor is leased.
	again, err := s.Claim(ctx, "w2", now, time.Minute, 10)
	require.NoError(t, err)
	require.Empty(t, again)

	require.NoError(t, s.MarkPublished(ctx, claimed[0].ID, "w1", now))
	next, err := s.Claim(ctx, "w2", now, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, next, 1)
	require.Equal(t, int64(2), next[0].Version)
}

func TestOutbox_LeaseExpiryAndOwnership(t *testing.T) {
	ctx := context.Background()
	s := New()
	register(t, s, "ABC-00001")

	now := time.Now()
	claimed, err := s.Claim(ctx, "crashed", now, time.Second, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	later := now.Add(2 * time.Second)
	recovered, err := s.Claim(ctx, "w2", later, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, recovered, 1)

	err = s.MarkPublished(ctx, claimed[0].ID, "crashed", later)
	require.ErrorIs(t, err, product.ErrLeaseLost)

	require.NoError(t, s.MarkPublished(ctx, recovered[0].ID, "w2", later))
	require.NoError(t, s.MarkPublished(ctx, recovered[0].ID, "w2", later))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, product.OutboxStats{Published: 1}, stats)
}

func TestOutbox_FailureBackoffAndRequeue(t *testing.T) {
	ctx := context.Background()
	s := New()
	register(t, s, "ABC-00001")

	now := time.Now()
	claimed, err := s.Claim(ctx, "w1", now, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	id := claimed[0].ID

	require.NoError(t, s.MarkFailed(ctx, id, "w1", "broker down", now.Add(time.Hour)))
	entries := s.Entries()
	require.Equal(t, product.OutboxFailed, entries[0].Status)
	require.Equal(t, 1, entries[0].Attempts)
	require.Equal(t, "broker down", entries[0].LastError)

	notDue, err := s.Claim(ctx, "w1", now, time.Minute, 10)
	require.NoError(t, err)
	require.Empty(t, notDue)

	require.NoError(t, s.Requeue(ctx, id, now))
	due, err := s.Claim(ctx, "w1", now, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	require.NoError(t, s.MarkPublished(ctx, id, "w1", now))
	require.ErrorIs(t, s.Requeue(ctx, id, now), product.ErrAlreadyPublished)
	require.ErrorIs(t, s.Requeue(ctx, "missing", now), product.ErrNotFound)
}

func TestViewStore_UpsertOnlyAdvances(t *testing.T) {
	ctx := context.Background()
	s := NewViewStore()
	id := product.NewID()

	wrote, err := s.Upsert(ctx, productview.View{ID: id, Name: "v2", AppliedVersion: 2})
	require.NoError(t, err)
	require.True(t, wrote)

	wrote, err = s.Upsert(ctx, productview.View{ID: id, Name: "v1", AppliedVersion: 1})
	require.NoError(t, err)
	require.False(t, wrote)

	v, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "v2", v.Name)

	_, err = s.Get(ctx, product.NewID())
	require.ErrorIs(t, err, productview.ErrNotFound)
}

func TestViewStore_SearchPagesBySKU(t *testing.T) {
	ctx := context.Background()
	s := NewViewStore()
	for _, sku := range []string{"XYZ-00003", "ABC-00002", "ABC-00001", "DEF-00001"} {
		_, err := s.Upsert(ctx, productview.View{ID: product.NewID(), SKU: sku, AppliedVersion: 1})
		require.NoError(t, err)
	}

	first, err := s.Search(ctx, productview.Filter{}, 0, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"ABC-00001", "ABC-00002"}, skus(first))

	second, err := s.Search(ctx, productview.Filter{}, 1, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"DEF-00001", "XYZ-00003"}, skus(second))

	beyond, err := s.Search(ctx, productview.Filter{}, 5, 2)
	require.NoError(t, err)
	require.Empty(t, beyond)

	overflow, err := s.Search(ctx, productview.Filter{}, 1_000_000_000_000_000_000, 10)
	require.NoError(t, err)
	require.Empty(t, overflow)

	filtered, err := s.Search(ctx, productview.Filter{SKUPattern: "abc"}, 0, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"ABC-00001", "ABC-00002"}, skus(filtered))

	count, err := s.Count(ctx, productview.Filter{SKUPattern: "0000"})
	require.NoError(t, err)
	require.Equal(t, int64(4), count)

	require.NoError(t, s.Reset(ctx))
	count, err = s.Count(ctx, productview.Filter{})
	require.NoError(t, err)
	require.Zero(t, count)
}

func skus(views []productview.View) []string {
	out := make([]string, len(views))
	for i, v := range views {
		out[i] = v.SKU
	}
	return out
}
