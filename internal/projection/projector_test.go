package projection

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"productregistry/backend/internal/domain/product"
	"productregistry/backend/internal/domain/productview"
	"productregistry/backend/internal/infrastructure/memory"
)

type recorder struct {
	mu      sync.Mutex
	changes []productview.Change
}

func (r *recorder) Broadcast(c productview.Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *recorder) versions() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int64, len(r.changes))
	for i, c := range r.changes {
		out[i] = c.Version
	}
	return out
}

// history commits register, rename and retire for one product and returns the envelopes.
func history(t *testing.T, store *memory.Store) []product.Envelope {
	t.Helper()
	ctx := context.Background()

	p, env, err := product.Register("Widget", "A widget", product.MustSkuID("ABC-00001"))
	require.NoError(t, err)
	envs := []product.Envelope{env}
	renamed, err := p.UpdateName("Gadget")
	require.NoError(t, err)
	envs = append(envs, renamed)
	retired, err := p.Retire()
	require.NoError(t, err)
	envs = append(envs, retired)

	for i := range envs {
		snapshot := *p
		snapshot.Version = envs[i].Version
		err := store.Do(ctx, func(ctx context.Context, tx product.Tx) error {
			if err := tx.Products().Save(ctx, &snapshot); err != nil {
				return err
			}
			pos, err := tx.Events().Append(ctx, envs[i])
			envs[i].Position = pos
			return err
		})
		require.NoError(t, err)
	}
	return envs
}

func TestApply_InOrder(t *testing.T) {
	ctx := context.Background()
	views := memory.NewViewStore()
	rec := &recorder{}
	p := New(views, WithNotifier(rec))
	envs := history(t, memory.New())

	for _, env := range envs {
		outcome, err := p.Apply(ctx, env)
		require.NoError(t, err)
		require.Equal(t, OutcomeApplied, outcome)
	}

	view, err := views.Get(ctx, envs[0].AggregateID)
	require.NoError(t, err)
	require.Equal(t, "Gadget", view.Name)
	require.Equal(t, "ABC-00001", view.SKU)
	require.Equal(t, product.StatusRetired, view.Status)
	require.Equal(t, int64(3), view.AppliedVersion)
	require.Equal(t, []int64{1, 2, 3}, rec.versions())
}

func TestApply_DuplicateIsNoop(t *testing.T) {
	ctx := context.Background()
	views := memory.NewViewStore()
	rec := &recorder{}
	p := New(views, WithNotifier(rec))
	envs := history(t, memory.New())

	for _, env := range envs[:2] {
		_, err := p.Apply(ctx, env)
		require.NoError(t, err)
	}
	before, err := views.Get(ctx, envs[0].AggregateID)
	require.NoError(t, err)

	for _, env := range envs[:2] {
		outcome, err := p.Apply(ctx, env)
		require.NoError(t, err)
		require.Equal(t, OutcomeDuplicate, outcome)
	}
	after, err := views.Get(ctx, envs[0].AggregateID)
	require.NoError(t, err)
	require.Equal(t, before, after)
	require.Equal(t, []int64{1, 2}, rec.versions())
}

func TestApply_GapWithoutReaderIsRejected(t *testing.T) {
	ctx := context.Background()
	views := memory.NewViewStore()
	p := New(views)
	envs := history(t, memory.New())

	_, err := p.Apply(ctx, envs[0])
	require.NoError(t, err)

	_, err = p.Apply(ctx, envs[2])
	require.ErrorIs(t, err, ErrVersionGap)

	view, err := views.Get(ctx, envs[0].AggregateID)
	require.NoError(t, err)
	require.Equal(t, int64(1), view.AppliedVersion)

	for _, env := range envs[1:] {
		outcome, err := p.Apply(ctx, env)
		require.NoError(t, err)
		require.Equal(t, OutcomeApplied, outcome)
	}
}

func TestApply_GapResyncsFromLog(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	views := memory.NewViewStore()
	rec := &recorder{}
	p := New(views, WithEventReader(store), WithNotifier(rec))
	envs := history(t, store)

	_, err := p.Apply(ctx, envs[0])
	require.NoError(t, err)

	outcome, err := p.Apply(ctx, envs[2])
	require.NoError(t, err)
	require.Equal(t, OutcomeResynced, outcome)

	view, err := views.Get(ctx, envs[0].AggregateID)
	require.NoError(t, err)
	require.Equal(t, "Gadget", view.Name)
	require.Equal(t, product.StatusRetired, view.Status)
	require.Equal(t, int64(3), view.AppliedVersion)

	outcome, err = p.Apply(ctx, envs[1])
	require.NoError(t, err)
	require.Equal(t, OutcomeDuplicate, outcome)
	require.Equal(t, []int64{1, 2, 3}, rec.versions())
}

func TestApply_ResyncBroadcastsEachVersionsView(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	rec := &recorder{}
	p := New(memory.NewViewStore(), WithEventReader(store), WithNotifier(rec))
	envs := history(t, store)

	_, err := p.Apply(ctx, envs[0])
	require.NoError(t, err)
	_, err = p.Apply(ctx, envs[2])
	require.NoError(t, err)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.changes, 3)
	for _, c := range rec.changes {
		require.Equal(t, c.Version, c.View.AppliedVersion)
	}
	require.Equal(t, "Gadget", rec.changes[1].View.Name)
	require.Equal(t, product.StatusActive, rec.changes[1].View.Status)
	require.Equal(t, product.StatusRetired, rec.changes[2].View.Status)
}

func TestApply_HugeVersionGapIsRejected(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	views := memory.NewViewStore()
	p := New(views, WithEventReader(store))
	envs := history(t, store)

	_, err := p.Apply(ctx, envs[0])
	require.NoError(t, err)

	_, err = p.Apply(ctx, product.Envelope{
		AggregateID: envs[0].AggregateID,
		Version:     1 << 62,
		Payload:     product.ProductRetired{},
	})
	require.ErrorIs(t, err, ErrVersionGap)

	view, err := views.Get(ctx, envs[0].AggregateID)
	require.NoError(t, err)
	require.Equal(t, int64(1), view.AppliedVersion)
}

func TestApply_UnknownPayload(t *testing.T) {
	p := New(memory.NewViewStore())
	_, err := p.Apply(context.Background(), product.Envelope{AggregateID: product.NewID(), Version: 1})
	require.ErrorIs(t, err, product.ErrUnknownEvent)
}

func TestRebuild_ReplaysLog(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	views := memory.NewViewStore()
	rec := &recorder{}
	p := New(views, WithEventReader(store), WithNotifier(rec), WithRebuildBatch(2))
	envs := history(t, store)

	_, err := views.Upsert(ctx, productview.View{ID: product.NewID(), SKU: "ZZZ-99999", AppliedVersion: 1})
	require.NoError(t, err)

	applied, err := p.Rebuild(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, applied)
	require.Empty(t, rec.versions())

	count, err := views.Count(ctx, productview.Filter{})
	require.NoError(t, err)
	require.Equal(t, int64(1), count)

	view, err := views.Get(ctx, envs[0].AggregateID)
	require.NoError(t, err)
	require.Equal(t, int64(3), view.AppliedVersion)
}

func TestRebuild_RequiresReader(t *testing.T) {
	_, err := New(memory.NewViewStore()).Rebuild(context.Background())
	require.Error(t, err)
}
