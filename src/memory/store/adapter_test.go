package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Protocol-Lattice/go-memstore/src/memory/errs"
	"github.com/Protocol-Lattice/go-memstore/src/memory/model"
)

func startedAdapter(t *testing.T, dims int, options ...Option) (*Adapter, *flakyBackend) {
	t.Helper()
	backend := &flakyBackend{InMemoryStore: NewInMemoryStore(DefaultCollection)}
	log, _ := quietLogger()
	options = append([]Option{WithLogger(log)}, options...)
	a := NewAdapter(memoryDescriptor(dims), openerFor(backend), options...)
	res, err := a.Start(context.Background())
	require.NoError(t, err)
	require.True(t, res.Created)
	require.Equal(t, StateReady, a.State())
	t.Cleanup(func() { _ = a.Close() })
	return a, backend
}

func TestAdapterStartProvisionsCollection(t *testing.T) {
	log, hook := quietLogger()
	backend := NewInMemoryStore(DefaultCollection)
	a := NewAdapter(memoryDescriptor(1536), openerFor(backend), WithLogger(log))
	assert.Equal(t, StateUnconnected, a.State())

	res, err := a.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ProvisionResult{Collection: DefaultCollection, Dimensions: 1536, Created: true}, res)
	assert.Equal(t, StateReady, a.State())

	state, err := a.Describe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1536, state.Dimensions)

	var transitions []string
	for _, e := range hook.AllEntries() {
		if e.Message == "vector store state changed" {
			transitions = append(transitions, e.Data["state"].(State).String())
		}
	}
	assert.Equal(t, []string{"connecting", "ready"}, transitions)
}

func TestAdapterRoundTrip(t *testing.T) {
	a, _ := startedAdapter(t, 4)
	ctx := context.Background()

	id, err := a.Upsert(ctx, model.MemoryRecord{
		ID:        "m1",
		Content:   "likes green tea",
		Embedding: []float32{0.1, 0.2, 0.3, 0.4},
		Metadata:  map[string]any{"user_id": "alice"},
	})
	require.NoError(t, err)
	assert.Equal(t, "m1", id)

	got, err := a.Query(ctx, []float32{0.1, 0.2, 0.3, 0.4}, 1, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "m1", got[0].ID)
	assert.Equal(t, "likes green tea", got[0].Content)
	assert.Equal(t, map[string]any{"user_id": "alice"}, got[0].Metadata)
	assert.InDelta(t, 1.0, got[0].Score, 1e-6)
	assert.False(t, got[0].CreatedAt.IsZero())

	snap := a.Metrics()
	assert.Equal(t, int64(1), snap.Upserts)
	assert.Equal(t, int64(1), snap.Queries)
	assert.Equal(t, int64(1), snap.Retrieved)
}

func TestAdapterUpsertGeneratesIdentifier(t *testing.T) {
	a, _ := startedAdapter(t, 3)
	id, err := a.Upsert(context.Background(), model.MemoryRecord{Content: "x", Embedding: unit(3, 0)})
	require.NoError(t, err)
	_, perr := uuid.Parse(id)
	assert.NoError(t, perr)
}

func TestAdapterUpsertReplacesByIdentifier(t *testing.T) {
	a, _ := startedAdapter(t, 3)
	ctx := context.Background()
	for _, content := range []string{"first", "second"} {
		_, err := a.Upsert(ctx, model.MemoryRecord{ID: "same", Content: content, Embedding: unit(3, 1)})
		require.NoError(t, err)
	}
	n, err := a.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := a.Query(ctx, unit(3, 1), 5, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "second", got[0].Content)
}

func TestAdapterRejectsWrongWidth(t *testing.T) {
	a, _ := startedAdapter(t, 4)
	ctx := context.Background()

	_, err := a.Upsert(ctx, model.MemoryRecord{ID: "bad", Embedding: []float32{1, 2}})
	require.ErrorIs(t, err, errs.ErrFatal)

	_, err = a.Query(ctx, []float32{1, 2, 3}, 1, nil)
	require.ErrorIs(t, err, errs.ErrFatal)

	n, err := a.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, int64(2), a.Metrics().Failures)
}

func TestAdapterQueryNonPositiveK(t *testing.T) {
	a, _ := startedAdapter(t, 2)
	got, err := a.Query(context.Background(), []float32{1, 0}, 0, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestAdapterQueryOrderingAndFilter(t *testing.T) {
	a, _ := startedAdapter(t, 2)
	ctx := context.Background()
	records := []model.MemoryRecord{
		{ID: "near", Embedding: []float32{1, 0.05}, Metadata: map[string]any{"user_id": "alice"}},
		{ID: "far", Embedding: []float32{0, 1}, Metadata: map[string]any{"user_id": "alice"}},
		{ID: "other", Embedding: []float32{1, 0}, Metadata: map[string]any{"user_id": "bob"}},
	}
	for _, rec := range records {
		_, err := a.Upsert(ctx, rec)
		require.NoError(t, err)
	}

	got, err := a.Query(ctx, []float32{1, 0}, 3, model.Filter{"user_id": "alice"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "near", got[0].ID)
	assert.Equal(t, "far", got[1].ID)
	assert.Greater(t, got[0].Score, got[1].Score)

	got, err = a.Query(ctx, []float32{1, 0}, 1, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "other", got[0].ID)
}

func TestAdapterTiesFavourMostRecentWrite(t *testing.T) {
	a, _ := startedAdapter(t, 2)
	ctx := context.Background()
	for _, id := range []string{"older", "newer"} {
		_, err := a.Upsert(ctx, model.MemoryRecord{ID: id, Embedding: []float32{1, 1}})
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}
	got, err := a.Query(ctx, []float32{1, 1}, 2, nil)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "newer", got[0].ID)
	assert.Equal(t, "older", got[1].ID)
}

func TestAdapterDeleteIsIdempotent(t *testing.T) {
	a, _ := startedAdapter(t, 2)
	ctx := context.Background()
	_, err := a.Upsert(ctx, model.MemoryRecord{ID: "gone", Embedding: []float32{1, 0}})
	require.NoError(t, err)

	require.NoError(t, a.Delete(ctx, "gone"))
	require.NoError(t, a.Delete(ctx, "gone"))
	require.NoError(t, a.Delete(ctx, "never-existed"))

	got, err := a.Query(ctx, []float32{1, 0}, 5, nil)
	require.NoError(t, err)
	assert.Empty(t, got)

	assert.ErrorIs(t, a.Delete(ctx, ""), errs.ErrFatal)
}

func TestAdapterUpsertMany(t *testing.T) {
	a, _ := startedAdapter(t, 3)
	records := []model.MemoryRecord{
		{ID: "a", Embedding: unit(3, 0)},
		{ID: "b", Embedding: unit(3, 1)},
		{ID: "c", Embedding: []float32{1}},
		{ID: "d", Embedding: unit(3, 2)},
	}
	ids, err := a.UpsertMany(context.Background(), records, 2)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrFatal)
	assert.Equal(t, []string{"a", "b", "", "d"}, ids)

	n, err := a.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestAdapterOperationsBeforeStart(t *testing.T) {
	a := NewAdapter(memoryDescriptor(2), openerFor(NewInMemoryStore(DefaultCollection)))
	ctx := context.Background()

	_, err := a.Upsert(ctx, model.MemoryRecord{Embedding: []float32{1, 0}})
	assert.ErrorIs(t, err, ErrNotReady)
	assert.ErrorIs(t, err, errs.ErrFatal)

	_, err = a.Query(ctx, []float32{1, 0}, 1, nil)
	assert.ErrorIs(t, err, ErrNotReady)
	assert.ErrorIs(t, a.Delete(ctx, "x"), ErrNotReady)
	assert.ErrorIs(t, a.HealthCheck(ctx), ErrNotReady)
	assert.Equal(t, StateUnconnected, a.State())
}

func TestAdapterClose(t *testing.T) {
	a, backend := startedAdapter(t, 2)
	ctx := context.Background()

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.Equal(t, StateClosed, a.State())
	assert.Equal(t, 1, backend.closes)

	_, err := a.Upsert(ctx, model.MemoryRecord{Embedding: []float32{1, 0}})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = a.Query(ctx, []float32{1, 0}, 1, nil)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = a.Start(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestAdapterStartRejectsUnresolvedDimensions(t *testing.T) {
	a := NewAdapter(memoryDescriptor(0), openerFor(NewInMemoryStore(DefaultCollection)))
	_, err := a.Start(context.Background())
	require.ErrorIs(t, err, errs.ErrConfiguration)
	assert.Equal(t, StateUnconnected, a.State())
}

func TestAdapterStartFailureReturnsToUnconnected(t *testing.T) {
	backend := NewInMemoryStore(DefaultCollection)
	calls := 0
	open := func(context.Context, Descriptor, OpenOptions) (Backend, error) {
		calls++
		if calls == 1 {
			return nil, errs.Retryable("test.open", errors.New("connection refused"))
		}
		return backend, nil
	}
	log, _ := quietLogger()
	a := NewAdapter(memoryDescriptor(2), open, WithLogger(log))

	_, err := a.Start(context.Background())
	require.True(t, errs.IsRetryable(err))
	assert.Equal(t, StateUnconnected, a.State())

	_, err = a.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateReady, a.State())
	require.NoError(t, a.Close())
}

func TestAdapterStartTwiceFails(t *testing.T) {
	a, _ := startedAdapter(t, 2)
	_, err := a.Start(context.Background())
	assert.ErrorIs(t, err, errs.ErrFatal)
	assert.Equal(t, StateReady, a.State())
}

func TestAdapterSchemaMismatchLeavesCollectionUntouched(t *testing.T) {
	ctx := context.Background()
	log, _ := quietLogger()
	shared := NewInMemoryStore(DefaultCollection)

	first := NewAdapter(memoryDescriptor(1536), openerFor(shared.Handle(DefaultCollection)), WithLogger(log))
	_, err := first.Start(ctx)
	require.NoError(t, err)
	_, err = first.Upsert(ctx, model.MemoryRecord{ID: "keep", Embedding: make([]float32, 1536)})
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second := NewAdapter(memoryDescriptor(768), openerFor(shared.Handle(DefaultCollection)), WithLogger(log))
	_, err = second.Start(ctx)
	require.ErrorIs(t, err, errs.ErrSchemaMismatch)
	var mismatch *errs.SchemaMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, 1536, mismatch.Existing)
	assert.Equal(t, 768, mismatch.Requested)
	assert.Equal(t, StateUnconnected, second.State())

	state, ok, err := shared.DescribeCollection(ctx, DefaultCollection)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1536, state.Dimensions)
	assert.Equal(t, int64(1), state.RecordCount)
}

func TestAdapterDegradesAndRecovers(t *testing.T) {
	a, backend := startedAdapter(t, 2, WithDegradedAfter(2))
	ctx := context.Background()
	outage := errs.Retryable("test.health", errors.New("connection reset"))

	backend.setHealthErr(outage)
	require.Error(t, a.HealthCheck(ctx))
	assert.Equal(t, StateReady, a.State())
	require.Error(t, a.HealthCheck(ctx))
	assert.Equal(t, StateDegraded, a.State())

	// Degraded adapters still serve requests.
	_, err := a.Upsert(ctx, model.MemoryRecord{ID: "during", Embedding: []float32{1, 0}})
	require.NoError(t, err)

	backend.setHealthErr(nil)
	require.NoError(t, a.HealthCheck(ctx))
	assert.Equal(t, StateReady, a.State())
	assert.Equal(t, int64(2), a.Metrics().HealthFailures)
}

func TestAdapterMonitorDegrades(t *testing.T) {
	a, backend := startedAdapter(t, 2, WithDegradedAfter(1))
	backend.setHealthErr(errs.Retryable("test.health", errors.New("timeout")))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Monitor(ctx, 5*time.Millisecond)
		close(done)
	}()
	require.Eventually(t, func() bool { return a.State() == StateDegraded }, time.Second, 5*time.Millisecond)

	backend.setHealthErr(nil)
	require.Eventually(t, func() bool { return a.State() == StateReady }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop after cancel")
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "unconnected", StateUnconnected.String())
	assert.Equal(t, "degraded", StateDegraded.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestAdapterList(t *testing.T) {
	a, backend := startedAdapter(t, 2)
	ctx := context.Background()
	for i, user := range []string{"alice", "bob", "alice"} {
		_, err := a.Upsert(ctx, model.MemoryRecord{ID: string(rune('a' + i)), Embedding: unit(2, i), Metadata: map[string]any{"user_id": user}})
		require.NoError(t, err)
	}

	got, err := a.List(ctx, model.Filter{"user_id": "alice"}, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a"}, recordIDs(got))

	got, err = a.List(ctx, nil, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, recordIDs(got))
	assert.Equal(t, int64(3), a.Metrics().Retrieved)

	require.NoError(t, backend.CreateCollection(ctx, "archive", 2))
	names, err := a.Collections(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"archive", DefaultCollection}, names)

	require.NoError(t, a.Close())
	_, err = a.List(ctx, nil, 1)
	assert.ErrorIs(t, err, ErrClosed)
}

// stallingBackend blocks collection lookups until the context ends.
type stallingBackend struct {
	*InMemoryStore
}

func (s stallingBackend) DescribeCollection(ctx context.Context, _ string) (CollectionState, bool, error) {
	<-ctx.Done()
	return CollectionState{}, false, ctx.Err()
}

func TestAdapterStartBoundsConnectAndProvision(t *testing.T) {
	log, _ := quietLogger()
	stallOpen := func(ctx context.Context, _ Descriptor, _ OpenOptions) (Backend, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	stallDescribe := openerFor(stallingBackend{NewInMemoryStore(DefaultCollection)})

	for name, open := range map[string]Opener{"open": stallOpen, "provision": stallDescribe} {
		t.Run(name, func(t *testing.T) {
			a := NewAdapter(memoryDescriptor(2), open, WithLogger(log), WithTimeout(20*time.Millisecond))
			start := time.Now()
			_, err := a.Start(context.Background())
			require.ErrorIs(t, err, context.DeadlineExceeded)
			assert.Less(t, time.Since(start), 2*time.Second)
			assert.Equal(t, StateUnconnected, a.State())
		})
	}
}
