package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Protocol-Lattice/go-memstore/src/memory/errs"
	"github.com/Protocol-Lattice/go-memstore/src/memory/model"
)

func sqliteDescriptor(t *testing.T, dims int) Descriptor {
	t.Helper()
	return Descriptor{
		Provider:   ProviderSQLite,
		Endpoint:   filepath.Join(t.TempDir(), "memories.db"),
		Collection: DefaultCollection,
		Dimensions: dims,
	}
}

func TestSQLiteStoreThroughAdapter(t *testing.T) {
	ctx := context.Background()
	log, _ := quietLogger()
	a := NewAdapter(sqliteDescriptor(t, 3), nil, WithLogger(log))
	res, err := a.Start(ctx)
	require.NoError(t, err)
	assert.True(t, res.Created)
	defer a.Close()

	_, err = a.Upsert(ctx, model.MemoryRecord{ID: "m1", Content: "one", Embedding: []float32{1, 0, 0}, Metadata: map[string]any{"user_id": "alice"}})
	require.NoError(t, err)
	_, err = a.Upsert(ctx, model.MemoryRecord{ID: "m2", Content: "two", Embedding: []float32{0, 1, 0}, Metadata: map[string]any{"user_id": "bob"}})
	require.NoError(t, err)

	got, err := a.Query(ctx, []float32{1, 0, 0}, 1, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "m1", got[0].ID)
	assert.Equal(t, "one", got[0].Content)
	assert.Equal(t, []float32{1, 0, 0}, got[0].Embedding)
	assert.Equal(t, map[string]any{"user_id": "alice"}, got[0].Metadata)
	assert.InDelta(t, 1.0, got[0].Score, 1e-6)

	got, err = a.Query(ctx, []float32{1, 0, 0}, 5, model.Filter{"user_id": "bob"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "m2", got[0].ID)

	require.NoError(t, a.Delete(ctx, "m1"))
	require.NoError(t, a.Delete(ctx, "m1"))
	n, err := a.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	require.NoError(t, a.HealthCheck(ctx))
}

func TestSQLiteStoreSchemaMismatchAcrossOpens(t *testing.T) {
	ctx := context.Background()
	log, _ := quietLogger()
	d := sqliteDescriptor(t, 1536)

	first := NewAdapter(d, nil, WithLogger(log))
	_, err := first.Start(ctx)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	again := NewAdapter(d, nil, WithLogger(log))
	res, err := again.Start(ctx)
	require.NoError(t, err)
	assert.False(t, res.Created)
	require.NoError(t, again.Close())

	second := NewAdapter(d.WithDimensions(768), nil, WithLogger(log))
	_, err = second.Start(ctx)
	require.ErrorIs(t, err, errs.ErrSchemaMismatch)

	s, err := NewSQLiteStore(ctx, d, OpenOptions{Logger: log})
	require.NoError(t, err)
	defer s.Close()
	state, ok, err := s.DescribeCollection(ctx, DefaultCollection)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1536, state.Dimensions)
}

// Fractional seconds make RFC 3339 text sort out of chronological order
// ("05.5Z" < "05Z"), so listing must order on parsed times.
func TestSQLiteStoreListNewestFirst(t *testing.T) {
	ctx := context.Background()
	d := sqliteDescriptor(t, 2)
	s, err := NewSQLiteStore(ctx, d, OpenOptions{})
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.CreateCollection(ctx, DefaultCollection, 2))

	base := time.Date(2026, 5, 1, 9, 0, 5, 0, time.UTC)
	records := []model.MemoryRecord{
		{ID: "whole", CreatedAt: base, Metadata: map[string]any{"user_id": "alice"}},
		{ID: "half", CreatedAt: base.Add(500 * time.Millisecond), Metadata: map[string]any{"user_id": "alice"}},
		{ID: "later", CreatedAt: base.Add(time.Second), Metadata: map[string]any{"user_id": "bob"}},
	}
	for _, rec := range records {
		rec.Embedding = []float32{1, 0}
		require.NoError(t, s.Upsert(ctx, rec))
	}

	got, err := s.List(ctx, nil, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"later", "half", "whole"}, recordIDs(got))
	assert.Equal(t, []float32{1, 0}, got[0].Embedding)

	got, err = s.List(ctx, model.Filter{"user_id": "alice"}, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"half"}, recordIDs(got))

	require.NoError(t, s.CreateCollection(ctx, "archive", 2))
	names, err := s.ListCollections(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"archive", DefaultCollection}, names)
}

func TestSQLiteStoreCreateCollectionOnce(t *testing.T) {
	ctx := context.Background()
	d := sqliteDescriptor(t, 4)
	s, err := NewSQLiteStore(ctx, d, OpenOptions{})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.CreateCollection(ctx, "notes", 4))
	assert.ErrorIs(t, s.CreateCollection(ctx, "notes", 4), ErrCollectionExists)
}

func TestSQLiteStoreHealthCheckWithoutCollection(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteStore(ctx, sqliteDescriptor(t, 4), OpenOptions{})
	require.NoError(t, err)
	defer s.Close()
	assert.ErrorIs(t, s.HealthCheck(ctx), errs.ErrFatal)
}

func TestVectorBlobEncoding(t *testing.T) {
	in := []float32{0.25, -1.5, 3}
	blob, err := encodeVector(in)
	require.NoError(t, err)
	assert.Len(t, blob, 4+4*len(in))

	out, err := decodeVector(blob)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = decodeVector(blob[:len(blob)-1])
	assert.Error(t, err)
	_, err = decodeVector([]byte{1})
	assert.Error(t, err)
}

func TestSQLiteDSN(t *testing.T) {
	dsn := sqliteDSN("/tmp/m.db", DefaultTimeout)
	assert.Contains(t, dsn, "/tmp/m.db?")
	assert.Contains(t, dsn, "busy_timeout%2815000%29")
	assert.Contains(t, sqliteDSN("file:m.db?mode=rwc", DefaultTimeout), "mode=rwc&_pragma=")
}
