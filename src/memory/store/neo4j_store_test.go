package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	neo4j "github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Protocol-Lattice/go-memstore/src/memory/errs"
	"github.com/Protocol-Lattice/go-memstore/src/memory/model"
)

type runCall struct {
	query  string
	params map[string]any
}

// scriptedHandler answers one query; returning nil records yields an empty result.
type scriptedHandler func(query string, params map[string]any) ([]map[string]any, error)

type fakeDriver struct {
	handler  scriptedHandler
	sessions []*fakeSession
	configs  []Neo4jSessionConfig
	closed   bool
}

func (d *fakeDriver) NewSession(_ context.Context, config Neo4jSessionConfig) (neo4jSession, error) {
	d.configs = append(d.configs, config)
	s := &fakeSession{handler: d.handler}
	d.sessions = append(d.sessions, s)
	return s, nil
}

func (d *fakeDriver) Close(context.Context) error {
	d.closed = true
	return nil
}

func (d *fakeDriver) calls() []runCall {
	var out []runCall
	for _, s := range d.sessions {
		out = append(out, s.runCalls...)
		if s.tx != nil {
			out = append(out, s.tx.runs...)
		}
	}
	return out
}

type fakeSession struct {
	handler  scriptedHandler
	tx       *fakeTx
	runCalls []runCall
	closed   bool
}

func (s *fakeSession) BeginTransaction(context.Context) (neo4jTransaction, error) {
	s.tx = &fakeTx{handler: s.handler}
	return s.tx, nil
}

func (s *fakeSession) Run(_ context.Context, query string, params map[string]any) (neo4jResult, error) {
	s.runCalls = append(s.runCalls, runCall{query: query, params: params})
	return answer(s.handler, query, params)
}

func (s *fakeSession) Close(context.Context) error {
	s.closed = true
	return nil
}

type fakeTx struct {
	handler    scriptedHandler
	runs       []runCall
	committed  bool
	rolledBack bool
	closed     bool
}

func (tx *fakeTx) Run(_ context.Context, query string, params map[string]any) (neo4jResult, error) {
	tx.runs = append(tx.runs, runCall{query: query, params: params})
	return answer(tx.handler, query, params)
}

func (tx *fakeTx) Commit(context.Context) error {
	tx.committed = true
	return nil
}

func (tx *fakeTx) Rollback(context.Context) error {
	tx.rolledBack = true
	return nil
}

func (tx *fakeTx) Close(context.Context) error {
	tx.closed = true
	return nil
}

func answer(h scriptedHandler, query string, params map[string]any) (neo4jResult, error) {
	if h == nil {
		return &fakeResult{}, nil
	}
	records, err := h(query, params)
	if err != nil {
		return nil, err
	}
	return &fakeResult{records: records}, nil
}

type fakeResult struct {
	records []map[string]any
	idx     int
	err     error
	closed  bool
}

func (r *fakeResult) Next(_ context.Context) bool {
	if r.idx >= len(r.records) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeResult) Record() neo4jRecord {
	if r.idx == 0 || r.idx > len(r.records) {
		return fakeRecord(nil)
	}
	return fakeRecord(r.records[r.idx-1])
}

func (r *fakeResult) Err() error { return r.err }

func (r *fakeResult) Close(context.Context) error {
	r.closed = true
	return nil
}

type fakeRecord map[string]any

func (r fakeRecord) Get(key string) (any, bool) {
	if r == nil {
		return nil, false
	}
	v, ok := r[key]
	return v, ok
}

func vectorIndexRow(state string, dims int64) map[string]any {
	return map[string]any{
		"name":  DefaultCollection,
		"state": state,
		"options": map[string]any{
			"indexProvider": "vector-2.0",
			"indexConfig": map[string]any{
				"vector.dimensions":          dims,
				"vector.similarity_function": "COSINE",
			},
		},
	}
}

func newTestNeo4jStore(t *testing.T, h scriptedHandler) (*Neo4jStore, *fakeDriver) {
	t.Helper()
	driver := &fakeDriver{handler: h}
	log, _ := quietLogger()
	s, err := NewNeo4jStore(driver, "neo4j", DefaultCollection, log)
	require.NoError(t, err)
	return s, driver
}

func TestNewNeo4jStoreValidation(t *testing.T) {
	_, err := NewNeo4jStore(nil, "neo4j", DefaultCollection, nil)
	assert.ErrorIs(t, err, errs.ErrConfiguration)
	_, err = NewNeo4jStore(&fakeDriver{}, "neo4j", "", nil)
	assert.ErrorIs(t, err, errs.ErrConfiguration)
}

func TestNeo4jDescribeCollection(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestNeo4jStore(t, func(string, map[string]any) ([]map[string]any, error) { return nil, nil })
	_, exists, err := s.DescribeCollection(ctx, DefaultCollection)
	require.NoError(t, err)
	assert.False(t, exists)

	s, driver := newTestNeo4jStore(t, func(query string, params map[string]any) ([]map[string]any, error) {
		switch {
		case strings.Contains(query, "SHOW INDEXES"):
			assert.Equal(t, DefaultCollection, params["name"])
			return []map[string]any{vectorIndexRow("ONLINE", 1536)}, nil
		case strings.Contains(query, "count(m)"):
			return []map[string]any{{"count": int64(7)}}, nil
		}
		return nil, nil
	})
	state, exists, err := s.DescribeCollection(ctx, DefaultCollection)
	require.NoError(t, err)
	require.True(t, exists)
	assert.Equal(t, CollectionState{Name: DefaultCollection, Dimensions: 1536, RecordCount: 7}, state)
	for _, cfg := range driver.configs {
		assert.Equal(t, AccessModeRead, cfg.AccessMode)
		assert.Equal(t, "neo4j", cfg.DatabaseName)
	}
}

func TestNeo4jCreateCollection(t *testing.T) {
	s, driver := newTestNeo4jStore(t, nil)
	require.NoError(t, s.CreateCollection(context.Background(), DefaultCollection, 768))

	calls := driver.calls()
	require.Len(t, calls, 2)
	assert.Contains(t, calls[0].query, "REQUIRE m.id IS UNIQUE")
	assert.Contains(t, calls[1].query, "CREATE VECTOR INDEX `mem0_memories`")
	assert.Contains(t, calls[1].query, "`vector.dimensions`: 768")
	assert.Contains(t, calls[1].query, "'cosine'")
	assert.NotContains(t, calls[1].query, "IF NOT EXISTS")
	assert.Equal(t, AccessModeWrite, driver.configs[0].AccessMode)
}

func TestNeo4jCreateCollectionLostRace(t *testing.T) {
	exists := &neo4j.Neo4jError{Code: "Neo.ClientError.Schema.EquivalentSchemaRuleAlreadyExists", Msg: "index exists"}
	s, _ := newTestNeo4jStore(t, func(query string, _ map[string]any) ([]map[string]any, error) {
		if strings.Contains(query, "VECTOR INDEX") {
			return nil, exists
		}
		return nil, nil
	})
	assert.ErrorIs(t, s.CreateCollection(context.Background(), DefaultCollection, 768), ErrCollectionExists)
}

func TestNeo4jUpsert(t *testing.T) {
	s, driver := newTestNeo4jStore(t, nil)
	created := time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)
	require.NoError(t, s.Upsert(context.Background(), model.MemoryRecord{
		ID:        "m1",
		Content:   "works night shifts",
		Embedding: []float32{0.5, 0.25},
		Metadata:  map[string]any{"user_id": "alice"},
		CreatedAt: created,
	}))

	tx := driver.sessions[0].tx
	require.NotNil(t, tx)
	assert.True(t, tx.committed)
	assert.False(t, tx.rolledBack)
	require.Len(t, tx.runs, 1)
	assert.Contains(t, tx.runs[0].query, "MERGE (m:`mem0_memories` {id: $id})")
	params := tx.runs[0].params
	assert.Equal(t, "m1", params["id"])
	assert.Equal(t, `{"user_id":"alice"}`, params["metadata"])
	assert.Equal(t, []float64{0.5, 0.25}, params["embedding"])
	assert.Equal(t, created.Format(time.RFC3339Nano), params["created_at"])
}

func TestNeo4jUpsertRollsBackOnError(t *testing.T) {
	s, driver := newTestNeo4jStore(t, func(string, map[string]any) ([]map[string]any, error) {
		return nil, errors.New("constraint violated")
	})
	err := s.Upsert(context.Background(), model.MemoryRecord{ID: "m1", Embedding: []float32{1}})
	require.ErrorIs(t, err, errs.ErrFatal)
	tx := driver.sessions[0].tx
	assert.True(t, tx.rolledBack)
	assert.False(t, tx.committed)
}

func TestNeo4jQuery(t *testing.T) {
	created := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC).Format(time.RFC3339Nano)
	s, _ := newTestNeo4jStore(t, func(query string, params map[string]any) ([]map[string]any, error) {
		require.Contains(t, query, "db.index.vector.queryNodes")
		assert.Equal(t, DefaultCollection, params["index"])
		return []map[string]any{
			{"id": "a", "content": "alpha", "metadata": `{"user_id":"alice"}`, "embedding": []any{1.0, 0.0}, "created_at": created, "score": 1.0},
			{"id": "b", "content": "beta", "metadata": `{"user_id":"bob"}`, "embedding": []any{0.6, 0.8}, "created_at": created, "score": 0.8},
			{"id": "c", "content": "gamma", "metadata": `{"user_id":"alice"}`, "embedding": []any{0.0, 1.0}, "created_at": created, "score": 0.5},
		}, nil
	})

	got, err := s.Query(context.Background(), []float32{1, 0}, 2, model.Filter{"user_id": "alice"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.InDelta(t, 1.0, got[0].Score, 1e-9)
	assert.Equal(t, "c", got[1].ID)
	assert.InDelta(t, 0.0, got[1].Score, 1e-9)
	assert.Equal(t, []float32{1, 0}, got[0].Embedding)
	assert.Equal(t, 2025, got[0].CreatedAt.Year())
}

func TestNeo4jQueryOversamples(t *testing.T) {
	var limits []any
	s, _ := newTestNeo4jStore(t, func(_ string, params map[string]any) ([]map[string]any, error) {
		limits = append(limits, params["k"])
		return nil, nil
	})
	_, err := s.Query(context.Background(), []float32{1}, 3, nil)
	require.NoError(t, err)
	_, err = s.Query(context.Background(), []float32{1}, 3, model.Filter{"x": 1})
	require.NoError(t, err)
	_, err = s.Query(context.Background(), []float32{1}, 20, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{64, 64, 80}, limits)
}

func TestNeo4jList(t *testing.T) {
	base := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	rows := []map[string]any{
		{"id": "c", "metadata": `{"user_id":"alice"}`, "created_at": base.Add(2 * time.Second).Format(time.RFC3339Nano)},
		{"id": "b", "metadata": `{"user_id":"bob"}`, "created_at": base.Add(1500 * time.Millisecond).Format(time.RFC3339Nano)},
		{"id": "a", "metadata": `{"user_id":"alice"}`, "created_at": base.Format(time.RFC3339Nano)},
	}
	s, driver := newTestNeo4jStore(t, func(query string, params map[string]any) ([]map[string]any, error) {
		require.Contains(t, query, "ORDER BY datetime(m.created_at) DESC")
		return rows, nil
	})

	got, err := s.List(context.Background(), nil, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b"}, recordIDs(got))

	got, err = s.List(context.Background(), model.Filter{"user_id": "alice"}, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a"}, recordIDs(got))

	calls := driver.calls()
	require.Len(t, calls, 2)
	assert.Contains(t, calls[0].query, "LIMIT $limit")
	assert.Equal(t, 2, calls[0].params["limit"])
	assert.NotContains(t, calls[1].query, "LIMIT")
}

func TestNeo4jListCollections(t *testing.T) {
	s, _ := newTestNeo4jStore(t, func(query string, _ map[string]any) ([]map[string]any, error) {
		require.Contains(t, query, "type = 'VECTOR'")
		return []map[string]any{{"name": "episodes"}, {"name": DefaultCollection}}, nil
	})
	names, err := s.ListCollections(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"episodes", DefaultCollection}, names)
}

func TestNeo4jDelete(t *testing.T) {
	s, driver := newTestNeo4jStore(t, nil)
	require.NoError(t, s.Delete(context.Background(), "m1"))
	calls := driver.calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].query, "DETACH DELETE m")
	assert.Equal(t, "m1", calls[0].params["id"])
}

func TestNeo4jHealthCheck(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		rows      []map[string]any
		retryable bool
		fatal     bool
	}{
		{rows: []map[string]any{vectorIndexRow("ONLINE", 8)}},
		{rows: []map[string]any{vectorIndexRow("POPULATING", 8)}, retryable: true},
		{rows: []map[string]any{vectorIndexRow("FAILED", 8)}, fatal: true},
		{rows: nil, fatal: true},
	}
	for _, tc := range cases {
		s, _ := newTestNeo4jStore(t, func(string, map[string]any) ([]map[string]any, error) { return tc.rows, nil })
		err := s.HealthCheck(ctx)
		switch {
		case tc.retryable:
			assert.True(t, errs.IsRetryable(err))
		case tc.fatal:
			assert.ErrorIs(t, err, errs.ErrFatal)
		default:
			assert.NoError(t, err)
		}
	}
}

func TestClassifyNeo4j(t *testing.T) {
	auth := &neo4j.Neo4jError{Code: "Neo.ClientError.Security.Unauthorized", Msg: "bad credentials"}
	assert.ErrorIs(t, classifyNeo4j("op", auth), errs.ErrFatal)

	transient := &neo4j.Neo4jError{Code: "Neo.TransientError.Transaction.DeadlockDetected", Msg: "deadlock"}
	assert.True(t, errs.IsRetryable(classifyNeo4j("op", transient)))

	syntax := &neo4j.Neo4jError{Code: "Neo.ClientError.Statement.SyntaxError", Msg: "oops"}
	assert.ErrorIs(t, classifyNeo4j("op", syntax), errs.ErrFatal)

	assert.True(t, errs.IsRetryable(classifyNeo4j("op", context.DeadlineExceeded)))
	assert.Nil(t, classifyNeo4j("op", nil))
}

func TestNeo4jClose(t *testing.T) {
	s, driver := newTestNeo4jStore(t, nil)
	require.NoError(t, s.Close())
	assert.True(t, driver.closed)
}
