package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Protocol-Lattice/go-memstore/src/memory/errs"
	"github.com/Protocol-Lattice/go-memstore/src/memory/model"
)

// Neo4jAccessMode controls whether a session is opened for read or write operations.
type Neo4jAccessMode string

const (
	// AccessModeWrite opens a session with write access.
	AccessModeWrite Neo4jAccessMode = "write"
	// AccessModeRead opens a session with read access.
	AccessModeRead Neo4jAccessMode = "read"
)

// Neo4jSessionConfig mirrors the minimal subset of Neo4j session configuration we require.
type Neo4jSessionConfig struct {
	AccessMode   Neo4jAccessMode
	DatabaseName string
}

// neo4jDriver abstracts the Neo4j driver capabilities used by the store so
// tests can provide lightweight fakes.
type neo4jDriver interface {
	NewSession(ctx context.Context, config Neo4jSessionConfig) (neo4jSession, error)
	Close(ctx context.Context) error
}

type neo4jSession interface {
	BeginTransaction(ctx context.Context) (neo4jTransaction, error)
	Run(ctx context.Context, query string, params map[string]any) (neo4jResult, error)
	Close(ctx context.Context) error
}

type neo4jTransaction interface {
	Run(ctx context.Context, query string, params map[string]any) (neo4jResult, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	Close(ctx context.Context) error
}

type neo4jResult interface {
	Next(ctx context.Context) bool
	Record() neo4jRecord
	Err() error
	Close(ctx context.Context) error
}

type neo4jRecord interface {
	Get(key string) (any, bool)
}

// Neo4jStore implements Backend on Neo4j native vector indexes. A collection
// is a node label plus a vector index of the same name on its embedding
// property.
type Neo4jStore struct {
	driver   neo4jDriver
	database string
	label    string
	log      logrus.FieldLogger
	nowFn    func() time.Time
}

var (
	_ Backend          = (*Neo4jStore)(nil)
	_ CollectionLister = (*Neo4jStore)(nil)
)

// ErrNeo4jUnavailable is returned when operations are attempted without a configured driver.
var ErrNeo4jUnavailable = errors.New("neo4j driver not configured")

// NewNeo4jStore builds a store on an existing driver. Use OpenNeo4jStore to
// connect with the official driver.
func NewNeo4jStore(driver neo4jDriver, database, collection string, log logrus.FieldLogger) (*Neo4jStore, error) {
	if driver == nil {
		return nil, errs.Configuration("neo4j.open", "neo4j driver is nil")
	}
	if collection == "" {
		return nil, errs.Configuration("neo4j.open", "neo4j index name is required")
	}
	return &Neo4jStore{
		driver:   driver,
		database: database,
		label:    collection,
		log:      loggerOrDefault(log),
		nowFn:    time.Now,
	}, nil
}

// cypherName backtick-quotes an identifier.
func cypherName(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func (s *Neo4jStore) session(ctx context.Context, mode Neo4jAccessMode) (neo4jSession, error) {
	if s.driver == nil {
		return nil, ErrNeo4jUnavailable
	}
	session, err := s.driver.NewSession(ctx, Neo4jSessionConfig{AccessMode: mode, DatabaseName: s.database})
	if err != nil {
		return nil, fmt.Errorf("neo4j new session: %w", err)
	}
	return session, nil
}

// collect runs a read query and hands each record to fn.
func (s *Neo4jStore) collect(ctx context.Context, query string, params map[string]any, fn func(neo4jRecord) error) error {
	session, err := s.session(ctx, AccessModeRead)
	if err != nil {
		return err
	}
	defer session.Close(ctx)
	result, err := session.Run(ctx, query, params)
	if err != nil {
		return err
	}
	defer result.Close(ctx)
	for result.Next(ctx) {
		if err := fn(result.Record()); err != nil {
			return err
		}
	}
	return result.Err()
}

type neo4jIndexInfo struct {
	Name       string
	State      string
	Dimensions int
}

func (s *Neo4jStore) vectorIndex(ctx context.Context, name string) (neo4jIndexInfo, bool, error) {
	var (
		info  neo4jIndexInfo
		found bool
	)
	err := s.collect(ctx, neo4jShowIndexQuery, map[string]any{"name": name}, func(rec neo4jRecord) error {
		found = true
		info.Name = name
		if v, ok := rec.Get("state"); ok {
			info.State = model.StringFromAny(v)
		}
		if v, ok := rec.Get("options"); ok {
			info.Dimensions = neo4jIndexDimensions(v)
		}
		return nil
	})
	return info, found, err
}

// neo4jIndexDimensions digs vector.dimensions out of SHOW INDEXES options.
func neo4jIndexDimensions(options any) int {
	opts, ok := options.(map[string]any)
	if !ok {
		return 0
	}
	cfg, ok := opts["indexConfig"].(map[string]any)
	if !ok {
		return 0
	}
	return int(model.FloatFromAny(cfg["vector.dimensions"]))
}

// DescribeCollection reports the dimensions declared by the vector index.
func (s *Neo4jStore) DescribeCollection(ctx context.Context, name string) (CollectionState, bool, error) {
	const op = "neo4j.describe_collection"
	info, found, err := s.vectorIndex(ctx, name)
	if err != nil {
		return CollectionState{}, false, classifyNeo4j(op, err)
	}
	if !found {
		return CollectionState{}, false, nil
	}
	if info.Dimensions <= 0 {
		return CollectionState{}, false, errs.Fatalf(op, "vector index %q does not declare vector.dimensions", name)
	}
	state := CollectionState{Name: name, Dimensions: info.Dimensions}
	err = s.collect(ctx, fmt.Sprintf("MATCH (m:%s) RETURN count(m) AS count", cypherName(name)), nil, func(rec neo4jRecord) error {
		if v, ok := rec.Get("count"); ok {
			state.RecordCount = int64(model.FloatFromAny(v))
		}
		return nil
	})
	if err != nil {
		return CollectionState{}, false, classifyNeo4j(op, err)
	}
	return state, true, nil
}

// CreateCollection creates the uniqueness constraint and the cosine vector
// index. The index statement has no IF NOT EXISTS so a lost race surfaces as
// ErrCollectionExists.
func (s *Neo4jStore) CreateCollection(ctx context.Context, name string, dimensions int) error {
	const op = "neo4j.create_collection"
	session, err := s.session(ctx, AccessModeWrite)
	if err != nil {
		return classifyNeo4j(op, err)
	}
	defer session.Close(ctx)
	label := cypherName(name)
	queries := []string{
		fmt.Sprintf("CREATE CONSTRAINT %s IF NOT EXISTS FOR (m:%s) REQUIRE m.id IS UNIQUE", cypherName(name+"_id"), label),
		fmt.Sprintf("CREATE VECTOR INDEX %s FOR (m:%s) ON (m.embedding) OPTIONS {indexConfig: {`vector.dimensions`: %d, `vector.similarity_function`: 'cosine'}}", label, label, dimensions),
	}
	for _, query := range queries {
		res, runErr := session.Run(ctx, query, nil)
		if runErr != nil {
			if neo4jIndexExists(runErr) {
				return ErrCollectionExists
			}
			return classifyNeo4j(op, fmt.Errorf("neo4j schema query: %w", runErr))
		}
		if res != nil {
			_ = res.Close(ctx)
		}
	}
	s.log.WithField("index", name).Info("created neo4j vector index")
	return nil
}

// Upsert merges the node for rec.ID and overwrites its properties.
func (s *Neo4jStore) Upsert(ctx context.Context, rec model.MemoryRecord) error {
	const op = "neo4j.upsert"
	metadataJSON, err := model.EncodeMetadata(rec.Metadata)
	if err != nil {
		return errs.Fatal(op, err)
	}
	session, err := s.session(ctx, AccessModeWrite)
	if err != nil {
		return classifyNeo4j(op, err)
	}
	defer session.Close(ctx)
	tx, err := session.BeginTransaction(ctx)
	if err != nil {
		return classifyNeo4j(op, fmt.Errorf("neo4j begin tx: %w", err))
	}
	defer tx.Close(ctx)
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	params := map[string]any{
		"id":         rec.ID,
		"content":    rec.Content,
		"metadata":   metadataJSON,
		"embedding":  float64Embedding(rec.Embedding),
		"created_at": createdAt.UTC().Format(time.RFC3339Nano),
	}
	res, err := tx.Run(ctx, fmt.Sprintf(neo4jUpsertNodeCypher, cypherName(s.label)), params)
	if err != nil {
		_ = tx.Rollback(ctx)
		return classifyNeo4j(op, fmt.Errorf("neo4j upsert node: %w", err))
	}
	if res != nil {
		_ = res.Close(ctx)
	}
	if err := tx.Commit(ctx); err != nil {
		_ = tx.Rollback(ctx)
		return classifyNeo4j(op, fmt.Errorf("neo4j commit: %w", err))
	}
	return nil
}

// Query calls db.index.vector.queryNodes. The search is always oversampled:
// metadata is filtered in Go after retrieval and equal scores come back in
// index order, not by recency.
func (s *Neo4jStore) Query(ctx context.Context, vector []float32, k int, filter model.Filter) ([]model.MemoryRecord, error) {
	const op = "neo4j.query"
	if k <= 0 {
		return nil, nil
	}
	params := map[string]any{
		"index":  s.label,
		"k":      oversample(k),
		"vector": float64Embedding(vector),
	}
	var records []model.MemoryRecord
	err := s.collect(ctx, neo4jQueryNodesCypher, params, func(r neo4jRecord) error {
		rec, err := mapNeo4jRecord(r)
		if err != nil {
			return err
		}
		if filter.Match(rec.Metadata) {
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, classifyNeo4j(op, err)
	}
	return model.TopK(records, k), nil
}

// Delete detaches and deletes the node for id.
// List matches every node of the label. Metadata lives in a JSON string
// property, so a filter is applied in Go and the LIMIT is only pushed down
// without one.
func (s *Neo4jStore) List(ctx context.Context, filter model.Filter, limit int) ([]model.MemoryRecord, error) {
	const op = "neo4j.list"
	query := fmt.Sprintf(neo4jListNodesCypher, cypherName(s.label))
	var params map[string]any
	if filter.Empty() {
		query += "LIMIT $limit\n"
		params = map[string]any{"limit": limit}
	}
	var records []model.MemoryRecord
	err := s.collect(ctx, query, params, func(r neo4jRecord) error {
		rec, err := mapNeo4jRecord(r)
		if err != nil {
			return err
		}
		if filter.Match(rec.Metadata) {
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, classifyNeo4j(op, err)
	}
	return model.Newest(records, limit), nil
}

// ListCollections returns the names of the database's vector indexes.
func (s *Neo4jStore) ListCollections(ctx context.Context) ([]string, error) {
	var names []string
	err := s.collect(ctx, neo4jListIndexesQuery, nil, func(r neo4jRecord) error {
		if v, ok := r.Get("name"); ok {
			names = append(names, model.StringFromAny(v))
		}
		return nil
	})
	if err != nil {
		return nil, classifyNeo4j("neo4j.list_collections", err)
	}
	return names, nil
}

func (s *Neo4jStore) Delete(ctx context.Context, id string) error {
	const op = "neo4j.delete"
	session, err := s.session(ctx, AccessModeWrite)
	if err != nil {
		return classifyNeo4j(op, err)
	}
	defer session.Close(ctx)
	res, err := session.Run(ctx, fmt.Sprintf("MATCH (m:%s {id: $id}) DETACH DELETE m", cypherName(s.label)), map[string]any{"id": id})
	if err != nil {
		return classifyNeo4j(op, err)
	}
	if res != nil {
		_ = res.Close(ctx)
	}
	return nil
}

// HealthCheck requires the vector index to exist and be ONLINE. An index
// still populating is retryable.
func (s *Neo4jStore) HealthCheck(ctx context.Context) error {
	const op = "neo4j.health_check"
	info, found, err := s.vectorIndex(ctx, s.label)
	if err != nil {
		return classifyNeo4j(op, err)
	}
	if !found {
		return errs.Fatalf(op, "vector index %q does not exist", s.label)
	}
	switch strings.ToUpper(info.State) {
	case "ONLINE":
		return nil
	case "POPULATING":
		return errs.Retryable(op, fmt.Errorf("vector index %q is still populating", s.label))
	}
	return errs.Fatalf(op, "vector index %q is %s", s.label, info.State)
}

func (s *Neo4jStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.collect(ctx, fmt.Sprintf("MATCH (m:%s) RETURN count(m) AS count", cypherName(s.label)), nil, func(rec neo4jRecord) error {
		if v, ok := rec.Get("count"); ok {
			count = int64(model.FloatFromAny(v))
		}
		return nil
	})
	return count, classifyNeo4j("neo4j.count", err)
}

// Close releases the Neo4j driver.
func (s *Neo4jStore) Close() error {
	if s == nil || s.driver == nil {
		return nil
	}
	return s.driver.Close(context.Background())
}

func (s *Neo4jStore) now() time.Time {
	if s == nil || s.nowFn == nil {
		return time.Now().UTC()
	}
	return s.nowFn().UTC()
}

const (
	neo4jListIndexesQuery = `
SHOW INDEXES YIELD name, type
WHERE type = 'VECTOR'
RETURN name
ORDER BY name
`
	// created_at is RFC 3339 text; datetime() orders it chronologically.
	neo4jListNodesCypher = `
MATCH (m:%s)
RETURN m.id AS id,
       m.content AS content,
       m.metadata_json AS metadata,
       m.embedding AS embedding,
       m.created_at AS created_at
ORDER BY datetime(m.created_at) DESC, m.id
`
	neo4jShowIndexQuery = `
SHOW INDEXES YIELD name, type, state, options
WHERE type = 'VECTOR' AND name = $name
RETURN name, state, options
`
	neo4jUpsertNodeCypher = `
MERGE (m:%s {id: $id})
SET m.content = $content,
    m.metadata_json = $metadata,
    m.embedding = $embedding,
    m.created_at = $created_at
`
	neo4jQueryNodesCypher = `
CALL db.index.vector.queryNodes($index, $k, $vector)
YIELD node, score
RETURN node.id AS id,
       node.content AS content,
       node.metadata_json AS metadata,
       node.embedding AS embedding,
       node.created_at AS created_at,
       score
`
)

// mapNeo4jRecord converts a queryNodes row. Neo4j reports cosine similarity
// as (1 + cos) / 2; the score is mapped back to the cosine.
func mapNeo4jRecord(rec neo4jRecord) (model.MemoryRecord, error) {
	if rec == nil {
		return model.MemoryRecord{}, errors.New("neo4j record is nil")
	}
	var out model.MemoryRecord
	if v, ok := rec.Get("id"); ok {
		out.ID = model.StringFromAny(v)
	}
	if v, ok := rec.Get("content"); ok {
		out.Content = model.StringFromAny(v)
	}
	out.Metadata = map[string]any{}
	if v, ok := rec.Get("metadata"); ok {
		out.Metadata = model.MetadataFromAny(v)
	}
	if v, ok := rec.Get("embedding"); ok {
		out.Embedding = model.Float32FromAny(v)
	}
	if v, ok := rec.Get("created_at"); ok {
		out.CreatedAt = model.TimeFromAny(v).UTC()
	}
	if v, ok := rec.Get("score"); ok {
		out.Score = 2*model.FloatFromAny(v) - 1
	}
	return out, nil
}
