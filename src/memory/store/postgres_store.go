package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"github.com/sirupsen/logrus"

	"github.com/Protocol-Lattice/go-memstore/src/memory/errs"
	"github.com/Protocol-Lattice/go-memstore/src/memory/model"
)

// hnswMaxDimensions is the widest vector pgvector can index with HNSW.
const hnswMaxDimensions = 2000

// PostgresStore implements Backend using Postgres + pgvector. Each collection
// is one table with a fixed-width vector column.
type PostgresStore struct {
	DB    *pgxpool.Pool
	table string
	log   logrus.FieldLogger
}

var (
	_ Backend          = (*PostgresStore)(nil)
	_ CollectionLister = (*PostgresStore)(nil)
)

// NewPostgresStore connects to Postgres and verifies the connection.
func NewPostgresStore(ctx context.Context, d Descriptor, opts OpenOptions) (*PostgresStore, error) {
	const op = "postgres.open"
	cfg, err := pgxpool.ParseConfig(d.Endpoint)
	if err != nil {
		return nil, errs.Configuration(op, "invalid %s: %v", KeyDatabaseURL, err)
	}
	if opts.Timeout > 0 {
		cfg.ConnConfig.ConnectTimeout = opts.Timeout
	}
	db, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, classifyPostgres(op, fmt.Errorf("failed to connect to Postgres: %w", err))
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, classifyPostgres(op, fmt.Errorf("failed to connect to Postgres: %w", err))
	}
	return &PostgresStore{DB: db, table: d.Collection, log: loggerOrDefault(opts.Logger)}, nil
}

func quoteIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// pgRowQuerier is the single-row query surface shared by pgxpool.Pool, pgx.Conn
// and pgx.Tx.
type pgRowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DescribeCollection reads the declared width of the embedding column.
// pgvector stores the dimension count as the column's type modifier.
func (ps *PostgresStore) DescribeCollection(ctx context.Context, name string) (CollectionState, bool, error) {
	return describePostgresTable(ctx, ps.DB, name)
}

// describePostgresTable reports a table without a vector embedding column as
// a fatal error: creating over it is impossible and retrying will not help.
func describePostgresTable(ctx context.Context, db pgRowQuerier, name string) (CollectionState, bool, error) {
	const op = "postgres.describe_collection"
	var typmod int
	err := db.QueryRow(ctx, `
        SELECT a.atttypmod
        FROM pg_attribute a
        JOIN pg_class c ON c.oid = a.attrelid
        JOIN pg_namespace n ON n.oid = c.relnamespace
        WHERE c.relname = $1
          AND n.nspname = current_schema()
          AND a.attname = 'embedding'
          AND NOT a.attisdropped
        `, name).Scan(&typmod)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := db.QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`, quoteIdent(name)).Scan(&exists); err != nil {
			return CollectionState{}, false, classifyPostgres(op, err)
		}
		if exists {
			return CollectionState{}, false, errs.Fatalf(op, "table %q exists without a vector column named embedding; choose another collection name", name)
		}
		return CollectionState{}, false, nil
	}
	if err != nil {
		return CollectionState{}, false, classifyPostgres(op, err)
	}
	if typmod <= 0 {
		return CollectionState{}, false, errs.Fatalf(op, "table %q has an embedding column without a fixed dimension", name)
	}
	state := CollectionState{Name: name, Dimensions: typmod}
	if err := db.QueryRow(ctx, `SELECT COUNT(*) FROM `+quoteIdent(name)).Scan(&state.RecordCount); err != nil {
		return CollectionState{}, false, classifyPostgres(op, err)
	}
	return state, true, nil
}

// CreateCollection creates the table and its cosine index. A transaction-level
// advisory lock keyed on the table name serialises creators across processes.
func (ps *PostgresStore) CreateCollection(ctx context.Context, name string, dimensions int) (err error) {
	const op = "postgres.create_collection"
	tx, err := ps.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return classifyPostgres(op, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()
	if _, err = tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, name); err != nil {
		return classifyPostgres(op, err)
	}
	if _, err = tx.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return classifyPostgres(op, err)
	}
	var exists bool
	if err = tx.QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`, quoteIdent(name)).Scan(&exists); err != nil {
		return classifyPostgres(op, err)
	}
	if exists {
		err = ErrCollectionExists
		return err
	}
	table := quoteIdent(name)
	stmt := fmt.Sprintf(`
        CREATE TABLE %s (
            id TEXT PRIMARY KEY,
            content TEXT NOT NULL DEFAULT '',
            metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
            embedding vector(%d) NOT NULL,
            created_at TIMESTAMPTZ NOT NULL DEFAULT now()
        )`, table, dimensions)
	if _, err = tx.Exec(ctx, stmt); err != nil {
		return classifyPostgres(op, err)
	}
	if dimensions <= hnswMaxDimensions {
		idx := quoteIdent(name + "_embedding_idx")
		if _, err = tx.Exec(ctx, fmt.Sprintf(`CREATE INDEX %s ON %s USING hnsw (embedding vector_cosine_ops)`, idx, table)); err != nil {
			return classifyPostgres(op, err)
		}
	} else {
		ps.log.WithFields(logrus.Fields{"table": name, "dimensions": dimensions}).
			Warn("vector too wide for an hnsw index; queries will scan")
	}
	meta := quoteIdent(name + "_metadata_idx")
	if _, err = tx.Exec(ctx, fmt.Sprintf(`CREATE INDEX %s ON %s USING gin (metadata jsonb_path_ops)`, meta, table)); err != nil {
		return classifyPostgres(op, err)
	}
	if err = tx.Commit(ctx); err != nil {
		return classifyPostgres(op, err)
	}
	return nil
}

// Upsert inserts rec or replaces the row with the same id.
func (ps *PostgresStore) Upsert(ctx context.Context, rec model.MemoryRecord) error {
	const op = "postgres.upsert"
	metadataJSON, err := model.EncodeMetadata(rec.Metadata)
	if err != nil {
		return errs.Fatal(op, err)
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	query := fmt.Sprintf(`
        INSERT INTO %s (id, content, metadata, embedding, created_at)
        VALUES ($1, $2, $3::jsonb, $4::vector, $5)
        ON CONFLICT (id) DO UPDATE
        SET content = EXCLUDED.content,
            metadata = EXCLUDED.metadata,
            embedding = EXCLUDED.embedding,
            created_at = EXCLUDED.created_at
        `, quoteIdent(ps.table))
	if _, err := ps.DB.Exec(ctx, query, rec.ID, rec.Content, metadataJSON, pgvector.NewVector(rec.Embedding), createdAt); err != nil {
		return classifyPostgres(op, err)
	}
	return nil
}

// Query returns the k nearest rows by cosine distance. The filter is pushed
// down as JSONB containment and re-checked exactly in Go, since containment
// also matches arrays that merely include the wanted elements.
func (ps *PostgresStore) Query(ctx context.Context, vector []float32, k int, filter model.Filter) ([]model.MemoryRecord, error) {
	const op = "postgres.query"
	if k <= 0 {
		return nil, nil
	}
	filterJSON, err := filter.JSON()
	if err != nil {
		return nil, errs.Fatal(op, err)
	}
	limit := k
	if !filter.Empty() {
		limit = oversample(k)
	}
	rows, err := ps.DB.Query(ctx, fmt.Sprintf(`
        SELECT id, content, metadata::text, embedding, created_at, 1 - (embedding <=> $1::vector) AS score
        FROM %s
        WHERE metadata @> $2::jsonb
        ORDER BY embedding <=> $1::vector, created_at DESC
        LIMIT $3
        `, quoteIdent(ps.table)), pgvector.NewVector(vector), filterJSON, limit)
	if err != nil {
		return nil, classifyPostgres(op, err)
	}
	defer rows.Close()

	var records []model.MemoryRecord
	for rows.Next() {
		rec, err := scanPostgresRecord(rows, true)
		if err != nil {
			return nil, classifyPostgres(op, err)
		}
		if !filter.Match(rec.Metadata) {
			continue
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPostgres(op, err)
	}
	return model.TopK(records, k), nil
}

// List returns the newest rows matching filter. With a filter the SQL limit is
// dropped (LIMIT NULL) and rows are streamed until limit exact matches are
// found, since containment is looser than equality.
func (ps *PostgresStore) List(ctx context.Context, filter model.Filter, limit int) ([]model.MemoryRecord, error) {
	const op = "postgres.list"
	filterJSON, err := filter.JSON()
	if err != nil {
		return nil, errs.Fatal(op, err)
	}
	var sqlLimit any = limit
	if !filter.Empty() {
		sqlLimit = nil
	}
	rows, err := ps.DB.Query(ctx, fmt.Sprintf(`
        SELECT id, content, metadata::text, embedding, created_at
        FROM %s
        WHERE metadata @> $1::jsonb
        ORDER BY created_at DESC, id
        LIMIT $2
        `, quoteIdent(ps.table)), filterJSON, sqlLimit)
	if err != nil {
		return nil, classifyPostgres(op, err)
	}
	defer rows.Close()

	var records []model.MemoryRecord
	for len(records) < limit && rows.Next() {
		rec, err := scanPostgresRecord(rows, false)
		if err != nil {
			return nil, classifyPostgres(op, err)
		}
		if filter.Match(rec.Metadata) {
			records = append(records, rec)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPostgres(op, err)
	}
	return records, nil
}

func scanPostgresRecord(rows pgx.Rows, withScore bool) (model.MemoryRecord, error) {
	var (
		rec          model.MemoryRecord
		metadataText string
		embedding    pgvector.Vector
	)
	dest := []any{&rec.ID, &rec.Content, &metadataText, &embedding, &rec.CreatedAt}
	if withScore {
		dest = append(dest, &rec.Score)
	}
	if err := rows.Scan(dest...); err != nil {
		return model.MemoryRecord{}, err
	}
	rec.Metadata = model.DecodeMetadata(metadataText)
	rec.Embedding = embedding.Slice()
	rec.CreatedAt = rec.CreatedAt.UTC()
	return rec, nil
}

// ListCollections returns tables in the current schema that carry a pgvector
// embedding column.
func (ps *PostgresStore) ListCollections(ctx context.Context) ([]string, error) {
	const op = "postgres.list_collections"
	rows, err := ps.DB.Query(ctx, `
        SELECT c.relname
        FROM pg_attribute a
        JOIN pg_class c ON c.oid = a.attrelid
        JOIN pg_namespace n ON n.oid = c.relnamespace
        JOIN pg_type t ON t.oid = a.atttypid
        WHERE n.nspname = current_schema()
          AND c.relkind = 'r'
          AND a.attname = 'embedding'
          AND t.typname = 'vector'
          AND NOT a.attisdropped
        ORDER BY c.relname
        `)
	if err != nil {
		return nil, classifyPostgres(op, err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, classifyPostgres(op, err)
	}
	return names, nil
}

// Delete removes the row for id; a missing row is not an error.
func (ps *PostgresStore) Delete(ctx context.Context, id string) error {
	_, err := ps.DB.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, quoteIdent(ps.table)), id)
	return classifyPostgres("postgres.delete", err)
}

// HealthCheck pings the server and checks the table is still there.
func (ps *PostgresStore) HealthCheck(ctx context.Context) error {
	const op = "postgres.health_check"
	if err := ps.DB.Ping(ctx); err != nil {
		return classifyPostgres(op, err)
	}
	var exists bool
	if err := ps.DB.QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`, quoteIdent(ps.table)).Scan(&exists); err != nil {
		return classifyPostgres(op, err)
	}
	if !exists {
		return errs.Fatalf(op, "table %q does not exist", ps.table)
	}
	return nil
}

func (ps *PostgresStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := ps.DB.QueryRow(ctx, `SELECT COUNT(*) FROM `+quoteIdent(ps.table)).Scan(&count)
	return count, classifyPostgres("postgres.count", err)
}

func (ps *PostgresStore) Close() error {
	if ps != nil && ps.DB != nil {
		ps.DB.Close()
	}
	return nil
}

// classifyPostgres sorts server errors by SQLSTATE class. Connection,
// resource and serialization failures are worth retrying; authentication,
// permission and syntax errors are not.
func classifyPostgres(op string, err error) error {
	if err == nil || errs.Classified(err) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if retryableSQLState(pgErr.Code) {
			return errs.Retryable(op, err)
		}
		return errs.Fatal(op, err)
	}
	if pgconn.Timeout(err) {
		return errs.Retryable(op, err)
	}
	return classifyTransport(op, err)
}

func retryableSQLState(code string) bool {
	switch {
	case strings.HasPrefix(code, "08"): // connection exception
		return true
	case strings.HasPrefix(code, "53"): // insufficient resources
		return true
	case code == "40001", code == "40P01": // serialization failure, deadlock
		return true
	case code == "57P01", code == "57P02", code == "57P03": // shutdown, cannot connect now
		return true
	}
	return false
}
