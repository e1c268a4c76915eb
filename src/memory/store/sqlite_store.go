package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/Protocol-Lattice/go-memstore/src/memory/errs"
	"github.com/Protocol-Lattice/go-memstore/src/memory/model"
)

// SQLiteStore implements Backend on a local SQLite file. Vectors are stored as
// little-endian float32 blobs and searched by brute force, which suits
// single-node deployments with modest memory counts.
type SQLiteStore struct {
	db    *sql.DB
	table string
	log   logrus.FieldLogger
}

var (
	_ Backend          = (*SQLiteStore)(nil)
	_ CollectionLister = (*SQLiteStore)(nil)
)

const sqliteCatalogSQL = `
CREATE TABLE IF NOT EXISTS vector_collections (
	name TEXT PRIMARY KEY,
	dimensions INTEGER NOT NULL,
	created_at TEXT NOT NULL
)`

// NewSQLiteStore opens (creating if needed) the database at d.Endpoint.
func NewSQLiteStore(ctx context.Context, d Descriptor, opts OpenOptions) (*SQLiteStore, error) {
	const op = "sqlite.open"
	busy := DefaultTimeout
	if opts.Timeout > 0 {
		busy = opts.Timeout
	}
	dsn := sqliteDSN(d.Endpoint, busy)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errs.Configuration(op, "invalid %s: %v", KeySQLitePath, err)
	}
	// One writer at a time; SQLite serialises writes anyway and this avoids
	// SQLITE_BUSY churn between pooled connections.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteCatalogSQL); err != nil {
		_ = db.Close()
		return nil, classifySQLite(op, err)
	}
	return &SQLiteStore{db: db, table: d.Collection, log: loggerOrDefault(opts.Logger)}, nil
}

func sqliteDSN(path string, busy time.Duration) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + q.Encode()
}

func sqliteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (s *SQLiteStore) DescribeCollection(ctx context.Context, name string) (CollectionState, bool, error) {
	const op = "sqlite.describe_collection"
	var dims int
	err := s.db.QueryRowContext(ctx, `SELECT dimensions FROM vector_collections WHERE name = ?`, name).Scan(&dims)
	if errors.Is(err, sql.ErrNoRows) {
		return CollectionState{}, false, nil
	}
	if err != nil {
		return CollectionState{}, false, classifySQLite(op, err)
	}
	state := CollectionState{Name: name, Dimensions: dims}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+sqliteIdent(name)).Scan(&state.RecordCount); err != nil {
		return CollectionState{}, false, classifySQLite(op, err)
	}
	return state, true, nil
}

// CreateCollection registers name in the catalog and creates its table in one
// transaction.
func (s *SQLiteStore) CreateCollection(ctx context.Context, name string, dimensions int) (err error) {
	const op = "sqlite.create_collection"
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifySQLite(op, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO vector_collections (name, dimensions, created_at) VALUES (?, ?, ?) ON CONFLICT(name) DO NOTHING`,
		name, dimensions, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return classifySQLite(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		err = ErrCollectionExists
		return err
	}
	table := sqliteIdent(name)
	stmt := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		embedding BLOB NOT NULL,
		created_at TEXT NOT NULL
	)`, table)
	if _, err = tx.ExecContext(ctx, stmt); err != nil {
		return classifySQLite(op, err)
	}
	if err = tx.Commit(); err != nil {
		return classifySQLite(op, err)
	}
	return nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, rec model.MemoryRecord) error {
	const op = "sqlite.upsert"
	metadataJSON, err := model.EncodeMetadata(rec.Metadata)
	if err != nil {
		return errs.Fatal(op, err)
	}
	blob, err := encodeVector(rec.Embedding)
	if err != nil {
		return errs.Fatal(op, err)
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
	INSERT INTO %s (id, content, metadata, embedding, created_at) VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		content = excluded.content,
		metadata = excluded.metadata,
		embedding = excluded.embedding,
		created_at = excluded.created_at`, sqliteIdent(s.table)),
		rec.ID, rec.Content, metadataJSON, blob, createdAt.UTC().Format(time.RFC3339Nano))
	return classifySQLite(op, err)
}

// scan reads every row whose metadata matches filter.
func (s *SQLiteStore) scan(ctx context.Context, op string, filter model.Filter) ([]model.MemoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT id, content, metadata, embedding, created_at FROM %s`, sqliteIdent(s.table)))
	if err != nil {
		return nil, classifySQLite(op, err)
	}
	defer rows.Close()

	var records []model.MemoryRecord
	for rows.Next() {
		var (
			rec          model.MemoryRecord
			metadataText string
			blob         []byte
			createdAt    string
		)
		if err := rows.Scan(&rec.ID, &rec.Content, &metadataText, &blob, &createdAt); err != nil {
			return nil, classifySQLite(op, err)
		}
		rec.Metadata = model.DecodeMetadata(metadataText)
		if !filter.Match(rec.Metadata) {
			continue
		}
		if rec.Embedding, err = decodeVector(blob); err != nil {
			return nil, errs.Fatal(op, fmt.Errorf("record %q: %w", rec.ID, err))
		}
		rec.CreatedAt = model.TimeFromAny(createdAt).UTC()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classifySQLite(op, err)
	}
	return records, nil
}

// Query scores every row with cosine similarity and keeps the top k.
func (s *SQLiteStore) Query(ctx context.Context, vector []float32, k int, filter model.Filter) ([]model.MemoryRecord, error) {
	if k <= 0 {
		return nil, nil
	}
	records, err := s.scan(ctx, "sqlite.query", filter)
	if err != nil {
		return nil, err
	}
	for i := range records {
		records[i].Score = model.CosineSimilarity(vector, records[i].Embedding)
	}
	return model.TopK(records, k), nil
}

// List returns the newest matching rows. created_at is RFC 3339 text with a
// variable-width fraction, so ordering happens on parsed times in Go.
func (s *SQLiteStore) List(ctx context.Context, filter model.Filter, limit int) ([]model.MemoryRecord, error) {
	records, err := s.scan(ctx, "sqlite.list", filter)
	if err != nil {
		return nil, err
	}
	return model.Newest(records, limit), nil
}

func (s *SQLiteStore) ListCollections(ctx context.Context) ([]string, error) {
	const op = "sqlite.list_collections"
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM vector_collections ORDER BY name`)
	if err != nil {
		return nil, classifySQLite(op, err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, classifySQLite(op, err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, classifySQLite(op, err)
	}
	return names, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, sqliteIdent(s.table)), id)
	return classifySQLite("sqlite.delete", err)
}

// HealthCheck pings the database and checks the collection is registered.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	const op = "sqlite.health_check"
	if err := s.db.PingContext(ctx); err != nil {
		return classifySQLite(op, err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vector_collections WHERE name = ?`, s.table).Scan(&n); err != nil {
		return classifySQLite(op, err)
	}
	if n == 0 {
		return errs.Fatalf(op, "collection %q does not exist", s.table)
	}
	return nil
}

func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+sqliteIdent(s.table)).Scan(&n)
	return n, classifySQLite("sqlite.count", err)
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// classifySQLite treats lock contention as retryable.
func classifySQLite(op string, err error) error {
	if err == nil || errs.Classified(err) {
		return err
	}
	var sqErr *sqlite.Error
	if errors.As(err, &sqErr) {
		switch sqErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return errs.Retryable(op, err)
		}
		return errs.Fatal(op, err)
	}
	return classifyTransport(op, err)
}

// encodeVector writes a length prefix followed by little-endian float32s.
func encodeVector(vector []float32) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Grow(4 + 4*len(vector))
	if err := binary.Write(buf, binary.LittleEndian, int32(len(vector))); err != nil {
		return nil, fmt.Errorf("write vector length: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, vector); err != nil {
		return nil, fmt.Errorf("write vector: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeVector(data []byte) ([]float32, error) {
	if len(data) < 4 {
		return nil, errors.New("vector blob too short")
	}
	r := bytes.NewReader(data)
	var length int32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return nil, fmt.Errorf("read vector length: %w", err)
	}
	if length < 0 || int(length)*4 != len(data)-4 {
		return nil, fmt.Errorf("vector blob holds %d bytes for %d dimensions", len(data)-4, length)
	}
	vector := make([]float32, length)
	if err := binary.Read(r, binary.LittleEndian, vector); err != nil {
		return nil, fmt.Errorf("read vector: %w", err)
	}
	return vector, nil
}
