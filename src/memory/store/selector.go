package store

import (
	"context"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/Protocol-Lattice/go-memstore/src/memory/errs"
)

// Setting keys read by Select.
const (
	KeyProvider = "VECTOR_STORE_PROVIDER"

	KeyDatabaseURL   = "DATABASE_URL"
	KeyPostgresTable = "POSTGRES_TABLE_NAME"

	KeyQdrantURL        = "QDRANT_URL"
	KeyQdrantAPIKey     = "QDRANT_API_KEY"
	KeyQdrantCollection = "QDRANT_COLLECTION_NAME"

	KeyMongoURI        = "MONGODB_URI"
	KeyMongoDatabase   = "MONGODB_DATABASE"
	KeyMongoCollection = "MONGODB_COLLECTION"

	KeyNeo4jURI      = "NEO4J_URI"
	KeyNeo4jUsername = "NEO4J_USERNAME"
	KeyNeo4jPassword = "NEO4J_PASSWORD"
	KeyNeo4jDatabase = "NEO4J_DATABASE"
	KeyNeo4jIndex    = "NEO4J_INDEX_NAME"

	KeySQLitePath  = "SQLITE_PATH"
	KeySQLiteTable = "SQLITE_TABLE_NAME"

	KeyMemoryCollection = "MEMORY_COLLECTION_NAME"
)

const (
	defaultQdrantURL     = "http://localhost:6333"
	defaultMongoDatabase = "mem0"
	defaultNeo4jUser     = "neo4j"
	defaultNeo4jDatabase = "neo4j"
	defaultSQLitePath    = "mem0.db"
)

// ParseProvider maps a configured tag onto a supported Provider. An empty tag
// selects DefaultProvider; anything unknown is a configuration error.
func ParseProvider(tag string) (Provider, error) {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if tag == "" {
		return DefaultProvider, nil
	}
	p := Provider(tag)
	if !supported(p) {
		names := lo.Map(Providers(), func(p Provider, _ int) string { return string(p) })
		return "", errs.Configuration("store.select", "unsupported vector store provider %q (supported: %s)", tag, strings.Join(names, ", "))
	}
	return p, nil
}

// Select builds the Descriptor for the provider named in settings.
//
// There is no cascade across backends: a missing provider selects
// DefaultProvider and nothing else, so memories are never written to a store
// the operator did not choose. Dimensions are left unresolved.
func Select(settings map[string]string) (Descriptor, error) {
	get := func(key, fallback string) string {
		if v := strings.TrimSpace(settings[key]); v != "" {
			return v
		}
		return fallback
	}
	provider, err := ParseProvider(settings[KeyProvider])
	if err != nil {
		return Descriptor{}, err
	}
	d := Descriptor{Provider: provider}
	switch provider {
	case ProviderPostgres:
		d.Endpoint = get(KeyDatabaseURL, "")
		d.Collection = get(KeyPostgresTable, DefaultCollection)
	case ProviderQdrant:
		d.Endpoint = strings.TrimRight(get(KeyQdrantURL, defaultQdrantURL), "/")
		d.Credential = get(KeyQdrantAPIKey, "")
		d.Collection = get(KeyQdrantCollection, DefaultCollection)
	case ProviderMongoDB:
		d.Endpoint = get(KeyMongoURI, "")
		d.Database = get(KeyMongoDatabase, defaultMongoDatabase)
		d.Collection = get(KeyMongoCollection, DefaultCollection)
	case ProviderNeo4j:
		d.Endpoint = get(KeyNeo4jURI, "")
		d.Username = get(KeyNeo4jUsername, defaultNeo4jUser)
		d.Credential = get(KeyNeo4jPassword, "")
		d.Database = get(KeyNeo4jDatabase, defaultNeo4jDatabase)
		d.Collection = get(KeyNeo4jIndex, DefaultCollection)
	case ProviderSQLite:
		d.Endpoint = get(KeySQLitePath, defaultSQLitePath)
		d.Collection = get(KeySQLiteTable, DefaultCollection)
	case ProviderMemory:
		d.Collection = get(KeyMemoryCollection, DefaultCollection)
	}
	if err := d.Validate(); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}

// OpenOptions carries the process-wide settings a backend needs to connect.
type OpenOptions struct {
	// Timeout bounds each request to the backend.
	Timeout time.Duration
	Logger  logrus.FieldLogger
}

// Opener connects to the backend a Descriptor names.
type Opener func(ctx context.Context, d Descriptor, opts OpenOptions) (Backend, error)

// DefaultOpener connects to every provider this package ships.
func DefaultOpener(ctx context.Context, d Descriptor, opts OpenOptions) (Backend, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if !d.Resolved() {
		return nil, errs.Configuration("store.open", "vector dimensions for %q are not resolved", d.Collection)
	}
	var (
		backend Backend
		err     error
	)
	switch d.Provider {
	case ProviderPostgres:
		backend, err = nonNil(NewPostgresStore(ctx, d, opts))
	case ProviderQdrant:
		backend = NewQdrantStore(d, opts)
	case ProviderMongoDB:
		backend, err = nonNil(NewMongoStore(ctx, d, opts))
	case ProviderNeo4j:
		backend, err = nonNil(OpenNeo4jStore(ctx, d, opts))
	case ProviderSQLite:
		backend, err = nonNil(NewSQLiteStore(ctx, d, opts))
	case ProviderMemory:
		backend = NewInMemoryStore(d.Collection)
	default:
		return nil, errs.Configuration("store.open", "unsupported vector store provider %q", d.Provider)
	}
	if err != nil {
		return nil, err
	}
	return backend, nil
}

// nonNil keeps a failed constructor's typed nil pointer out of the Backend
// interface.
func nonNil[T Backend](b T, err error) (Backend, error) {
	if err != nil {
		return nil, err
	}
	return b, nil
}

func loggerOrDefault(l logrus.FieldLogger) logrus.FieldLogger {
	if l == nil {
		return logrus.StandardLogger()
	}
	return l
}
