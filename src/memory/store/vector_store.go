package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/Protocol-Lattice/go-memstore/src/memory/errs"
	"github.com/Protocol-Lattice/go-memstore/src/memory/model"
)

// Provider tags a supported backend.
type Provider string

const (
	// ProviderPostgres is Postgres with the pgvector extension. It is the default.
	ProviderPostgres Provider = "postgres"
	ProviderQdrant   Provider = "qdrant"
	ProviderMongoDB  Provider = "mongodb"
	ProviderNeo4j    Provider = "neo4j"
	ProviderSQLite   Provider = "sqlite"
	// ProviderMemory keeps everything in process; for tests and local runs.
	ProviderMemory Provider = "memory"
)

// DefaultProvider is selected when no provider is configured.
const DefaultProvider = ProviderPostgres

// DefaultCollection is the collection/table name used when none is configured.
const DefaultCollection = "mem0_memories"

// Providers lists every supported provider tag.
func Providers() []Provider {
	return []Provider{ProviderPostgres, ProviderQdrant, ProviderMongoDB, ProviderNeo4j, ProviderSQLite, ProviderMemory}
}

// Descriptor identifies one backend and the collection the adapter works on.
// It is built once at startup and treated as immutable.
type Descriptor struct {
	Provider   Provider
	Endpoint   string
	Credential string
	// Username accompanies Credential for backends with user/password auth.
	Username string
	// Database selects a database inside the backend where the backend has them.
	Database   string
	Collection string
	// Dimensions is zero until resolved from the embedding model.
	Dimensions int
}

// WithDimensions returns a copy of d with the resolved vector width.
func (d Descriptor) WithDimensions(n int) Descriptor {
	d.Dimensions = n
	return d
}

// Resolved reports whether the vector width has been set.
func (d Descriptor) Resolved() bool { return d.Dimensions > 0 }

// String renders the descriptor without its credential.
func (d Descriptor) String() string {
	cred := ""
	if d.Credential != "" {
		cred = " credential=***"
	}
	return fmt.Sprintf("%s endpoint=%q collection=%q dimensions=%d%s", d.Provider, redactEndpoint(d.Endpoint), d.Collection, d.Dimensions, cred)
}

var collectionName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// Validate checks the fields each provider needs.
func (d Descriptor) Validate() error {
	const op = "descriptor.validate"
	if !supported(d.Provider) {
		return errs.Configuration(op, "unsupported vector store provider %q", d.Provider)
	}
	if !collectionName.MatchString(d.Collection) {
		return errs.Configuration(op, "invalid collection name %q: use letters, digits and underscores, at most 63 characters", d.Collection)
	}
	if d.Dimensions < 0 {
		return errs.Configuration(op, "negative vector dimensions %d", d.Dimensions)
	}
	switch d.Provider {
	case ProviderPostgres:
		if d.Endpoint == "" {
			return errs.Configuration(op, "postgres requires DATABASE_URL")
		}
	case ProviderMongoDB:
		if d.Endpoint == "" {
			return errs.Configuration(op, "mongodb requires MONGODB_URI")
		}
		if d.Database == "" {
			return errs.Configuration(op, "mongodb requires a database name")
		}
	case ProviderNeo4j:
		if d.Endpoint == "" {
			return errs.Configuration(op, "neo4j requires NEO4J_URI")
		}
	case ProviderQdrant, ProviderSQLite:
		if d.Endpoint == "" {
			return errs.Configuration(op, "%s requires an endpoint", d.Provider)
		}
	}
	return nil
}

// CollectionState is what a backend reports about an existing collection.
type CollectionState struct {
	Name        string
	Dimensions  int
	RecordCount int64
}

// ErrCollectionExists is returned by CreateCollection when the collection
// appeared between the describe and the create, typically because another
// process provisioned it.
var ErrCollectionExists = errors.New("collection already exists")

// CollectionManager is the backend-side half of provisioning.
type CollectionManager interface {
	// DescribeCollection returns the state of name and whether it exists.
	DescribeCollection(ctx context.Context, name string) (CollectionState, bool, error)
	// CreateCollection creates name with the given vector width. It never
	// replaces an existing collection.
	CreateCollection(ctx context.Context, name string, dimensions int) error
}

// Backend is implemented once per supported vector store.
//
// Implementations translate the uniform operations into the backend's native
// protocol and classify failures as errs.KindRetryable or errs.KindFatal.
type Backend interface {
	CollectionManager
	// Upsert inserts or replaces rec by identifier.
	Upsert(ctx context.Context, rec model.MemoryRecord) error
	// Query returns up to k records nearest to vector whose metadata matches
	// filter. Scores are similarities: higher is closer.
	Query(ctx context.Context, vector []float32, k int, filter model.Filter) ([]model.MemoryRecord, error)
	// List returns up to limit records whose metadata matches filter, newest
	// first, without a similarity search. limit is positive.
	List(ctx context.Context, filter model.Filter, limit int) ([]model.MemoryRecord, error)
	// Delete removes id. Missing identifiers are not an error.
	Delete(ctx context.Context, id string) error
	// HealthCheck verifies connectivity and that the collection is reachable.
	HealthCheck(ctx context.Context) error
	// Count returns the number of records in the collection.
	Count(ctx context.Context) (int64, error)
	Close() error
}

// CollectionLister is implemented by backends that can enumerate the vector
// collections they hold. Every shipped backend implements it.
type CollectionLister interface {
	// ListCollections returns collection names in ascending order.
	ListCollections(ctx context.Context) ([]string, error)
}

func supported(p Provider) bool {
	for _, known := range Providers() {
		if p == known {
			return true
		}
	}
	return false
}

func redactEndpoint(endpoint string) string {
	// user:pass@host -> user:***@host
	at := strings.LastIndex(endpoint, "@")
	if at < 0 {
		return endpoint
	}
	scheme := strings.Index(endpoint, "://")
	start := 0
	if scheme >= 0 {
		start = scheme + 3
	}
	userinfo := endpoint[start:at]
	if colon := strings.Index(userinfo, ":"); colon >= 0 {
		return endpoint[:start] + userinfo[:colon] + ":***" + endpoint[at:]
	}
	return endpoint
}
