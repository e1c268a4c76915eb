package memory

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/Protocol-Lattice/go-memstore/src/config"
	embedpkg "github.com/Protocol-Lattice/go-memstore/src/memory/embed"
	"github.com/Protocol-Lattice/go-memstore/src/memory/errs"
	"github.com/Protocol-Lattice/go-memstore/src/memory/model"
	storepkg "github.com/Protocol-Lattice/go-memstore/src/memory/store"
)

// Type aliases for the public API.
type (
	MemoryRecord = model.MemoryRecord
	Filter       = model.Filter

	Adapter         = storepkg.Adapter
	Backend         = storepkg.Backend
	Descriptor      = storepkg.Descriptor
	Provider        = storepkg.Provider
	State           = storepkg.State
	ProvisionResult = storepkg.ProvisionResult
	MetricsSnapshot = storepkg.MetricsSnapshot

	InMemoryStore = storepkg.InMemoryStore
	PostgresStore = storepkg.PostgresStore
	QdrantStore   = storepkg.QdrantStore
	MongoStore    = storepkg.MongoStore
	Neo4jStore    = storepkg.Neo4jStore
	SQLiteStore   = storepkg.SQLiteStore

	EmbeddingSpec = embedpkg.Spec
	Config        = config.Config
)

const (
	ProviderPostgres = storepkg.ProviderPostgres
	ProviderQdrant   = storepkg.ProviderQdrant
	ProviderMongoDB  = storepkg.ProviderMongoDB
	ProviderNeo4j    = storepkg.ProviderNeo4j
	ProviderSQLite   = storepkg.ProviderSQLite
	ProviderMemory   = storepkg.ProviderMemory

	StateUnconnected = storepkg.StateUnconnected
	StateConnecting  = storepkg.StateConnecting
	StateReady       = storepkg.StateReady
	StateDegraded    = storepkg.StateDegraded
	StateClosed      = storepkg.StateClosed

	DefaultListLimit = storepkg.DefaultListLimit
)

var (
	ErrConfiguration  = errs.ErrConfiguration
	ErrSchemaMismatch = errs.ErrSchemaMismatch
	ErrRetryable      = errs.ErrRetryable
	ErrFatal          = errs.ErrFatal

	LoadConfig       = config.Load
	ConfigFromMap    = config.FromMap
	SelectBackend    = storepkg.Select
	ResolveModel     = embedpkg.Resolve
	NewAdapter       = storepkg.NewAdapter
	EnsureCollection = storepkg.EnsureCollection
	NewInMemoryStore = storepkg.NewInMemoryStore
)

// Open builds the adapter cfg describes, provisions its collection and, when
// cfg.HealthInterval is set, starts a health monitor that runs until ctx ends
// or the adapter is closed. The caller owns the adapter and must Close it.
func Open(ctx context.Context, cfg Config, log logrus.FieldLogger) (*Adapter, ProvisionResult, error) {
	return OpenWith(ctx, cfg, storepkg.DefaultOpener, log)
}

// OpenWith is Open with a custom backend opener.
func OpenWith(ctx context.Context, cfg Config, open storepkg.Opener, log logrus.FieldLogger) (*Adapter, ProvisionResult, error) {
	if log == nil {
		log = cfg.NewLogger()
	}
	adapter := storepkg.NewAdapter(cfg.Backend, open, cfg.AdapterOptions(log)...)
	res, err := adapter.Start(ctx)
	if err != nil {
		_ = adapter.Close()
		return nil, ProvisionResult{}, err
	}
	if cfg.HealthInterval > 0 {
		go adapter.Monitor(ctx, cfg.HealthInterval)
	}
	log.WithFields(logrus.Fields{
		"backend":   cfg.Backend.String(),
		"embedding": cfg.Embedding.Model,
	}).Debug("memory store opened")
	return adapter, res, nil
}
