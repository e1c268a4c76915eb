package store

import (
	"context"
	"errors"
	"strings"

	neo4j "github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/Protocol-Lattice/go-memstore/src/memory/errs"
)

// OpenNeo4jStore connects with the official driver and verifies connectivity.
func OpenNeo4jStore(ctx context.Context, d Descriptor, opts OpenOptions) (*Neo4jStore, error) {
	const op = "neo4j.open"
	driver, err := neo4j.NewDriverWithContext(d.Endpoint, neo4j.BasicAuth(d.Username, d.Credential, ""), func(cfg *neo4j.Config) {
		if opts.Timeout > 0 {
			cfg.SocketConnectTimeout = opts.Timeout
			cfg.ConnectionAcquisitionTimeout = opts.Timeout
		}
	})
	if err != nil {
		return nil, errs.Configuration(op, "invalid %s: %v", KeyNeo4jURI, err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, classifyNeo4j(op, err)
	}
	return NewNeo4jStore(WrapNeo4jDriver(driver), d.Database, d.Collection, opts.Logger)
}

type driverWrapper struct {
	driver neo4j.DriverWithContext
}

// WrapNeo4jDriver adapts the official Neo4j Go driver so it can be used with NewNeo4jStore.
func WrapNeo4jDriver(driver neo4j.DriverWithContext) neo4jDriver {
	if driver == nil {
		return nil
	}
	return &driverWrapper{driver: driver}
}

func (d *driverWrapper) NewSession(ctx context.Context, config Neo4jSessionConfig) (neo4jSession, error) {
	sessionConfig := neo4j.SessionConfig{DatabaseName: config.DatabaseName}
	switch config.AccessMode {
	case AccessModeWrite:
		sessionConfig.AccessMode = neo4j.AccessModeWrite
	case AccessModeRead:
		sessionConfig.AccessMode = neo4j.AccessModeRead
	}
	return &sessionWrapper{session: d.driver.NewSession(ctx, sessionConfig)}, nil
}

func (d *driverWrapper) Close(ctx context.Context) error {
	return d.driver.Close(ctx)
}

type sessionWrapper struct {
	session neo4j.SessionWithContext
}

func (s *sessionWrapper) BeginTransaction(ctx context.Context) (neo4jTransaction, error) {
	tx, err := s.session.BeginTransaction(ctx)
	if err != nil {
		return nil, err
	}
	return &transactionWrapper{tx: tx}, nil
}

func (s *sessionWrapper) Run(ctx context.Context, query string, params map[string]any) (neo4jResult, error) {
	res, err := s.session.Run(ctx, query, params)
	if err != nil {
		return nil, err
	}
	return &resultWrapper{result: res}, nil
}

func (s *sessionWrapper) Close(ctx context.Context) error {
	return s.session.Close(ctx)
}

type transactionWrapper struct {
	tx neo4j.ExplicitTransaction
}

func (t *transactionWrapper) Run(ctx context.Context, query string, params map[string]any) (neo4jResult, error) {
	res, err := t.tx.Run(ctx, query, params)
	if err != nil {
		return nil, err
	}
	return &resultWrapper{result: res}, nil
}

func (t *transactionWrapper) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *transactionWrapper) Rollback(ctx context.Context) error {
	return t.tx.Rollback(ctx)
}

func (t *transactionWrapper) Close(ctx context.Context) error {
	return t.tx.Close(ctx)
}

type resultWrapper struct {
	result neo4j.ResultWithContext
}

func (r *resultWrapper) Next(ctx context.Context) bool {
	return r.result.Next(ctx)
}

func (r *resultWrapper) Record() neo4jRecord {
	rec := r.result.Record()
	if rec == nil {
		return nil
	}
	return recordWrapper{record: rec}
}

func (r *resultWrapper) Err() error {
	return r.result.Err()
}

func (r *resultWrapper) Close(ctx context.Context) error {
	_, err := r.result.Consume(ctx)
	return err
}

type recordWrapper struct {
	record *neo4j.Record
}

func (r recordWrapper) Get(key string) (any, bool) {
	if r.record == nil {
		return nil, false
	}
	return r.record.Get(key)
}

// Schema error codes Neo4j returns when an index or constraint already exists.
var neo4jExistsCodes = []string{
	"Neo.ClientError.Schema.EquivalentSchemaRuleAlreadyExists",
	"Neo.ClientError.Schema.IndexAlreadyExists",
	"Neo.ClientError.Schema.IndexWithNameAlreadyExists",
}

func neo4jIndexExists(err error) bool {
	var neoErr *neo4j.Neo4jError
	if !errors.As(err, &neoErr) {
		return false
	}
	for _, code := range neo4jExistsCodes {
		if neoErr.Code == code {
			return true
		}
	}
	return false
}

// classifyNeo4j trusts the driver's retryability verdict; security errors
// are fatal.
func classifyNeo4j(op string, err error) error {
	if err == nil || errs.Classified(err) {
		return err
	}
	var neoErr *neo4j.Neo4jError
	if errors.As(err, &neoErr) && strings.HasPrefix(neoErr.Code, "Neo.ClientError.Security.") {
		return errs.Fatal(op, err)
	}
	if neo4j.IsRetryable(err) || neo4j.IsConnectivityError(err) {
		return errs.Retryable(op, err)
	}
	if neoErr != nil {
		return errs.Fatal(op, err)
	}
	return classifyTransport(op, err)
}
