package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/Protocol-Lattice/go-memstore/src/concurrent"
	"github.com/Protocol-Lattice/go-memstore/src/memory/errs"
	"github.com/Protocol-Lattice/go-memstore/src/memory/model"
)

// State is a point in the adapter lifecycle:
//
//	Unconnected -> Connecting -> Ready <-> Degraded
//	                                  \-> Closed
type State int32

const (
	StateUnconnected State = iota
	StateConnecting
	StateReady
	StateDegraded
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

var (
	// ErrNotReady is returned for operations issued before Start succeeded.
	ErrNotReady = errors.New("vector store adapter is not ready")
	// ErrClosed is returned for operations issued after Close.
	ErrClosed = errors.New("vector store adapter is closed")
)

const (
	DefaultTimeout       = 15 * time.Second
	DefaultDegradedAfter = 3
	DefaultListLimit     = 100
)

type adapterOptions struct {
	timeout       time.Duration
	degradedAfter int
	log           logrus.FieldLogger
}

// Option configures an Adapter.
type Option func(*adapterOptions)

// WithTimeout bounds every backend request. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(o *adapterOptions) { o.timeout = d }
}

// WithDegradedAfter sets how many consecutive failed health checks move a
// Ready adapter to Degraded.
func WithDegradedAfter(n int) Option {
	return func(o *adapterOptions) {
		if n > 0 {
			o.degradedAfter = n
		}
	}
}

// WithLogger sets the logger; nil keeps the logrus standard logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *adapterOptions) {
		if l != nil {
			o.log = l
		}
	}
}

// Adapter is the single integration point callers use for memory reads and
// writes. It owns one Backend, provisions its collection on Start and tracks
// the lifecycle state. All methods are safe for concurrent use.
type Adapter struct {
	desc    Descriptor
	open    Opener
	opts    adapterOptions
	log     logrus.FieldLogger
	metrics Metrics

	state    atomic.Int32
	failures atomic.Int32

	mu      sync.RWMutex
	backend Backend
}

// NewAdapter returns an Unconnected adapter for d. d must carry resolved
// dimensions before Start is called.
func NewAdapter(d Descriptor, open Opener, options ...Option) *Adapter {
	opts := adapterOptions{timeout: DefaultTimeout, degradedAfter: DefaultDegradedAfter}
	for _, o := range options {
		o(&opts)
	}
	if open == nil {
		open = DefaultOpener
	}
	a := &Adapter{
		desc: d,
		open: open,
		opts: opts,
	}
	a.log = loggerOrDefault(opts.log).WithFields(logrus.Fields{
		"provider":   d.Provider,
		"collection": d.Collection,
	})
	return a
}

// Descriptor returns the descriptor the adapter was built with.
func (a *Adapter) Descriptor() Descriptor { return a.desc }

// State returns the current lifecycle state.
func (a *Adapter) State() State { return State(a.state.Load()) }

// Metrics returns a snapshot of the operation counters.
func (a *Adapter) Metrics() MetricsSnapshot { return a.metrics.Snapshot() }

func (a *Adapter) transition(from, to State) bool {
	if !a.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	a.log.WithFields(logrus.Fields{"from": from, "state": to}).Info("vector store state changed")
	return true
}

// Start connects to the backend, provisions the collection and verifies
// health. On success the adapter is Ready; on failure it returns to
// Unconnected and the backend is released.
func (a *Adapter) Start(ctx context.Context) (ProvisionResult, error) {
	const op = "adapter.start"
	if a.State() == StateClosed {
		return ProvisionResult{}, errs.Fatal(op, ErrClosed)
	}
	if !a.desc.Resolved() {
		return ProvisionResult{}, errs.Configuration(op, "vector dimensions for %q are not resolved", a.desc.Collection)
	}
	if !a.transition(StateUnconnected, StateConnecting) {
		return ProvisionResult{}, errs.Fatalf(op, "adapter already %s", a.State())
	}

	backend, res, err := a.connect(ctx)
	if err != nil {
		a.transition(StateConnecting, StateUnconnected)
		return ProvisionResult{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.transition(StateConnecting, StateReady) {
		// Closed while connecting.
		_ = backend.Close()
		return ProvisionResult{}, errs.Fatal(op, ErrClosed)
	}
	a.backend = backend
	a.failures.Store(0)
	a.log.WithFields(logrus.Fields{
		"dimensions": res.Dimensions,
		"created":    res.Created,
		"records":    res.RecordCount,
	}).Info("vector store ready")
	return res, nil
}

func (a *Adapter) connect(ctx context.Context) (Backend, ProvisionResult, error) {
	const op = "adapter.start"
	octx, cancel := a.withTimeout(ctx)
	backend, err := a.open(octx, a.desc, OpenOptions{Timeout: a.opts.timeout, Logger: a.log})
	cancel()
	if err != nil {
		return nil, ProvisionResult{}, classifyUnknown(op, err)
	}
	pctx, cancel := a.withTimeout(ctx)
	res, err := EnsureCollection(pctx, backend, a.desc, a.desc.Dimensions, a.log)
	cancel()
	if err != nil {
		_ = backend.Close()
		return nil, ProvisionResult{}, err
	}
	hctx, cancel := a.withTimeout(ctx)
	defer cancel()
	if err := backend.HealthCheck(hctx); err != nil {
		_ = backend.Close()
		return nil, ProvisionResult{}, classifyUnknown(op, err)
	}
	return backend, res, nil
}

func (a *Adapter) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.opts.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.opts.timeout)
}

// do runs fn against the backend while holding the read lock so Close waits
// for in-flight operations.
func (a *Adapter) do(ctx context.Context, op string, fn func(context.Context, Backend) error) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	switch a.State() {
	case StateClosed:
		return errs.Fatal(op, ErrClosed)
	case StateUnconnected, StateConnecting:
		return errs.Fatal(op, ErrNotReady)
	}
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	if err := fn(ctx, a.backend); err != nil {
		return classifyUnknown(op, err)
	}
	return nil
}

func (a *Adapter) checkWidth(op string, vector []float32) error {
	if len(vector) != a.desc.Dimensions {
		return errs.Fatalf(op, "vector has %d dimensions, collection %q expects %d", len(vector), a.desc.Collection, a.desc.Dimensions)
	}
	return nil
}

// Upsert inserts or replaces rec and returns its identifier. An empty
// identifier is replaced by a generated UUID. Retrying with the same record is
// safe; concurrent writes to one identifier resolve last-write-wins.
func (a *Adapter) Upsert(ctx context.Context, rec model.MemoryRecord) (string, error) {
	const op = "adapter.upsert"
	if err := a.checkWidth(op, rec.Embedding); err != nil {
		a.metrics.IncFailures()
		return "", err
	}
	rec = rec.Clone()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.Score = 0
	rec.CreatedAt = time.Now().UTC()
	err := a.do(ctx, op, func(ctx context.Context, b Backend) error {
		return b.Upsert(ctx, rec)
	})
	if err != nil {
		a.metrics.IncFailures()
		return "", err
	}
	a.metrics.IncUpserts()
	return rec.ID, nil
}

// UpsertMany upserts records with bounded concurrency. It returns the
// identifiers in input order; failed entries are empty and their errors are
// combined.
func (a *Adapter) UpsertMany(ctx context.Context, records []model.MemoryRecord, concurrency int) ([]string, error) {
	return concurrent.ParallelMap(ctx, records, func(ctx context.Context, rec model.MemoryRecord) (string, error) {
		return a.Upsert(ctx, rec)
	}, concurrency)
}

// Query returns up to k records nearest to vector, restricted by filter.
// Results are ordered by decreasing similarity, ties going to the most
// recently written record.
func (a *Adapter) Query(ctx context.Context, vector []float32, k int, filter model.Filter) ([]model.MemoryRecord, error) {
	const op = "adapter.query"
	if k <= 0 {
		return nil, nil
	}
	if err := a.checkWidth(op, vector); err != nil {
		a.metrics.IncFailures()
		return nil, err
	}
	var results []model.MemoryRecord
	err := a.do(ctx, op, func(ctx context.Context, b Backend) error {
		var err error
		results, err = b.Query(ctx, vector, k, filter)
		return err
	})
	if err != nil {
		a.metrics.IncFailures()
		return nil, err
	}
	results = model.TopK(results, k)
	a.metrics.IncQueries()
	a.metrics.IncRetrieved(len(results))
	return results, nil
}

// List returns up to limit records matching filter, newest first. A
// non-positive limit means DefaultListLimit.
func (a *Adapter) List(ctx context.Context, filter model.Filter, limit int) ([]model.MemoryRecord, error) {
	const op = "adapter.list"
	if limit <= 0 {
		limit = DefaultListLimit
	}
	var records []model.MemoryRecord
	err := a.do(ctx, op, func(ctx context.Context, b Backend) error {
		var err error
		records, err = b.List(ctx, filter, limit)
		return err
	})
	if err != nil {
		a.metrics.IncFailures()
		return nil, err
	}
	records = model.Newest(records, limit)
	a.metrics.IncRetrieved(len(records))
	return records, nil
}

// Collections lists the vector collections visible to the backend.
func (a *Adapter) Collections(ctx context.Context) ([]string, error) {
	const op = "adapter.collections"
	var names []string
	err := a.do(ctx, op, func(ctx context.Context, b Backend) error {
		lister, ok := b.(CollectionLister)
		if !ok {
			return errs.Fatalf(op, "%s backend cannot list collections", a.desc.Provider)
		}
		var err error
		names, err = lister.ListCollections(ctx)
		return err
	})
	return names, err
}

// Delete removes id. Deleting an unknown identifier succeeds.
func (a *Adapter) Delete(ctx context.Context, id string) error {
	const op = "adapter.delete"
	if id == "" {
		a.metrics.IncFailures()
		return errs.Fatalf(op, "empty identifier")
	}
	err := a.do(ctx, op, func(ctx context.Context, b Backend) error {
		return b.Delete(ctx, id)
	})
	if err != nil {
		a.metrics.IncFailures()
		return err
	}
	a.metrics.IncDeletes()
	return nil
}

// Count returns the number of records in the collection.
func (a *Adapter) Count(ctx context.Context) (int64, error) {
	var n int64
	err := a.do(ctx, "adapter.count", func(ctx context.Context, b Backend) error {
		var err error
		n, err = b.Count(ctx)
		return err
	})
	return n, err
}

// Describe reports the backend-side state of the collection.
func (a *Adapter) Describe(ctx context.Context) (CollectionState, error) {
	const op = "adapter.describe"
	var state CollectionState
	err := a.do(ctx, op, func(ctx context.Context, b Backend) error {
		s, exists, err := b.DescribeCollection(ctx, a.desc.Collection)
		if err != nil {
			return err
		}
		if !exists {
			return errs.Fatalf(op, "collection %q no longer exists", a.desc.Collection)
		}
		state = s
		return nil
	})
	return state, err
}

// HealthCheck checks the backend. DegradedAfter consecutive failures move a
// Ready adapter to Degraded; one success moves it back.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	const op = "adapter.health_check"
	var reached bool
	err := a.do(ctx, op, func(ctx context.Context, b Backend) error {
		reached = true
		return b.HealthCheck(ctx)
	})
	if reached {
		a.recordHealth(err)
	}
	return err
}

func (a *Adapter) recordHealth(err error) {
	a.metrics.IncHealthChecks()
	if err == nil {
		a.failures.Store(0)
		a.transition(StateDegraded, StateReady)
		return
	}
	a.metrics.IncHealthFailures()
	n := a.failures.Add(1)
	a.log.WithError(err).WithField("consecutive_failures", n).Warn("vector store health check failed")
	if int(n) >= a.opts.degradedAfter {
		a.transition(StateReady, StateDegraded)
	}
}

// Monitor runs HealthCheck every interval until ctx ends or the adapter is
// closed. It blocks; run it in its own goroutine.
func (a *Adapter) Monitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	limiter := rate.NewLimiter(rate.Every(interval), 1)
	// The first token is spent on a check right away.
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		if a.State() == StateClosed {
			return
		}
		_ = a.HealthCheck(ctx)
	}
}

// Close releases the backend. It is idempotent and terminal.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	prev := State(a.state.Swap(int32(StateClosed)))
	if prev == StateClosed {
		return nil
	}
	a.log.WithFields(logrus.Fields{"from": prev, "state": StateClosed}).Info("vector store state changed")
	if a.backend == nil {
		return nil
	}
	err := a.backend.Close()
	a.backend = nil
	return err
}
