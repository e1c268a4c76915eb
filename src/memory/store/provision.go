package store

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Protocol-Lattice/go-memstore/src/memory/errs"
)

// ProvisionResult describes the collection after EnsureCollection returns.
type ProvisionResult struct {
	Collection  string
	Dimensions  int
	Created     bool
	RecordCount int64
}

// provisionLocks serialises provisioning per provider and collection within
// the process. Backends that can race across processes (postgres) also lock
// on the server.
var provisionLocks sync.Map // map[string]*sync.Mutex

func provisionLock(d Descriptor) *sync.Mutex {
	key := string(d.Provider) + "\x00" + d.Endpoint + "\x00" + d.Database + "\x00" + d.Collection
	mu, _ := provisionLocks.LoadOrStore(key, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// EnsureCollection makes sure d.Collection exists in mgr with the given vector
// width.
//
// A missing collection is created. An existing collection with the same width
// is left alone. An existing collection with a different width fails with
// *errs.SchemaMismatchError and is never modified: recreating it would drop
// stored memories and proceeding would corrupt similarity search.
func EnsureCollection(ctx context.Context, mgr CollectionManager, d Descriptor, dimensions int, log logrus.FieldLogger) (ProvisionResult, error) {
	const op = "store.ensure_collection"
	log = loggerOrDefault(log).WithFields(logrus.Fields{
		"provider":   d.Provider,
		"collection": d.Collection,
		"dimensions": dimensions,
	})
	if mgr == nil {
		return ProvisionResult{}, errs.Fatalf(op, "no collection manager")
	}
	if dimensions <= 0 {
		return ProvisionResult{}, errs.Configuration(op, "vector dimensions must be positive, got %d", dimensions)
	}

	mu := provisionLock(d)
	mu.Lock()
	defer mu.Unlock()

	state, exists, err := mgr.DescribeCollection(ctx, d.Collection)
	if err != nil {
		return ProvisionResult{}, classifyUnknown(op, err)
	}
	if exists {
		return compareCollection(d, state, dimensions, log)
	}

	if err := mgr.CreateCollection(ctx, d.Collection, dimensions); err != nil {
		if !errors.Is(err, ErrCollectionExists) {
			return ProvisionResult{}, classifyUnknown(op, err)
		}
		// Another process won the race; judge what it created.
		state, exists, err = mgr.DescribeCollection(ctx, d.Collection)
		if err != nil {
			return ProvisionResult{}, classifyUnknown(op, err)
		}
		if !exists {
			return ProvisionResult{}, errs.Retryable(op, errors.New("collection reported as existing but could not be described"))
		}
		return compareCollection(d, state, dimensions, log)
	}
	log.Info("created vector collection")
	return ProvisionResult{Collection: d.Collection, Dimensions: dimensions, Created: true}, nil
}

func compareCollection(d Descriptor, state CollectionState, dimensions int, log logrus.FieldLogger) (ProvisionResult, error) {
	if state.Dimensions != dimensions {
		log.WithField("existing_dimensions", state.Dimensions).Error("vector collection dimensionality mismatch")
		return ProvisionResult{}, &errs.SchemaMismatchError{
			Provider:   string(d.Provider),
			Collection: d.Collection,
			Existing:   state.Dimensions,
			Requested:  dimensions,
		}
	}
	log.WithField("records", state.RecordCount).Debug("vector collection already provisioned")
	return ProvisionResult{
		Collection:  d.Collection,
		Dimensions:  state.Dimensions,
		RecordCount: state.RecordCount,
	}, nil
}

// classifyUnknown leaves classified errors alone and treats the rest as fatal.
func classifyUnknown(op string, err error) error {
	if errs.Classified(err) {
		return err
	}
	return errs.Fatal(op, err)
}
