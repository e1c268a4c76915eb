package store

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/Protocol-Lattice/go-memstore/src/memory/model"
)

// flakyBackend wraps an InMemoryStore with injectable failures.
type flakyBackend struct {
	*InMemoryStore

	mu        sync.Mutex
	healthErr error
	closes    int
}

func (f *flakyBackend) setHealthErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthErr = err
}

func (f *flakyBackend) HealthCheck(ctx context.Context) error {
	f.mu.Lock()
	err := f.healthErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.InMemoryStore.HealthCheck(ctx)
}

func (f *flakyBackend) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	return f.InMemoryStore.Close()
}

// openerFor returns an Opener that always hands out b.
func openerFor(b Backend) Opener {
	return func(context.Context, Descriptor, OpenOptions) (Backend, error) {
		return b, nil
	}
}

func memoryDescriptor(dims int) Descriptor {
	return Descriptor{Provider: ProviderMemory, Collection: DefaultCollection, Dimensions: dims}
}

func quietLogger() (logrus.FieldLogger, *logtest.Hook) {
	l, hook := logtest.NewNullLogger()
	l.SetLevel(logrus.DebugLevel)
	return l, hook
}

func unit(dims, hot int) []float32 {
	v := make([]float32, dims)
	v[hot%dims] = 1
	return v
}

func recordIDs(records []model.MemoryRecord) []string {
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	return ids
}
