package store

import (
	"context"
	"sort"
	"sync"

	"github.com/samber/lo"

	"github.com/Protocol-Lattice/go-memstore/src/memory/errs"
	"github.com/Protocol-Lattice/go-memstore/src/memory/model"
)

type memoryCollection struct {
	dimensions int
	records    map[string]model.MemoryRecord
}

type memoryCatalog struct {
	mu          sync.RWMutex
	collections map[string]*memoryCollection
}

// InMemoryStore implements Backend for tests and lightweight deployments.
// Collections live as long as the catalog; handles obtained with Handle share
// it, the way two processes share one server.
type InMemoryStore struct {
	*memoryCatalog
	collection string
	closed     bool
}

var (
	_ Backend          = (*InMemoryStore)(nil)
	_ CollectionLister = (*InMemoryStore)(nil)
)

// NewInMemoryStore returns an empty store whose operations target collection.
func NewInMemoryStore(collection string) *InMemoryStore {
	return &InMemoryStore{
		memoryCatalog: &memoryCatalog{collections: make(map[string]*memoryCollection)},
		collection:    collection,
	}
}

// Handle returns a new, open store sharing s's collections and targeting
// collection.
func (s *InMemoryStore) Handle(collection string) *InMemoryStore {
	return &InMemoryStore{memoryCatalog: s.memoryCatalog, collection: collection}
}

func (s *InMemoryStore) DescribeCollection(_ context.Context, name string) (CollectionState, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	col, ok := s.collections[name]
	if !ok {
		return CollectionState{}, false, nil
	}
	return CollectionState{Name: name, Dimensions: col.dimensions, RecordCount: int64(len(col.records))}, true, nil
}

func (s *InMemoryStore) CreateCollection(_ context.Context, name string, dimensions int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collections[name]; ok {
		return ErrCollectionExists
	}
	s.collections[name] = &memoryCollection{dimensions: dimensions, records: make(map[string]model.MemoryRecord)}
	return nil
}

// target returns the active collection; callers hold s.mu.
func (s *InMemoryStore) target(op string) (*memoryCollection, error) {
	if s.closed {
		return nil, errs.Fatal(op, ErrClosed)
	}
	col, ok := s.collections[s.collection]
	if !ok {
		return nil, errs.Fatalf(op, "collection %q does not exist", s.collection)
	}
	return col, nil
}

func (s *InMemoryStore) Upsert(_ context.Context, rec model.MemoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	col, err := s.target("memory.upsert")
	if err != nil {
		return err
	}
	if len(rec.Embedding) != col.dimensions {
		return errs.Fatalf("memory.upsert", "vector has %d dimensions, collection expects %d", len(rec.Embedding), col.dimensions)
	}
	col.records[rec.ID] = rec.Clone()
	return nil
}

func (s *InMemoryStore) Query(_ context.Context, vector []float32, k int, filter model.Filter) ([]model.MemoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	col, err := s.target("memory.query")
	if err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}
	results := make([]model.MemoryRecord, 0, len(col.records))
	for _, rec := range col.records {
		if !filter.Match(rec.Metadata) {
			continue
		}
		rec = rec.Clone()
		rec.Score = model.CosineSimilarity(vector, rec.Embedding)
		results = append(results, rec)
	}
	return model.TopK(results, k), nil
}

// List scans the collection and returns the newest matching records.
func (s *InMemoryStore) List(_ context.Context, filter model.Filter, limit int) ([]model.MemoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	col, err := s.target("memory.list")
	if err != nil {
		return nil, err
	}
	results := make([]model.MemoryRecord, 0, len(col.records))
	for _, rec := range col.records {
		if filter.Match(rec.Metadata) {
			results = append(results, rec.Clone())
		}
	}
	return model.Newest(results, limit), nil
}

func (s *InMemoryStore) ListCollections(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errs.Fatal("memory.list_collections", ErrClosed)
	}
	names := lo.Keys(s.collections)
	sort.Strings(names)
	return names, nil
}

func (s *InMemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	col, err := s.target("memory.delete")
	if err != nil {
		return err
	}
	delete(col.records, id)
	return nil
}

func (s *InMemoryStore) HealthCheck(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, err := s.target("memory.health_check")
	return err
}

func (s *InMemoryStore) Count(context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	col, err := s.target("memory.count")
	if err != nil {
		return 0, err
	}
	return int64(len(col.records)), nil
}

// Close marks the store closed. Collections are kept so a test can inspect them.
func (s *InMemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
