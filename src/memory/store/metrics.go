package store

import "sync/atomic"

// Metrics captures lightweight runtime counters for an Adapter.
type Metrics struct {
	upserts        atomic.Int64
	queries        atomic.Int64
	retrieved      atomic.Int64
	deletes        atomic.Int64
	failures       atomic.Int64
	healthChecks   atomic.Int64
	healthFailures atomic.Int64
}

func (m *Metrics) IncUpserts()        { m.upserts.Add(1) }
func (m *Metrics) IncQueries()        { m.queries.Add(1) }
func (m *Metrics) IncRetrieved(n int) { m.retrieved.Add(int64(n)) }
func (m *Metrics) IncDeletes()        { m.deletes.Add(1) }
func (m *Metrics) IncFailures()       { m.failures.Add(1) }
func (m *Metrics) IncHealthChecks()   { m.healthChecks.Add(1) }
func (m *Metrics) IncHealthFailures() { m.healthFailures.Add(1) }

// MetricsSnapshot holds the current values for reporting/logging.
type MetricsSnapshot struct {
	Upserts        int64 `json:"upserts"`
	Queries        int64 `json:"queries"`
	Retrieved      int64 `json:"retrieved"`
	Deletes        int64 `json:"deletes"`
	Failures       int64 `json:"failures"`
	HealthChecks   int64 `json:"health_checks"`
	HealthFailures int64 `json:"health_failures"`
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	return MetricsSnapshot{
		Upserts:        m.upserts.Load(),
		Queries:        m.queries.Load(),
		Retrieved:      m.retrieved.Load(),
		Deletes:        m.deletes.Load(),
		Failures:       m.failures.Load(),
		HealthChecks:   m.healthChecks.Load(),
		HealthFailures: m.healthFailures.Load(),
	}
}
