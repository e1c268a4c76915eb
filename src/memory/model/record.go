package model

import (
	"sort"
	"time"
)

// MemoryRecord is one stored unit of semantic memory.
//
// The store packages transport records to and from a backend; they never
// interpret Content or Metadata beyond equality filtering.
type MemoryRecord struct {
	ID        string         `json:"id"`
	Content   string         `json:"content"`
	Embedding []float32      `json:"embedding"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	// Score is the similarity to the query vector; higher is closer. Only set on
	// query results.
	Score float64 `json:"score,omitempty"`
	// CreatedAt is when the current version of the record was written.
	CreatedAt time.Time `json:"created_at"`
}

// Clone returns a deep copy of the embedding and a shallow copy of metadata.
func (r MemoryRecord) Clone() MemoryRecord {
	r.Embedding = append([]float32(nil), r.Embedding...)
	r.Metadata = CloneMetadata(r.Metadata)
	return r
}

// SortByScore orders records by decreasing score, breaking ties with the most
// recently written record first.
func SortByScore(records []MemoryRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Score != records[j].Score {
			return records[i].Score > records[j].Score
		}
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
}

// TopK sorts records and truncates them to k entries.
func TopK(records []MemoryRecord, k int) []MemoryRecord {
	SortByScore(records)
	if k > 0 && len(records) > k {
		records = records[:k]
	}
	return records
}

// SortByRecency orders records newest first; equal timestamps order by
// identifier so listings are stable across calls.
func SortByRecency(records []MemoryRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.After(records[j].CreatedAt)
		}
		return records[i].ID < records[j].ID
	})
}

// Newest sorts records by recency and truncates them to limit entries.
func Newest(records []MemoryRecord, limit int) []MemoryRecord {
	SortByRecency(records)
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records
}
