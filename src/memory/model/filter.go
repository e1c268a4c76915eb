package model

import (
	"bytes"
	"encoding/json"
	"sort"
)

// Filter restricts a query to records whose metadata holds every key with an
// equal value. A nil or empty Filter matches everything.
type Filter map[string]any

// Empty reports whether the filter has no conditions.
func (f Filter) Empty() bool { return len(f) == 0 }

// Keys returns the filter keys in sorted order.
func (f Filter) Keys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Match reports whether meta satisfies every condition of the filter.
func (f Filter) Match(meta map[string]any) bool {
	for k, want := range f {
		got, ok := meta[k]
		if !ok || !ValuesEqual(got, want) {
			return false
		}
	}
	return true
}

// JSON encodes the filter as a JSON object, suitable for containment queries.
func (f Filter) JSON() (string, error) {
	if f == nil {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]any(f))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ValuesEqual compares two metadata values by their JSON encoding so that
// numbers decoded from a backend (float64) equal the ints a caller filtered on.
func ValuesEqual(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}
