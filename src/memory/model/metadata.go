package model

import (
	"encoding/json"
	"time"
)

func CloneMetadata(meta map[string]any) map[string]any {
	if meta == nil {
		return nil
	}
	cp := make(map[string]any, len(meta))
	for k, v := range meta {
		cp[k] = v
	}
	return cp
}

// EncodeMetadata serialises metadata as a JSON object; nil encodes as "{}".
func EncodeMetadata(meta map[string]any) (string, error) {
	if meta == nil {
		return "{}", nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func DecodeMetadata(metadata string) map[string]any {
	if metadata == "" {
		return map[string]any{}
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metadata), &meta); err != nil || meta == nil {
		return map[string]any{}
	}
	return meta
}

// MetadataFromAny accepts the shapes backends hand back for a metadata field.
func MetadataFromAny(v any) map[string]any {
	switch t := v.(type) {
	case map[string]any:
		return t
	case string:
		return DecodeMetadata(t)
	case []byte:
		return DecodeMetadata(string(t))
	case json.RawMessage:
		return DecodeMetadata(string(t))
	case nil:
		return map[string]any{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	return DecodeMetadata(string(b))
}

func FloatFromAny(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case json.Number:
		f, _ := t.Float64()
		return f
	case string:
		var f float64
		if err := json.Unmarshal([]byte(t), &f); err == nil {
			return f
		}
	}
	return 0
}

func StringFromAny(v any) string {
	if v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func TimeFromAny(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		ts, err := time.Parse(time.RFC3339Nano, t)
		if err == nil {
			return ts
		}
	}
	return time.Time{}
}

// Float32FromAny converts a decoded JSON/BSON/Cypher list into a vector.
func Float32FromAny(v any) []float32 {
	switch t := v.(type) {
	case []float32:
		return append([]float32(nil), t...)
	case []float64:
		out := make([]float32, len(t))
		for i, f := range t {
			out[i] = float32(f)
		}
		return out
	case []any:
		out := make([]float32, 0, len(t))
		for _, item := range t {
			out = append(out, float32(FloatFromAny(item)))
		}
		return out
	}
	return nil
}
