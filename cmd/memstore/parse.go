package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/samber/lo"
)

// parseVector reads a comma-separated list of floats.
func parseVector(s string) ([]float32, error) {
	parts := lo.Compact(lo.Map(strings.Split(s, ","), func(p string, _ int) string {
		return strings.TrimSpace(p)
	}))
	if len(parts) == 0 {
		return nil, fmt.Errorf("vector is required")
	}
	vector := make([]float32, len(parts))
	for i, p := range parts {
		val, err := strconv.ParseFloat(p, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid vector format: %w", err)
		}
		vector[i] = float32(val)
	}
	return vector, nil
}

// parseObject decodes an optional JSON object flag.
func parseObject(name, s string) (map[string]any, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil, fmt.Errorf("invalid %s JSON: %w", name, err)
	}
	return obj, nil
}
