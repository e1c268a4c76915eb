// Package embed maps embedding-model identifiers to the vector width they
// produce. It never calls an embedding model: the width is all the store
// layer needs, and it must match the collection a backend was created with.
package embed

import (
	"sort"
	"strings"

	"github.com/samber/lo"

	"github.com/Protocol-Lattice/go-memstore/src/memory/errs"
)

// DefaultModel is used when neither a model nor an LLM provider is configured.
const DefaultModel = "text-embedding-3-small"

// Spec pairs a model identifier with its derived dimensionality.
type Spec struct {
	Model      string
	Dimensions int
}

// known lists the output width of every supported embedding model, keyed by
// the normalised identifier.
var known = map[string]int{
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
	"nomic-embed-text":       768,
	"mxbai-embed-large":      1024,
	"all-minilm":             384,
	"snowflake-arctic-embed": 1024,
	"text-embedding-004":     768,
	"embedding-001":          768,
	"baai/bge-small-en-v1.5": 384,
	"baai/bge-base-en-v1.5":  768,
}

// provider prefixes that name where a model is served, not which model it is.
var servingPrefixes = []string{"openai/", "github_copilot/", "ollama/", "models/"}

// defaults per LLM provider.
var providerDefaults = map[string]string{
	"openai":         "text-embedding-3-small",
	"openrouter":     "text-embedding-3-small",
	"github_copilot": "text-embedding-3-small",
	"ollama":         "nomic-embed-text",
}

// Normalize lower-cases the identifier and strips serving prefixes and Ollama tags.
func Normalize(model string) string {
	m := strings.ToLower(strings.TrimSpace(model))
	for _, p := range servingPrefixes {
		m = strings.TrimPrefix(m, p)
	}
	if i := strings.LastIndex(m, ":"); i > 0 {
		m = m[:i]
	}
	return m
}

// Dimensions returns the vector width produced by model.
func Dimensions(model string) (int, error) {
	if strings.TrimSpace(model) == "" {
		return 0, errs.Configuration("embed.dimensions", "embedding model is empty")
	}
	dims, ok := known[Normalize(model)]
	if !ok {
		return 0, errs.Configuration("embed.dimensions",
			"unrecognised embedding model %q; known models: %s", model, strings.Join(KnownModels(), ", "))
	}
	return dims, nil
}

// Resolve builds the Spec for model.
func Resolve(model string) (Spec, error) {
	dims, err := Dimensions(model)
	if err != nil {
		return Spec{}, err
	}
	return Spec{Model: strings.TrimSpace(model), Dimensions: dims}, nil
}

// DefaultModelFor returns the embedding model an LLM provider uses when none is
// configured explicitly. An empty provider yields DefaultModel.
func DefaultModelFor(llmProvider string) (string, error) {
	p := strings.ToLower(strings.TrimSpace(llmProvider))
	if p == "" {
		return DefaultModel, nil
	}
	if m, ok := providerDefaults[p]; ok {
		return m, nil
	}
	return "", errs.Configuration("embed.default",
		"no default embedding model for LLM provider %q; set EMBEDDING_MODEL_CHOICE", llmProvider)
}

// KnownModels lists the recognised identifiers in sorted order.
func KnownModels() []string {
	models := lo.Keys(known)
	sort.Strings(models)
	return models
}
