// Package config builds the memory store configuration from the environment.
//
// The environment is read once: Load merges .env files into the process
// environment (real variables win), snapshots it, and derives an immutable
// Config. Nothing downstream consults the environment again.
package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/Protocol-Lattice/go-memstore/src/memory/embed"
	"github.com/Protocol-Lattice/go-memstore/src/memory/errs"
	"github.com/Protocol-Lattice/go-memstore/src/memory/store"
)

// Keys read in addition to the store selection keys.
const (
	KeyEmbeddingModel = "EMBEDDING_MODEL_CHOICE"
	KeyLLMProvider    = "LLM_PROVIDER"
	KeyTimeout        = "VECTOR_STORE_TIMEOUT"
	KeyHealthInterval = "VECTOR_STORE_HEALTH_INTERVAL"
	KeyDegradedAfter  = "VECTOR_STORE_DEGRADED_AFTER"
	KeyLogLevel       = "LOG_LEVEL"
)

// Config is everything the memory layer needs at startup.
type Config struct {
	// Backend carries resolved dimensions.
	Backend        store.Descriptor
	Embedding      embed.Spec
	Timeout        time.Duration
	HealthInterval time.Duration
	DegradedAfter  int
	LogLevel       logrus.Level
}

// Load reads .env files, then the environment. With no files it tries ".env"
// and tolerates its absence; files named explicitly must exist.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, errs.Configuration("config.load", "read .env: %v", err)
		}
	} else if err := godotenv.Load(files...); err != nil {
		return Config{}, errs.Configuration("config.load", "read env files: %v", err)
	}
	return FromMap(Environ())
}

// Environ snapshots the process environment.
func Environ() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}

// FromMap derives a Config from settings.
func FromMap(settings map[string]string) (Config, error) {
	const op = "config.load"
	get := func(key string) string { return strings.TrimSpace(settings[key]) }

	model := get(KeyEmbeddingModel)
	if model == "" {
		var err error
		if model, err = embed.DefaultModelFor(get(KeyLLMProvider)); err != nil {
			return Config{}, err
		}
	}
	spec, err := embed.Resolve(model)
	if err != nil {
		return Config{}, err
	}

	desc, err := store.Select(settings)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Backend:       desc.WithDimensions(spec.Dimensions),
		Embedding:     spec,
		Timeout:       store.DefaultTimeout,
		DegradedAfter: store.DefaultDegradedAfter,
		LogLevel:      logrus.InfoLevel,
	}
	if v := get(KeyTimeout); v != "" {
		if cfg.Timeout, err = parseDuration(v); err != nil || cfg.Timeout <= 0 {
			return Config{}, errs.Configuration(op, "invalid %s %q: want a positive duration such as 15s", KeyTimeout, v)
		}
	}
	if v := get(KeyHealthInterval); v != "" {
		if cfg.HealthInterval, err = parseDuration(v); err != nil || cfg.HealthInterval < 0 {
			return Config{}, errs.Configuration(op, "invalid %s %q: want a duration such as 30s, or 0 to disable", KeyHealthInterval, v)
		}
	}
	if v := get(KeyDegradedAfter); v != "" {
		if cfg.DegradedAfter, err = strconv.Atoi(v); err != nil || cfg.DegradedAfter < 1 {
			return Config{}, errs.Configuration(op, "invalid %s %q: want a positive integer", KeyDegradedAfter, v)
		}
	}
	if v := get(KeyLogLevel); v != "" {
		if cfg.LogLevel, err = logrus.ParseLevel(v); err != nil {
			return Config{}, errs.Configuration(op, "invalid %s %q", KeyLogLevel, v)
		}
	}
	return cfg, nil
}

// parseDuration accepts Go durations and bare seconds.
func parseDuration(v string) (time.Duration, error) {
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(v)
}

// NewLogger returns a logger at the configured level.
func (c Config) NewLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(c.LogLevel)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return l
}

// AdapterOptions translates the config into store adapter options.
func (c Config) AdapterOptions(log logrus.FieldLogger) []store.Option {
	return []store.Option{
		store.WithTimeout(c.Timeout),
		store.WithDegradedAfter(c.DegradedAfter),
		store.WithLogger(log),
	}
}
