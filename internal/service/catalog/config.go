package catalog

import (
	"errors"

	"github.com/animus-labs/catalog-go/internal/platform/env"
)

const (
	DefaultLookupBatchSize     = 500
	DefaultMaxPropagationDepth = 4
	DefaultCacheSize           = 4096
)

type Config struct {
	// LookupBatchSize bounds the number of keys per lookup query.
	LookupBatchSize     int
	MaxPropagationDepth int
	CacheSize           int
}

func DefaultConfig() Config {
	return Config{
		LookupBatchSize:     DefaultLookupBatchSize,
		MaxPropagationDepth: DefaultMaxPropagationDepth,
		CacheSize:           DefaultCacheSize,
	}
}

func ConfigFromEnv() (Config, error) {
	batchSize, err := env.Int("CATALOG_LOOKUP_BATCH_SIZE", DefaultLookupBatchSize)
	if err != nil {
		return Config{}, err
	}
	maxDepth, err := env.Int("CATALOG_PROPAGATION_MAX_DEPTH", DefaultMaxPropagationDepth)
	if err != nil {
		return Config{}, err
	}
	cacheSize, err := env.Int("CATALOG_CACHE_SIZE", DefaultCacheSize)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		LookupBatchSize:     batchSize,
		MaxPropagationDepth: maxDepth,
		CacheSize:           cacheSize,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.LookupBatchSize < 1 {
		return errors.New("CATALOG_LOOKUP_BATCH_SIZE must be >= 1")
	}
	if c.MaxPropagationDepth < 1 {
		return errors.New("CATALOG_PROPAGATION_MAX_DEPTH must be >= 1")
	}
	if c.CacheSize < 0 {
		return errors.New("CATALOG_CACHE_SIZE must be >= 0")
	}
	return nil
}
