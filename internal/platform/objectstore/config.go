package objectstore

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/minio/minio-go/v7/pkg/s3utils"

	"github.com/animus-labs/catalog-go/internal/platform/env"
)

// Config locates the bucket the certificate generator polls for
// regeneration requests.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	Bucket    string
	Prefix    string
	// Timeout bounds a single request upload.
	Timeout time.Duration
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("CATALOG_REGENERATION_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	timeout, err := env.Duration("CATALOG_REGENERATION_TIMEOUT", 10*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:  env.String("CATALOG_REGENERATION_ENDPOINT", "localhost:9000"),
		AccessKey: env.String("CATALOG_REGENERATION_ACCESS_KEY", "catalog"),
		SecretKey: env.String("CATALOG_REGENERATION_SECRET_KEY", "catalogminio"),
		Region:    env.String("CATALOG_REGENERATION_REGION", "us-east-1"),
		UseSSL:    useSSL,
		Bucket:    env.String("CATALOG_REGENERATION_BUCKET", "catalog-regeneration"),
		Prefix:    env.String("CATALOG_REGENERATION_PREFIX", "requests"),
		Timeout:   timeout,
	}
	cfg.Prefix = strings.Trim(strings.TrimSpace(cfg.Prefix), "/")
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("regeneration store endpoint is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("regeneration store endpoint must be host:port, got %q", c.Endpoint)
	}
	if strings.TrimSpace(c.AccessKey) == "" || strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("regeneration store credentials are required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("regeneration store region is required")
	}
	if err := s3utils.CheckValidBucketNameStrict(c.Bucket); err != nil {
		return fmt.Errorf("regeneration bucket %q: %w", c.Bucket, err)
	}
	if c.Prefix != "" {
		if strings.HasPrefix(c.Prefix, "/") || strings.Contains(c.Prefix, "..") {
			return fmt.Errorf("regeneration prefix %q must be a relative key path", c.Prefix)
		}
		if err := s3utils.CheckValidObjectNamePrefix(c.Prefix); err != nil {
			return fmt.Errorf("regeneration prefix %q: %w", c.Prefix, err)
		}
	}
	if c.Timeout <= 0 {
		return errors.New("regeneration upload timeout must be positive")
	}
	return nil
}
