package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/s3utils"

	platformstore "github.com/animus-labs/catalog-go/internal/platform/objectstore"
)

const jsonContentType = "application/json"

// MinioStore uploads regeneration requests to a single bucket.
type MinioStore struct {
	client  *minio.Client
	bucket  string
	timeout time.Duration
}

func NewMinioStore(client *minio.Client, cfg platformstore.Config) (*MinioStore, error) {
	if client == nil {
		return nil, errors.New("minio client is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &MinioStore{client: client, bucket: cfg.Bucket, timeout: cfg.Timeout}, nil
}

func (s *MinioStore) Bucket() string {
	return s.bucket
}

func (s *MinioStore) PutJSON(ctx context.Context, key string, body []byte) error {
	if s == nil || s.client == nil {
		return errors.New("regeneration store not initialized")
	}
	if err := s3utils.CheckValidObjectName(key); err != nil {
		return fmt.Errorf("regeneration request key %q: %w", key, err)
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	opts := minio.PutObjectOptions{ContentType: jsonContentType}
	if _, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(body), int64(len(body)), opts); err != nil {
		return fmt.Errorf("put regeneration request %s/%s: %w", s.bucket, key, err)
	}
	return nil
}
