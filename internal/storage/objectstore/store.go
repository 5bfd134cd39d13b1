package objectstore

import "context"

// Store writes regeneration requests into the bucket it was opened for.
type Store interface {
	PutJSON(ctx context.Context, key string, body []byte) error
}
