// Package objectstore defines the content-addressable byte store each tier
// writes through, and the collaborators (in-memory for hot/tests, S3 via
// minio-go for a real warm/cold backend) that implement it.
package objectstore

import "context"

// Store is a small, key-to-bytes object store. Implementations need not
// support partial reads or range requests: the placement engine always
// moves whole blobs between tiers.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
	// Head reports whether key exists and, if so, its size, without
	// transferring the object body.
	Head(ctx context.Context, key string) (exists bool, size int64, err error)
}
