// Package miniostore is the optional S3-compatible objectstore.Store
// adapter for a real warm or cold backend, over minio-go.
package miniostore

import (
	"bytes"
	"context"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/fsx-project/fsx/pkg/errtypes"
)

// Config configures the S3-compatible endpoint miniostore talks to.
type Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Bucket          string
}

// Store adapts a minio.Client + bucket to objectstore.Store.
type Store struct {
	client *minio.Client
	bucket string
}

// New dials cfg.Endpoint and returns a Store scoped to cfg.Bucket. The
// bucket is not created here; operators provision it ahead of time the way
// they provision any other tiered backend.
func New(cfg Config) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, &errtypes.Io{Op: "miniostore.New", Path: cfg.Endpoint, Err: err}
	}
	return &Store{client: client, bucket: cfg.Bucket}, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, &errtypes.Io{Op: "get", Path: key, Err: err}
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if isNoSuchKey(err) {
			return nil, errtypes.NotFound(key)
		}
		return nil, &errtypes.Io{Op: "get", Path: key, Err: err}
	}
	return data, nil
}

func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{})
	if err != nil {
		return &errtypes.Io{Op: "put", Path: key, Err: err}
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return &errtypes.Io{Op: "delete", Path: key, Err: err}
	}
	return nil
}

func (s *Store) Head(ctx context.Context, key string) (bool, int64, error) {
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return false, 0, nil
		}
		return false, 0, &errtypes.Io{Op: "head", Path: key, Err: err}
	}
	return true, info.Size, nil
}

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey"
}
