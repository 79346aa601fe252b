package metastore

import (
	"context"

	"github.com/fsx-project/fsx/pkg/errtypes"
)

// CreateEntriesAtomic inserts every entry in opts inside a single
// transaction — all-or-nothing.
func (s *Store) CreateEntriesAtomic(ctx context.Context, opts []CreateFileOpts) ([]int64, error) {
	res, err := s.Transaction(ctx, func(ctx context.Context) (any, error) {
		ids := make([]int64, 0, len(opts))
		for _, o := range opts {
			id, err := s.CreateEntry(ctx, o)
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
		return ids, nil
	}, TxOpts{})
	if err != nil {
		return nil, err
	}
	return res.([]int64), nil
}

// DeleteEntriesAtomic deletes every id inside a single transaction.
func (s *Store) DeleteEntriesAtomic(ctx context.Context, ids []int64) error {
	_, err := s.Transaction(ctx, func(ctx context.Context) (any, error) {
		for _, id := range ids {
			if err := s.DeleteEntry(ctx, id); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}, TxOpts{})
	return err
}

// RegisteredBlob is one entry of a RegisterBlobsAtomic call.
type RegisteredBlob struct {
	ID       string
	Tier     string
	Size     int64
	Checksum string
}

// RegisterBlobsAtomic registers every blob in blobs inside a single
// transaction.
func (s *Store) RegisterBlobsAtomic(ctx context.Context, blobs []RegisteredBlob) ([]*BlobRef, error) {
	if len(blobs) == 0 {
		return nil, errtypes.InvalidArgument("registerBlobsAtomic requires at least one blob")
	}
	res, err := s.Transaction(ctx, func(ctx context.Context) (any, error) {
		out := make([]*BlobRef, 0, len(blobs))
		for _, b := range blobs {
			ref, err := s.RegisterBlob(ctx, b.ID, b.Tier, b.Size, b.Checksum)
			if err != nil {
				return nil, err
			}
			out = append(out, ref)
		}
		return out, nil
	}, TxOpts{})
	if err != nil {
		return nil, err
	}
	return res.([]*BlobRef), nil
}
