package metastore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"

	"golang.org/x/sync/singleflight"

	"github.com/fsx-project/fsx/pkg/errtypes"
)

const blobColumns = `id, tier, size, checksum, ref_count, created_at`

// registerGroup deduplicates concurrent RegisterBlob calls for the same
// content-addressed id — belt-and-suspenders under the single-writer
// contract, but cheap insurance if a future caller ever parallelizes
// upload fan-out ahead of the coordinator gate.
var registerGroup singleflight.Group

// ComputeBlobID derives the content-addressed blob id for data.
func ComputeBlobID(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func scanBlobRef(row interface{ Scan(dest ...any) error }) (*BlobRef, error) {
	var b BlobRef
	var checksum sql.NullString
	if err := row.Scan(&b.ID, &b.Tier, &b.Size, &checksum, &b.RefCount, &b.CreatedAt); err != nil {
		return nil, err
	}
	if checksum.Valid {
		b.Checksum = checksum.String
	}
	return &b, nil
}

// RegisterBlob inserts a new BlobRef with refCount=1, or returns the
// existing one unchanged if id is already registered.
func (s *Store) RegisterBlob(ctx context.Context, id, tier string, size int64, checksum string) (*BlobRef, error) {
	v, err, _ := registerGroup.Do(id, func() (any, error) {
		if existing, _ := s.GetBlob(ctx, id); existing != nil {
			return existing, nil
		}
		now := s.clock.Now().UnixMilli()
		_, err := s.conn().Exec(
			"INSERT INTO blobs (id, tier, size, checksum, ref_count, created_at) VALUES (?, ?, ?, ?, 1, ?)",
			id, tier, size, nullableString(checksum), now)
		if err != nil {
			return nil, &errtypes.Io{Op: "registerBlob", Path: id, Err: err}
		}
		return &BlobRef{ID: id, Tier: tier, Size: size, Checksum: checksum, RefCount: 1, CreatedAt: now}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*BlobRef), nil
}

// GetBlob looks up a BlobRef by id. Returns nil, nil when absent.
func (s *Store) GetBlob(ctx context.Context, id string) (*BlobRef, error) {
	row := s.conn().QueryRow("SELECT "+blobColumns+" FROM blobs WHERE id = ?", id)
	b, err := scanBlobRef(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &errtypes.Io{Op: "getBlob", Path: id, Err: err}
	}
	return b, nil
}

// UpdateBlobTier moves a blob's recorded tier (the caller is responsible
// for having already migrated the underlying bytes).
func (s *Store) UpdateBlobTier(ctx context.Context, id, tier string) error {
	_, err := s.conn().Exec("UPDATE blobs SET tier = ? WHERE id = ?", tier, id)
	if err != nil {
		return &errtypes.Io{Op: "updateBlobTier", Path: id, Err: err}
	}
	return nil
}

// DeleteBlob removes the metadata row; the caller is responsible for
// freeing the underlying object separately.
func (s *Store) DeleteBlob(ctx context.Context, id string) error {
	_, err := s.conn().Exec("DELETE FROM blobs WHERE id = ?", id)
	if err != nil {
		return &errtypes.Io{Op: "deleteBlob", Path: id, Err: err}
	}
	return nil
}

// GetBlobRefCount returns the stored ref_count for id.
func (s *Store) GetBlobRefCount(ctx context.Context, id string) (int64, error) {
	var count int64
	row := s.conn().QueryRow("SELECT ref_count FROM blobs WHERE id = ?", id)
	if err := row.Scan(&count); err != nil {
		if err == sql.ErrNoRows {
			return 0, errtypes.NotFound(id)
		}
		return 0, &errtypes.Io{Op: "getBlobRefCount", Path: id, Err: err}
	}
	return count, nil
}

// IncrementBlobRefCount atomically bumps ref_count by one.
func (s *Store) IncrementBlobRefCount(ctx context.Context, id string) error {
	_, err := s.conn().Exec("UPDATE blobs SET ref_count = ref_count + 1 WHERE id = ?", id)
	if err != nil {
		return &errtypes.Io{Op: "incrementBlobRefCount", Path: id, Err: err}
	}
	return nil
}

// DecrementBlobRefCount atomically decrements ref_count by one, clamped
// at 0, and reports whether the new count reached 0.
func (s *Store) DecrementBlobRefCount(ctx context.Context, id string) (bool, error) {
	_, err := s.conn().Exec(
		"UPDATE blobs SET ref_count = CASE WHEN ref_count > 0 THEN ref_count - 1 ELSE 0 END WHERE id = ?", id)
	if err != nil {
		return false, &errtypes.Io{Op: "decrementBlobRefCount", Path: id, Err: err}
	}
	count, err := s.GetBlobRefCount(ctx, id)
	if err != nil {
		return false, err
	}
	return count == 0, nil
}

// CountBlobReferences computes the live COUNT of files referencing id.
func (s *Store) CountBlobReferences(ctx context.Context, id string) (int64, error) {
	var count int64
	row := s.conn().QueryRow("SELECT COUNT(1) FROM files WHERE blob_id = ?", id)
	if err := row.Scan(&count); err != nil {
		return 0, &errtypes.Io{Op: "countBlobReferences", Path: id, Err: err}
	}
	return count, nil
}

// SyncBlobRefCount reconciles the stored ref_count with the live COUNT
// from CountBlobReferences.
func (s *Store) SyncBlobRefCount(ctx context.Context, id string) (int64, error) {
	live, err := s.CountBlobReferences(ctx, id)
	if err != nil {
		return 0, err
	}
	_, err = s.conn().Exec("UPDATE blobs SET ref_count = ? WHERE id = ?", live, id)
	if err != nil {
		return 0, &errtypes.Io{Op: "syncBlobRefCount", Path: id, Err: err}
	}
	return live, nil
}
