package metastore

import (
	"context"

	"github.com/fsx-project/fsx/pkg/errtypes"
)

// GetStats summarizes the whole store: file/directory counts, total size,
// and per-tier blob counts/sizes.
func (s *Store) GetStats(ctx context.Context) (Stats, error) {
	var stats Stats
	stats.BlobsByTier = make(map[string]TierCounts, 3)

	row := s.conn().QueryRow(`
		SELECT
			COUNT(CASE WHEN type = 'file' THEN 1 END),
			COUNT(CASE WHEN type = 'directory' THEN 1 END),
			COALESCE(SUM(size), 0)
		FROM files`)
	if err := row.Scan(&stats.TotalFiles, &stats.TotalDirectories, &stats.TotalSize); err != nil {
		return Stats{}, &errtypes.Io{Op: "getStats", Path: "files", Err: err}
	}

	rows, err := s.conn().Query(`
		SELECT tier, COUNT(1), COALESCE(SUM(size), 0) FROM blobs GROUP BY tier`)
	if err != nil {
		return Stats{}, &errtypes.Io{Op: "getStats", Path: "blobs", Err: err}
	}
	defer rows.Close()

	for rows.Next() {
		var tier string
		var tc TierCounts
		if err := rows.Scan(&tier, &tc.Count, &tc.TotalSize); err != nil {
			return Stats{}, &errtypes.Io{Op: "getStats", Path: "blobs", Err: err}
		}
		stats.BlobsByTier[tier] = tc
	}
	return stats, rows.Err()
}
