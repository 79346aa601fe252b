// Package metastore implements the SQL-backed metadata store (§4.5): the
// files/blobs/page_metadata schema, CRUD and bulk operations, blob
// reference counting, and the nested-transaction protocol with retry and
// an in-memory transaction log.
package metastore

import (
	"context"
	"database/sql"

	"github.com/fsx-project/fsx/pkg/errtypes"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS files (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	path TEXT UNIQUE NOT NULL,
	name TEXT NOT NULL,
	parent_id INTEGER,
	type TEXT NOT NULL CHECK (type IN ('file','directory','symlink')),
	mode INTEGER NOT NULL,
	uid INTEGER NOT NULL,
	gid INTEGER NOT NULL,
	size INTEGER NOT NULL,
	blob_id TEXT,
	link_target TEXT,
	nlink INTEGER NOT NULL DEFAULT 1,
	tier TEXT NOT NULL DEFAULT 'hot' CHECK (tier IN ('hot','warm','cold')),
	birthtime INTEGER NOT NULL,
	atime INTEGER NOT NULL,
	mtime INTEGER NOT NULL,
	ctime INTEGER NOT NULL,
	FOREIGN KEY (parent_id) REFERENCES files(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_files_path ON files(path);
CREATE INDEX IF NOT EXISTS idx_files_parent_id ON files(parent_id);
CREATE INDEX IF NOT EXISTS idx_files_tier ON files(tier);

CREATE TABLE IF NOT EXISTS blobs (
	id TEXT PRIMARY KEY,
	tier TEXT NOT NULL CHECK (tier IN ('hot','warm','cold')),
	size INTEGER NOT NULL,
	checksum TEXT,
	ref_count INTEGER NOT NULL DEFAULT 1 CHECK (ref_count >= 0),
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS page_metadata (
	file_id INTEGER NOT NULL,
	page_number INTEGER NOT NULL,
	page_key TEXT NOT NULL UNIQUE,
	tier TEXT NOT NULL DEFAULT 'warm' CHECK (tier IN ('hot','warm','cold')),
	size INTEGER NOT NULL,
	checksum TEXT,
	last_access_at INTEGER NOT NULL,
	access_count INTEGER NOT NULL DEFAULT 0,
	compressed INTEGER NOT NULL DEFAULT 0,
	original_size INTEGER,
	PRIMARY KEY (file_id, page_number),
	FOREIGN KEY (file_id) REFERENCES files(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_page_metadata_tier ON page_metadata(tier);
CREATE INDEX IF NOT EXISTS idx_page_metadata_lru ON page_metadata(last_access_at);
`

// Init creates the schema if absent and seeds the root directory entry
// ("/", type=directory, mode=0755) when it does not already exist. Both
// steps are idempotent.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
		return &errtypes.Io{Op: "init", Path: "pragma", Err: err}
	}
	if _, err := s.db.ExecContext(ctx, schemaDDL); err != nil {
		return &errtypes.Io{Op: "init", Path: "schema", Err: err}
	}

	var count int
	row := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM files WHERE path = '/'")
	if err := row.Scan(&count); err != nil {
		return &errtypes.Io{Op: "init", Path: "root check", Err: err}
	}
	if count > 0 {
		return nil
	}

	now := s.clock.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO files (path, name, parent_id, type, mode, uid, gid, size, tier, birthtime, atime, mtime, ctime)
		VALUES ('/', '/', NULL, 'directory', 493, 0, 0, 0, 'hot', ?, ?, ?, ?)`,
		now, now, now, now)
	if err != nil {
		return &errtypes.Io{Op: "init", Path: "root insert", Err: err}
	}
	return nil
}

func scanFileEntry(row interface{ Scan(dest ...any) error }) (*FileEntry, error) {
	var f FileEntry
	var parentID sql.NullInt64
	var blobID, linkTarget sql.NullString
	err := row.Scan(&f.ID, &f.Path, &f.Name, &parentID, &f.Type, &f.Mode, &f.UID, &f.GID,
		&f.Size, &blobID, &linkTarget, &f.NLink, &f.Tier, &f.Birthtime, &f.Atime, &f.Mtime, &f.Ctime)
	if err != nil {
		return nil, err
	}
	if parentID.Valid {
		f.ParentID = &parentID.Int64
	}
	if blobID.Valid {
		f.BlobID = blobID.String
	}
	if linkTarget.Valid {
		f.LinkTarget = linkTarget.String
	}
	return &f, nil
}

const fileColumns = `id, path, name, parent_id, type, mode, uid, gid, size, blob_id, link_target, nlink, tier, birthtime, atime, mtime, ctime`
