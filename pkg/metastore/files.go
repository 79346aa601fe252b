package metastore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fsx-project/fsx/pkg/errtypes"
	"github.com/fsx-project/fsx/pkg/pathutil"
)

// GetByPath looks up a FileEntry by its canonical path. Returns nil, nil
// when absent.
func (s *Store) GetByPath(ctx context.Context, path string) (*FileEntry, error) {
	start := time.Now()
	row := s.conn().QueryRow("SELECT "+fileColumns+" FROM files WHERE path = ?", path)
	f, err := scanFileEntry(row)
	s.recordStmt("getByPath", time.Since(start).Nanoseconds())
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &errtypes.Io{Op: "getByPath", Path: path, Err: err}
	}
	return f, nil
}

// GetByID looks up a FileEntry by its surrogate key. Returns nil, nil when
// absent.
func (s *Store) GetByID(ctx context.Context, id int64) (*FileEntry, error) {
	start := time.Now()
	row := s.conn().QueryRow("SELECT "+fileColumns+" FROM files WHERE id = ?", id)
	f, err := scanFileEntry(row)
	s.recordStmt("getById", time.Since(start).Nanoseconds())
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &errtypes.Io{Op: "getById", Path: fmt.Sprint(id), Err: err}
	}
	return f, nil
}

// GetChildren lists the direct children of parentID, using the parent
// index.
func (s *Store) GetChildren(ctx context.Context, parentID int64) ([]*FileEntry, error) {
	start := time.Now()
	rows, err := s.conn().Query("SELECT "+fileColumns+" FROM files WHERE parent_id = ?", parentID)
	s.recordStmt("getChildren", time.Since(start).Nanoseconds())
	if err != nil {
		return nil, &errtypes.Io{Op: "getChildren", Path: fmt.Sprint(parentID), Err: err}
	}
	defer rows.Close()

	var out []*FileEntry
	for rows.Next() {
		f, err := scanFileEntry(rows)
		if err != nil {
			return nil, &errtypes.Io{Op: "getChildren", Path: fmt.Sprint(parentID), Err: err}
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// CreateEntry inserts a new FileEntry and returns its assigned id. Fails
// with AlreadyExists if opts.Path collides with an existing entry.
func (s *Store) CreateEntry(ctx context.Context, opts CreateFileOpts) (int64, error) {
	norm, err := pathutil.Normalize(opts.Path)
	if err != nil {
		return 0, err
	}
	if existing, _ := s.GetByPath(ctx, norm); existing != nil {
		return 0, errtypes.AlreadyExists(norm)
	}

	now := s.clock.Now().UnixMilli()
	if opts.NLink == 0 {
		opts.NLink = 1
	}
	if opts.Tier == "" {
		opts.Tier = "hot"
	}

	start := time.Now()
	res, err := s.conn().Exec(`
		INSERT INTO files (path, name, parent_id, type, mode, uid, gid, size, blob_id, link_target, nlink, tier, birthtime, atime, mtime, ctime)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		norm, opts.Name, nullableInt64(opts.ParentID), opts.Type, opts.Mode, opts.UID, opts.GID, opts.Size,
		nullableString(opts.BlobID), nullableString(opts.LinkTarget), opts.NLink, opts.Tier, now, now, now, now)
	s.recordStmt("createEntry", time.Since(start).Nanoseconds())
	if err != nil {
		return 0, &errtypes.Io{Op: "createEntry", Path: norm, Err: err}
	}
	return res.LastInsertId()
}

// UpdateEntry applies a partial patch to the entry identified by id,
// refreshing ctime.
func (s *Store) UpdateEntry(ctx context.Context, id int64, patch UpdateFilePatch) error {
	now := s.clock.Now().UnixMilli()
	sets := []string{"ctime = ?"}
	args := []any{now}

	if patch.Size != nil {
		sets = append(sets, "size = ?")
		args = append(args, *patch.Size)
	}
	if patch.BlobID != nil {
		sets = append(sets, "blob_id = ?")
		args = append(args, *patch.BlobID)
	}
	if patch.Tier != nil {
		sets = append(sets, "tier = ?")
		args = append(args, *patch.Tier)
	}
	if patch.Mode != nil {
		sets = append(sets, "mode = ?")
		args = append(args, *patch.Mode)
	}
	if patch.UID != nil {
		sets = append(sets, "uid = ?")
		args = append(args, *patch.UID)
	}
	if patch.GID != nil {
		sets = append(sets, "gid = ?")
		args = append(args, *patch.GID)
	}
	if patch.NLink != nil {
		sets = append(sets, "nlink = ?")
		args = append(args, *patch.NLink)
	}
	if patch.Atime != nil {
		sets = append(sets, "atime = ?")
		args = append(args, *patch.Atime)
	}
	if patch.Mtime != nil {
		sets = append(sets, "mtime = ?")
		args = append(args, *patch.Mtime)
	}
	if patch.LinkTarget != nil {
		sets = append(sets, "link_target = ?")
		args = append(args, *patch.LinkTarget)
	}

	query := "UPDATE files SET "
	for i, set := range sets {
		if i > 0 {
			query += ", "
		}
		query += set
	}
	query += " WHERE id = ?"
	args = append(args, id)

	start := time.Now()
	_, err := s.conn().Exec(query, args...)
	s.recordStmt("updateEntry", time.Since(start).Nanoseconds())
	if err != nil {
		return &errtypes.Io{Op: "updateEntry", Path: fmt.Sprint(id), Err: err}
	}
	return nil
}

// DeleteEntry removes the entry identified by id; children cascade via
// the files table's foreign key.
func (s *Store) DeleteEntry(ctx context.Context, id int64) error {
	start := time.Now()
	_, err := s.conn().Exec("DELETE FROM files WHERE id = ?", id)
	s.recordStmt("deleteEntry", time.Since(start).Nanoseconds())
	if err != nil {
		return &errtypes.Io{Op: "deleteEntry", Path: fmt.Sprint(id), Err: err}
	}
	return nil
}

// FindByPattern lists entries whose path matches a SQL LIKE-style glob
// pattern ("*" and "?"), optionally scoped to children of parentPath.
func (s *Store) FindByPattern(ctx context.Context, pattern string, parentPath string) ([]*FileEntry, error) {
	like := toSQLLike(pattern)
	query := "SELECT " + fileColumns + " FROM files WHERE path LIKE ? ESCAPE '\\'"
	args := []any{like}
	if parentPath != "" {
		query += " AND path LIKE ? ESCAPE '\\'"
		args = append(args, toSQLLike(parentPath)+"/%")
	}

	rows, err := s.conn().Query(query, args...)
	if err != nil {
		return nil, &errtypes.Io{Op: "findByPattern", Path: pattern, Err: err}
	}
	defer rows.Close()

	var out []*FileEntry
	for rows.Next() {
		f, err := scanFileEntry(rows)
		if err != nil {
			return nil, &errtypes.Io{Op: "findByPattern", Path: pattern, Err: err}
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// toSQLLike translates the spec's "*" (any run) and "?" (one char) glob
// dialect into a SQL LIKE pattern, escaping LIKE's own metacharacters.
func toSQLLike(pattern string) string {
	out := make([]byte, 0, len(pattern))
	for i := 0; i < len(pattern); i++ {
		switch pattern[i] {
		case '*':
			out = append(out, '%')
		case '?':
			out = append(out, '_')
		case '%', '_', '\\':
			out = append(out, '\\', pattern[i])
		default:
			out = append(out, pattern[i])
		}
	}
	return string(out)
}

func nullableInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
