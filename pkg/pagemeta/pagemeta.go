// Package pagemeta implements the page-metadata layer (§4.6): the VFS
// chunker's bookkeeping for each 2 MiB page of a file's content, including
// access tracking and the tier-aware eviction ordering the placement engine
// reads from. It operates over the page_metadata table owned by
// pkg/metastore, reusing that store's connection and transaction via
// metastore.DB rather than opening a second database handle.
package pagemeta

import (
	"context"
	"database/sql"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/fsx-project/fsx/pkg/clock"
	"github.com/fsx-project/fsx/pkg/errtypes"
	"github.com/fsx-project/fsx/pkg/metastore"
)

// PageSize is the fixed chunk size every page is split into.
const PageSize = 2 * 1024 * 1024

// conn is the executor pagemeta issues queries against; metastore.DB
// satisfies it, so a Store shares whatever transaction is currently open
// on the underlying *metastore.Store.
type conn = metastore.DB

// ConnProvider is implemented by *metastore.Store: it returns the executor
// for whatever transaction is currently in flight, so page-metadata writes
// commit atomically with the file-metadata writes around them.
type ConnProvider interface {
	Conn() metastore.DB
}

// Page is one chunk of a file's content.
type Page struct {
	FileID       int64
	PageNumber   int64
	PageKey      string
	Tier         string // "hot" | "warm" | "cold"
	Size         int64
	Checksum     string // e.g. "crc32:..." or "sha256:...", empty if unset
	LastAccessAt int64
	AccessCount  int64
	Compressed   bool
	OriginalSize int64 // 0 when Compressed is false
}

// CreatePageOpts are the caller-supplied fields for CreatePage.
type CreatePageOpts struct {
	FileID       int64
	PageNumber   int64
	Tier         string
	Size         int64
	Checksum     string
	Compressed   bool
	OriginalSize int64
}

// UpdatePagePatch carries only the fields to change.
type UpdatePagePatch struct {
	Tier         *string
	Size         *int64
	Checksum     *string
	Compressed   *bool
	OriginalSize *int64
}

// TierStats summarizes one tier's page population.
type TierStats struct {
	Count     int64
	TotalSize int64
}

// Store provides CRUD, access tracking, and eviction-ranking queries over
// page_metadata, layered atop a metastore connection.
type Store struct {
	db    ConnProvider
	clock clock.Clock
}

// Option configures a Store at construction.
type Option func(*Store)

// WithClock overrides the store's clock, used for last_access_at
// stamping. Defaults to clock.Real.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// New wraps db, which must already have the page_metadata schema
// (pkg/metastore.Store.Init creates it alongside files/blobs).
func New(db ConnProvider, opts ...Option) *Store {
	s := &Store{db: db, clock: clock.Real}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) conn() conn { return s.db.Conn() }

func scanPage(row interface{ Scan(dest ...any) error }) (*Page, error) {
	var p Page
	var checksum sql.NullString
	var originalSize sql.NullInt64
	var compressed int
	err := row.Scan(&p.FileID, &p.PageNumber, &p.PageKey, &p.Tier, &p.Size, &checksum,
		&p.LastAccessAt, &p.AccessCount, &compressed, &originalSize)
	if err != nil {
		return nil, err
	}
	if checksum.Valid {
		p.Checksum = checksum.String
	}
	p.Compressed = compressed != 0
	if originalSize.Valid {
		p.OriginalSize = originalSize.Int64
	}
	return &p, nil
}

const pageColumns = `file_id, page_number, page_key, tier, size, checksum, last_access_at, access_count, compressed, original_size`

// CreatePage inserts a new page row with a freshly generated page key and
// access_count 0. Fails with AlreadyExists if (fileID, pageNumber) is
// already registered.
func (s *Store) CreatePage(ctx context.Context, opts CreatePageOpts) (*Page, error) {
	if opts.Tier == "" {
		opts.Tier = "warm"
	}
	now := s.clock.Now().UnixMilli()
	key := uuid.NewString()

	_, err := s.conn().Exec(`
		INSERT INTO page_metadata (file_id, page_number, page_key, tier, size, checksum, last_access_at, access_count, compressed, original_size)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		opts.FileID, opts.PageNumber, key, opts.Tier, opts.Size, nullableString(opts.Checksum), now,
		boolToInt(opts.Compressed), nullableOriginalSize(opts.Compressed, opts.OriginalSize))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, errtypes.AlreadyExists(pageRef(opts.FileID, opts.PageNumber))
		}
		return nil, &errtypes.Io{Op: "createPage", Path: pageRef(opts.FileID, opts.PageNumber), Err: err}
	}

	return &Page{
		FileID: opts.FileID, PageNumber: opts.PageNumber, PageKey: key, Tier: opts.Tier,
		Size: opts.Size, Checksum: opts.Checksum, LastAccessAt: now, Compressed: opts.Compressed,
		OriginalSize: opts.OriginalSize,
	}, nil
}

// GetPage looks up a single page by (fileID, pageNumber). Returns nil, nil
// when absent.
func (s *Store) GetPage(ctx context.Context, fileID, pageNumber int64) (*Page, error) {
	row := s.conn().QueryRow("SELECT "+pageColumns+" FROM page_metadata WHERE file_id = ? AND page_number = ?", fileID, pageNumber)
	p, err := scanPage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &errtypes.Io{Op: "getPage", Path: pageRef(fileID, pageNumber), Err: err}
	}
	return p, nil
}

// GetPagesForFile lists every page of fileID, ordered by page number.
func (s *Store) GetPagesForFile(ctx context.Context, fileID int64) ([]*Page, error) {
	rows, err := s.conn().Query("SELECT "+pageColumns+" FROM page_metadata WHERE file_id = ? ORDER BY page_number ASC", fileID)
	if err != nil {
		return nil, &errtypes.Io{Op: "getPagesForFile", Path: fileRef(fileID), Err: err}
	}
	defer rows.Close()
	return scanPages(rows)
}

// GetPageKeysForFile lists the page keys of fileID, ordered by page number —
// the sequence a VFS reader walks to reassemble content.
func (s *Store) GetPageKeysForFile(ctx context.Context, fileID int64) ([]string, error) {
	rows, err := s.conn().Query("SELECT page_key FROM page_metadata WHERE file_id = ? ORDER BY page_number ASC", fileID)
	if err != nil {
		return nil, &errtypes.Io{Op: "getPageKeysForFile", Path: fileRef(fileID), Err: err}
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, &errtypes.Io{Op: "getPageKeysForFile", Path: fileRef(fileID), Err: err}
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

// GetTotalFileSize sums the size of every page belonging to fileID.
func (s *Store) GetTotalFileSize(ctx context.Context, fileID int64) (int64, error) {
	var total sql.NullInt64
	row := s.conn().QueryRow("SELECT SUM(size) FROM page_metadata WHERE file_id = ?", fileID)
	if err := row.Scan(&total); err != nil {
		return 0, &errtypes.Io{Op: "getTotalFileSize", Path: fileRef(fileID), Err: err}
	}
	return total.Int64, nil
}

// UpdatePage applies a partial patch to the page identified by
// (fileID, pageNumber).
func (s *Store) UpdatePage(ctx context.Context, fileID, pageNumber int64, patch UpdatePagePatch) error {
	sets := []string{}
	args := []any{}

	if patch.Tier != nil {
		sets = append(sets, "tier = ?")
		args = append(args, *patch.Tier)
	}
	if patch.Size != nil {
		sets = append(sets, "size = ?")
		args = append(args, *patch.Size)
	}
	if patch.Checksum != nil {
		sets = append(sets, "checksum = ?")
		args = append(args, nullableString(*patch.Checksum))
	}
	if patch.Compressed != nil {
		sets = append(sets, "compressed = ?")
		args = append(args, boolToInt(*patch.Compressed))
	}
	if patch.OriginalSize != nil {
		sets = append(sets, "original_size = ?")
		args = append(args, *patch.OriginalSize)
	}
	if len(sets) == 0 {
		return nil
	}

	query := "UPDATE page_metadata SET "
	for i, set := range sets {
		if i > 0 {
			query += ", "
		}
		query += set
	}
	query += " WHERE file_id = ? AND page_number = ?"
	args = append(args, fileID, pageNumber)

	if _, err := s.conn().Exec(query, args...); err != nil {
		return &errtypes.Io{Op: "updatePage", Path: pageRef(fileID, pageNumber), Err: err}
	}
	return nil
}

// RecordAccess atomically bumps access_count and stamps last_access_at to
// now, the signal the placement engine's promotion policy reads.
func (s *Store) RecordAccess(ctx context.Context, fileID, pageNumber int64) error {
	now := s.clock.Now().UnixMilli()
	_, err := s.conn().Exec(
		"UPDATE page_metadata SET access_count = access_count + 1, last_access_at = ? WHERE file_id = ? AND page_number = ?",
		now, fileID, pageNumber)
	if err != nil {
		return &errtypes.Io{Op: "recordAccess", Path: pageRef(fileID, pageNumber), Err: err}
	}
	return nil
}

// DeletePage removes a single page row.
func (s *Store) DeletePage(ctx context.Context, fileID, pageNumber int64) error {
	if _, err := s.conn().Exec("DELETE FROM page_metadata WHERE file_id = ? AND page_number = ?", fileID, pageNumber); err != nil {
		return &errtypes.Io{Op: "deletePage", Path: pageRef(fileID, pageNumber), Err: err}
	}
	return nil
}

// DeletePagesForFile removes every page of fileID.
func (s *Store) DeletePagesForFile(ctx context.Context, fileID int64) error {
	if _, err := s.conn().Exec("DELETE FROM page_metadata WHERE file_id = ?", fileID); err != nil {
		return &errtypes.Io{Op: "deletePagesForFile", Path: fileRef(fileID), Err: err}
	}
	return nil
}

// OnFileDeleted is a defensive cascade hook: page_metadata's foreign key
// already cascades a files-table delete, but callers that delete pages and
// the owning file inside the same application-level transaction without
// relying on the FK (e.g. to control ordering against the blob store) can
// call this explicitly. It is idempotent.
func (s *Store) OnFileDeleted(ctx context.Context, fileID int64) error {
	return s.DeletePagesForFile(ctx, fileID)
}

// GetPagesByTier lists every page currently assigned to tier.
func (s *Store) GetPagesByTier(ctx context.Context, tier string) ([]*Page, error) {
	rows, err := s.conn().Query("SELECT "+pageColumns+" FROM page_metadata WHERE tier = ? ORDER BY last_access_at ASC", tier)
	if err != nil {
		return nil, &errtypes.Io{Op: "getPagesByTier", Path: tier, Err: err}
	}
	defer rows.Close()
	return scanPages(rows)
}

// OldestPagesOpts scopes GetOldestPages to a single tier when Tier is
// non-empty.
type OldestPagesOpts struct {
	Tier string
}

// GetOldestPages lists up to limit pages ordered by last_access_at
// ascending, the demotion policy's LRU candidate list.
func (s *Store) GetOldestPages(ctx context.Context, limit int, opts OldestPagesOpts) ([]*Page, error) {
	query := "SELECT " + pageColumns + " FROM page_metadata"
	args := []any{}
	if opts.Tier != "" {
		query += " WHERE tier = ?"
		args = append(args, opts.Tier)
	}
	query += " ORDER BY last_access_at ASC LIMIT ?"
	args = append(args, limit)

	rows, err := s.conn().Query(query, args...)
	if err != nil {
		return nil, &errtypes.Io{Op: "getOldestPages", Err: err}
	}
	defer rows.Close()
	return scanPages(rows)
}

// HotPagesOpts scopes GetHotPages.
type HotPagesOpts struct {
	MinAccessCount int64
	Tier           string
}

// GetHotPages lists pages with access_count >= MinAccessCount, optionally
// scoped to a tier — the promotion policy's candidate list.
func (s *Store) GetHotPages(ctx context.Context, opts HotPagesOpts) ([]*Page, error) {
	query := "SELECT " + pageColumns + " FROM page_metadata WHERE access_count >= ?"
	args := []any{opts.MinAccessCount}
	if opts.Tier != "" {
		query += " AND tier = ?"
		args = append(args, opts.Tier)
	}
	query += " ORDER BY access_count DESC"

	rows, err := s.conn().Query(query, args...)
	if err != nil {
		return nil, &errtypes.Io{Op: "getHotPages", Err: err}
	}
	defer rows.Close()
	return scanPages(rows)
}

// GetEvictionCandidates lists up to limit pages ranked for eviction: cold
// tier first, then warm, then hot, with ties broken by ascending
// access_count and then ascending last_access_at — the coldest, least-used,
// least-recently-touched pages evict first.
func (s *Store) GetEvictionCandidates(ctx context.Context, limit int) ([]*Page, error) {
	rows, err := s.conn().Query(`
		SELECT `+pageColumns+` FROM page_metadata
		ORDER BY
			CASE tier WHEN 'cold' THEN 0 WHEN 'warm' THEN 1 WHEN 'hot' THEN 2 ELSE 3 END ASC,
			access_count ASC,
			last_access_at ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, &errtypes.Io{Op: "getEvictionCandidates", Err: err}
	}
	defer rows.Close()
	return scanPages(rows)
}

// GetTierStats summarizes page count and total size per tier.
func (s *Store) GetTierStats(ctx context.Context) (map[string]TierStats, error) {
	rows, err := s.conn().Query("SELECT tier, COUNT(1), COALESCE(SUM(size), 0) FROM page_metadata GROUP BY tier")
	if err != nil {
		return nil, &errtypes.Io{Op: "getTierStats", Err: err}
	}
	defer rows.Close()

	out := make(map[string]TierStats, 3)
	for rows.Next() {
		var tier string
		var ts TierStats
		if err := rows.Scan(&tier, &ts.Count, &ts.TotalSize); err != nil {
			return nil, &errtypes.Io{Op: "getTierStats", Err: err}
		}
		out[tier] = ts
	}
	return out, rows.Err()
}

func scanPages(rows *sql.Rows) ([]*Page, error) {
	var out []*Page
	for rows.Next() {
		p, err := scanPage(rows)
		if err != nil {
			return nil, &errtypes.Io{Op: "scanPages", Err: err}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func pageRef(fileID, pageNumber int64) string {
	return strconv.FormatInt(fileID, 10) + "#" + strconv.FormatInt(pageNumber, 10)
}

func fileRef(fileID int64) string { return strconv.FormatInt(fileID, 10) }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableOriginalSize(compressed bool, size int64) any {
	if !compressed {
		return nil
	}
	return size
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
