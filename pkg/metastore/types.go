package metastore

// FileEntry is a filesystem node: a file, directory, or symlink.
type FileEntry struct {
	ID         int64
	Path       string
	Name       string
	ParentID   *int64
	Type       string // "file" | "directory" | "symlink"
	Mode       int64
	UID        int64
	GID        int64
	Size       int64
	BlobID     string
	LinkTarget string
	NLink      int64
	Tier       string // "hot" | "warm" | "cold"
	Birthtime  int64
	Atime      int64
	Mtime      int64
	Ctime      int64
}

// CreateFileOpts are the caller-supplied fields for CreateEntry; timestamps
// and id are assigned by the store.
type CreateFileOpts struct {
	Path       string
	Name       string
	ParentID   *int64
	Type       string
	Mode       int64
	UID        int64
	GID        int64
	Size       int64
	BlobID     string
	LinkTarget string
	NLink      int64
	Tier       string
}

// UpdateFilePatch carries only the fields to change; nil/zero fields are
// left untouched except where noted.
type UpdateFilePatch struct {
	Size       *int64
	BlobID     *string
	Tier       *string
	Mode       *int64
	UID        *int64
	GID        *int64
	NLink      *int64
	Atime      *int64
	Mtime      *int64
	LinkTarget *string
}

// BlobRef is a content-addressed payload reference.
type BlobRef struct {
	ID        string
	Tier      string
	Size      int64
	Checksum  string
	RefCount  int64
	CreatedAt int64
}

// TierCounts is one tier's slice of Stats.BlobsByTier.
type TierCounts struct {
	Count     int64
	TotalSize int64
}

// Stats summarizes the whole store for observability.
type Stats struct {
	TotalFiles       int64
	TotalDirectories int64
	TotalSize        int64
	BlobsByTier      map[string]TierCounts
}
