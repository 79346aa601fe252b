package metastore

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/fsx-project/fsx/pkg/clock"
	"github.com/fsx-project/fsx/pkg/errtypes"
)

func newTestStore(t *testing.T) (*Store, *clock.Fake) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	fc := clock.NewFake(time.Unix(1000, 0))
	s := New(db, WithClock(fc))
	if err := s.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	return s, fc
}

func TestInitIsIdempotentAndSeedsRoot(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	root, err := s.GetByPath(ctx, "/")
	if err != nil {
		t.Fatal(err)
	}
	if root == nil || root.Type != "directory" || root.ParentID != nil {
		t.Fatalf("unexpected root entry: %+v", root)
	}

	if err := s.Init(ctx); err != nil {
		t.Fatal(err)
	}
	stats, err := s.GetStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalDirectories != 1 {
		t.Fatalf("expected exactly one directory after double init, got %d", stats.TotalDirectories)
	}
}

func TestCreateGetDeleteEntry(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	root, _ := s.GetByPath(ctx, "/")
	id, err := s.CreateEntry(ctx, CreateFileOpts{
		Path: "/a.txt", Name: "a.txt", ParentID: &root.ID, Type: "file", Mode: 0644, Size: 5,
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.GetByID(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Path != "/a.txt" || got.Size != 5 {
		t.Fatalf("unexpected entry: %+v", got)
	}

	if err := s.DeleteEntry(ctx, id); err != nil {
		t.Fatal(err)
	}
	got, err = s.GetByID(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatal("expected entry to be gone after delete")
	}
}

func TestCreateEntryRejectsDuplicatePath(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	root, _ := s.GetByPath(ctx, "/")

	opts := CreateFileOpts{Path: "/dup.txt", Name: "dup.txt", ParentID: &root.ID, Type: "file", Mode: 0644}
	if _, err := s.CreateEntry(ctx, opts); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateEntry(ctx, opts); !errtypes.IsAlreadyExists(err) {
		t.Fatalf("expected AlreadyExists, got %v", err)
	}
}

func TestDeleteCascadesToChildren(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	root, _ := s.GetByPath(ctx, "/")

	dirID, err := s.CreateEntry(ctx, CreateFileOpts{Path: "/d", Name: "d", ParentID: &root.ID, Type: "directory", Mode: 0755})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateEntry(ctx, CreateFileOpts{Path: "/d/child", Name: "child", ParentID: &dirID, Type: "file", Mode: 0644}); err != nil {
		t.Fatal(err)
	}

	if _, err := s.db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteEntry(ctx, dirID); err != nil {
		t.Fatal(err)
	}

	children, err := s.GetChildren(ctx, dirID)
	if err != nil {
		t.Fatal(err)
	}
	if len(children) != 0 {
		t.Fatalf("expected cascade delete of children, got %d", len(children))
	}
}

func TestBlobRefcountLifecycle(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	ref, err := s.RegisterBlob(ctx, "blobX", "hot", 100, "")
	if err != nil {
		t.Fatal(err)
	}
	if ref.RefCount != 1 {
		t.Fatalf("expected refCount 1, got %d", ref.RefCount)
	}

	if err := s.IncrementBlobRefCount(ctx, "blobX"); err != nil {
		t.Fatal(err)
	}
	count, err := s.GetBlobRefCount(ctx, "blobX")
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Fatalf("expected refCount 2, got %d", count)
	}

	reachedZero, err := s.DecrementBlobRefCount(ctx, "blobX")
	if err != nil {
		t.Fatal(err)
	}
	if reachedZero {
		t.Fatal("expected refCount 1 after first decrement, not zero")
	}
	reachedZero, err = s.DecrementBlobRefCount(ctx, "blobX")
	if err != nil {
		t.Fatal(err)
	}
	if !reachedZero {
		t.Fatal("expected refCount to reach zero after second decrement")
	}
}

func TestSyncBlobRefCountReconciles(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	root, _ := s.GetByPath(ctx, "/")

	if _, err := s.RegisterBlob(ctx, "blobY", "hot", 10, ""); err != nil {
		t.Fatal(err)
	}
	if err := s.IncrementBlobRefCount(ctx, "blobY"); err != nil {
		t.Fatal(err) // stored refCount now 2, but no file references it
	}

	if _, err := s.CreateEntry(ctx, CreateFileOpts{
		Path: "/f", Name: "f", ParentID: &root.ID, Type: "file", Mode: 0644, BlobID: "blobY",
	}); err != nil {
		t.Fatal(err)
	}

	live, err := s.SyncBlobRefCount(ctx, "blobY")
	if err != nil {
		t.Fatal(err)
	}
	if live != 1 {
		t.Fatalf("expected live count 1, got %d", live)
	}
	stored, err := s.GetBlobRefCount(ctx, "blobY")
	if err != nil {
		t.Fatal(err)
	}
	if stored != 1 {
		t.Fatalf("expected stored refCount reconciled to 1, got %d", stored)
	}
}

func TestNestedTransactionCommit(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	root, _ := s.GetByPath(ctx, "/")

	if err := s.BeginTransaction(ctx, BeginOpts{}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateEntry(ctx, CreateFileOpts{Path: "/outer", Name: "outer", ParentID: &root.ID, Type: "file", Mode: 0644}); err != nil {
		t.Fatal(err)
	}

	if err := s.BeginTransaction(ctx, BeginOpts{}); err != nil {
		t.Fatal(err)
	}
	if s.GetTransactionDepth() != 2 {
		t.Fatalf("expected depth 2, got %d", s.GetTransactionDepth())
	}
	if _, err := s.CreateEntry(ctx, CreateFileOpts{Path: "/inner", Name: "inner", ParentID: &root.ID, Type: "file", Mode: 0644}); err != nil {
		t.Fatal(err)
	}
	if err := s.Commit(); err != nil { // release savepoint
		t.Fatal(err)
	}
	if err := s.Commit(); err != nil { // commit outer
		t.Fatal(err)
	}

	if s.IsInTransaction() {
		t.Fatal("expected no active transaction after outer commit")
	}
	outer, _ := s.GetByPath(ctx, "/outer")
	inner, _ := s.GetByPath(ctx, "/inner")
	if outer == nil || inner == nil {
		t.Fatal("expected both entries to persist after nested commit")
	}
}

func TestNestedTransactionRollbackToSavepoint(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	root, _ := s.GetByPath(ctx, "/")

	if err := s.BeginTransaction(ctx, BeginOpts{}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateEntry(ctx, CreateFileOpts{Path: "/kept", Name: "kept", ParentID: &root.ID, Type: "file", Mode: 0644}); err != nil {
		t.Fatal(err)
	}

	if err := s.BeginTransaction(ctx, BeginOpts{}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateEntry(ctx, CreateFileOpts{Path: "/discarded", Name: "discarded", ParentID: &root.ID, Type: "file", Mode: 0644}); err != nil {
		t.Fatal(err)
	}
	if err := s.Rollback("test rollback"); err != nil {
		t.Fatal(err)
	}
	if err := s.Commit(); err != nil { // commit outer, keeping only /kept
		t.Fatal(err)
	}

	kept, _ := s.GetByPath(ctx, "/kept")
	discarded, _ := s.GetByPath(ctx, "/discarded")
	if kept == nil {
		t.Fatal("expected /kept to survive")
	}
	if discarded != nil {
		t.Fatal("expected /discarded to have been rolled back")
	}
}

func TestTransactionRetriesOnTransientFailure(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	attempts := 0
	result, err := s.Transaction(ctx, func(ctx context.Context) (any, error) {
		attempts++
		if attempts <= 2 {
			return nil, errtypes.Transient("SQLITE_BUSY")
		}
		return "ok", nil
	}, TxOpts{MaxRetries: 3, RetryDelay: time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	if result != "ok" {
		t.Fatalf("expected success value, got %v", result)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}

	log := s.GetTransactionLog()
	if len(log) < 3 {
		t.Fatalf("expected at least 3 log entries, got %d", len(log))
	}
	final := log[len(log)-1]
	if final.Status != TxCommitted || final.RetryCount != 2 {
		t.Fatalf("expected final entry committed with retryCount 2, got %+v", final)
	}
}

func TestTransactionGivesUpAfterMaxRetries(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	wantErr := errtypes.Transient("always busy")
	attempts := 0
	_, err := s.Transaction(ctx, func(ctx context.Context) (any, error) {
		attempts++
		return nil, wantErr
	}, TxOpts{MaxRetries: 2, RetryDelay: time.Millisecond})

	if err == nil || err.Error() != wantErr.Error() {
		t.Fatalf("expected final error to propagate, got %v", err)
	}
	if attempts != 3 { // initial + 2 retries
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestFindByPatternGlob(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	root, _ := s.GetByPath(ctx, "/")

	for _, p := range []string{"/a.txt", "/b.txt", "/c.md"} {
		if _, err := s.CreateEntry(ctx, CreateFileOpts{Path: p, Name: p[1:], ParentID: &root.ID, Type: "file", Mode: 0644}); err != nil {
			t.Fatal(err)
		}
	}

	matches, err := s.FindByPattern(ctx, "/*.txt", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches for /*.txt, got %d", len(matches))
	}
}
