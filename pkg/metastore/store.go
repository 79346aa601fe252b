package metastore

import (
	"database/sql"
	"sync"

	"github.com/fsx-project/fsx/pkg/clock"
)

// StmtStats tracks one named statement's usage for GetStatementStats.
// Statements run as plain SQL text; none is prepared.
type StmtStats struct {
	Executions int64
	TotalNanos int64
}

// Store is the SQL-backed metadata store over a single SQLite database.
// A Store assumes a single-writer runtime: concurrent callers must
// serialize through Transaction/BeginTransaction themselves (§5).
type Store struct {
	db    *sql.DB
	clock clock.Clock

	stmtMu    sync.Mutex
	stmts     map[string]*sql.Stmt
	stmtStats map[string]*StmtStats

	txMu  sync.Mutex
	txLog *transactionLog
	curTx *activeTransaction
}

// Option configures a Store at construction.
type Option func(*Store)

// WithClock overrides the store's clock, used for the timestamps the store
// writes into its rows. The transaction log and transaction timeouts use
// wall-clock time. Defaults to clock.Real.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// New wraps an already-open *sql.DB. Callers are expected to pass a
// connection opened against the mattn/go-sqlite3 driver; New does not
// open the database itself so tests can share an in-memory handle.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:        db,
		clock:     clock.Real,
		stmts:     make(map[string]*sql.Stmt),
		stmtStats: make(map[string]*StmtStats),
		txLog:     newTransactionLog(defaultTransactionLogCap),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close closes every statement held in the stmts map. Nothing in this
// package adds to that map, so Close has no statement to release.
func (s *Store) Close() error {
	s.stmtMu.Lock()
	defer s.stmtMu.Unlock()
	for _, stmt := range s.stmts {
		_ = stmt.Close()
	}
	return nil
}

// GetStatementStats exposes per-statement execution counters, keyed by
// statement name.
func (s *Store) GetStatementStats() map[string]StmtStats {
	s.stmtMu.Lock()
	defer s.stmtMu.Unlock()
	out := make(map[string]StmtStats, len(s.stmtStats))
	for k, v := range s.stmtStats {
		out[k] = *v
	}
	return out
}

func (s *Store) recordStmt(key string, nanos int64) {
	s.stmtMu.Lock()
	defer s.stmtMu.Unlock()
	st, ok := s.stmtStats[key]
	if !ok {
		st = &StmtStats{}
		s.stmtStats[key] = st
	}
	st.Executions++
	st.TotalNanos += nanos
}

// execer is satisfied by both *sql.DB and *sql.Tx, letting CRUD helpers
// run identically inside or outside an explicit transaction.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// DB is the minimal executor surface a collaborator (e.g. pkg/pagemeta)
// needs to share the store's current transaction instead of opening its
// own connection.
type DB interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// Conn returns the executor for the in-flight transaction, if any,
// otherwise the underlying database handle. Call it fresh for every
// operation rather than caching the result, since the active transaction
// can change between calls.
func (s *Store) Conn() DB {
	return s.conn()
}

// conn returns the executor for the in-flight transaction, if any,
// otherwise the underlying database handle.
func (s *Store) conn() execer {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	if s.curTx != nil {
		s.curTx.opCount++
		return s.curTx.tx
	}
	return s.db
}
