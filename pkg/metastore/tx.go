package metastore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/fsx-project/fsx/pkg/errtypes"
)

const defaultTransactionLogCap = 1000

// TxStatus is the lifecycle state of a TransactionLogEntry.
type TxStatus string

const (
	TxActive      TxStatus = "active"
	TxCommitted   TxStatus = "committed"
	TxRolledBack  TxStatus = "rolled_back"
	TxTimedOut    TxStatus = "timed_out"
)

// TransactionLogEntry is one audit record of a transaction's lifecycle.
type TransactionLogEntry struct {
	ID             int64
	Status         TxStatus
	StartTime      time.Time
	EndTime        time.Time
	OperationCount int
	RollbackReason string
	RetryCount     int
}

type transactionLog struct {
	mu      sync.Mutex
	cap     int
	entries []TransactionLogEntry
	nextID  int64
}

func newTransactionLog(cap int) *transactionLog {
	return &transactionLog{cap: cap}
}

func (l *transactionLog) start() *TransactionLogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	e := TransactionLogEntry{ID: l.nextID, Status: TxActive, StartTime: time.Now()}
	l.entries = append(l.entries, e)
	if len(l.entries) > l.cap {
		l.entries = l.entries[len(l.entries)-l.cap:]
	}
	return &l.entries[len(l.entries)-1]
}

func (l *transactionLog) finish(id int64, status TxStatus, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.entries {
		if l.entries[i].ID == id {
			l.entries[i].Status = status
			l.entries[i].EndTime = time.Now()
			l.entries[i].RollbackReason = reason
			return
		}
	}
}

func (l *transactionLog) touch(id int64, fn func(*TransactionLogEntry)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.entries {
		if l.entries[i].ID == id {
			fn(&l.entries[i])
			return
		}
	}
}

func (l *transactionLog) snapshot() []TransactionLogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]TransactionLogEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// activeTransaction tracks the single in-flight transaction a Store
// assumes under its single-writer contract: nested BeginTransaction calls
// create numbered savepoints rather than a second *sql.Tx.
type activeTransaction struct {
	tx           *sql.Tx
	depth        int
	savepointSeq int64
	logID        int64
	opCount      int
	timeoutTimer *time.Timer
}

// BeginOpts configures a single BeginTransaction call.
type BeginOpts struct {
	Timeout time.Duration // 0 disables the timeout timer
}

// BeginTransaction begins a new top-level transaction (depth 0 -> 1) or,
// if one is already active, a numbered savepoint (depth >= 1).
func (s *Store) BeginTransaction(ctx context.Context, opts BeginOpts) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if s.curTx == nil {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return &errtypes.Io{Op: "beginTransaction", Err: err}
		}
		entry := s.txLog.start()
		s.curTx = &activeTransaction{tx: tx, depth: 1, logID: entry.ID}
		if opts.Timeout > 0 {
			s.armTimeout(opts.Timeout)
		}
		return nil
	}

	s.curTx.depth++
	s.curTx.savepointSeq++
	name := savepointName(s.curTx.savepointSeq)
	if _, err := s.curTx.tx.Exec("SAVEPOINT " + name); err != nil {
		s.curTx.depth--
		return &errtypes.Io{Op: "beginTransaction", Err: err}
	}
	return nil
}

// Commit commits the outer transaction (depth 1) or releases the most
// recent savepoint (depth >= 2).
func (s *Store) Commit() error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.commitLocked()
}

func (s *Store) commitLocked() error {
	if s.curTx == nil {
		return errtypes.InvalidArgument("commit called with no active transaction")
	}

	if s.curTx.depth >= 2 {
		name := savepointName(s.curTx.savepointSeq)
		s.curTx.savepointSeq--
		s.curTx.depth--
		_, err := s.curTx.tx.Exec("RELEASE SAVEPOINT " + name)
		if err != nil {
			return &errtypes.Io{Op: "commit", Err: err}
		}
		return nil
	}

	s.disarmTimeout()
	err := s.curTx.tx.Commit()
	logID := s.curTx.logID
	opCount := s.curTx.opCount
	s.curTx = nil
	s.txLog.touch(logID, func(e *TransactionLogEntry) { e.OperationCount = opCount })
	if err != nil {
		s.txLog.finish(logID, TxRolledBack, "commit failed")
		return &errtypes.Io{Op: "commit", Err: err}
	}
	s.txLog.finish(logID, TxCommitted, "")
	return nil
}

// Rollback rolls back to the most recent savepoint (depth >= 2) or aborts
// the outer transaction (depth 1), tagging the log entry with reason.
func (s *Store) Rollback(reason string) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.rollbackLocked(reason)
}

func (s *Store) rollbackLocked(reason string) error {
	if s.curTx == nil {
		return errtypes.InvalidArgument("rollback called with no active transaction")
	}

	if s.curTx.depth >= 2 {
		name := savepointName(s.curTx.savepointSeq)
		s.curTx.savepointSeq--
		s.curTx.depth--
		if _, err := s.curTx.tx.Exec("ROLLBACK TO SAVEPOINT " + name); err != nil {
			return &errtypes.Io{Op: "rollback", Err: err}
		}
		_, err := s.curTx.tx.Exec("RELEASE SAVEPOINT " + name)
		if err != nil {
			return &errtypes.Io{Op: "rollback", Err: err}
		}
		return nil
	}

	s.disarmTimeout()
	err := s.curTx.tx.Rollback()
	logID := s.curTx.logID
	opCount := s.curTx.opCount
	s.curTx = nil
	s.txLog.touch(logID, func(e *TransactionLogEntry) { e.OperationCount = opCount })

	status := TxRolledBack
	if reason == "timeout" {
		status = TxTimedOut
	}
	s.txLog.finish(logID, status, reason)
	if err != nil && err != sql.ErrTxDone {
		return &errtypes.Io{Op: "rollback", Err: err}
	}
	return nil
}

// IsInTransaction reports whether a transaction is currently open.
func (s *Store) IsInTransaction() bool {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.curTx != nil
}

// GetTransactionDepth returns the current nesting depth (0 if none).
func (s *Store) GetTransactionDepth() int {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	if s.curTx == nil {
		return 0
	}
	return s.curTx.depth
}

// GetTransactionLog returns a snapshot of the in-memory transaction log.
func (s *Store) GetTransactionLog() []TransactionLogEntry {
	return s.txLog.snapshot()
}

func (s *Store) armTimeout(d time.Duration) {
	logID := s.curTx.logID
	s.curTx.timeoutTimer = time.AfterFunc(d, func() {
		s.txMu.Lock()
		defer s.txMu.Unlock()
		if s.curTx == nil || s.curTx.logID != logID {
			return
		}
		_ = s.rollbackLocked("timeout")
	})
}

func (s *Store) disarmTimeout() {
	if s.curTx != nil && s.curTx.timeoutTimer != nil {
		s.curTx.timeoutTimer.Stop()
		s.curTx.timeoutTimer = nil
	}
}

func savepointName(seq int64) string {
	return fmt.Sprintf("sp_%d", seq)
}

// TxOpts configures Transaction's retry behavior.
type TxOpts struct {
	MaxRetries   int
	RetryDelay   time.Duration // default 10ms
	Timeout      time.Duration
	IsRetryable  func(error) bool // default errtypes.IsTransient
}

// Transaction runs fn inside a fresh top-level transaction, retrying up to
// MaxRetries times (re-beginning, not resuming) when fn's error is
// classified retryable, sleeping RetryDelay between attempts. The final
// (committed) TransactionLogEntry's RetryCount reflects how many retries
// preceded the successful attempt; the discarded entries from failed
// attempts are left as the rollback recorded them.
func (s *Store) Transaction(ctx context.Context, fn func(ctx context.Context) (any, error), opts TxOpts) (any, error) {
	if opts.RetryDelay == 0 {
		opts.RetryDelay = 10 * time.Millisecond
	}
	if opts.IsRetryable == nil {
		opts.IsRetryable = errtypes.IsTransient
	}

	delay := backoff.NewConstantBackOff(opts.RetryDelay)
	var retries int

	for {
		if err := s.BeginTransaction(ctx, BeginOpts{Timeout: opts.Timeout}); err != nil {
			return nil, err
		}
		logID := s.currentLogID()

		result, err := fn(ctx)
		if err != nil {
			_ = s.Rollback("error")
			if opts.IsRetryable(err) && retries < opts.MaxRetries {
				retries++
				select {
				case <-time.After(delay.NextBackOff()):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				continue
			}
			return nil, err
		}

		if err := s.Commit(); err != nil {
			var timedOut bool
			s.txLog.touch(logID, func(e *TransactionLogEntry) { timedOut = e.Status == TxTimedOut })
			if timedOut {
				return nil, errtypes.Timeout("transaction exceeded its timeout")
			}
			if opts.IsRetryable(err) && retries < opts.MaxRetries {
				retries++
				select {
				case <-time.After(delay.NextBackOff()):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				continue
			}
			return nil, err
		}
		s.txLog.touch(logID, func(e *TransactionLogEntry) { e.RetryCount = retries })
		return result, nil
	}
}

// currentLogID returns the in-flight transaction's log entry ID, or 0 if
// none is active.
func (s *Store) currentLogID() int64 {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	if s.curTx == nil {
		return 0
	}
	return s.curTx.logID
}

// RecoverTransactions is called at startup: since the Store does not
// persist in-flight transaction state across restarts (the transaction
// log is in-memory and the SQL transaction itself was never committed),
// recovery is a no-op beyond clearing any stale in-memory log entries
// left in the "active" state from a prior process's abrupt exit.
func (s *Store) RecoverTransactions() {
	s.txLog.mu.Lock()
	defer s.txLog.mu.Unlock()
	now := time.Now()
	for i := range s.txLog.entries {
		if s.txLog.entries[i].Status == TxActive {
			s.txLog.entries[i].Status = TxRolledBack
			s.txLog.entries[i].EndTime = now
			s.txLog.entries[i].RollbackReason = "recovered at startup"
		}
	}
}
