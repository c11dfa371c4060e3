package store

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-pkgz/repeater/v2"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // pure Go SQLite driver
)

//go:embed schema.sql
var schema string

// SQLite is a seen-set backed by a SQLite database file
type SQLite struct {
	db *sqlx.DB

	mu      sync.RWMutex
	seen    map[string]struct{}
	pending []string
}

// NewSQLite opens (or creates) the database at the given DSN and loads all
// previously flushed identities. A failure here means dedup correctness can't
// be guaranteed and must be treated as fatal by the caller.
func NewSQLite(ctx context.Context, dsn string) (*SQLite, error) {
	conn, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := conn.ExecContext(ctx, pragma); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	if _, err := conn.ExecContext(ctx, schema); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	var ids []string
	if err := conn.SelectContext(ctx, &ids, "SELECT id FROM seen"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("load seen ids: %w", err)
	}

	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		seen[id] = struct{}{}
	}

	return &SQLite{db: conn, seen: seen}, nil
}

// Contains reports whether the identity was already notified
func (s *SQLite) Contains(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.seen[id]
	return ok
}

// Add records an identity as notified. Idempotent, buffered until Flush.
func (s *SQLite) Add(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[id]; ok {
		return
	}
	s.seen[id] = struct{}{}
	s.pending = append(s.pending, id)
}

// Len returns the number of identities in the set
func (s *SQLite) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.seen)
}

// Flush persists pending identities in a single transaction. SQLite commits
// are atomic, so a crash mid-flush never leaves the store unreadable.
func (s *SQLite) Flush(ctx context.Context) error {
	s.mu.Lock()
	pending := make([]string, len(s.pending))
	copy(pending, s.pending)
	s.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	retrier := repeater.NewBackoff(5, 50*time.Millisecond, repeater.WithMaxDelay(2*time.Second))
	err := retrier.Do(ctx, func() error {
		if err := s.insert(ctx, pending); err != nil {
			if isLockError(err) {
				return err // retry on transient lock
			}
			return &criticalError{err: err}
		}
		return nil
	}, &criticalError{})
	if err != nil {
		return fmt.Errorf("flush seen ids: %w", err)
	}

	s.mu.Lock()
	s.pending = s.pending[len(pending):]
	s.mu.Unlock()
	return nil
}

func (s *SQLite) insert(ctx context.Context, ids []string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO seen (id) VALUES (?)", id); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert seen id: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Close closes the underlying database
func (s *SQLite) Close() error {
	return s.db.Close()
}

// criticalError wraps an error to signal repeater to stop retrying
type criticalError struct {
	err error
}

func (e *criticalError) Error() string { return e.err.Error() }
func (e *criticalError) Unwrap() error { return e.err }

// Is matches any *criticalError so repeater treats it as terminal
func (e *criticalError) Is(target error) bool {
	_, ok := target.(*criticalError)
	return ok
}

// isLockError checks if an error is a SQLite lock/busy error
func isLockError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "SQLITE_BUSY") ||
		strings.Contains(errStr, "database is locked") ||
		strings.Contains(errStr, "database table is locked")
}
