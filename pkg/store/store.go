// Package store keeps the durable set of entry identities already notified.
//
// All backends share the same model: the full set is loaded into memory at
// construction, Contains and Add operate on the in-memory view, and Add
// buffers new identities until Flush persists them durably. When a flush
// fails the in-memory view stays authoritative and pending identities are
// retried on the next flush.
package store

import (
	"context"
	"strings"
)

// Store is a durable set of notified entry identities
type Store interface {
	Contains(id string) bool
	Add(id string)
	Len() int
	Flush(ctx context.Context) error
	Close() error
}

// New creates a store for the given DSN. Supported forms:
// "redis://..." for a Redis-backed set, "memory" for a non-persistent set,
// anything else is treated as a SQLite DSN (e.g. "file:state.db").
func New(ctx context.Context, dsn string) (Store, error) {
	switch {
	case dsn == "memory" || dsn == "":
		return NewMemory(), nil
	case strings.HasPrefix(dsn, "redis://") || strings.HasPrefix(dsn, "rediss://"):
		return NewRedis(ctx, dsn)
	default:
		return NewSQLite(ctx, dsn)
	}
}
