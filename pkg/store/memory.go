package store

import (
	"context"
	"sync"
)

// Memory is a non-persistent seen-set, used when no state DSN is configured
// and as a fake in tests. Flush is a no-op.
type Memory struct {
	mu   sync.RWMutex
	seen map[string]struct{}
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{seen: map[string]struct{}{}}
}

// Contains reports whether the identity was already notified
func (s *Memory) Contains(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.seen[id]
	return ok
}

// Add records an identity as notified, idempotent
func (s *Memory) Add(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[id] = struct{}{}
}

// Len returns the number of identities in the set
func (s *Memory) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.seen)
}

// Flush is a no-op for the in-memory store
func (s *Memory) Flush(context.Context) error { return nil }

// Close is a no-op for the in-memory store
func (s *Memory) Close() error { return nil }
