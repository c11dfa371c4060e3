package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisSeenKey = "xcontest-rss-monitor:seen"

// Redis is a seen-set backed by a Redis set, for deployments that already
// run Redis and don't want a local state volume.
type Redis struct {
	client *redis.Client

	mu      sync.RWMutex
	seen    map[string]struct{}
	pending []string
}

// NewRedis connects to Redis at the given DSN (redis://...) and loads the
// previously flushed identities. Connection or load failure is fatal for the
// caller, same as a broken SQLite state file.
func NewRedis(ctx context.Context, dsn string) (*Redis, error) {
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse redis dsn: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	ids, err := client.SMembers(ctx, redisSeenKey).Result()
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("load seen ids: %w", err)
	}

	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		seen[id] = struct{}{}
	}

	return &Redis{client: client, seen: seen}, nil
}

// Contains reports whether the identity was already notified
func (s *Redis) Contains(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.seen[id]
	return ok
}

// Add records an identity as notified. Idempotent, buffered until Flush.
func (s *Redis) Add(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[id]; ok {
		return
	}
	s.seen[id] = struct{}{}
	s.pending = append(s.pending, id)
}

// Len returns the number of identities in the set
func (s *Redis) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.seen)
}

// Flush persists pending identities with a single SADD
func (s *Redis) Flush(ctx context.Context) error {
	s.mu.Lock()
	pending := make([]string, len(s.pending))
	copy(pending, s.pending)
	s.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	members := make([]interface{}, len(pending))
	for i, id := range pending {
		members[i] = id
	}
	if err := s.client.SAdd(ctx, redisSeenKey, members...).Err(); err != nil {
		return fmt.Errorf("flush seen ids: %w", err)
	}

	s.mu.Lock()
	s.pending = s.pending[len(pending):]
	s.mu.Unlock()
	return nil
}

// Close closes the redis connection
func (s *Redis) Close() error {
	return s.client.Close()
}
