package store

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"claim-swarm/internal/models"
)

// RedisDeduper implements Deduper with SET NX EX.
type RedisDeduper struct {
	client *redis.Client
	prefix string
}

// NewRedisDeduper connects to addr.
func NewRedisDeduper(addr, prefix string) *RedisDeduper {
	return &RedisDeduper{client: redis.NewClient(&redis.Options{Addr: addr}), prefix: prefix}
}

func (d *RedisDeduper) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	return d.client.SetNX(ctx, d.prefix+key, value, ttl).Result()
}

func (d *RedisDeduper) Close() error {
	return d.client.Close()
}

// MemoryDeduper is an in-process Deduper for runs without Redis.
type MemoryDeduper struct {
	mu      sync.Mutex
	expires map[string]time.Time
	now     func() time.Time
}

// NewMemoryDeduper returns an empty deduper.
func NewMemoryDeduper() *MemoryDeduper {
	return &MemoryDeduper{expires: make(map[string]time.Time), now: time.Now}
}

func (d *MemoryDeduper) SetNX(_ context.Context, key string, _ string, ttl time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if exp, ok := d.expires[key]; ok && now.Before(exp) {
		return false, nil
	}
	d.expires[key] = now.Add(ttl)
	if len(d.expires) > 4096 {
		for k, exp := range d.expires {
			if !now.Before(exp) {
				delete(d.expires, k)
			}
		}
	}
	return true, nil
}

func (d *MemoryDeduper) Close() error { return nil }

// MemoryStatusStore keeps run status in memory (dry runs and tests).
type MemoryStatusStore struct {
	mu       sync.Mutex
	statuses map[string]models.RunStatus
}

// NewMemoryStatusStore returns an empty store.
func NewMemoryStatusStore() *MemoryStatusStore {
	return &MemoryStatusStore{statuses: make(map[string]models.RunStatus)}
}

func (s *MemoryStatusStore) SetStatus(_ context.Context, status models.RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[status.RunID] = status
	s.statuses[LatestRunID] = status
	return nil
}

func (s *MemoryStatusStore) GetStatus(_ context.Context, runID string) (models.RunStatus, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.statuses[runID]
	return status, ok, nil
}
