package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/signalhub/internal/adapter/metrics"
	"github.com/pscheid92/signalhub/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

const (
	snapshotTTL      = 1 * time.Hour
	DefaultMemoryTTL = 10 * time.Second
	layerMemory      = "memory"
	layerRedis       = "redis"
)

// SnapshotStore keeps the latest CycleSnapshot per user in Redis with an
// in-process L1 in front, so any instance can serve a user's dashboard.
type SnapshotStore struct {
	rdb     goredis.Cmdable
	mem     *memoryCache
	metrics *metrics.CacheMetrics
}

func NewSnapshotStore(rdb goredis.Cmdable, memTTL time.Duration, clock clockwork.Clock, m *metrics.CacheMetrics) *SnapshotStore {
	return &SnapshotStore{
		rdb:     rdb,
		mem:     newMemoryCache(memTTL, clock),
		metrics: m,
	}
}

// StartEvictionTimer runs a periodic goroutine that evicts expired in-memory
// entries. Returns a stop function that should be deferred.
func (s *SnapshotStore) StartEvictionTimer(interval time.Duration) func() {
	ticker := s.mem.clock.NewTicker(interval)
	done := make(chan struct{})

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.Chan():
				if evicted := s.mem.evictExpired(); evicted > 0 {
					slog.Debug("Evicted expired snapshot cache entries", "count", evicted, "remaining", s.mem.size())
				}
			case <-done:
				return
			}
		}
	}()

	return func() { close(done) }
}

// SaveSnapshot writes through both layers.
func (s *SnapshotStore) SaveSnapshot(ctx context.Context, snap domain.CycleSnapshot) error {
	s.mem.set(snap.UserID, snap)

	encoded, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := s.rdb.Set(ctx, snapshotKey(snap.UserID), encoded, snapshotTTL).Err(); err != nil {
		return fmt.Errorf("store snapshot for user %d: %w", snap.UserID, err)
	}
	s.metrics.Writes.Inc()
	return nil
}

// GetSnapshot returns the latest snapshot, or ok=false if none is stored.
func (s *SnapshotStore) GetSnapshot(ctx context.Context, userID domain.UserID) (domain.CycleSnapshot, bool, error) {
	// Layer 1: in-memory cache
	if snap, ok := s.mem.get(userID); ok {
		s.metrics.Hits.WithLabelValues(layerMemory).Inc()
		return snap, true, nil
	}
	s.metrics.Misses.WithLabelValues(layerMemory).Inc()

	// Layer 2: Redis
	data, err := s.rdb.Get(ctx, snapshotKey(userID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		s.metrics.Misses.WithLabelValues(layerRedis).Inc()
		return domain.CycleSnapshot{}, false, nil
	}
	if err != nil {
		return domain.CycleSnapshot{}, false, fmt.Errorf("get snapshot for user %d: %w", userID, err)
	}

	var snap domain.CycleSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return domain.CycleSnapshot{}, false, fmt.Errorf("unmarshal snapshot for user %d: %w", userID, err)
	}
	s.metrics.Hits.WithLabelValues(layerRedis).Inc()
	s.mem.set(userID, snap)
	return snap, true, nil
}

func snapshotKey(userID domain.UserID) string {
	return "snapshot:" + strconv.FormatInt(int64(userID), 10)
}

// memoryCache is an in-memory L1 cache with TTL-based expiry.
type memoryCache struct {
	mu      sync.RWMutex
	entries map[domain.UserID]memoryCacheEntry
	ttl     time.Duration
	clock   clockwork.Clock
}

type memoryCacheEntry struct {
	snap      domain.CycleSnapshot
	expiresAt time.Time
}

func newMemoryCache(ttl time.Duration, clock clockwork.Clock) *memoryCache {
	return &memoryCache{
		entries: make(map[domain.UserID]memoryCacheEntry),
		ttl:     ttl,
		clock:   clock,
	}
}

func (c *memoryCache) get(userID domain.UserID) (domain.CycleSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[userID]
	if !ok || c.clock.Now().After(entry.expiresAt) {
		return domain.CycleSnapshot{}, false
	}
	return entry.snap, true
}

func (c *memoryCache) set(userID domain.UserID, snap domain.CycleSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[userID] = memoryCacheEntry{snap: snap, expiresAt: c.clock.Now().Add(c.ttl)}
}

func (c *memoryCache) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *memoryCache) evictExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	evicted := 0
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
			evicted++
		}
	}
	return evicted
}
