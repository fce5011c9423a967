// Package cache holds computed rankings in memory, keyed by normalized city name.
package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/kjstillabower/activity-ranking-service/internal/models"
	"github.com/kjstillabower/activity-ranking-service/internal/observability"
)

const (
	defaultTTL      = 30 * time.Minute
	defaultCapacity = 1000
	defaultShards   = 16
)

// Options configures a Cache. Zero values fall back to defaults.
type Options struct {
	TTL time.Duration
	// Capacity is the total entry bound across all shards. Each shard enforces its own
	// share, so a busy shard can evict while another still has room.
	Capacity int
	Shards   int
	// Clock replaces time.Now, for tests.
	Clock func() time.Time
}

// Cache is a sharded TTL cache of ranking results. Entries expire lazily on read or
// during Sweep; each shard is bounded and evicts its least recently used entry when full.
// Safe for concurrent use. Keys on different shards never contend.
type Cache struct {
	ttl    time.Duration
	now    func() time.Time
	shards []*shard
}

type shard struct {
	mu       sync.Mutex
	lru      *simplelru.LRU[string, entry]
	capacity int
}

type entry struct {
	result    models.RankingResult
	createdAt time.Time
}

// New creates a Cache. Capacity is split across shards so the shares add up to exactly
// Capacity; the first Capacity%Shards shards hold one extra entry.
func New(opts Options) (*Cache, error) {
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.Capacity <= 0 {
		opts.Capacity = defaultCapacity
	}
	if opts.Shards <= 0 {
		opts.Shards = defaultShards
	}
	if opts.Shards > opts.Capacity {
		opts.Shards = opts.Capacity
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	base, extra := opts.Capacity/opts.Shards, opts.Capacity%opts.Shards
	shards := make([]*shard, opts.Shards)
	for i := range shards {
		size := base
		if i < extra {
			size++
		}
		l, err := simplelru.NewLRU[string, entry](size, nil)
		if err != nil {
			return nil, fmt.Errorf("create cache shard: %w", err)
		}
		shards[i] = &shard{lru: l, capacity: size}
	}
	return &Cache{ttl: opts.TTL, now: opts.Clock, shards: shards}, nil
}

// Key normalizes a city name into a cache key.
func Key(city string) string {
	return strings.ToLower(strings.TrimSpace(city))
}

// TTL returns the configured entry lifetime.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Get returns a copy of the cached result for city with Cache.Hit set and the remaining
// lifetime in whole seconds. Expired entries are removed and reported as a miss.
func (c *Cache) Get(city string) (models.RankingResult, bool) {
	key := Key(city)
	s := c.shardFor(key)
	now := c.now()

	s.mu.Lock()
	e, ok := s.lru.Get(key)
	if !ok {
		s.mu.Unlock()
		observability.CacheMissesTotal.Inc()
		return models.RankingResult{}, false
	}
	age := now.Sub(e.createdAt)
	if age > c.ttl {
		s.lru.Remove(key)
		s.mu.Unlock()
		observability.CacheExpirationsTotal.Inc()
		observability.CacheEntries.Dec()
		observability.CacheMissesTotal.Inc()
		return models.RankingResult{}, false
	}
	s.mu.Unlock()

	observability.CacheHitsTotal.Inc()
	out := e.result.Clone()
	out.Cache = models.CacheMeta{Hit: true, TTLRemainingSeconds: wholeSeconds(c.ttl - age)}
	return out, true
}

// Set stores a copy of result under city, replacing any existing entry.
func (c *Cache) Set(city string, result models.RankingResult) {
	key := Key(city)
	s := c.shardFor(key)

	stored := result.Clone()
	stored.Cache = models.CacheMeta{Hit: false, TTLRemainingSeconds: wholeSeconds(c.ttl)}
	e := entry{result: stored, createdAt: c.now()}

	s.mu.Lock()
	existed := s.lru.Contains(key)
	evicted := s.lru.Add(key, e)
	s.mu.Unlock()

	switch {
	case evicted:
		observability.CacheEvictionsTotal.Inc()
	case !existed:
		observability.CacheEntries.Inc()
	}
}

// Clear removes every entry.
func (c *Cache) Clear() {
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		removed += s.lru.Len()
		s.lru.Purge()
		s.mu.Unlock()
	}
	observability.CacheEntries.Sub(float64(removed))
}

// Size returns the number of stored entries, including expired ones not yet removed.
func (c *Cache) Size() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += s.lru.Len()
		s.mu.Unlock()
	}
	return n
}

// Sweep removes all expired entries and returns how many were removed.
func (c *Cache) Sweep() int {
	now := c.now()
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for _, key := range s.lru.Keys() {
			e, ok := s.lru.Peek(key)
			if ok && now.Sub(e.createdAt) > c.ttl {
				s.lru.Remove(key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	if removed > 0 {
		observability.CacheExpirationsTotal.Add(float64(removed))
		observability.CacheEntries.Sub(float64(removed))
	}
	return removed
}

// RunJanitor calls Sweep every interval until ctx is done.
func (c *Cache) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

func (c *Cache) shardFor(key string) *shard {
	return c.shards[xxhash.Sum64String(key)%uint64(len(c.shards))]
}

func wholeSeconds(d time.Duration) int {
	if d < 0 {
		return 0
	}
	return int(d / time.Second)
}
