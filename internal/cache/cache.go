package cache

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/your-org/checksync/internal/domain"
)

const (
	// Default settings
	defaultShardCount      = 16
	defaultTTL             = 15 * time.Minute
	defaultCleanupInterval = 1 * time.Minute
)

// CacheItem represents a memoized entity with expiration
type CacheItem struct {
	Entity    *domain.Entity
	CreatedAt time.Time
	ExpiresAt time.Time
}

// IsExpired checks if the cache item has expired
func (item *CacheItem) IsExpired() bool {
	return time.Now().After(item.ExpiresAt)
}

// CacheShard represents a single shard of the cache with its own lock
type CacheShard struct {
	mu    sync.RWMutex
	items map[string]*CacheItem
}

// ShardedCache is a thread-safe in-memory memo of decoded entities.
// It stores and hands out clones, so no caller shares state with it.
type ShardedCache struct {
	shards          []*CacheShard
	shardCount      int
	ttl             time.Duration
	cleanupInterval time.Duration

	// Cleanup worker management
	cleanupWorkerRunning bool
	cleanupWorkerMu      sync.Mutex
	cleanupWorkerStop    chan struct{}
	cleanupWorkerWg      sync.WaitGroup
}

// NewShardedCache creates a new sharded memo; ttl is in seconds
func NewShardedCache(shardCount int, ttl int) *ShardedCache {
	if shardCount < 1 {
		shardCount = defaultShardCount
	}

	ttlDuration := time.Duration(ttl) * time.Second
	if ttlDuration <= 0 {
		ttlDuration = defaultTTL
	}

	shards := make([]*CacheShard, shardCount)
	for i := range shards {
		shards[i] = &CacheShard{
			items: make(map[string]*CacheItem),
		}
	}

	return &ShardedCache{
		shards:            shards,
		shardCount:        shardCount,
		ttl:               ttlDuration,
		cleanupInterval:   defaultCleanupInterval,
		cleanupWorkerStop: make(chan struct{}),
	}
}

// shardIndex maps a key to a shard using FNV hash
func shardIndex(key string, count int) int {
	hash := fnv.New32a()
	hash.Write([]byte(key))
	return int(hash.Sum32() % uint32(count))
}

func (c *ShardedCache) getShard(key string) *CacheShard {
	return c.shards[shardIndex(key, c.shardCount)]
}

// Get retrieves a clone of the memoized entity (implements domain.EntityMemo)
func (c *ShardedCache) Get(ctx context.Context, id string) (*domain.Entity, bool) {
	select {
	case <-ctx.Done():
		return nil, false
	default:
	}

	shard := c.getShard(id)
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	item, exists := shard.items[id]
	if !exists || item.IsExpired() {
		// expired entries are left for the cleanup worker
		return nil, false
	}

	return item.Entity.Clone(), true
}

// Set memoizes a clone of the entity (implements domain.EntityMemo)
func (c *ShardedCache) Set(ctx context.Context, id string, entity *domain.Entity) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	shard := c.getShard(id)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	now := time.Now()
	shard.items[id] = &CacheItem{
		Entity:    entity.Clone(),
		CreatedAt: now,
		ExpiresAt: now.Add(c.ttl),
	}

	return nil
}

// Delete removes an entity from the memo (implements domain.EntityMemo)
func (c *ShardedCache) Delete(ctx context.Context, id string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	shard := c.getShard(id)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	delete(shard.items, id)
	return nil
}

// CleanExpired removes all expired items (implements domain.EntityMemo)
func (c *ShardedCache) CleanExpired(ctx context.Context) error {
	for _, shard := range c.shards {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		shard.mu.Lock()
		for key, item := range shard.items {
			if item.IsExpired() {
				delete(shard.items, key)
			}
		}
		shard.mu.Unlock()
	}
	return nil
}

// StartCleanupWorker starts a background goroutine that periodically removes expired items
func (c *ShardedCache) StartCleanupWorker() {
	c.cleanupWorkerMu.Lock()
	defer c.cleanupWorkerMu.Unlock()

	if c.cleanupWorkerRunning {
		return
	}

	c.cleanupWorkerRunning = true
	c.cleanupWorkerStop = make(chan struct{})

	c.cleanupWorkerWg.Add(1)
	go c.cleanupWorker()
}

// StopCleanupWorker stops the background cleanup worker gracefully
func (c *ShardedCache) StopCleanupWorker() {
	c.cleanupWorkerMu.Lock()
	defer c.cleanupWorkerMu.Unlock()

	if !c.cleanupWorkerRunning {
		return
	}

	close(c.cleanupWorkerStop)
	c.cleanupWorkerWg.Wait()
	c.cleanupWorkerRunning = false
}

func (c *ShardedCache) cleanupWorker() {
	defer c.cleanupWorkerWg.Done()

	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.cleanupWorkerStop:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = c.CleanExpired(ctx)
			cancel()
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			_ = c.CleanExpired(ctx)
			cancel()
		}
	}
}

// GetStats returns memo statistics
func (c *ShardedCache) GetStats() CacheStats {
	stats := CacheStats{
		ShardCount: c.shardCount,
		ShardStats: make([]ShardStat, c.shardCount),
	}

	for i, shard := range c.shards {
		shard.mu.RLock()
		itemCount := len(shard.items)
		expiredCount := 0
		for _, item := range shard.items {
			if item.IsExpired() {
				expiredCount++
			}
		}
		shard.mu.RUnlock()

		stats.ShardStats[i] = ShardStat{
			Index:        i,
			ItemCount:    itemCount,
			ExpiredCount: expiredCount,
		}
		stats.TotalItems += itemCount
	}

	return stats
}

// CacheStats represents memo statistics
type CacheStats struct {
	ShardCount int
	TotalItems int
	ShardStats []ShardStat
}

// ShardStat represents statistics for a single shard
type ShardStat struct {
	Index        int
	ItemCount    int
	ExpiredCount int
}

// Verify that ShardedCache implements domain.EntityMemo interface
var _ domain.EntityMemo = (*ShardedCache)(nil)
