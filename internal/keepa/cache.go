package keepa

import (
	"sync"
	"time"

	"github.com/Kkasuga904/sedori/internal/models"
)

const cacheCapacity = 512

// snapshotCache is a TTL cache of price snapshots keyed by
// "<identifier>:<domain>". When full it evicts expired entries first,
// then the entry closest to expiry.
type snapshotCache struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	entries  map[string]cacheEntry
	now      func() time.Time
}

type cacheEntry struct {
	snapshot  models.KeepaPriceSnapshot
	expiresAt time.Time
}

func newSnapshotCache(ttl time.Duration) *snapshotCache {
	return &snapshotCache{
		ttl:      ttl,
		capacity: cacheCapacity,
		entries:  make(map[string]cacheEntry),
		now:      time.Now,
	}
}

func (c *snapshotCache) Get(key string) (models.KeepaPriceSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return models.KeepaPriceSnapshot{}, false
	}
	if c.now().After(entry.expiresAt) {
		delete(c.entries, key)
		return models.KeepaPriceSnapshot{}, false
	}
	return entry.snapshot, true
}

func (c *snapshotCache) Put(key string, snapshot models.KeepaPriceSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if len(c.entries) >= c.capacity {
		c.evictLocked(now)
	}
	c.entries[key] = cacheEntry{snapshot: snapshot, expiresAt: now.Add(c.ttl)}
}

func (c *snapshotCache) evictLocked(now time.Time) {
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
		}
	}
	if len(c.entries) < c.capacity {
		return
	}
	var oldestKey string
	var oldest time.Time
	for key, entry := range c.entries {
		if oldestKey == "" || entry.expiresAt.Before(oldest) {
			oldestKey = key
			oldest = entry.expiresAt
		}
	}
	delete(c.entries, oldestKey)
}
