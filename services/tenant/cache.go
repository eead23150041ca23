package tenant

import (
	"container/list"
	"sync"
	"time"

	"github.com/elizaOS/milaidy-sub002/models"
	"github.com/google/uuid"
)

// cacheEntry is a single cached settings row
type cacheEntry struct {
	settings   *models.TenantSettings
	insertedAt time.Time
	element    *list.Element
}

func (e *cacheEntry) isExpired(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.insertedAt) > ttl
}

// SettingsCache is an LRU cache with TTL for tenant settings.
// It stores and returns copies, so callers can never mutate a cached row.
type SettingsCache struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*cacheEntry
	lruList *list.List
	maxSize int
	ttl     time.Duration
	hits    uint64
	misses  uint64
	now     func() time.Time
}

// NewSettingsCache creates a SettingsCache with the given max size and TTL
func NewSettingsCache(maxSize int, ttl time.Duration) *SettingsCache {
	if maxSize < 1 {
		maxSize = 1
	}
	return &SettingsCache{
		entries: make(map[uuid.UUID]*cacheEntry),
		lruList: list.New(),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns the cached settings for userID, or nil when absent or expired
func (c *SettingsCache) Get(userID uuid.UUID) *models.TenantSettings {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.entries[userID]
	if !exists || entry.isExpired(c.now(), c.ttl) {
		c.misses++
		if exists {
			c.removeEntry(userID)
		}
		return nil
	}

	c.lruList.MoveToFront(entry.element)
	c.hits++
	return entry.settings.Clone()
}

// Set stores a copy of settings
func (c *SettingsCache) Set(settings *models.TenantSettings) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, exists := c.entries[settings.UserID]; exists {
		entry.settings = settings.Clone()
		entry.insertedAt = c.now()
		c.lruList.MoveToFront(entry.element)
		return
	}

	if c.lruList.Len() >= c.maxSize {
		c.evictLRU()
	}

	entry := &cacheEntry{
		settings:   settings.Clone(),
		insertedAt: c.now(),
	}
	entry.element = c.lruList.PushFront(settings.UserID)
	c.entries[settings.UserID] = entry
}

// Invalidate removes the entry for userID
func (c *SettingsCache) Invalidate(userID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeEntry(userID)
}

// Stats returns cache statistics
func (c *SettingsCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := CacheStats{
		Size:    c.lruList.Len(),
		MaxSize: c.maxSize,
		Hits:    c.hits,
		Misses:  c.misses,
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total)
	}
	return stats
}

// CacheStats represents cache statistics
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    uint64
	Misses  uint64
	HitRate float64
}

// must be called with lock held
func (c *SettingsCache) removeEntry(userID uuid.UUID) {
	if entry, exists := c.entries[userID]; exists {
		c.lruList.Remove(entry.element)
		delete(c.entries, userID)
	}
}

// must be called with lock held
func (c *SettingsCache) evictLRU() {
	back := c.lruList.Back()
	if back == nil {
		return
	}
	c.removeEntry(back.Value.(uuid.UUID))
}

// CleanupExpired removes all expired entries and returns how many were removed
func (c *SettingsCache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for userID, entry := range c.entries {
		if entry.isExpired(now, c.ttl) {
			c.removeEntry(userID)
			removed++
		}
	}
	return removed
}

// StartCleanupWorker periodically removes expired entries until stopCh is closed
func (c *SettingsCache) StartCleanupWorker(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.CleanupExpired()
		case <-stopCh:
			return
		}
	}
}
