package cache

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Entry represents a cached item.
type Entry struct {
	Data      []byte
	Metadata  map[string]string
	ExpiresAt time.Time
	storedAt  time.Time
}

// IsExpired checks if the cache entry has expired. A zero ExpiresAt never expires.
func (e *Entry) IsExpired() bool {
	return !e.ExpiresAt.IsZero() && time.Now().After(e.ExpiresAt)
}

// Cache is an interface for caching small binary values such as derived keys.
type Cache interface {
	// Get retrieves a cached value.
	Get(ctx context.Context, namespace, key string) (*Entry, bool)

	// Set stores a value. A zero ttl uses the cache default; a negative ttl never expires.
	Set(ctx context.Context, namespace, key string, data []byte, metadata map[string]string, ttl time.Duration) error

	// Delete removes a value.
	Delete(ctx context.Context, namespace, key string) error

	// Clear removes every value.
	Clear(ctx context.Context) error

	// Stats returns cache statistics.
	Stats() Stats
}

// Stats holds cache statistics.
type Stats struct {
	Size      int64
	Items     int
	Hits      int64
	Misses    int64
	Evictions int64
}

type memoryCache struct {
	mu       sync.Mutex
	entries  map[string]*Entry
	maxSize  int64
	maxItems int
	stats    Stats
	ttl      time.Duration
}

// NewMemoryCache creates a new in-memory cache.
func NewMemoryCache(maxSize int64, maxItems int, defaultTTL time.Duration) Cache {
	return &memoryCache{
		entries:  make(map[string]*Entry),
		maxSize:  maxSize,
		maxItems: maxItems,
		ttl:      defaultTTL,
	}
}

func cacheKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

func (c *memoryCache) Get(ctx context.Context, namespace, key string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[cacheKey(namespace, key)]
	if !ok || entry.IsExpired() {
		c.stats.Misses++
		return nil, false
	}

	c.stats.Hits++
	return entry, true
}

func (c *memoryCache) Set(ctx context.Context, namespace, key string, data []byte, metadata map[string]string, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.ttl
	}

	now := time.Now()
	entry := &Entry{
		Data:     data,
		Metadata: metadata,
		storedAt: now,
	}
	if ttl > 0 {
		entry.ExpiresAt = now.Add(ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entrySize := int64(len(data))
	if c.maxSize > 0 && entrySize > c.maxSize {
		return fmt.Errorf("entry of %d bytes exceeds cache size %d", entrySize, c.maxSize)
	}

	k := cacheKey(namespace, key)
	delete(c.entries, k)

	c.evictExpiredLocked()
	if !c.fitsLocked(entrySize) {
		c.evictOldestLocked(entrySize)
	}

	c.entries[k] = entry
	return nil
}

func (c *memoryCache) Delete(ctx context.Context, namespace, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, cacheKey(namespace, key))
	return nil
}

func (c *memoryCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*Entry)
	c.stats = Stats{}
	return nil
}

func (c *memoryCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.Size = c.sizeLocked()
	stats.Items = len(c.entries)
	return stats
}

// sizeLocked must be called with the lock held.
func (c *memoryCache) sizeLocked() int64 {
	var size int64
	for _, entry := range c.entries {
		if !entry.IsExpired() {
			size += int64(len(entry.Data))
		}
	}
	return size
}

func (c *memoryCache) fitsLocked(needed int64) bool {
	if c.maxItems > 0 && len(c.entries) >= c.maxItems {
		return false
	}
	if c.maxSize > 0 && c.sizeLocked()+needed > c.maxSize {
		return false
	}
	return true
}

func (c *memoryCache) evictExpiredLocked() {
	for key, entry := range c.entries {
		if entry.IsExpired() {
			delete(c.entries, key)
			c.stats.Evictions++
		}
	}
}

// evictOldestLocked removes entries in insertion order until needed bytes fit.
func (c *memoryCache) evictOldestLocked(needed int64) {
	for len(c.entries) > 0 && !c.fitsLocked(needed) {
		var oldestKey string
		var oldest time.Time
		for key, entry := range c.entries {
			if oldestKey == "" || entry.storedAt.Before(oldest) {
				oldestKey, oldest = key, entry.storedAt
			}
		}
		delete(c.entries, oldestKey)
		c.stats.Evictions++
	}
}
