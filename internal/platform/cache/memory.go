package cache

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultMemoryCacheSize = 1000

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryCache implements an in-memory LRU cache with per-key TTL
type MemoryCache struct {
	lru *lru.Cache[string, memoryEntry]
	now func() time.Time
}

// NewMemoryCache creates a new in-memory cache holding at most maxSize keys
func NewMemoryCache(maxSize int) *MemoryCache {
	if maxSize <= 0 {
		maxSize = defaultMemoryCacheSize
	}

	// lru.New only fails on a non-positive size
	l, _ := lru.New[string, memoryEntry](maxSize)

	return &MemoryCache{
		lru: l,
		now: time.Now,
	}
}

// Get retrieves a value from cache
func (c *MemoryCache) Get(ctx context.Context, key string) ([]byte, error) {
	entry, ok := c.lru.Get(key)
	if !ok {
		return nil, ErrNotFound
	}

	if !entry.expiresAt.IsZero() && !c.now().Before(entry.expiresAt) {
		c.lru.Remove(key)
		return nil, ErrNotFound
	}

	return entry.value, nil
}

// Set stores a value in cache with TTL
func (c *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	stored := make([]byte, len(value))
	copy(stored, value)

	c.lru.Add(key, memoryEntry{
		value:     stored,
		expiresAt: expiry(c.now(), ttl),
	})
	return nil
}

// Delete removes a key from cache
func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	c.lru.Remove(key)
	return nil
}

// Close drops all entries
func (c *MemoryCache) Close() error {
	c.lru.Purge()
	return nil
}

// Len returns the number of keys currently held, including expired ones not yet evicted
func (c *MemoryCache) Len() int {
	return c.lru.Len()
}
