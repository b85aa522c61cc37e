// Package cachegc provides a size and age bounded in-memory cache.
package cachegc

import (
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// Cache is a local in-memory caching layer.
// Entries older than TTL are treated as absent and dropped lazily.
// It is safe for concurrent use.
type Cache struct {
	*lru.Cache
	TTL time.Duration

	now func() time.Time
}

type cacheEntry struct {
	data        interface{}
	lastUpdated time.Time
}

// NewCache creates a new caching layer that keeps the number of entries specified.
func NewCache(size int, ttl time.Duration) (*Cache, error) {
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Cache{Cache: c, TTL: ttl, now: time.Now}, nil
}

// Add inserts or refreshes an item.
func (c *Cache) Add(key, value interface{}) {
	c.Cache.Add(key, &cacheEntry{data: value, lastUpdated: c.now()})
}

// Get returns an item in the cache, ignoring expired items.
func (c *Cache) Get(key interface{}) (value interface{}, ok bool) {
	entryI, ok := c.Cache.Get(key)
	if !ok {
		return nil, false
	}
	entry := entryI.(*cacheEntry)
	if c.expired(entry) {
		c.Cache.Remove(key)
		c.GetOldest() // trigger GC
		return nil, false
	}
	return entry.data, true
}

// Peek returns an item without updating its recentness.
func (c *Cache) Peek(key interface{}) (value interface{}, ok bool) {
	entryI, ok := c.Cache.Peek(key)
	if !ok {
		return nil, false
	}
	entry := entryI.(*cacheEntry)
	if c.expired(entry) {
		return nil, false
	}
	return entry.data, true
}

// GetOldest gets the oldest item that is not expired.
func (c *Cache) GetOldest() (interface{}, interface{}, bool) {
	for {
		key, entryI, ok := c.Cache.GetOldest()
		if !ok {
			return nil, nil, false
		}
		entry := entryI.(*cacheEntry)
		if !c.expired(entry) {
			return key, entry.data, true
		}
		c.Cache.Remove(key)
	}
}

func (c *Cache) expired(entry *cacheEntry) bool {
	return c.now().Sub(entry.lastUpdated) > c.TTL
}
