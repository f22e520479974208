// Package cache provides thread-safe in-memory caching with TTL and LRU
// eviction for the memory subsystem's two cache namespaces: embeddings
// (long TTL, keyed by content hash) and query results (short TTL, keyed by
// normalized query text plus collection scope).
//
// Cache entries are never the sole copy of any data; everything cached is
// reconstructable from the raw store and the semantic index.
package cache

import (
	"sync"
	"time"
)

// timeNow is a variable for testing purposes (allows mocking time).
var timeNow = time.Now

// Entry is a cached value with its lifecycle metadata.
type Entry struct {
	// Key is the cache key.
	Key string

	// Value is the cached value.
	Value interface{}

	// CreatedAt is when this entry was created.
	CreatedAt time.Time

	// ExpiresAt is when this entry should be evicted.
	ExpiresAt time.Time

	// AccessCount is incremented on every Get hit.
	AccessCount int64

	// lastAccessed tracks LRU eviction (internal use only).
	lastAccessed time.Time
}

// Cache is a TTL + LRU bounded cache.
//
// TTL expiry is checked lazily on Get. Capacity eviction removes the least
// recently used entry. Invalidate may race with an in-flight Put; the fresher
// entry wins (last-write-wins by creation timestamp).
type Cache struct {
	mu         sync.RWMutex
	entries    map[string]*Entry
	ttl        time.Duration
	maxEntries int
}

// New creates a cache with the given default TTL and maximum entry count.
func New(ttl time.Duration, maxEntries int) *Cache {
	return &Cache{
		entries:    make(map[string]*Entry),
		ttl:        ttl,
		maxEntries: maxEntries,
	}
}

// Get retrieves a value. Returns false on miss or expiry.
// Expired entries are removed on access; hits update LRU order and the
// entry's access count.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	entry, exists := c.entries[key]
	c.mu.RUnlock()

	if !exists {
		return nil, false
	}

	now := timeNow()
	if now.After(entry.ExpiresAt) {
		c.mu.Lock()
		// Re-check under the write lock; a fresher Put may have replaced it.
		if current, ok := c.entries[key]; ok && now.After(current.ExpiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, false
	}

	c.mu.Lock()
	entry.lastAccessed = now
	entry.AccessCount++
	value := entry.Value
	c.mu.Unlock()

	return value, true
}

// Put stores a value with the cache's default TTL.
func (c *Cache) Put(key string, value interface{}) {
	c.PutTTL(key, value, c.ttl)
}

// PutTTL stores a value with an explicit TTL, replacing any existing entry.
// At capacity, the least recently used entry is evicted first.
func (c *Cache) PutTTL(key string, value interface{}, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := timeNow()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictLRU()
	}

	c.entries[key] = &Entry{
		Key:          key,
		Value:        value,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
		lastAccessed: now,
	}
}

// Invalidate removes every entry whose key matches the predicate and returns
// the number removed. Best-effort sweep: it holds the write lock for the
// duration, so a Put issued after it completes always survives.
func (c *Cache) Invalidate(predicate func(key string) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key := range c.entries {
		if predicate(key) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Delete removes a single entry. No-op if absent.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Clear removes all entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*Entry)
}

// Len returns the current entry count, including not-yet-swept expired entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Peek returns the entry metadata without updating LRU order.
// Intended for tests and diagnostics.
func (c *Cache) Peek(key string) (*Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	snapshot := *entry
	return &snapshot, true
}

// evictLRU removes the least recently used entry.
// Caller must hold the write lock.
func (c *Cache) evictLRU() {
	var oldestKey string
	var oldestTime time.Time

	first := true
	for key, entry := range c.entries {
		if first || entry.lastAccessed.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.lastAccessed
			first = false
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}
