package cache

import (
	"sync"
	"sync/atomic"
	"time"
)

// TTL is a concurrency-safe cache with per-entry expiry. Reads never perform
// I/O and entries past their deadline are treated as absent; replacement on
// Set is atomic with respect to readers.
type TTL struct {
	mu         sync.RWMutex
	entries    map[string]*ttlEntry
	maxEntries int

	hits   int64
	misses int64
}

type ttlEntry struct {
	value    any
	expires  time.Time
	accessed time.Time
}

// NewTTL returns a TTL cache bounded to maxEntries live entries.
func NewTTL(maxEntries int) *TTL {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	return &TTL{
		entries:    make(map[string]*ttlEntry),
		maxEntries: maxEntries,
	}
}

// Get returns the value for key when present and unexpired.
func (c *TTL) Get(key string) (any, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || time.Now().After(entry.expires) {
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}

	c.mu.Lock()
	entry.accessed = time.Now()
	c.mu.Unlock()

	atomic.AddInt64(&c.hits, 1)
	return entry.value, true
}

// Set stores value under key for ttl, evicting the stalest entry when full.
func (c *TTL) Set(key string, value any, ttl time.Duration) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictStalest(now)
	}
	c.entries[key] = &ttlEntry{value: value, expires: now.Add(ttl), accessed: now}
}

// Delete removes key.
func (c *TTL) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Clear drops every entry.
func (c *TTL) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*ttlEntry)
	c.mu.Unlock()
}

// Len returns the number of stored entries, expired included until sweep.
func (c *TTL) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats returns lifetime hit and miss counts.
func (c *TTL) Stats() (hits, misses int64) {
	return atomic.LoadInt64(&c.hits), atomic.LoadInt64(&c.misses)
}

// Sweep removes expired entries; callers run it on a ticker.
func (c *TTL) Sweep() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range c.entries {
		if now.After(entry.expires) {
			delete(c.entries, key)
		}
	}
}

// evictStalest drops expired entries first, otherwise the least recently
// accessed one. Caller holds the write lock.
func (c *TTL) evictStalest(now time.Time) {
	var oldestKey string
	oldestTime := now

	for key, entry := range c.entries {
		if now.After(entry.expires) {
			delete(c.entries, key)
			return
		}
		if entry.accessed.Before(oldestTime) {
			oldestTime = entry.accessed
			oldestKey = key
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}
