// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

package backend

import (
	"sync"
	"time"
)

// Cache defaults.
const (
	DefaultCacheTTL     = 5 * time.Minute
	DefaultCacheEntries = 256
)

type cacheEntry[V any] struct {
	value   V
	expires time.Time
}

// TTLCache is a mutex-guarded map whose entries expire after a fixed TTL.
// When full, expired entries are swept first and then the entry closest to
// expiry is evicted. Values are stored as given; callers holding mutable
// values copy them on the way in and out.
type TTLCache[V any] struct {
	ttl        time.Duration
	maxEntries int
	now        func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry[V]
}

// NewTTLCache returns a cache. Non-positive arguments select the defaults.
func NewTTLCache[V any](ttl time.Duration, maxEntries int) *TTLCache[V] {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultCacheEntries
	}
	return &TTLCache[V]{
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
		entries:    make(map[string]cacheEntry[V]),
	}
}

// SetClock replaces the clock entries are stamped and expired with.
func (c *TTLCache[V]) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Get returns a live entry.
func (c *TTLCache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.entries[key]
	if !ok {
		return zero, false
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, key)
		return zero, false
	}
	return e.value, true
}

// Put stores v under key.
func (c *TTLCache[V]) Put(key string, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.sweepLocked(now)
		if len(c.entries) >= c.maxEntries {
			c.evictOldestLocked()
		}
	}
	c.entries[key] = cacheEntry[V]{value: v, expires: now.Add(c.ttl)}
}

// Sweep drops expired entries and returns how many were removed.
func (c *TTLCache[V]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sweepLocked(c.now())
}

// Len returns the number of stored entries, expired ones included.
func (c *TTLCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *TTLCache[V]) sweepLocked(now time.Time) int {
	n := 0
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

func (c *TTLCache[V]) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for k, e := range c.entries {
		if oldestKey == "" || e.expires.Before(oldest) {
			oldestKey, oldest = k, e.expires
		}
	}
	delete(c.entries, oldestKey)
}
