// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

package evidence

import (
	"time"

	"github.com/sigil-dev/vigil/internal/backend"
)

// Cache memoizes collection results by query key.
type Cache interface {
	Get(key string) (Result, bool)
	Put(key string, r Result)
}

// DefaultCacheTTL bounds how long a collected window stays cached.
const DefaultCacheTTL = backend.DefaultCacheTTL

// DefaultCacheEntries bounds the cache size.
const DefaultCacheEntries = backend.DefaultCacheEntries

// TTLCache keeps results for a fixed TTL. Results are copied in and out so
// callers cannot mutate what is stored.
type TTLCache struct {
	entries *backend.TTLCache[Result]
}

// NewTTLCache returns a cache. Non-positive arguments select the defaults.
func NewTTLCache(ttl time.Duration, maxEntries int) *TTLCache {
	return &TTLCache{entries: backend.NewTTLCache[Result](ttl, maxEntries)}
}

// Get returns a live entry.
func (c *TTLCache) Get(key string) (Result, bool) {
	r, ok := c.entries.Get(key)
	if !ok {
		return Result{}, false
	}
	return r.clone(), true
}

// Put stores r under key.
func (c *TTLCache) Put(key string, r Result) {
	c.entries.Put(key, r.clone())
}

// Sweep drops expired entries and returns how many were removed.
func (c *TTLCache) Sweep() int { return c.entries.Sweep() }

// Len returns the number of stored entries, expired ones included.
func (c *TTLCache) Len() int { return c.entries.Len() }

// NopCache never stores anything.
type NopCache struct{}

func (NopCache) Get(string) (Result, bool) { return Result{}, false }
func (NopCache) Put(string, Result)        {}
