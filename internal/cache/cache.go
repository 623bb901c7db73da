// Package cache provides the small TTL memo caches owned by the services
// that use them. Nothing here is global: each service constructs its own.
package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultSize bounds the number of entries held by a cache.
const DefaultSize = 4096

// TTL is a size-bounded cache whose entries expire after a fixed duration.
type TTL[K comparable, V any] struct {
	lru *expirable.LRU[K, V]
}

// New returns a cache holding at most size entries for ttl each.
// A non-positive size falls back to DefaultSize.
func New[K comparable, V any](size int, ttl time.Duration) *TTL[K, V] {
	if size <= 0 {
		size = DefaultSize
	}
	return &TTL[K, V]{lru: expirable.NewLRU[K, V](size, nil, ttl)}
}

// Get returns the cached value for key, if present and not expired.
func (c *TTL[K, V]) Get(key K) (V, bool) {
	return c.lru.Get(key)
}

// Set stores value under key.
func (c *TTL[K, V]) Set(key K, value V) {
	c.lru.Add(key, value)
}

// GetOrCompute returns the cached value or computes, stores and returns it.
func (c *TTL[K, V]) GetOrCompute(key K, compute func(K) V) V {
	if v, ok := c.lru.Get(key); ok {
		return v
	}
	v := compute(key)
	c.lru.Add(key, v)
	return v
}

// Len returns the number of live entries.
func (c *TTL[K, V]) Len() int {
	return c.lru.Len()
}

// Purge empties the cache.
func (c *TTL[K, V]) Purge() {
	c.lru.Purge()
}
