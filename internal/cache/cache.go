// SPDX-License-Identifier: MIT

// Package cache backs the auth principal lookup and memory-recall reuse
// with a TTL cache, in-memory by default and Redis when configured.
package cache

import (
	"sync"
	"sync/atomic"
	"time"
)

// Cache is a TTL key-value store. Implementations are safe for
// concurrent use.
type Cache interface {
	Get(key string) (any, bool)
	Set(key string, value any, ttl time.Duration)
	Delete(key string)
	Clear()
	Stats() Stats
	Stop()
}

// Stats reports cache effectiveness.
type Stats struct {
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Sets        int64 `json:"sets"`
	Evictions   int64 `json:"evictions"`
	CurrentSize int   `json:"current_size"`
}

type entry struct {
	value     any
	expiresAt time.Time
}

type memoryCache struct {
	mu      sync.RWMutex
	entries map[string]entry
	maxSize int

	hits      atomic.Int64
	misses    atomic.Int64
	sets      atomic.Int64
	evictions atomic.Int64

	stop chan struct{}
	once sync.Once
}

// NewMemoryCache creates an in-memory cache. A janitor prunes expired
// entries every cleanupInterval; maxSize bounds the entry count, with a
// random eviction when full.
func NewMemoryCache(cleanupInterval time.Duration, maxSize int) Cache {
	if maxSize <= 0 {
		maxSize = 10_000
	}
	c := &memoryCache{
		entries: make(map[string]entry),
		maxSize: maxSize,
		stop:    make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go c.janitor(cleanupInterval)
	}
	return c
}

func (c *memoryCache) Get(key string) (any, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || time.Now().After(e.expiresAt) {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return e.value, true
}

func (c *memoryCache) Set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxSize {
		for k := range c.entries {
			delete(c.entries, k)
			c.evictions.Add(1)
			break
		}
	}
	c.entries[key] = entry{value: value, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
	c.sets.Add(1)
}

func (c *memoryCache) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func (c *memoryCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]entry)
	c.mu.Unlock()
}

func (c *memoryCache) Stats() Stats {
	c.mu.RLock()
	size := len(c.entries)
	c.mu.RUnlock()
	return Stats{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Sets:        c.sets.Load(),
		Evictions:   c.evictions.Load(),
		CurrentSize: size,
	}
}

func (c *memoryCache) Stop() {
	c.once.Do(func() { close(c.stop) })
}

func (c *memoryCache) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.pruneExpired()
		case <-c.stop:
			return
		}
	}
}

func (c *memoryCache) pruneExpired() {
	now := time.Now()
	c.mu.Lock()
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
			c.evictions.Add(1)
		}
	}
	c.mu.Unlock()
}

// noopCache disables caching.
type noopCache struct{}

// NewNoopCache returns a cache that stores nothing.
func NewNoopCache() Cache { return noopCache{} }

func (noopCache) Get(string) (any, bool)           { return nil, false }
func (noopCache) Set(string, any, time.Duration)   {}
func (noopCache) Delete(string)                    {}
func (noopCache) Clear()                           {}
func (noopCache) Stats() Stats                     { return Stats{} }
func (noopCache) Stop()                            {}
