// SPDX-License-Identifier: MIT

package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCacheGetSet(t *testing.T) {
	c := NewMemoryCache(0, 100)
	defer c.Stop()

	c.Set("k", "v", time.Minute)
	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", got)

	_, ok = c.Get("missing")
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 1, stats.CurrentSize)
}

func TestMemoryCacheExpiry(t *testing.T) {
	c := NewMemoryCache(0, 100)
	defer c.Stop()

	c.Set("k", "v", 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestMemoryCacheBoundedSize(t *testing.T) {
	c := NewMemoryCache(0, 5)
	defer c.Stop()

	for i := 0; i < 10; i++ {
		c.Set(fmt.Sprintf("k%d", i), i, time.Minute)
	}

	stats := c.Stats()
	assert.LessOrEqual(t, stats.CurrentSize, 5)
	assert.Equal(t, int64(5), stats.Evictions)
}

func TestMemoryCacheDeleteAndClear(t *testing.T) {
	c := NewMemoryCache(0, 100)
	defer c.Stop()

	c.Set("a", 1, time.Minute)
	c.Set("b", 2, time.Minute)
	c.Delete("a")

	_, ok := c.Get("a")
	assert.False(t, ok)

	c.Clear()
	assert.Equal(t, 0, c.Stats().CurrentSize)
}

func TestNoopCache(t *testing.T) {
	c := NewNoopCache()
	c.Set("k", "v", time.Minute)
	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestRedisCacheRoundTrip(t *testing.T) {
	srv := miniredis.RunT(t)

	c, err := NewRedisCache(RedisConfig{Addr: srv.Addr()})
	require.NoError(t, err)
	defer c.Stop()

	c.Set("principal:tok", map[string]any{"client_id": "u1"}, time.Minute)

	got, ok := c.Get("principal:tok")
	require.True(t, ok)
	m, ok := got.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "u1", m["client_id"])

	c.Delete("principal:tok")
	_, ok = c.Get("principal:tok")
	assert.False(t, ok)
}

func TestRedisCacheTTL(t *testing.T) {
	srv := miniredis.RunT(t)

	c, err := NewRedisCache(RedisConfig{Addr: srv.Addr()})
	require.NoError(t, err)
	defer c.Stop()

	c.Set("k", "v", 50*time.Millisecond)
	srv.FastForward(time.Second)

	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestRedisCacheUnavailable(t *testing.T) {
	_, err := NewRedisCache(RedisConfig{Addr: "127.0.0.1:1"})
	assert.Error(t, err)
}
