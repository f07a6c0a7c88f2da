// SPDX-License-Identifier: MIT

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arbiterhq/arbiter/internal/log"
)

// RedisConfig holds the Redis connection parameters.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db"`
}

// redisCache implements Cache on a shared Redis instance. Values are
// stored as JSON, so reads return generic decoded shapes.
type redisCache struct {
	client *redis.Client

	hits      atomic.Int64
	misses    atomic.Int64
	sets      atomic.Int64
	evictions atomic.Int64
}

const redisOpTimeout = 2 * time.Second

// NewRedisCache connects to Redis and verifies the connection before use.
func NewRedisCache(cfg RedisConfig) (Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.WithComponent("cache").Info().Str("addr", cfg.Addr).Int("db", cfg.DB).Msg("redis cache connected")
	return &redisCache{client: client}, nil
}

func (c *redisCache) Get(key string) (any, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.WithComponent("cache").Warn().Err(err).Str("key", key).Msg("redis get failed")
		}
		c.misses.Add(1)
		return nil, false
	}

	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return value, true
}

func (c *redisCache) Set(key string, value any, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	raw, err := json.Marshal(value)
	if err != nil {
		log.WithComponent("cache").Warn().Err(err).Str("key", key).Msg("cache value not serializable")
		return
	}
	if err := c.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		log.WithComponent("cache").Warn().Err(err).Str("key", key).Msg("redis set failed")
		return
	}
	c.sets.Add(1)
}

func (c *redisCache) Delete(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := c.client.Del(ctx, key).Err(); err != nil {
		log.WithComponent("cache").Warn().Err(err).Str("key", key).Msg("redis delete failed")
	}
}

func (c *redisCache) Clear() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.client.FlushDB(ctx).Err(); err != nil {
		log.WithComponent("cache").Warn().Err(err).Msg("redis flush failed")
	}
}

func (c *redisCache) Stats() Stats {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	size, err := c.client.DBSize(ctx).Result()
	if err != nil {
		size = 0
	}
	return Stats{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Sets:        c.sets.Load(),
		Evictions:   c.evictions.Load(),
		CurrentSize: int(size),
	}
}

func (c *redisCache) Stop() {
	if err := c.client.Close(); err != nil {
		log.WithComponent("cache").Warn().Err(err).Msg("redis close failed")
	}
}
