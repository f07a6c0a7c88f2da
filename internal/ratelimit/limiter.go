// SPDX-License-Identifier: MIT

// Package ratelimit implements the per-client token bucket governor.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/arbiterhq/arbiter/internal/metrics"
)

// Config holds rate limiting configuration.
type Config struct {
	// Per-client refill rate (tokens per second) and burst size.
	Rate  rate.Limit
	Burst int

	// Cleanup interval for idle client buckets.
	CleanupInterval time.Duration
}

// DefaultConfig returns the defaults: 10 req/s, burst 20.
func DefaultConfig() Config {
	return Config{
		Rate:            10,
		Burst:           20,
		CleanupInterval: 5 * time.Minute,
	}
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Limiter manages one token bucket per client id.
type Limiter struct {
	mu      sync.Mutex
	config  Config
	clients map[string]*bucket

	lastCleanup time.Time
	now         func() time.Time
}

// New creates a limiter with the given config.
func New(config Config) *Limiter {
	if config.Rate <= 0 {
		config.Rate = 10
	}
	if config.Burst <= 0 {
		config.Burst = 20
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 5 * time.Minute
	}
	return &Limiter{
		config:      config,
		clients:     make(map[string]*bucket),
		lastCleanup: time.Now(),
		now:         time.Now,
	}
}

// Check consumes one token for clientID if available. On denial it returns
// the duration after which one token will have refilled; the HTTP boundary
// surfaces this as Retry-After.
func (l *Limiter) Check(clientID string) (allowed bool, retryAfter time.Duration) {
	now := l.now()

	l.mu.Lock()
	b, ok := l.clients[clientID]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.config.Rate, l.config.Burst)}
		l.clients[clientID] = b
	}
	b.lastSeen = now
	l.maybeCleanupLocked(now)
	l.mu.Unlock()

	res := b.lim.ReserveN(now, 1)
	if !res.OK() {
		metrics.RecordRateLimitExceeded("per_client")
		return false, time.Second
	}
	delay := res.DelayFrom(now)
	if delay > 0 {
		res.CancelAt(now)
		metrics.RecordRateLimitExceeded("per_client")
		return false, delay
	}
	return true, 0
}

// maybeCleanupLocked drops buckets idle long enough to be full again.
// Caller must hold the lock.
func (l *Limiter) maybeCleanupLocked(now time.Time) {
	if now.Sub(l.lastCleanup) < l.config.CleanupInterval {
		return
	}
	idle := time.Duration(float64(l.config.Burst)/float64(l.config.Rate)) * time.Second
	if idle < l.config.CleanupInterval {
		idle = l.config.CleanupInterval
	}
	for id, b := range l.clients {
		if now.Sub(b.lastSeen) > idle {
			delete(l.clients, id)
		}
	}
	l.lastCleanup = now
}

// Size returns the number of tracked clients. Exposed for diagnostics.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}
