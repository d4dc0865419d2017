// Package ratelimit throttles connection attempts globally and per key
// (remote IP for control connections, session ID for public connections).
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type entry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// RateLimiter manages both global and per-key rate limiting. A limit of 0
// disables that layer.
type RateLimiter struct {
	mu         sync.Mutex
	global     *rate.Limiter
	perKey     map[string]*entry
	perKeyRate rate.Limit
	burst      int
}

// NewRateLimiter allows globalLimit and perKeyLimit events per second, each
// with the given burst.
func NewRateLimiter(globalLimit, perKeyLimit, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	rl := &RateLimiter{
		perKey:     make(map[string]*entry),
		perKeyRate: rate.Limit(perKeyLimit),
		burst:      burst,
	}
	if globalLimit > 0 {
		rl.global = rate.NewLimiter(rate.Limit(globalLimit), burst)
	}
	return rl
}

// AllowConnection reports whether a connection for key may proceed now.
func (rl *RateLimiter) AllowConnection(key string) bool {
	return rl.allowAt(key, time.Now())
}

func (rl *RateLimiter) allowAt(key string, now time.Time) bool {
	if rl == nil {
		return true
	}
	if rl.global != nil && !rl.global.AllowN(now, 1) {
		return false
	}
	if rl.perKeyRate <= 0 {
		return true
	}
	rl.mu.Lock()
	e, ok := rl.perKey[key]
	if !ok {
		e = &entry{lim: rate.NewLimiter(rl.perKeyRate, rl.burst)}
		rl.perKey[key] = e
	}
	e.lastSeen = now
	rl.mu.Unlock()
	return e.lim.AllowN(now, 1)
}

// CleanupExpiredClients drops limiters for keys that are no longer active.
func (rl *RateLimiter) CleanupExpiredClients(active map[string]bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key := range rl.perKey {
		if !active[key] {
			delete(rl.perKey, key)
		}
	}
}

// CleanupIdle drops limiters not used for maxIdle.
func (rl *RateLimiter) CleanupIdle(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	n := 0
	for key, e := range rl.perKey {
		if e.lastSeen.Before(cutoff) {
			delete(rl.perKey, key)
			n++
		}
	}
	return n
}

// Keys returns the number of tracked keys.
func (rl *RateLimiter) Keys() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.perKey)
}
