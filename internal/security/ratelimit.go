package security

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LimitScope distinguishes the two bucket families.
type LimitScope string

const (
	ScopeAPIKey LimitScope = "api-key"
	ScopeIP     LimitScope = "ip"
)

type bucketKey struct {
	scope LimitScope
	id    string
}

// RateLimiter keeps one token bucket per {scope, id}. Buckets are
// created on first use with capacity = burst and refill at rpm/60
// tokens per second; each request consumes one token. rpm or burst of
// zero is fail-open: such a scope never denies.
type RateLimiter struct {
	mu      sync.RWMutex
	buckets map[bucketKey]*rate.Limiter

	keyLimit RateLimitSettings
	ipLimit  RateLimitSettings

	// Entries idle past this are dropped by the reaper.
	idleTTL  time.Duration
	lastSeen map[bucketKey]time.Time
}

// NewRateLimiter creates a limiter for the given policy settings.
func NewRateLimiter(keyLimit, ipLimit RateLimitSettings) *RateLimiter {
	return &RateLimiter{
		buckets:  make(map[bucketKey]*rate.Limiter),
		lastSeen: make(map[bucketKey]time.Time),
		keyLimit: keyLimit,
		ipLimit:  ipLimit,
		idleTTL:  10 * time.Minute,
	}
}

// Update swaps the settings and drops all buckets so new limits apply
// immediately. Used by policy hot reload.
func (l *RateLimiter) Update(keyLimit, ipLimit RateLimitSettings) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keyLimit = keyLimit
	l.ipLimit = ipLimit
	l.buckets = make(map[bucketKey]*rate.Limiter)
	l.lastSeen = make(map[bucketKey]time.Time)
}

// Allow consumes one token from the bucket for {scope, id}, reporting
// whether the request may proceed and, on denial, a Retry-After hint.
func (l *RateLimiter) Allow(scope LimitScope, id string) (bool, time.Duration) {
	settings := l.settings(scope)
	if settings.Rpm <= 0 || settings.Burst <= 0 {
		return true, 0
	}

	key := bucketKey{scope, id}
	l.mu.RLock()
	bucket := l.buckets[key]
	l.mu.RUnlock()

	if bucket == nil {
		l.mu.Lock()
		bucket = l.buckets[key]
		if bucket == nil {
			bucket = rate.NewLimiter(rate.Limit(float64(settings.Rpm)/60.0), settings.Burst)
			l.buckets[key] = bucket
		}
		l.lastSeen[key] = time.Now()
		l.mu.Unlock()
	} else {
		l.mu.Lock()
		l.lastSeen[key] = time.Now()
		l.mu.Unlock()
	}

	if bucket.Allow() {
		return true, 0
	}
	// One token refills in 60/rpm seconds.
	retry := time.Duration(float64(time.Minute) / float64(settings.Rpm))
	return false, retry
}

func (l *RateLimiter) settings(scope LimitScope) RateLimitSettings {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if scope == ScopeAPIKey {
		return l.keyLimit
	}
	return l.ipLimit
}

// Reap drops buckets idle past the TTL. Called from the gateway's
// housekeeping loop.
func (l *RateLimiter) Reap() {
	cutoff := time.Now().Add(-l.idleTTL)
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, seen := range l.lastSeen {
		if seen.Before(cutoff) {
			delete(l.lastSeen, key)
			delete(l.buckets, key)
		}
	}
}
