// Package ratelimit admits or rejects inbound calls with one token bucket
// per (endpoint-class, caller-identity) pair. Buckets are
// golang.org/x/time/rate limiters, created lazily under a map lock, with
// per-class rates and a Retry-After computation for rejected callers.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nodeforge/fabric/internal/config"
	"github.com/nodeforge/fabric/internal/log"
)

// Class names an endpoint-class bucket.
type Class string

const (
	ClassRPC      Class = "rpc"
	ClassHealth   Class = "health"
	ClassInternal Class = "internal"
)

// classConfig holds a class's per-minute rate and burst.
type classConfig struct {
	perMinute float64
	burst     int
}

// Limiter is the token-bucket admission guard. The zero value is not
// usable; use New.
type Limiter struct {
	enabled bool
	classes map[Class]classConfig

	mu       sync.Mutex
	buckets  map[bucketKey]*rate.Limiter
	lastUsed map[bucketKey]time.Time
}

type bucketKey struct {
	class    Class
	identity string
}

// New builds a Limiter from cfg's rate_limit_* keys. The "internal" class
// is always unlimited.
func New(cfg config.Config) *Limiter {
	return &Limiter{
		enabled: cfg.RateLimitEnabled,
		classes: map[Class]classConfig{
			ClassRPC:    {perMinute: float64(cfg.RateLimitRPCPerMin), burst: cfg.RateLimitRPCBurst},
			ClassHealth: {perMinute: float64(cfg.RateLimitHealthPerMin), burst: cfg.RateLimitHealthBurst},
		},
		buckets:  make(map[bucketKey]*rate.Limiter),
		lastUsed: make(map[bucketKey]time.Time),
	}
}

// Allow admits or rejects one call in class on behalf of identity (a
// node_id when authenticated, else the caller's source IP). When rejected,
// retryAfter is the duration until one token is available.
func (l *Limiter) Allow(class, identity string) (ok bool, retryAfter time.Duration) {
	if !l.enabled || Class(class) == ClassInternal {
		return true, 0
	}

	cc, known := l.classes[Class(class)]
	if !known || cc.perMinute <= 0 {
		return true, 0
	}

	key := bucketKey{class: Class(class), identity: identity}

	l.mu.Lock()
	bucket, exists := l.buckets[key]
	if !exists {
		bucket = rate.NewLimiter(rate.Limit(cc.perMinute/60.0), cc.burst)
		l.buckets[key] = bucket
		log.WithComponent("ratelimit").Debug().Str("class", class).Str("identity", identity).Msg("created new bucket")
	}
	l.lastUsed[key] = time.Now()
	l.mu.Unlock()

	reservation := bucket.Reserve()
	if !reservation.OK() {
		return false, time.Second
	}
	delay := reservation.Delay()
	if delay <= 0 {
		return true, 0
	}
	reservation.Cancel()
	return false, delay
}

// Sweep drops buckets idle for longer than idleAfter, bounding memory for
// long-lived processes that see many distinct caller identities without
// punishing callers that are still active.
func (l *Limiter) Sweep(idleAfter time.Duration) (evicted int) {
	cutoff := time.Now().Add(-idleAfter)
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, last := range l.lastUsed {
		if last.Before(cutoff) {
			delete(l.buckets, key)
			delete(l.lastUsed, key)
			evicted++
		}
	}
	return evicted
}
