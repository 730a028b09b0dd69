// Package ratelimit keeps any single caller from starving the billing API.
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Config sets the sustained rate and burst headroom applied per client key.
type Config struct {
	RequestsPerSecond int
	BurstSize         int
	// CleanupInterval paces the eviction of idle buckets.
	CleanupInterval time.Duration
}

// DefaultConfig suits a single engine replica behind the platform gateway.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 100,
		BurstSize:         200,
		CleanupInterval:   time.Minute,
	}
}

// Limiter hands out one token bucket per client key.
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	buckets map[string]*bucket
	stop    chan struct{}
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// New starts a limiter and its eviction loop.
func New(cfg Config) *Limiter {
	l := &Limiter{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go l.evict()
	return l
}

// evict drops buckets idle for two cleanup intervals. A dropped key simply
// starts over with a full bucket on its next request.
func (l *Limiter) evict() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-2 * l.cfg.CleanupInterval)
			l.mu.Lock()
			for key, b := range l.buckets {
				if b.lastSeen.Before(cutoff) {
					delete(l.buckets, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Stop ends the eviction loop.
func (l *Limiter) Stop() {
	close(l.stop)
}

// Allow reports whether the key may make a request right now.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), l.cfg.BurstSize)}
		l.buckets[key] = b
	}
	b.lastSeen = time.Now()
	l.mu.Unlock()

	// rate.Limiter carries its own lock; no need to hold ours for the take.
	return b.lim.Allow()
}

// Middleware rate limits per tenant when the gateway forwarded a tenant
// header, falling back to the caller's user id and finally the client IP.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		if userID := c.GetHeader("X-User-ID"); userID != "" {
			key = "user:" + userID
		}
		if tenantID := c.GetHeader("X-Tenant-ID"); tenantID != "" {
			key = "tenant:" + tenantID
		}

		if !l.Allow(key) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": 1,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
