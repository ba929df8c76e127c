// Package ratelimit provides per-client rate limiting middleware for the
// escrow API.
package ratelimit

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/mbd888/escrowd/internal/auth"
)

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the max requests per client per minute
	RequestsPerMinute int
	// BurstSize allows brief bursts above the limit
	BurstSize int
	// IdleTTL is how long an unused client bucket is kept
	IdleTTL time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 60, // 1 req/sec average
		BurstSize:         10,
		IdleTTL:           2 * time.Minute,
	}
}

// Limiter tracks a token bucket per client key.
type Limiter struct {
	cfg     Config
	clients *cache.Cache
}

// New creates a new rate limiter
func New(cfg Config) *Limiter {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultConfig().IdleTTL
	}
	return &Limiter{
		cfg:     cfg,
		clients: cache.New(cfg.IdleTTL, cfg.IdleTTL),
	}
}

// Allow checks if a request should be allowed
func (l *Limiter) Allow(key string) bool {
	return l.bucket(key).Allow()
}

func (l *Limiter) bucket(key string) *rate.Limiter {
	if v, ok := l.clients.Get(key); ok {
		lim := v.(*rate.Limiter)
		// Sliding expiry: touch the entry so active clients keep their bucket.
		l.clients.SetDefault(key, lim)
		return lim
	}
	lim := rate.NewLimiter(rate.Limit(float64(l.cfg.RequestsPerMinute)/60.0), l.cfg.BurstSize)
	if err := l.clients.Add(key, lim, cache.DefaultExpiration); err != nil {
		// Lost the race with another request for the same key.
		if v, ok := l.clients.Get(key); ok {
			return v.(*rate.Limiter)
		}
	}
	return lim
}

// Len returns the number of tracked clients.
func (l *Limiter) Len() int {
	return l.clients.ItemCount()
}

// Middleware returns a Gin middleware that rate limits by end user when the
// gateway vouched for one, and by client IP otherwise.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if user := auth.UserID(c); user != "" {
			key = "user:" + user
		}

		if !l.Allow(key) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": 1,
			})
			return
		}

		c.Next()
	}
}
