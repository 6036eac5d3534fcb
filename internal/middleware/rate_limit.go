// Package middleware provides gin middleware for the goatbridge HTTP surface.
package middleware

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/goatkit/goatbridge/internal/apierrors"
)

// Endpoint throttling defaults for reconnect and reload routes.
const (
	DefaultRate  = rate.Limit(1)
	DefaultBurst = 3
)

// RateLimiter keeps one token bucket per key.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	limit   rate.Limit
	burst   int
	now     func() time.Time
}

// NewRateLimiter creates a limiter allowing limit events per second with
// the given burst for each key.
func NewRateLimiter(limit rate.Limit, burst int) *RateLimiter {
	return &RateLimiter{
		buckets: make(map[string]*rate.Limiter),
		limit:   limit,
		burst:   burst,
		now:     time.Now,
	}
}

func (rl *RateLimiter) bucket(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[key]
	if !ok {
		b = rate.NewLimiter(rl.limit, rl.burst)
		rl.buckets[key] = b
	}
	return b
}

// Allow checks if a request is allowed and consumes a token
func (rl *RateLimiter) Allow(key string) bool {
	return rl.bucket(key).AllowN(rl.now(), 1)
}

// Remaining returns the whole tokens left for a key
func (rl *RateLimiter) Remaining(key string) int {
	n := int(rl.bucket(key).TokensAt(rl.now()))
	if n < 0 {
		return 0
	}
	return n
}

// Throttle limits requests per matched route pattern.
func Throttle(rl *RateLimiter) gin.HandlerFunc {
	return throttle(rl, func(c *gin.Context) string { return c.FullPath() })
}

// ThrottleByPath limits requests per concrete request path, so each
// connector or plugin gets its own bucket.
func ThrottleByPath(rl *RateLimiter) gin.HandlerFunc {
	return throttle(rl, func(c *gin.Context) string { return c.Request.URL.Path })
}

func throttle(rl *RateLimiter, key func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		k := key(c)
		if !rl.Allow(k) {
			c.Header("X-RateLimit-Limit", strconv.Itoa(rl.burst))
			c.Header("X-RateLimit-Remaining", "0")
			c.Header("Retry-After", "1")
			apierrors.Error(c, apierrors.CodeRateLimited)
			c.Abort()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.burst))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(rl.Remaining(k)))
		c.Next()
	}
}
