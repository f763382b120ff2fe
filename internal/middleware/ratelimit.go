package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// rateLimiter tracks request timestamps per caller inside a sliding window.
// Ingestion devices burst, so the limit should be generous.
type rateLimiter struct {
	mu     sync.Mutex
	seen   map[string][]time.Time
	limit  int
	window time.Duration
	swept  time.Time
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		seen:   make(map[string][]time.Time),
		limit:  limit,
		window: window,
		swept:  time.Now(),
	}
}

func (rl *rateLimiter) allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rl.window)

	// Sweep idle callers once per window instead of a background goroutine.
	if now.Sub(rl.swept) > rl.window {
		for k, times := range rl.seen {
			if len(times) == 0 || times[len(times)-1].Before(cutoff) {
				delete(rl.seen, k)
			}
		}
		rl.swept = now
	}

	times := rl.seen[key]
	valid := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	if len(valid) >= rl.limit {
		rl.seen[key] = valid
		return false
	}
	rl.seen[key] = append(valid, now)
	return true
}

// RateLimit limits requests per caller. Authenticated requests are keyed by
// username, anonymous ones by client IP.
func RateLimit(limit int, window time.Duration) gin.HandlerFunc {
	limiter := newRateLimiter(limit, window)

	return func(c *gin.Context) {
		key := c.GetString(ContextUsername)
		if key == "" {
			key = c.ClientIP()
		}

		if !limiter.allow(key) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"code":    http.StatusTooManyRequests,
				"message": "Rate limit exceeded. Please try again later.",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
