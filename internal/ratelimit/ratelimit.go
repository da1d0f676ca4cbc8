// Package ratelimit provides fixed-window rate limiting for payment actions.
//
// Counters live in a Store (in-memory or Redis) keyed by caller identity.
// A request is denied when the current window's count has already reached
// the limit; denied requests do not consume quota. Store failures deny:
// an unreachable counter backend must never let a flood through.
package ratelimit

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mstill/payshield/internal/logging"
	"github.com/mstill/payshield/internal/metrics"
)

// Store holds windowed counters.
type Store interface {
	// Take atomically admits key when its current count is below limit,
	// incrementing the counter and starting a new window with the given
	// TTL if none is active. Denied calls do not consume quota. The check
	// and the increment happen as one operation so concurrent callers
	// cannot slip past the limit between them.
	Take(ctx context.Context, key string, limit int64, window time.Duration) (bool, error)
}

// Limiter enforces at most limit hits per key per window.
type Limiter struct {
	store  Store
	limit  int64
	window time.Duration
}

// New creates a rate limiter over the given counter store.
func New(store Store, limit int64, window time.Duration) *Limiter {
	return &Limiter{store: store, limit: limit, window: window}
}

// Allow reports whether key may proceed, consuming one unit of quota when
// it does. A store error is returned alongside false so callers can treat
// backend failure as denial.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, error) {
	return l.store.Take(ctx, key, l.limit, l.window)
}

// Middleware returns a Gin middleware that rate limits by client IP.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed, err := l.Allow(c.Request.Context(), "ip:"+c.ClientIP())
		if err != nil {
			logging.L(c.Request.Context()).Error("rate limit store error", "error", err)
			metrics.RateLimitDeniedTotal.WithLabelValues("error").Inc()
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":   "rate_limit_unavailable",
				"message": "Unable to verify rate limit. Please retry.",
			})
			c.Abort()
			return
		}
		if !allowed {
			metrics.RateLimitDeniedTotal.WithLabelValues("http").Inc()
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": int(l.window.Seconds()),
			})
			c.Abort()
			return
		}
		c.Next()
	}
}
