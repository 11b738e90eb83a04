package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"callsignal/internal/database"
	"callsignal/pkg/logger"
)

// RateLimiter counts requests per user (or per IP before authentication) in
// fixed windows. Counts live in Redis so every replica shares them; while
// Redis is degraded or absent each replica counts locally.
type RateLimiter struct {
	redis    *database.RedisClient
	local    *localWindows
	prefix   string
	requests int
	window   time.Duration
}

// NewRateLimiter creates a limiter allowing requests per window. redis may be
// nil. prefix separates independent limits sharing one Redis.
func NewRateLimiter(redis *database.RedisClient, prefix string, requests int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		redis:    redis,
		local:    newLocalWindows(),
		prefix:   prefix,
		requests: requests,
		window:   window,
	}
}

// Middleware returns a Gin middleware for rate limiting
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		identifier := "ip:" + c.ClientIP()
		if userID, exists := c.Get("user_id"); exists {
			identifier = fmt.Sprintf("user:%v", userID)
		}

		count, resetAt := rl.hit(c.Request.Context(), identifier)

		remaining := rl.requests - count
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.requests))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

		if count > rl.requests {
			c.Header("Retry-After", strconv.Itoa(int(time.Until(resetAt).Seconds())+1))
			c.JSON(http.StatusTooManyRequests, gin.H{
				"success": false,
				"error": gin.H{
					"code":    "RATE_LIMITED",
					"message": "Rate limit exceeded",
				},
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// hit records one request and returns the count in the current window
func (rl *RateLimiter) hit(ctx context.Context, identifier string) (int, time.Time) {
	now := time.Now()
	windowStart := now.Truncate(rl.window)
	resetAt := windowStart.Add(rl.window)

	if rl.redis != nil && !rl.redis.IsDegraded() {
		key := fmt.Sprintf("ratelimit:%s:%s:%d", rl.prefix, identifier, windowStart.Unix())
		pipe := rl.redis.Client.TxPipeline()
		incr := pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, rl.window)
		_, err := pipe.Exec(ctx)
		if err == nil {
			return int(incr.Val()), resetAt
		}
		logger.Warn("Rate limit counter unavailable, counting locally",
			zap.String("limit", rl.prefix),
			zap.Error(err))
	}

	return rl.local.hit(identifier, windowStart), resetAt
}

type localWindows struct {
	mu     sync.Mutex
	counts map[string]*localWindow
}

type localWindow struct {
	start time.Time
	count int
}

func newLocalWindows() *localWindows {
	return &localWindows{counts: make(map[string]*localWindow)}
}

func (l *localWindows) hit(identifier string, windowStart time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.counts[identifier]
	if !ok || w.start.Before(windowStart) {
		w = &localWindow{start: windowStart}
		l.counts[identifier] = w
	}
	w.count++

	// Drop stale windows so idle identifiers do not accumulate
	if len(l.counts) > 10000 {
		for id, other := range l.counts {
			if other.start.Before(windowStart) {
				delete(l.counts, id)
			}
		}
	}
	return w.count
}
