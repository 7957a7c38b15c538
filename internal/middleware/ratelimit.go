package middleware

import (
	"context"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/framecast/api/internal/logger"
	"github.com/framecast/api/pkg/response"
)

// RateLimiter counts requests per owner in fixed Redis windows.
type RateLimiter struct {
	redis *redis.Client
	log   *logger.Logger
}

// NewRateLimiter creates a limiter. A nil client disables limiting.
func NewRateLimiter(redisClient *redis.Client, log *logger.Logger) *RateLimiter {
	return &RateLimiter{redis: redisClient, log: log.WithComponent("ratelimit")}
}

// hit increments the window counter for key and returns the new count and the
// time left in the window.
func (rl *RateLimiter) hit(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	pipe := rl.redis.TxPipeline()
	incr := pipe.Incr(ctx, key)
	ttl := pipe.TTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, err
	}

	left := ttl.Val()
	if left < 0 {
		// New key, or one that lost its expiry.
		if err := rl.redis.Expire(ctx, key, window).Err(); err != nil {
			return 0, 0, err
		}
		left = window
	}
	return incr.Val(), left, nil
}

// Limit allows maxRequests per owner per window under keyPrefix. Requests
// pass through when Redis is unreachable.
func (rl *RateLimiter) Limit(keyPrefix string, maxRequests int, window time.Duration) fiber.Handler {
	limit := strconv.Itoa(maxRequests)
	return func(c *fiber.Ctx) error {
		owner := GetUserID(c)
		if rl.redis == nil || maxRequests <= 0 || owner == "" {
			return c.Next()
		}

		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()

		key := "ratelimit:" + keyPrefix + ":" + owner
		count, left, err := rl.hit(ctx, key, window)
		if err != nil {
			rl.log.FromContext(c.UserContext()).Warn("rate limiter unavailable", "key", key, "error", err)
			return c.Next()
		}

		remaining := int64(maxRequests) - count
		if remaining < 0 {
			remaining = 0
		}
		resetSecs := strconv.Itoa(int(left.Round(time.Second).Seconds()))
		c.Set("X-RateLimit-Limit", limit)
		c.Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
		c.Set("X-RateLimit-Reset", resetSecs)

		if count > int64(maxRequests) {
			c.Set(fiber.HeaderRetryAfter, resetSecs)
			return response.RateLimited(c)
		}
		return c.Next()
	}
}

// RenderLimit limits render submissions per owner per hour.
func (rl *RateLimiter) RenderLimit(maxPerHour int) fiber.Handler {
	return rl.Limit("render", maxPerHour, time.Hour)
}
