package middleware

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/promptvideos/api/internal/logger"
	"github.com/promptvideos/api/pkg/response"
)

// RateLimiter keeps fixed-window request counters per user in redis
type RateLimiter struct {
	redis *redis.Client
	log   *logger.Logger
}

func NewRateLimiter(redisClient *redis.Client, baseLog *logger.Logger) *RateLimiter {
	return &RateLimiter{redis: redisClient, log: baseLog.With("component", "RateLimiter")}
}

// Limit allows maxRequests per user per window. Requests pass through when
// redis is unavailable.
func (rl *RateLimiter) Limit(keyPrefix string, maxRequests int, window time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if maxRequests <= 0 {
			return c.Next()
		}
		userID := GetUserID(c)
		if userID == "" {
			return c.Next() // auth runs first
		}

		key := fmt.Sprintf("ratelimit:%s:%s", keyPrefix, userID)
		ctx := c.UserContext()

		count, err := rl.redis.Incr(ctx, key).Result()
		if err != nil {
			rl.log.Warn("Rate limit check skipped", "key", key, "error", err)
			return c.Next()
		}
		if count == 1 {
			rl.redis.Expire(ctx, key, window)
		}

		if count > int64(maxRequests) {
			ttl, _ := rl.redis.TTL(ctx, key).Result()
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(ttl.Seconds())))
			return response.RateLimited(c)
		}

		c.Set("X-RateLimit-Limit", strconv.Itoa(maxRequests))
		c.Set("X-RateLimit-Remaining", strconv.Itoa(maxRequests-int(count)))
		return c.Next()
	}
}

// GenerateLimit caps generation requests per user per hour.
func (rl *RateLimiter) GenerateLimit(maxPerHour int) fiber.Handler {
	return rl.Limit("generate", maxPerHour, time.Hour)
}
