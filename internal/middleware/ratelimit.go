package middleware

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/voicecrm/auditcore/internal/clientinfo"
	"github.com/voicecrm/auditcore/internal/http/dto"
)

// RateLimitMiddleware is a fixed-window limiter keyed by the resolved client
// IP. It fails open when redis is unavailable.
func RateLimitMiddleware(rdb *redis.Client, limit int, window time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ip := clientinfo.ResolveClientIP(clientinfo.HeaderFunc(func(k string) string { return c.Get(k) }), c.IP())
		key := fmt.Sprintf("rl:%s:%s", c.Path(), ip)

		ctx := c.UserContext()
		count, err := rdb.Incr(ctx, key).Result()
		if err != nil {
			return c.Next()
		}
		if count == 1 {
			rdb.Expire(ctx, key, window)
		}

		remaining := int64(limit) - count
		if remaining < 0 {
			remaining = 0
		}
		c.Set("X-RateLimit-Limit", strconv.Itoa(limit))
		c.Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

		if count > int64(limit) {
			return c.Status(fiber.StatusTooManyRequests).JSON(dto.ErrorResponse{
				Error:     "rate limit exceeded",
				RequestID: GetRequestID(c),
			})
		}

		return c.Next()
	}
}
