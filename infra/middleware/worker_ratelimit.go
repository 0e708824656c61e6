package middleware

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"mailsync_server/pkg/apperr"
	"mailsync_server/pkg/logger"
	"mailsync_server/pkg/ratelimit"
	"mailsync_server/pkg/response"
)

// RateLimit is a fixed-window limiter on the shared counter store, keyed
// by user when authenticated and by IP otherwise. Store errors fail open.
func RateLimit(store ratelimit.CounterStore, limit int, window time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := "api:ratelimit:ip:" + c.IP()
		if uid, ok := c.Locals("user_id").(uuid.UUID); ok {
			key = "api:ratelimit:user:" + uid.String()
		}

		count, err := store.IncrWithExpiry(c.Context(), key, window)
		if err != nil {
			logger.WithError(err).Warn("rate limit store unavailable")
			return c.Next()
		}

		remaining := int64(limit) - count
		if remaining < 0 {
			remaining = 0
		}
		c.Set("X-RateLimit-Limit", strconv.Itoa(limit))
		c.Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

		if count > int64(limit) {
			ttl, _ := store.TTL(c.Context(), key)
			retryAfter := int(ttl.Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(retryAfter))
			return response.Error(c, fiber.StatusTooManyRequests, apperr.CodeRateLimited, "rate limit exceeded")
		}
		return c.Next()
	}
}
