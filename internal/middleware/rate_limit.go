package middleware

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/noah-isme/polymath-api/internal/utils"
)

// RateLimit throttles a route group to max requests per window for each caller.
// Callers are keyed by user id, then guest id, then IP.
func RateLimit(identifier string, max int, window time.Duration) fiber.Handler {
	if max <= 0 {
		max = 10
	}
	if window <= 0 {
		window = time.Second
	}

	return limiter.New(limiter.Config{
		Max:        max,
		Expiration: window,
		Next: func(c *fiber.Ctx) bool {
			return c.Method() == fiber.MethodGet || c.Method() == fiber.MethodOptions
		},
		KeyGenerator: func(c *fiber.Ctx) string {
			return identifier + ":" + callerKey(c)
		},
		LimitReached: func(c *fiber.Ctx) error {
			return utils.SendErrorCode(c, fiber.StatusTooManyRequests, "rate_limited", "too many requests")
		},
	})
}

func callerKey(c *fiber.Ctx) string {
	if userID, _ := c.Locals(LocalUserID).(string); userID != "" {
		return "user:" + userID
	}
	if guestID := strings.TrimSpace(c.Get(GuestHeader)); guestID != "" {
		return "guest:" + guestID
	}
	return "ip:" + c.IP()
}
