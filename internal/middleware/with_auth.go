package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/polymath-api/internal/utils"
)

// AuthOptions configures the WithAuth helper.
type AuthOptions struct {
	RequireUser bool
	// AllowGuests lets requests carrying a guest id through when RequireUser is set.
	AllowGuests bool
}

// WithAuth wraps a handler with an authentication guard.
func WithAuth(handler fiber.Handler, opts AuthOptions) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !opts.RequireUser {
			return handler(c)
		}

		if userID, ok := c.Locals(LocalUserID).(string); ok && userID != "" {
			return handler(c)
		}
		if opts.AllowGuests && c.Get(GuestHeader) != "" {
			return handler(c)
		}

		return utils.SendError(c, fiber.StatusUnauthorized, "authentication required")
	}
}
