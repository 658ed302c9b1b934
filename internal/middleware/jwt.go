package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/polymath-api/internal/backend"
	"github.com/noah-isme/polymath-api/internal/utils"
)

// Locals keys populated by the session middlewares.
const (
	LocalUserID      = "user_id"
	LocalUserEmail   = "user_email"
	LocalAccessToken = "access_token"
)

// JWTProtected rejects requests without a valid bearer session.
func JWTProtected(auth backend.Auth) fiber.Handler {
	return sessionMiddleware(auth, false)
}

// JWTOptional attaches the session when a valid bearer token is present and
// lets anonymous requests through. An invalid token is still rejected.
func JWTOptional(auth backend.Auth) fiber.Handler {
	return sessionMiddleware(auth, true)
}

func sessionMiddleware(auth backend.Auth, optional bool) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authorization := c.Get("Authorization")
		if authorization == "" {
			if optional {
				return c.Next()
			}
			return utils.SendError(c, fiber.StatusUnauthorized, "authorization header missing")
		}

		tokenString, ok := BearerToken(authorization)
		if !ok {
			return utils.SendError(c, fiber.StatusUnauthorized, "invalid authorization header")
		}

		session, err := auth.Verify(c.UserContext(), tokenString)
		if err != nil {
			return utils.SendError(c, fiber.StatusUnauthorized, "invalid token")
		}

		c.Locals(LocalUserID, session.User.ID)
		c.Locals(LocalUserEmail, session.User.Email)
		c.Locals(LocalAccessToken, tokenString)

		return c.Next()
	}
}

// BearerToken extracts the token of a `Bearer <token>` header value.
func BearerToken(authorization string) (string, bool) {
	const bearer = "Bearer "
	if len(authorization) < len(bearer) || !strings.EqualFold(authorization[:len(bearer)], bearer) {
		return "", false
	}
	token := strings.TrimSpace(authorization[len(bearer):])
	return token, token != ""
}
