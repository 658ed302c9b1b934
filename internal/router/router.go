package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/polymath-api/internal/config"
	"github.com/noah-isme/polymath-api/internal/handler"
	"github.com/noah-isme/polymath-api/internal/middleware"
	"github.com/noah-isme/polymath-api/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	AuthHandler        *handler.AuthHandler
	InteractionHandler *handler.InteractionHandler
	ChatHandler        *handler.ChatHandler
	NoticeHandler      *handler.NoticeHandler
	RealtimeHandler    *handler.RealtimeHandler
	UploadHandler      *handler.UploadHandler
	Channels           handler.ChannelLister
	// JWTMiddleware rejects requests without a session; OptionalJWT attaches one when present.
	JWTMiddleware fiber.Handler
	OptionalJWT   fiber.Handler
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	app.Get("/metrics", observability.MetricsHandler())

	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.Channels))

	// Use provided JWT middlewares, or no-ops if nil
	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}
	optionalJWT := deps.OptionalJWT
	if optionalJWT == nil {
		optionalJWT = func(c *fiber.Ctx) error { return c.Next() }
	}

	if deps.AuthHandler != nil {
		deps.AuthHandler.Register(api.Group("/auth"), jwtMiddleware)
	}

	if deps.InteractionHandler != nil {
		interactions := api.Group("/interactions", optionalJWT)
		deps.InteractionHandler.Register(interactions, middleware.RateLimit("interaction_toggle", cfg.RateLimitMax, cfg.RateLimitWindow))
	}

	if deps.ChatHandler != nil {
		deps.ChatHandler.Register(api.Group("/chat", optionalJWT))
	}

	if deps.NoticeHandler != nil {
		deps.NoticeHandler.Register(api.Group("/notices", jwtMiddleware))
	}

	// The websocket gateway checks its access token from the query string.
	if deps.RealtimeHandler != nil {
		deps.RealtimeHandler.Register(api.Group("/realtime"))
	}

	if deps.UploadHandler != nil {
		deps.UploadHandler.Register(api.Group("/uploads", jwtMiddleware))
	}
}
