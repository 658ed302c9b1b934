package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/polymath-api/internal/backend"
	"github.com/noah-isme/polymath-api/internal/dto"
	"github.com/noah-isme/polymath-api/internal/repository"
	"github.com/noah-isme/polymath-api/internal/service"
	"github.com/noah-isme/polymath-api/internal/utils"
)

// AuthHandler exposes sign up, sign in, sign out and session lookup.
type AuthHandler struct {
	sessions service.SessionService
	logger   zerolog.Logger
}

// NewAuthHandler constructs an auth handler.
func NewAuthHandler(sessions service.SessionService, logger zerolog.Logger) *AuthHandler {
	return &AuthHandler{
		sessions: sessions,
		logger:   logger.With().Str("component", "auth_handler").Logger(),
	}
}

// Register binds the public auth routes. protected must resolve the bearer session.
func (h *AuthHandler) Register(router fiber.Router, protected fiber.Handler) {
	router.Post("/signup", h.signUp)
	router.Post("/signin", h.signIn)
	router.Post("/signout", protected, h.signOut)
	router.Get("/session", protected, h.session)
}

func (h *AuthHandler) signUp(c *fiber.Ctx) error {
	var payload dto.AuthCredentialsRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	session, err := h.sessions.SignUp(requestContext(c), payload)
	if err != nil {
		return h.fail(c, err)
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "account created", newSessionResponse(session, true))
}

func (h *AuthHandler) signIn(c *fiber.Ctx) error {
	var payload dto.AuthCredentialsRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	session, err := h.sessions.SignIn(requestContext(c), payload)
	if err != nil {
		return h.fail(c, err)
	}
	return utils.SendSuccess(c, "signed in", newSessionResponse(session, true))
}

func (h *AuthHandler) signOut(c *fiber.Ctx) error {
	if err := h.sessions.SignOut(requestContext(c), accessTokenFromContext(c)); err != nil {
		return h.fail(c, err)
	}
	return utils.SendSuccess(c, "signed out", nil)
}

func (h *AuthHandler) session(c *fiber.Ctx) error {
	session, err := h.sessions.GetSession(requestContext(c), accessTokenFromContext(c))
	if err != nil {
		return h.fail(c, err)
	}
	return utils.SendSuccess(c, "session", newSessionResponse(session, false))
}

func (h *AuthHandler) fail(c *fiber.Ctx, err error) error {
	switch {
	case isValidationError(err):
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	case errors.Is(err, repository.ErrEmailTaken):
		return utils.SendError(c, fiber.StatusConflict, err.Error())
	case errors.Is(err, repository.ErrInvalidCredentials), errors.Is(err, repository.ErrSessionInvalid):
		return utils.SendError(c, fiber.StatusUnauthorized, err.Error())
	default:
		requestLogger(h.logger, c).Error().Err(err).Msg("auth request failed")
		return utils.SendError(c, fiber.StatusInternalServerError, "authentication failed")
	}
}

func newSessionResponse(session backend.Session, withToken bool) dto.SessionResponse {
	response := dto.SessionResponse{
		ExpiresAt: session.ExpiresAt,
		UserID:    session.User.ID,
		Email:     session.User.Email,
	}
	if withToken {
		response.AccessToken = session.AccessToken
	}
	return response
}
