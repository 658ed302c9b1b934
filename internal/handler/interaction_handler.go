package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/polymath-api/internal/backend"
	"github.com/noah-isme/polymath-api/internal/dto"
	"github.com/noah-isme/polymath-api/internal/models"
	"github.com/noah-isme/polymath-api/internal/service"
	"github.com/noah-isme/polymath-api/internal/utils"
)

// InteractionHandler serves like and bookmark state and toggles.
type InteractionHandler struct {
	store   *service.InteractionStore
	toggler service.InteractionToggler
	logger  zerolog.Logger
}

// NewInteractionHandler constructs an interaction handler.
func NewInteractionHandler(store *service.InteractionStore, toggler service.InteractionToggler, logger zerolog.Logger) *InteractionHandler {
	return &InteractionHandler{
		store:   store,
		toggler: toggler,
		logger:  logger.With().Str("component", "interaction_handler").Logger(),
	}
}

// Register binds the interaction routes. limit guards the toggle endpoints.
func (h *InteractionHandler) Register(router fiber.Router, limit fiber.Handler) {
	router.Get("/:type/:id", h.state)
	router.Post("/:type/:id/like", limit, h.toggle(models.InteractionLike))
	router.Post("/:type/:id/bookmark", limit, h.toggle(models.InteractionBookmark))
}

func (h *InteractionHandler) state(c *fiber.Ctx) error {
	ref := models.NewContentRef(c.Params("id"), c.Params("type"))
	if ref.ContentID == "" {
		return utils.SendError(c, fiber.StatusBadRequest, "content id required")
	}

	ctx := requestContext(c)
	state, err := h.store.Get(ctx, userIDFromContext(c), ref)
	if err != nil {
		requestLogger(h.logger, c).Error().Err(err).Str("content", ref.Key()).Msg("failed to read interaction state")
		return utils.SendError(c, fiber.StatusBadGateway, "could not read interaction state")
	}

	// Counters are re-read on every load so drift from dropped counter calls
	// does not outlive the next view.
	counts, err := h.store.LoadCounts(ctx, ref)
	if errors.Is(err, backend.ErrNotFound) {
		return utils.SendError(c, fiber.StatusNotFound, "content not found")
	}
	if err != nil {
		bound, ok := h.store.Counts(ref)
		if !ok {
			requestLogger(h.logger, c).Error().Err(err).Str("content", ref.Key()).Msg("failed to read counters")
			return utils.SendError(c, fiber.StatusBadGateway, "could not read counters")
		}
		requestLogger(h.logger, c).Warn().Err(err).Str("content", ref.Key()).Msg("serving cached counters")
		counts = bound
	}

	return utils.SendSuccess(c, "interaction state", dto.InteractionResponse{
		ContentID:    ref.ContentID,
		ContentType:  string(ref.Type),
		IsLiked:      state.IsLiked,
		IsBookmarked: state.IsBookmarked,
		Likes:        counts.Likes,
		Bookmarks:    counts.Bookmarks,
	})
}

func (h *InteractionHandler) toggle(kind models.InteractionKind) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ref := models.NewContentRef(c.Params("id"), c.Params("type"))

		result, err := h.toggler.Toggle(requestContext(c), userIDFromContext(c), ref, kind)
		if err != nil {
			switch {
			case errors.Is(err, service.ErrAuthenticationRequired):
				return utils.SendErrorCode(c, fiber.StatusUnauthorized, service.NoticeAuthRequired, "authentication required")
			case errors.Is(err, service.ErrInvalidInteraction):
				return utils.SendError(c, fiber.StatusBadRequest, err.Error())
			case errors.Is(err, service.ErrToggleTimeout):
				return utils.SendErrorCode(c, fiber.StatusGatewayTimeout, service.NoticeTimeout, "request timed out")
			default:
				requestLogger(h.logger, c).Warn().Err(err).Str("content", ref.Key()).Str("kind", string(kind)).Msg("toggle reverted")
				return utils.SendErrorCode(c, fiber.StatusBadGateway, service.NoticeWriteFailed, "could not save your change")
			}
		}

		response := dto.ToggleResponse{
			ContentID:   ref.ContentID,
			ContentType: string(ref.Type),
			Kind:        string(kind),
			Active:      result.Active,
		}
		if result.Bound {
			count := result.Counts.For(kind)
			response.Count = &count
		}
		return utils.SendSuccess(c, "interaction updated", response)
	}
}
