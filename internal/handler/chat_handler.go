package handler

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/polymath-api/internal/dto"
	"github.com/noah-isme/polymath-api/internal/middleware"
	"github.com/noah-isme/polymath-api/internal/models"
	"github.com/noah-isme/polymath-api/internal/service"
	"github.com/noah-isme/polymath-api/internal/utils"
)

// ChatHandler exposes conversations, messages and reactions.
type ChatHandler struct {
	feed      service.ChatFeed
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewChatHandler creates a chat handler instance.
func NewChatHandler(feed service.ChatFeed, validator *validator.Validate, logger zerolog.Logger) *ChatHandler {
	return &ChatHandler{
		feed:      feed,
		validator: validator,
		logger:    logger.With().Str("component", "chat_handler").Logger(),
	}
}

// Register binds chat routes under the provided router group.
func (h *ChatHandler) Register(router fiber.Router) {
	router.Get("/conversations", h.conversations)
	router.Get("/conversations/:id/messages", h.history)
	router.Post("/conversations/:id/messages", h.send)
	router.Patch("/messages/:id", middleware.WithAuth(h.edit, middleware.AuthOptions{RequireUser: true, AllowGuests: true}))
	router.Delete("/messages/:id", middleware.WithAuth(h.remove, middleware.AuthOptions{RequireUser: true, AllowGuests: true}))
	router.Post("/messages/:id/reactions", h.react(true))
	router.Delete("/messages/:id/reactions", h.react(false))
}

func (h *ChatHandler) conversations(c *fiber.Ctx) error {
	conversations, err := h.feed.Conversations(requestContext(c))
	if err != nil {
		requestLogger(h.logger, c).Error().Err(err).Msg("failed to list conversations")
		return utils.SendError(c, fiber.StatusBadGateway, "could not load conversations")
	}
	return utils.SendSuccess(c, "conversations", dto.NewConversationResponseSlice(conversations))
}

func (h *ChatHandler) history(c *fiber.Ctx) error {
	conversationID := strings.TrimSpace(c.Params("id"))

	limit, err := parseQueryInt(c, "limit")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid limit")
	}
	query := dto.ChatHistoryQuery{Limit: limit}
	if err := h.validator.Struct(query); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	ctx := requestContext(c)
	if err := h.feed.SwitchConversation(ctx, conversationID); err != nil {
		requestLogger(h.logger, c).Warn().Err(err).Str("conversation_id", conversationID).Msg("live updates unavailable")
	}

	messages, err := h.feed.Load(ctx, conversationID, query.Limit)
	if err != nil {
		requestLogger(h.logger, c).Error().Err(err).Str("conversation_id", conversationID).Msg("failed to load messages")
		return utils.SendError(c, fiber.StatusBadGateway, "could not load messages")
	}
	h.feed.MarkRead(conversationID)

	return utils.SendSuccess(c, "chat history", h.messageResponses(messages))
}

func (h *ChatHandler) send(c *fiber.Ctx) error {
	var payload dto.ChatSendRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}
	if err := h.validator.Struct(payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	sender := h.sender(c, payload.GuestID)
	if name := strings.TrimSpace(payload.SenderName); name != "" {
		sender.Name = name
	}

	message, err := h.feed.Send(requestContext(c), sender, c.Params("id"), payload.Content, service.SendOptions{
		EffectType: payload.EffectType,
		ReplyTo:    payload.ReplyTo,
	})
	if err != nil {
		return h.fail(c, err, "could not send your message")
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "message sent", dto.NewChatMessageResponse(message, nil))
}

func (h *ChatHandler) edit(c *fiber.Ctx) error {
	var payload dto.ChatEditRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}
	if err := h.validator.Struct(payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	messageID := c.Params("id")
	message, err := h.feed.Edit(requestContext(c), h.sender(c, ""), messageID, payload.Content)
	if err != nil {
		return h.fail(c, err, "could not edit your message")
	}

	return utils.SendSuccess(c, "message updated", dto.NewChatMessageResponse(message, h.feed.Reactions().Reactions(messageID)))
}

func (h *ChatHandler) remove(c *fiber.Ctx) error {
	if err := h.feed.Delete(requestContext(c), h.sender(c, ""), c.Params("id")); err != nil {
		return h.fail(c, err, "could not delete your message")
	}
	return utils.SendSuccess(c, "message deleted", nil)
}

func (h *ChatHandler) react(add bool) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var payload dto.ChatReactionRequest
		if err := c.BodyParser(&payload); err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
		}
		if err := h.validator.Struct(payload); err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, err.Error())
		}

		sender := h.sender(c, payload.GuestID)
		engine := h.feed.Reactions()

		var (
			reactions []models.ChatReaction
			err       error
		)
		if add {
			reactions, err = engine.AddReaction(requestContext(c), c.Params("id"), payload.Emoji, sender.UserID)
		} else {
			reactions, err = engine.RemoveReaction(requestContext(c), c.Params("id"), payload.Emoji, sender.UserID)
		}
		if err != nil {
			return h.fail(c, err, "could not update reactions")
		}
		if reactions == nil {
			reactions = []models.ChatReaction{}
		}

		return utils.SendSuccess(c, "reactions updated", reactions)
	}
}

// sender resolves the acting user. Anonymous callers act under their guest
// id, or under a freshly minted one.
func (h *ChatHandler) sender(c *fiber.Ctx, guestID string) service.ChatSender {
	if userID := userIDFromContext(c); userID != "" {
		email, _ := c.Locals(middleware.LocalUserEmail).(string)
		name, _, _ := strings.Cut(email, "@")
		return service.ChatSender{UserID: userID, Name: name, Authenticated: true}
	}

	if guestID == "" {
		guestID = strings.TrimSpace(c.Get(middleware.GuestHeader))
	}
	if !service.IsGuest(guestID) {
		guestID = service.NewGuestID()
	}
	return service.ChatSender{UserID: guestID}
}

func (h *ChatHandler) messageResponses(messages []models.ChatMessage) []dto.ChatMessageResponse {
	engine := h.feed.Reactions()
	out := make([]dto.ChatMessageResponse, 0, len(messages))
	for _, message := range messages {
		var reactions []models.ChatReaction
		if engine != nil {
			reactions = engine.Reactions(message.ID)
		}
		out = append(out, dto.NewChatMessageResponse(message, reactions))
	}
	return out
}

func (h *ChatHandler) fail(c *fiber.Ctx, err error, message string) error {
	switch {
	case errors.Is(err, service.ErrEmptyMessage), errors.Is(err, service.ErrInvalidReaction):
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrNotMessageOwner):
		return utils.SendError(c, fiber.StatusForbidden, err.Error())
	case errors.Is(err, service.ErrMessageNotFound):
		return utils.SendError(c, fiber.StatusNotFound, err.Error())
	default:
		requestLogger(h.logger, c).Error().Err(err).Msg(message)
		return utils.SendError(c, fiber.StatusBadGateway, message)
	}
}
