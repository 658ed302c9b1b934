package handler_test

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/polymath-api/internal/dto"
	"github.com/noah-isme/polymath-api/internal/handler"
	"github.com/noah-isme/polymath-api/internal/middleware"
	"github.com/noah-isme/polymath-api/internal/models"
	"github.com/noah-isme/polymath-api/internal/repository"
	"github.com/noah-isme/polymath-api/internal/service"
)

const testUserHeader = "X-Test-User"

func newChatApp(t *testing.T) (*fiber.App, stack) {
	t.Helper()
	s := newStack(t)
	notices := &noticeSink{}

	reactions := service.NewReactionEngine(repository.NewReactionRepository(s.rows), notices, testLogger())
	manager := service.NewRealtimeManager(s.hub, notices, service.RealtimeOptions{}, testLogger())
	feed := service.NewChatFeed(repository.NewChatRepository(s.rows), reactions, manager, notices, testLogger())
	_, err := feed.EnsureGlobal(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = feed.Close() })

	app := fiber.New()
	group := app.Group("/api/v1/chat", func(c *fiber.Ctx) error {
		if userID := c.Get(testUserHeader); userID != "" {
			c.Locals(middleware.LocalUserID, userID)
			c.Locals(middleware.LocalUserEmail, userID+"@example.com")
		}
		return c.Next()
	})
	handler.NewChatHandler(feed, validator.New(), testLogger()).Register(group)
	return app, s
}

func chatRequest(t *testing.T, method, target, userID string, body interface{}) *http.Request {
	req := jsonRequest(t, method, target, body)
	if strings.HasPrefix(userID, service.GuestPrefix) {
		req.Header.Set("X-Guest-ID", userID)
	} else if userID != "" {
		req.Header.Set(testUserHeader, userID)
	}
	return req
}

func TestChatHandlerSendAndHistory(t *testing.T) {
	app, s := newChatApp(t)

	resp := perform(t, app, chatRequest(t, http.MethodPost, "/api/v1/chat/conversations/global/messages", "u1", dto.ChatSendRequest{Content: "hello <b>world</b>"}))
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	var sent envelope[dto.ChatMessageResponse]
	decodeResponse(t, resp, &sent)
	require.Equal(t, "u1", sent.Data.UserID)
	require.Equal(t, "u1", sent.Data.SenderName)
	require.False(t, sent.Data.Pending)

	var stored int64
	require.NoError(t, s.db.Table(models.TableChatMessages).Where("id = ?", sent.Data.ID).Count(&stored).Error)
	require.EqualValues(t, 1, stored)

	resp = perform(t, app, chatRequest(t, http.MethodGet, "/api/v1/chat/conversations/global/messages?limit=20", "", nil))
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var history envelope[[]dto.ChatMessageResponse]
	decodeResponse(t, resp, &history)
	require.Len(t, history.Data, 1)
	require.Equal(t, sent.Data.ID, history.Data[0].ID)
	require.Empty(t, history.Data[0].Reactions)

	resp = perform(t, app, chatRequest(t, http.MethodGet, "/api/v1/chat/conversations", "", nil))
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var conversations envelope[[]dto.ConversationResponse]
	decodeResponse(t, resp, &conversations)
	require.Len(t, conversations.Data, 1)
	require.True(t, conversations.Data[0].IsGlobal)
	require.Equal(t, sent.Data.Content, conversations.Data[0].LastMessage)
}

func TestChatHandlerGuestMessagesStayPending(t *testing.T) {
	app, s := newChatApp(t)

	resp := perform(t, app, chatRequest(t, http.MethodPost, "/api/v1/chat/conversations/global/messages", "", dto.ChatSendRequest{Content: "hi", SenderName: "Visitor"}))
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	var sent envelope[dto.ChatMessageResponse]
	decodeResponse(t, resp, &sent)
	require.True(t, sent.Data.Pending)
	require.True(t, service.IsGuest(sent.Data.UserID))
	require.Equal(t, "Visitor", sent.Data.SenderName)

	var stored int64
	require.NoError(t, s.db.Table(models.TableChatMessages).Count(&stored).Error)
	require.Zero(t, stored)

	// The guest keeps ownership of the local message through its guest id.
	resp = perform(t, app, chatRequest(t, http.MethodPatch, "/api/v1/chat/messages/"+sent.Data.ID, sent.Data.UserID, dto.ChatEditRequest{Content: "hi again"}))
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestChatHandlerRejectsEmptyContent(t *testing.T) {
	app, _ := newChatApp(t)

	resp := perform(t, app, chatRequest(t, http.MethodPost, "/api/v1/chat/conversations/global/messages", "u1", dto.ChatSendRequest{Content: "<script>alert(1)</script>"}))
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp = perform(t, app, chatRequest(t, http.MethodPost, "/api/v1/chat/conversations/global/messages", "u1", dto.ChatSendRequest{}))
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestChatHandlerEditAndDeleteOwnership(t *testing.T) {
	app, _ := newChatApp(t)

	resp := perform(t, app, chatRequest(t, http.MethodPost, "/api/v1/chat/conversations/global/messages", "u1", dto.ChatSendRequest{Content: "draft"}))
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	var sent envelope[dto.ChatMessageResponse]
	decodeResponse(t, resp, &sent)
	target := "/api/v1/chat/messages/" + sent.Data.ID

	resp = perform(t, app, chatRequest(t, http.MethodPatch, target, "", dto.ChatEditRequest{Content: "hijack"}))
	require.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	resp = perform(t, app, chatRequest(t, http.MethodPatch, target, "u2", dto.ChatEditRequest{Content: "hijack"}))
	require.Equal(t, fiber.StatusForbidden, resp.StatusCode)

	resp = perform(t, app, chatRequest(t, http.MethodPatch, target, "u1", dto.ChatEditRequest{Content: "final"}))
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var edited envelope[dto.ChatMessageResponse]
	decodeResponse(t, resp, &edited)
	require.True(t, edited.Data.IsEdited)
	require.Equal(t, "final", edited.Data.Content)

	resp = perform(t, app, chatRequest(t, http.MethodDelete, target, "u2", nil))
	require.Equal(t, fiber.StatusForbidden, resp.StatusCode)

	resp = perform(t, app, chatRequest(t, http.MethodDelete, target, "u1", nil))
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp = perform(t, app, chatRequest(t, http.MethodDelete, target, "u1", nil))
	require.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestChatHandlerReactionsAreIdempotent(t *testing.T) {
	app, s := newChatApp(t)

	resp := perform(t, app, chatRequest(t, http.MethodPost, "/api/v1/chat/conversations/global/messages", "u1", dto.ChatSendRequest{Content: "react to me"}))
	var sent envelope[dto.ChatMessageResponse]
	decodeResponse(t, resp, &sent)
	target := "/api/v1/chat/messages/" + sent.Data.ID + "/reactions"

	for i := 0; i < 2; i++ {
		resp = perform(t, app, chatRequest(t, http.MethodPost, target, "u2", dto.ChatReactionRequest{Emoji: "👍"}))
		require.Equal(t, fiber.StatusOK, resp.StatusCode)
		var reactions envelope[[]models.ChatReaction]
		decodeResponse(t, resp, &reactions)
		require.Len(t, reactions.Data, 1)
		require.Equal(t, 1, reactions.Data[0].Count)
		require.Equal(t, []string{"u2"}, reactions.Data[0].Users)
	}

	var stored int64
	require.NoError(t, s.db.Table(models.TableChatReactions).Count(&stored).Error)
	require.EqualValues(t, 1, stored)

	resp = perform(t, app, chatRequest(t, http.MethodDelete, target, "u2", dto.ChatReactionRequest{Emoji: "👍"}))
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var reactions envelope[[]models.ChatReaction]
	decodeResponse(t, resp, &reactions)
	require.Empty(t, reactions.Data)

	resp = perform(t, app, chatRequest(t, http.MethodPost, target, "u2", dto.ChatReactionRequest{}))
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}
