package handler_test

import (
	"net/http"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/polymath-api/internal/backend"
	"github.com/noah-isme/polymath-api/internal/dto"
	"github.com/noah-isme/polymath-api/internal/handler"
	"github.com/noah-isme/polymath-api/internal/middleware"
	"github.com/noah-isme/polymath-api/internal/service"
)

func newInteractionApp(t *testing.T, rows backend.Rows, procs backend.Procedures, userID string) (*fiber.App, *noticeSink) {
	t.Helper()
	notices := &noticeSink{}
	store := service.NewInteractionStore(rows, testLogger())
	toggler := service.NewInteractionToggler(store, rows, service.NewCounterClient(procs, testLogger()), notices, time.Second, testLogger())

	app := fiber.New()
	group := app.Group("/api/v1/interactions", asUser(userID))
	handler.NewInteractionHandler(store, toggler, testLogger()).Register(group, middleware.RateLimit("toggle", 100, time.Second))
	return app, notices
}

func TestInteractionHandlerToggleRoundTrip(t *testing.T) {
	s := newStack(t)
	require.NoError(t, s.db.Exec("INSERT INTO quotes (id, likes, bookmarks) VALUES ('q1', 5, 0)").Error)
	app, _ := newInteractionApp(t, s.rows, s.rows, "u1")

	resp := perform(t, app, jsonRequest(t, http.MethodGet, "/api/v1/interactions/quote/q1", nil))
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var state envelope[dto.InteractionResponse]
	decodeResponse(t, resp, &state)
	require.Equal(t, "quote", state.Data.ContentType)
	require.False(t, state.Data.IsLiked)
	require.EqualValues(t, 5, state.Data.Likes)

	resp = perform(t, app, jsonRequest(t, http.MethodPost, "/api/v1/interactions/quotes/q1/like", nil))
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var toggled envelope[dto.ToggleResponse]
	decodeResponse(t, resp, &toggled)
	require.True(t, toggled.Data.Active)
	require.NotNil(t, toggled.Data.Count)
	require.EqualValues(t, 6, *toggled.Data.Count)

	var likes int64
	require.NoError(t, s.db.Table("quote_likes").Where("quote_id = ? AND user_id = ?", "q1", "u1").Count(&likes).Error)
	require.EqualValues(t, 1, likes)
	var stored int64
	require.NoError(t, s.db.Table("quotes").Select("likes").Where("id = ?", "q1").Scan(&stored).Error)
	require.EqualValues(t, 6, stored)

	resp = perform(t, app, jsonRequest(t, http.MethodPost, "/api/v1/interactions/quote/q1/like", nil))
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	decodeResponse(t, resp, &toggled)
	require.False(t, toggled.Data.Active)
	require.EqualValues(t, 5, *toggled.Data.Count)

	require.NoError(t, s.db.Table("quote_likes").Where("quote_id = ?", "q1").Count(&likes).Error)
	require.Zero(t, likes)
}

func TestInteractionHandlerRequiresAuthentication(t *testing.T) {
	s := newStack(t)
	app, notices := newInteractionApp(t, s.rows, s.rows, "")

	resp := perform(t, app, jsonRequest(t, http.MethodPost, "/api/v1/interactions/forum/p1/bookmark", nil))
	require.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, []string{service.NoticeAuthRequired}, notices.codes)

	var failure envelope[any]
	decodeResponse(t, resp, &failure)
	require.False(t, failure.Success)
	require.Equal(t, service.NoticeAuthRequired, failure.Code)
}

func TestInteractionHandlerRevertsFailedWrites(t *testing.T) {
	s := newStack(t)
	require.NoError(t, s.db.Exec("INSERT INTO media_items (id, likes, bookmarks) VALUES ('m1', 2, 0)").Error)
	app, notices := newInteractionApp(t, failingRows{Rows: s.rows}, s.rows, "u1")

	resp := perform(t, app, jsonRequest(t, http.MethodPost, "/api/v1/interactions/media/m1/like", nil))
	require.Equal(t, fiber.StatusBadGateway, resp.StatusCode)
	require.Equal(t, []string{service.NoticeWriteFailed}, notices.codes)
	var failure envelope[any]
	decodeResponse(t, resp, &failure)
	require.Equal(t, service.NoticeWriteFailed, failure.Code)

	resp = perform(t, app, jsonRequest(t, http.MethodGet, "/api/v1/interactions/media/m1", nil))
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var state envelope[dto.InteractionResponse]
	decodeResponse(t, resp, &state)
	require.False(t, state.Data.IsLiked)
	require.EqualValues(t, 2, state.Data.Likes)
}

func TestInteractionHandlerReloadsDriftedCounts(t *testing.T) {
	s := newStack(t)
	require.NoError(t, s.db.Exec("INSERT INTO quotes (id, likes, bookmarks) VALUES ('q1', 5, 0)").Error)
	app, _ := newInteractionApp(t, s.rows, droppedCounters{}, "u1")

	resp := perform(t, app, jsonRequest(t, http.MethodGet, "/api/v1/interactions/quote/q1", nil))
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp = perform(t, app, jsonRequest(t, http.MethodPost, "/api/v1/interactions/quote/q1/like", nil))
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var toggled envelope[dto.ToggleResponse]
	decodeResponse(t, resp, &toggled)
	require.True(t, toggled.Data.Active)
	require.EqualValues(t, 6, *toggled.Data.Count)

	// The increment was lost, so the next load shows the stored total.
	resp = perform(t, app, jsonRequest(t, http.MethodGet, "/api/v1/interactions/quote/q1", nil))
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var state envelope[dto.InteractionResponse]
	decodeResponse(t, resp, &state)
	require.True(t, state.Data.IsLiked)
	require.EqualValues(t, 5, state.Data.Likes)

	require.NoError(t, s.db.Exec("UPDATE quotes SET likes = 9 WHERE id = 'q1'").Error)
	resp = perform(t, app, jsonRequest(t, http.MethodGet, "/api/v1/interactions/quote/q1", nil))
	decodeResponse(t, resp, &state)
	require.EqualValues(t, 9, state.Data.Likes)
}

func TestInteractionHandlerUnknownContent(t *testing.T) {
	s := newStack(t)
	app, _ := newInteractionApp(t, s.rows, s.rows, "u1")

	resp := perform(t, app, jsonRequest(t, http.MethodGet, "/api/v1/interactions/wiki/missing", nil))
	require.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}
