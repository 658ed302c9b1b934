package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/noah-isme/polymath-api/internal/backend"
	"github.com/noah-isme/polymath-api/internal/database"
	"github.com/noah-isme/polymath-api/internal/middleware"
	"github.com/noah-isme/polymath-api/internal/realtime"
	"github.com/noah-isme/polymath-api/internal/repository"
	"github.com/noah-isme/polymath-api/internal/service"
)

type envelope[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

func decodeResponse(t *testing.T, resp *http.Response, target interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(target))
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

// asUser injects an authenticated principal the way the JWT middleware does.
func asUser(userID string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if userID != "" {
			c.Locals(middleware.LocalUserID, userID)
			c.Locals(middleware.LocalUserEmail, userID+"@example.com")
			c.Locals(middleware.LocalAccessToken, "token-"+userID)
		}
		return c.Next()
	}
}

func jsonRequest(t *testing.T, method, target string, body interface{}) *http.Request {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

func perform(t *testing.T, app *fiber.App, req *http.Request) *http.Response {
	t.Helper()
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

var errBackendDown = errors.New("backend unavailable")

type stack struct {
	db   *gorm.DB
	hub  *realtime.Hub
	rows *repository.RowStore
}

// newStack wires an in-memory database whose row changes fan out through a hub.
func newStack(t *testing.T) stack {
	t.Helper()
	db, err := database.ConnectSQLite("file:" + uuid.NewString() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	hub := realtime.NewHub(testLogger())
	return stack{db: db, hub: hub, rows: repository.NewRowStore(db, hub, testLogger())}
}

// failingRows rejects writes while reads pass through.
type failingRows struct {
	backend.Rows
}

func (failingRows) Insert(context.Context, string, backend.Row) (backend.Row, error) {
	return nil, errBackendDown
}

func (failingRows) Delete(context.Context, string, backend.Filter) error {
	return errBackendDown
}

// droppedCounters loses every counter call.
type droppedCounters struct{}

func (droppedCounters) Call(context.Context, string, backend.CounterArgs) error {
	return errBackendDown
}

type noticeSink struct {
	codes []string
}

func (n *noticeSink) Notify(_ context.Context, userID string, notice service.Notice) service.Notice {
	n.codes = append(n.codes, notice.Code)
	notice.UserID = userID
	return notice
}
