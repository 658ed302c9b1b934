package handler

import (
	"context"
	"strings"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/polymath-api/internal/backend"
	"github.com/noah-isme/polymath-api/internal/middleware"
	"github.com/noah-isme/polymath-api/internal/models"
	"github.com/noah-isme/polymath-api/internal/realtime"
)

// RealtimeHandler bridges backend change events to websocket clients. Each
// connection carries exactly one channel described by its query string.
type RealtimeHandler struct {
	transport backend.Realtime
	auth      backend.Auth
	logger    zerolog.Logger
}

// NewRealtimeHandler constructs the websocket gateway. auth may be nil to
// skip access token checks.
func NewRealtimeHandler(transport backend.Realtime, auth backend.Auth, logger zerolog.Logger) *RealtimeHandler {
	return &RealtimeHandler{
		transport: transport,
		auth:      auth,
		logger:    logger.With().Str("component", "realtime_handler").Logger(),
	}
}

// Register binds the websocket upgrade route.
func (h *RealtimeHandler) Register(router fiber.Router) {
	router.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("request_ctx", requestContext(c))
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	router.Get("/ws", websocket.New(h.handleConnection))
}

func (h *RealtimeHandler) handleConnection(conn *websocket.Conn) {
	spec := backend.EventSpec{
		Event:  backend.EventType(strings.ToUpper(conn.Query("event", string(backend.EventAll)))),
		Schema: conn.Query("schema", backend.DefaultSchema),
		Table:  strings.TrimSpace(conn.Query("table")),
		Filter: strings.TrimSpace(conn.Query("filter")),
	}
	channel := strings.TrimSpace(conn.Query("channel", spec.Key()))

	if !gatewayTable(spec.Table) {
		closeWith(conn, websocket.ClosePolicyViolation, "unknown table")
		return
	}
	if spec.Filter != "" {
		if _, err := backend.ParseFilter(spec.Filter); err != nil {
			closeWith(conn, websocket.ClosePolicyViolation, "invalid filter")
			return
		}
	}

	baseCtx, _ := conn.Locals("request_ctx").(context.Context)
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()

	userID := ""
	if token := conn.Query("access_token"); token != "" && h.auth != nil {
		session, err := h.auth.Verify(ctx, token)
		if err != nil {
			closeWith(conn, websocket.ClosePolicyViolation, "invalid token")
			return
		}
		userID = session.User.ID
	}

	logger := h.logger.With().
		Str("channel", channel).
		Str("table", spec.Table).
		Str("user_id", userID).
		Str("correlation_id", middleware.CorrelationIDFromContext(ctx)).
		Logger()

	var writeMu sync.Mutex
	write := func(frame realtime.Frame) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.WriteJSON(frame); err != nil {
			logger.Debug().Err(err).Msg("failed to write realtime frame")
			cancel()
		}
	}

	sub, err := h.transport.Subscribe(ctx, channel, spec, func(event backend.ChangeEvent) {
		payload, err := realtime.EncodeEvent(event)
		if err != nil {
			logger.Warn().Err(err).Str("event_id", event.ID).Msg("failed to encode change event")
			return
		}
		write(realtime.Frame{Kind: realtime.FrameEvent, Event: payload})
	}, func(status backend.ChannelStatus, statusErr error) {
		frame := realtime.Frame{Kind: realtime.FrameStatus, Status: status}
		if statusErr != nil {
			frame.Error = statusErr.Error()
		}
		write(frame)
	})
	if err != nil {
		logger.Warn().Err(err).Msg("realtime subscribe failed")
		write(realtime.Frame{Kind: realtime.FrameStatus, Status: backend.StatusChannelError, Error: err.Error()})
		return
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			logger.Debug().Err(err).Msg("failed to release realtime channel")
		}
	}()

	logger.Info().Msg("realtime websocket connected")
	// Clients only send control frames; reading detects the disconnect.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	<-ctx.Done()
	logger.Info().Msg("realtime websocket disconnected")
}

func gatewayTable(table string) bool {
	switch table {
	case models.TableChatMessages, models.TableConversations, models.TableChatReactions:
		return true
	}
	if models.IsContentTable(table) {
		return true
	}
	for _, join := range models.JoinTables() {
		if join == table {
			return true
		}
	}
	return false
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	_ = conn.Close()
}
