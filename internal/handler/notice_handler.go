package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/polymath-api/internal/observability"
	"github.com/noah-isme/polymath-api/internal/service"
	"github.com/noah-isme/polymath-api/internal/utils"
)

// NoticeHandler streams user notices over server-sent events.
type NoticeHandler struct {
	notices   service.NoticeService
	logger    zerolog.Logger
	keepAlive time.Duration
}

// NewNoticeHandler constructs a handler instance.
func NewNoticeHandler(notices service.NoticeService, logger zerolog.Logger, keepAlive time.Duration) *NoticeHandler {
	return &NoticeHandler{
		notices:   notices,
		logger:    logger.With().Str("component", "notice_handler").Logger(),
		keepAlive: keepAlive,
	}
}

// Register binds the notice routes.
func (h *NoticeHandler) Register(router fiber.Router) {
	router.Get("/stream", h.stream)
}

func (h *NoticeHandler) stream(c *fiber.Ctx) error {
	userID := userIDFromContext(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	ctx, cancel := context.WithCancel(requestContext(c))
	stream, cleanup := h.notices.Subscribe(userID)

	keepAliveInterval := h.keepAlive
	if keepAliveInterval <= 0 {
		keepAliveInterval = 30 * time.Second
	}

	observability.SSEClientsActive().Inc()
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() {
			cleanup()
			cancel()
			observability.SSEClientsActive().Dec()
		}()

		ticker := time.NewTicker(keepAliveInterval)
		defer ticker.Stop()

		for {
			select {
			case notice, ok := <-stream:
				if !ok {
					return
				}
				if err := writeNoticeEvent(w, notice); err != nil {
					h.logger.Debug().Err(err).Msg("failed to write notice event")
					return
				}
			case <-ticker.C:
				if err := writeKeepAlive(w); err != nil {
					h.logger.Debug().Err(err).Msg("failed to write notice keepalive")
					return
				}
			case <-ctx.Done():
				return
			}
		}
	})

	return nil
}

func writeNoticeEvent(w *bufio.Writer, notice service.Notice) error {
	payload, err := json.Marshal(notice)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "id: %s\nevent: notice\n", notice.ID); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	return w.Flush()
}

func writeKeepAlive(w *bufio.Writer) error {
	if _, err := fmt.Fprintf(w, ": keep-alive %s\n\n", time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	return w.Flush()
}
