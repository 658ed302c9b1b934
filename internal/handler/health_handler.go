package handler

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/polymath-api/internal/config"
	"github.com/noah-isme/polymath-api/internal/utils"
)

// HealthResponse is the health probe payload.
type HealthResponse struct {
	Status         string    `json:"status"`
	Timestamp      time.Time `json:"timestamp"`
	Service        string    `json:"service"`
	Environment    string    `json:"environment"`
	Realtime       string    `json:"realtime"`
	Channels       []string  `json:"channels"`
	FailedChannels []string  `json:"failed_channels,omitempty"`
}

// ChannelLister reports the realtime channels held open and those that gave up.
type ChannelLister interface {
	Keys() []string
	Failed() []string
}

// HealthCheck reports "degraded" while any realtime channel has exhausted its
// retries. The probe still answers 200 because HTTP reads keep working.
func HealthCheck(cfg config.Config, channels ChannelLister) fiber.Handler {
	return func(c *fiber.Ctx) error {
		payload := HealthResponse{
			Status:      "ok",
			Timestamp:   time.Now().UTC(),
			Service:     cfg.AppName,
			Environment: cfg.AppEnv,
			Realtime:    cfg.RealtimeDriver,
			Channels:    []string{},
		}
		if channels != nil {
			payload.Channels = append(payload.Channels, channels.Keys()...)
			payload.FailedChannels = channels.Failed()
			if len(payload.FailedChannels) > 0 {
				payload.Status = "degraded"
			}
		}

		return utils.SendSuccess(c, "service healthy", payload)
	}
}
