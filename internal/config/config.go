package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Realtime transports.
const (
	RealtimeHub   = "hub"
	RealtimeRedis = "redis"
	RealtimeNATS  = "nats"
)

// Config holds runtime configuration values for the API service.
type Config struct {
	AppName                string
	AppEnv                 string
	AppPort                string
	DatabaseDriver         string
	DatabaseURL            string
	RedisURL               string
	NATSURL                string
	RealtimeDriver         string
	ChannelBase            string
	JWTSecret              string
	TokenTTL               time.Duration
	ToggleTimeout          time.Duration
	SubscribeTimeout       time.Duration
	RetryAttempts          int
	RetryBaseDelay         time.Duration
	UploadBucket           string
	UploadMaxMB            int
	CloudinaryCloudName    string
	CloudinaryAPIKey       string
	CloudinaryAPISecret    string
	CloudinaryUploadFolder string
	RateLimitMax           int
	RateLimitWindow        time.Duration
	NoticeKeepAlive        time.Duration
	InteractionCacheTTL    time.Duration
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// CloudinaryEnabled reports whether object storage credentials are present.
func (c Config) CloudinaryEnabled() bool {
	return c.CloudinaryCloudName != "" && c.CloudinaryAPIKey != "" && c.CloudinaryAPISecret != ""
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("POLYMATH")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "Polymath API")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("realtime.driver", RealtimeHub)
	v.SetDefault("realtime.channel", "polymath")
	v.SetDefault("jwt.ttl", "24h")
	v.SetDefault("interaction.timeout", "10s")
	v.SetDefault("realtime.subscribe_timeout", "10s")
	v.SetDefault("realtime.retry_attempts", 3)
	v.SetDefault("realtime.retry_base_delay", "1s")
	v.SetDefault("upload.bucket", "media")
	v.SetDefault("upload.max_mb", 10)
	v.SetDefault("cloudinary.folder", "polymath")
	v.SetDefault("rate_limit.max", 30)
	v.SetDefault("rate_limit.window", "1s")
	v.SetDefault("notice.keepalive", "30s")
	v.SetDefault("interaction.cache_ttl", "30m")

	durations := map[string]*time.Duration{}
	cfg := Config{
		AppName:                v.GetString("app.name"),
		AppEnv:                 v.GetString("app.env"),
		AppPort:                v.GetString("app.port"),
		DatabaseDriver:         strings.ToLower(v.GetString("database.driver")),
		DatabaseURL:            v.GetString("database.url"),
		RedisURL:               v.GetString("redis.url"),
		NATSURL:                v.GetString("nats.url"),
		RealtimeDriver:         strings.ToLower(v.GetString("realtime.driver")),
		ChannelBase:            v.GetString("realtime.channel"),
		JWTSecret:              v.GetString("jwt.secret"),
		RetryAttempts:          v.GetInt("realtime.retry_attempts"),
		UploadBucket:           v.GetString("upload.bucket"),
		UploadMaxMB:            v.GetInt("upload.max_mb"),
		CloudinaryCloudName:    v.GetString("cloudinary.cloud_name"),
		CloudinaryAPIKey:       v.GetString("cloudinary.api_key"),
		CloudinaryAPISecret:    v.GetString("cloudinary.api_secret"),
		CloudinaryUploadFolder: v.GetString("cloudinary.folder"),
		RateLimitMax:           v.GetInt("rate_limit.max"),
	}
	durations["jwt.ttl"] = &cfg.TokenTTL
	durations["interaction.timeout"] = &cfg.ToggleTimeout
	durations["realtime.subscribe_timeout"] = &cfg.SubscribeTimeout
	durations["realtime.retry_base_delay"] = &cfg.RetryBaseDelay
	durations["rate_limit.window"] = &cfg.RateLimitWindow
	durations["notice.keepalive"] = &cfg.NoticeKeepAlive
	durations["interaction.cache_ttl"] = &cfg.InteractionCacheTTL

	for key, target := range durations {
		parsed, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		if parsed <= 0 {
			return Config{}, fmt.Errorf("%s must be positive", key)
		}
		*target = parsed
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}
	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("database url must be provided")
	}

	switch cfg.RealtimeDriver {
	case RealtimeHub:
	case RealtimeRedis:
		if cfg.RedisURL == "" {
			return Config{}, fmt.Errorf("redis realtime driver requires a redis url")
		}
	case RealtimeNATS:
		if cfg.NATSURL == "" {
			return Config{}, fmt.Errorf("nats realtime driver requires a nats url")
		}
	default:
		return Config{}, fmt.Errorf("unsupported realtime driver %q", cfg.RealtimeDriver)
	}

	if cfg.RetryAttempts < 0 {
		cfg.RetryAttempts = 0
	}
	if cfg.UploadMaxMB <= 0 {
		cfg.UploadMaxMB = 10
	}
	if cfg.RateLimitMax <= 0 {
		cfg.RateLimitMax = 30
	}

	return cfg, nil
}
