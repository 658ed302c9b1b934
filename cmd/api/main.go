package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/polymath-api/internal/backend"
	"github.com/noah-isme/polymath-api/internal/config"
	"github.com/noah-isme/polymath-api/internal/database"
	"github.com/noah-isme/polymath-api/internal/handler"
	"github.com/noah-isme/polymath-api/internal/middleware"
	"github.com/noah-isme/polymath-api/internal/models"
	"github.com/noah-isme/polymath-api/internal/realtime"
	"github.com/noah-isme/polymath-api/internal/repository"
	"github.com/noah-isme/polymath-api/internal/router"
	"github.com/noah-isme/polymath-api/internal/service"
	cloud "github.com/noah-isme/polymath-api/pkg/cloudinary"
)

// transport is both ends of the change feed.
type transport interface {
	backend.Realtime
	backend.ChangeSink
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", cfg.AppName).Logger()

	db, err := database.Connect(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = database.ConnectRedis(context.Background(), cfg.RedisURL)
		if err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		defer redisClient.Close()
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		natsConn, err = nats.Connect(cfg.NATSURL, nats.Name(cfg.AppName))
		if err != nil {
			log.Fatalf("failed to connect to nats: %v", err)
		}
		defer natsConn.Close()
	}

	var feed transport
	switch cfg.RealtimeDriver {
	case config.RealtimeRedis:
		feed = realtime.NewRedisBroker(redisClient, cfg.ChannelBase, cfg.SubscribeTimeout, logger)
	case config.RealtimeNATS:
		feed = realtime.NewNATSBroker(natsConn, cfg.ChannelBase, cfg.SubscribeTimeout, logger)
	default:
		feed = realtime.NewHub(logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	validate := validator.New(validator.WithRequiredStructEnabled())

	rows := repository.NewRowStore(db, feed, logger)
	authRepo := repository.NewAuthRepository(db, redisClient, cfg.JWTSecret, cfg.TokenTTL)

	notices := service.NewNoticeService(redisClient, cfg.ChannelBase, natsConn, logger)
	notices.Start(ctx)

	store := service.NewInteractionStore(rows, logger)
	go store.RunPruner(ctx, cfg.InteractionCacheTTL/2, cfg.InteractionCacheTTL)
	counters := service.NewCounterClient(rows, logger)
	toggler := service.NewInteractionToggler(store, rows, counters, notices, cfg.ToggleTimeout, logger)

	manager := service.NewRealtimeManager(feed, notices, service.RealtimeOptions{
		Retry:            service.RetryPolicy{MaxAttempts: cfg.RetryAttempts, BaseDelay: cfg.RetryBaseDelay},
		SubscribeTimeout: cfg.SubscribeTimeout,
	}, logger)

	reactions := service.NewReactionEngine(repository.NewReactionRepository(rows), notices, logger)
	chatFeed := service.NewChatFeed(repository.NewChatRepository(rows), reactions, manager, notices, logger)
	if _, err := chatFeed.EnsureGlobal(ctx); err != nil {
		log.Fatalf("failed to prepare global conversation: %v", err)
	}

	dispatcher := service.NewDispatcher(logger)
	for _, table := range models.JoinTables() {
		dispatcher.Handle(table, func(event backend.ChangeEvent) { store.ApplyRecordEvent(event) })
	}
	for _, table := range contentTables() {
		dispatcher.Handle(table, func(event backend.ChangeEvent) { store.ApplyCounterEvent(event) })
	}
	dispatcher.Handle(models.TableConversations, func(event backend.ChangeEvent) { chatFeed.ApplyConversationEvent(event) })
	dispatcher.Handle(models.TableChatReactions, func(event backend.ChangeEvent) { reactions.ApplyEvent(event) })
	if _, err := manager.OpenTables(ctx, dispatcher); err != nil {
		logger.Warn().Err(err).Msg("some realtime channels failed to open")
	}

	sessions := service.NewSessionService(authRepo, validate, logger)
	sessions.OnAuthStateChange(func(event service.AuthEvent) {
		logger.Info().Str("event", string(event.Type)).Str("user_id", event.Session.User.ID).Msg("auth state changed")
	})

	var uploadHandler *handler.UploadHandler
	if cfg.CloudinaryEnabled() {
		storage, err := cloud.New(cloud.Config{
			CloudName: cfg.CloudinaryCloudName,
			APIKey:    cfg.CloudinaryAPIKey,
			APISecret: cfg.CloudinaryAPISecret,
			Folder:    cfg.CloudinaryUploadFolder,
		}, logger)
		if err != nil {
			log.Fatalf("failed to create cloudinary client: %v", err)
		}
		uploads := service.NewUploadService(storage, repository.NewUploadRepository(db), cfg.UploadBucket, cfg.UploadMaxMB, logger)
		uploadHandler = handler.NewUploadHandler(uploads, logger)
	} else {
		logger.Warn().Msg("cloudinary credentials missing; uploads disabled")
	}

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	middleware.Register(app, middleware.Config{Logger: &logger, AccessLog: cfg.AppEnv == "development"})
	router.Register(app, cfg, router.Dependencies{
		AuthHandler:        handler.NewAuthHandler(sessions, logger),
		InteractionHandler: handler.NewInteractionHandler(store, toggler, logger),
		ChatHandler:        handler.NewChatHandler(chatFeed, validate, logger),
		NoticeHandler:      handler.NewNoticeHandler(notices, logger, cfg.NoticeKeepAlive),
		RealtimeHandler:    handler.NewRealtimeHandler(feed, authRepo, logger),
		UploadHandler:      uploadHandler,
		Channels:           manager,
		JWTMiddleware:      middleware.JWTProtected(authRepo),
		OptionalJWT:        middleware.JWTOptional(authRepo),
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	waitForShutdown(app, func() {
		cancel()
		if err := chatFeed.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close chat feed")
		}
		if err := manager.CloseAll(); err != nil {
			logger.Warn().Err(err).Msg("failed to close realtime channels")
		}
	})
}

func contentTables() []string {
	seen := make(map[string]struct{})
	tables := make([]string, 0)
	for _, tag := range models.ContentTags() {
		table := models.TablesFor(tag).ContentTable
		if _, ok := seen[table]; ok {
			continue
		}
		seen[table] = struct{}{}
		tables = append(tables, table)
	}
	return tables
}

func waitForShutdown(app *fiber.App, release func()) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
	release()

	log.Println("server stopped")
}
