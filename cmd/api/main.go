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

	"github.com/noah-isme/gema-livechat/internal/config"
	"github.com/noah-isme/gema-livechat/internal/database"
	"github.com/noah-isme/gema-livechat/internal/handler"
	"github.com/noah-isme/gema-livechat/internal/middleware"
	"github.com/noah-isme/gema-livechat/internal/notify"
	"github.com/noah-isme/gema-livechat/internal/observability"
	"github.com/noah-isme/gema-livechat/internal/router"
	"github.com/noah-isme/gema-livechat/internal/service"
	"github.com/noah-isme/gema-livechat/internal/session"
	"github.com/noah-isme/gema-livechat/internal/store"
	"github.com/noah-isme/gema-livechat/internal/timeline"
	cloud "github.com/noah-isme/gema-livechat/pkg/cloudinary"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	observability.RegisterMetrics()

	redisClient, err := database.ConnectRedis(cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer redisClient.Close()

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		natsConn, err = database.ConnectNATS(cfg.NATSURL, cfg.AppName, logger)
		if err != nil {
			log.Fatalf("failed to connect to nats: %v", err)
		}
		defer natsConn.Drain()
	}

	var feed store.Feed = store.NewRedisFeed(redisClient, cfg.StorePrefix, logger)
	if cfg.StoreFeed == config.FeedNATS {
		feed = store.NewNATSFeed(natsConn, cfg.StorePrefix, logger)
	}

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	liveStore := store.NewRedisStore(redisClient, store.RedisOptions{Prefix: cfg.StorePrefix, Feed: feed}, logger)
	if err := liveStore.Start(rootCtx); err != nil {
		log.Fatalf("failed to start store: %v", err)
	}

	var dispatcher timeline.Dispatcher
	if natsConn != nil {
		dispatcher = notify.NewPushDispatcher(liveStore, natsConn, notify.PushSubject(cfg.StorePrefix), logger)
	}

	uploader, err := cloud.New(cloud.Config{
		CloudName: cfg.CloudinaryCloudName,
		APIKey:    cfg.CloudinaryAPIKey,
		APISecret: cfg.CloudinaryAPISecret,
		Folder:    cfg.CloudinaryUploadFolder,
	}, logger)
	if err != nil {
		log.Fatalf("failed to create cloudinary client: %v", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	sessions := session.NewManager(session.Dependencies{
		Store:      liveStore,
		Dispatcher: dispatcher,
		Validator:  validate,
		Logger:     logger,
	}, session.Config{
		TypingIdle:       cfg.TypingIdle,
		TypingStaleAfter: cfg.TypingStaleAfter,
		AutoClose:        cfg.NotificationAutoClose,
		AutoRead:         cfg.NotificationAutoRead,
		Buffer:           cfg.SessionBuffer,
		VoiceMaxBytes:    cfg.VoiceMaxKB * 1024,
	})

	uploadService := service.NewUploadService(uploader, cfg.ImageMaxMB, logger)
	groupService := service.NewGroupService(liveStore, validate, logger)
	notificationService := service.NewNotificationService(liveStore, logger)
	pushService := service.NewPushTokenService(liveStore, validate, logger)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
		BodyLimit:    (cfg.ImageMaxMB + 1) * 1024 * 1024,
	})

	middleware.Register(app, middleware.Config{Logger: &logger, AllowOrigins: cfg.CORSOrigins})
	router.Register(app, cfg, router.Dependencies{
		SessionHandler:      handler.NewSessionHandler(sessions, cfg.StreamKeepalive, logger),
		UploadHandler:       handler.NewUploadHandler(uploadService, logger),
		GroupHandler:        handler.NewGroupHandler(groupService, logger),
		NotificationHandler: handler.NewNotificationHandler(notificationService, logger),
		PushHandler:         handler.NewPushHandler(pushService, logger),
		HealthProbes:        healthProbes(redisClient, natsConn),
		JWTMiddleware:       middleware.JWTProtected(cfg.JWTSecret),
		UploadLimiter:       middleware.RateLimit("uploads", 10, time.Minute),
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	waitForShutdown(app, sessions, liveStore)
}

func healthProbes(redisClient *redis.Client, natsConn *nats.Conn) map[string]handler.HealthProbe {
	probes := map[string]handler.HealthProbe{
		"redis": func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
	}
	if natsConn != nil {
		probes["nats"] = func(context.Context) error {
			if !natsConn.IsConnected() {
				return nats.ErrConnectionClosed
			}
			return nil
		}
	}
	return probes
}

func waitForShutdown(app *fiber.App, sessions *session.Manager, liveStore *store.RedisStore) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	sessions.CloseAll()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
	liveStore.Close()

	log.Println("server stopped")
}
