package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/creative-design-platform/export-service/internal/auth"
	"github.com/creative-design-platform/export-service/internal/client"
	"github.com/creative-design-platform/export-service/internal/config"
	"github.com/creative-design-platform/export-service/internal/encoder"
	"github.com/creative-design-platform/export-service/internal/handler"
	"github.com/creative-design-platform/export-service/internal/logging"
	"github.com/creative-design-platform/export-service/internal/middleware"
	"github.com/creative-design-platform/export-service/internal/notify"
	"github.com/creative-design-platform/export-service/internal/queue"
	"github.com/creative-design-platform/export-service/internal/render"
	"github.com/creative-design-platform/export-service/internal/service"
	"github.com/creative-design-platform/export-service/internal/store"
	ws "github.com/creative-design-platform/export-service/internal/websocket"
	"github.com/creative-design-platform/export-service/internal/worker"
	"github.com/creative-design-platform/export-service/pkg/response"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := logging.New(cfg.Log)
	ctx := context.Background()

	// Redis is optional in local queue mode
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.WithError(err).Warn("redis not available")
		}
		defer redisClient.Close()
	}

	var jobs store.JobStore = store.NewMemoryStore()
	if redisClient != nil {
		jobs = store.NewRedisStore(redisClient, cfg.Queue.Retention)
	} else {
		logger.Info("redis disabled, jobs are kept in memory")
	}

	dispatcher := newDispatcher(cfg, logger)

	// Initialize WebSocket hub
	hub := ws.NewHub(logger)
	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go hub.Run(hubCtx)

	notifiers := notify.Multi{hub}
	if cfg.Webhook.URL != "" {
		webhook := notify.NewWebhookNotifier(notify.WebhookConfig{
			URL:     cfg.Webhook.URL,
			Secret:  cfg.Webhook.Secret,
			Timeout: time.Duration(cfg.Webhook.Timeout) * time.Second,
			Logger:  logger,
		})
		defer webhook.Close()
		notifiers = append(notifiers, webhook)
	}

	storage, storageName, err := newStorage(cfg)
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize output storage")
	}
	logger.WithField("storage", storageName).Info("output storage ready")

	var resolver client.SceneResolver
	sceneClient := client.NewSceneClient(&cfg.Design)
	if sceneClient.IsConfigured() {
		resolver = sceneClient
	} else {
		logger.Warn("design service not configured, only scenes registered in-process resolve")
		resolver = client.NewStaticResolver()
	}

	pool := render.NewPool(cfg.Render.PoolSize, render.RasterFactory(render.RasterConfig{
		MaxPixels: cfg.Render.MaxPixels,
		MaxFrames: cfg.Render.MaxFrames,
	}))
	encoders := encoder.DefaultRegistry(encoder.Options{
		MinQuality:  cfg.Render.MinQuality,
		QualityStep: cfg.Render.QualityStep,
		FFmpegPath:  cfg.Render.FFmpegPath,
	})

	exportWorker := worker.NewExportWorker(
		jobs, pool, encoders, resolver,
		client.NewOutputStore(storage),
		notifiers,
		worker.Config{FormatTimeout: cfg.Render.FormatTimeout},
		logger,
	)
	exportService := service.NewExportService(jobs, dispatcher, exportWorker, notifiers, service.Config{
		MaxAttempts:        cfg.Queue.MaxAttempts,
		Backoff:            queue.Backoff{Base: cfg.Queue.BackoffBase, Max: cfg.Queue.BackoffMax},
		LivenessTimeout:    cfg.Queue.LivenessTimeout,
		StallCheckInterval: cfg.Queue.StallCheckInterval,
	}, logger)
	if err := exportService.Start(ctx); err != nil {
		logger.WithError(err).Fatal("failed to start export service")
	}

	// Zitadel JWKS verifier is optional; legacy HMAC tokens still work
	var tokenVerifier auth.TokenVerifier
	if cfg.Zitadel.Issuer != "" {
		jwksVerifier, err := auth.NewJWKSVerifier(ctx, &cfg.Zitadel)
		if err != nil {
			logger.WithError(err).Warn("JWKS verifier not initialized")
		} else {
			defer jwksVerifier.Close()
			tokenVerifier = jwksVerifier
		}
	}
	authMiddleware := middleware.NewAuthMiddleware(tokenVerifier, cfg.JWT.Secret)

	var apiAuth fiber.Handler
	if cfg.Gateway.Enabled {
		// Behind Traefik: auth is handled by ForwardAuth, read X-User-* headers
		logger.Info("gateway mode enabled, using header-based auth")
		apiAuth = middleware.GatewayAuthMiddleware()
	} else {
		apiAuth = authMiddleware.Authenticate()
	}

	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    10 * 1024 * 1024,
	})

	app.Use(recover.New())
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${reqHeaders}\n"
	}
	app.Use(fiberlogger.New(fiberlogger.Config{
		Format: logFormat,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	handler.Routes{
		Exports: handler.NewExportHandler(exportService, validator.New()),
		Health: handler.NewHealthHandler(pool, map[string]bool{
			"redis":   redisClient != nil,
			"asynq":   cfg.Queue.Mode == config.QueueModeAsynq,
			"r2":      storageName == "r2",
			"design":  sceneClient.IsConfigured(),
			"webhook": cfg.Webhook.URL != "",
			"ffmpeg":  cfg.Render.FFmpegPath != "",
			"auth":    tokenVerifier != nil || cfg.JWT.Secret != "" || cfg.Gateway.Enabled,
		}),
		Auth:        handler.NewAuthHandler(authMiddleware),
		Hub:         hub,
		APIAuth:     apiAuth,
		SubmitLimit: middleware.NewRateLimiter(redisClient).ExportLimit(cfg.RateLimit.ExportPerHour),
	}.Register(app)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		logger.Info("shutting down server")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			logger.WithError(err).Error("server shutdown error")
		}
	}()

	addr := ":" + cfg.Server.Port
	logger.WithField("addr", addr).Info("server starting")
	if err := app.Listen(addr); err != nil {
		logger.WithError(err).Error("server error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Queue.ShutdownTimeout+5*time.Second)
	defer cancel()
	if err := exportService.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("export service did not drain in time")
	}
	if err := pool.Close(); err != nil {
		logger.WithError(err).Warn("failed to close render pool")
	}
}

func newDispatcher(cfg *config.Config, logger *logrus.Logger) queue.Dispatcher {
	if cfg.Queue.Mode != config.QueueModeAsynq {
		return queue.NewLocalDispatcher(cfg.Queue.Concurrency, cfg.Queue.ShutdownTimeout, logger)
	}

	asynqLogLevel := asynq.InfoLevel
	if strings.EqualFold(cfg.Log.Level, "debug") {
		asynqLogLevel = asynq.DebugLevel
	} else if strings.EqualFold(cfg.Log.Level, "warn") {
		asynqLogLevel = asynq.WarnLevel
	} else if strings.EqualFold(cfg.Log.Level, "error") {
		asynqLogLevel = asynq.ErrorLevel
	}

	return queue.NewAsynqDispatcher(queue.AsynqConfig{
		Redis: asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		Concurrency:     cfg.Queue.Concurrency,
		ShutdownTimeout: cfg.Queue.ShutdownTimeout,
		LogLevel:        asynqLogLevel,
		Logger:          logger,
	})
}

// newStorage prefers R2 and falls back to the local directory
func newStorage(cfg *config.Config) (client.StorageClient, string, error) {
	if cfg.R2.Configured() {
		r2, err := client.NewR2Client(&cfg.R2)
		if err != nil {
			return nil, "", err
		}
		return r2, "r2", nil
	}
	fs, err := client.NewFileStorage(cfg.Storage.LocalDir, cfg.Storage.PublicURL)
	if err != nil {
		return nil, "", err
	}
	return fs, "local", nil
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
		message = e.Message
	}

	return response.Error(c, code, response.CodeServiceError, message, nil)
}
