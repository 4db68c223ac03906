package main

import (
	"context"
	"fmt"
	"log"
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

	"github.com/promptvideos/api/internal/auth"
	"github.com/promptvideos/api/internal/client"
	"github.com/promptvideos/api/internal/config"
	"github.com/promptvideos/api/internal/handler"
	"github.com/promptvideos/api/internal/logger"
	"github.com/promptvideos/api/internal/middleware"
	"github.com/promptvideos/api/internal/pipeline"
	"github.com/promptvideos/api/internal/repository"
	"github.com/promptvideos/api/internal/service"
	"github.com/promptvideos/api/internal/thumbnail"
	"github.com/promptvideos/api/internal/watermark"
	ws "github.com/promptvideos/api/internal/websocket"
	"github.com/promptvideos/api/internal/worker"
	"github.com/promptvideos/api/pkg/response"
)

// Task runs may poll for the full processing window; the margin covers
// resolution and thumbnail work after the last poll.
const taskTimeoutMargin = 5 * time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	appLog, err := logger.New(cfg.Server.Env, cfg.Server.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer appLog.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, appLog); err != nil {
		appLog.Fatal("Server stopped", "error", err)
	}
}

func run(ctx context.Context, cfg *config.Config, appLog *logger.Logger) error {
	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		appLog.Warn("Redis not available", "addr", cfg.Redis.Addr, "error", err)
	}

	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()

	storage, closeStorage, err := newStorage(ctx, cfg, appLog)
	if err != nil {
		return err
	}
	defer closeStorage()

	jobs, err := newJobRepository(cfg, appLog)
	if err != nil {
		return err
	}

	provider, err := newProvider(ctx, cfg, storage, appLog)
	if err != nil {
		return err
	}

	// the mock provider writes stand-in bytes that ffmpeg cannot decode
	thumbCfg := cfg.Thumbnail
	if cfg.Provider.Mock {
		thumbCfg.Placeholder = true
	}
	thumbs := thumbnail.NewDeriver(storage, &thumbCfg, appLog)

	hub := ws.NewHub(appLog)
	go hub.Run(ctx)

	enqueuer := service.NewAsynqEnqueuer(asynqClient, cfg.Worker.MaxRetry,
		cfg.Pipeline.MaxProcessing+taskTimeoutMargin, cfg.Sweep.StaleAfter)

	orch := pipeline.NewOrchestrator(
		jobs,
		provider,
		pipeline.NewResolver(storage, pipeline.DefaultStrategies(), appLog),
		thumbs,
		enqueuer,
		hub,
		pipeline.OptionsFromConfig(&cfg.Pipeline),
		appLog,
	)
	if cfg.Watermark.Enabled {
		orch.WithWatermarker(watermark.NewStamper(storage, cfg.Thumbnail.FFmpegPath, &cfg.Watermark, appLog))
	}

	locker := service.NewRedisLocker(redisClient, cfg.Pipeline.LockTTL, cfg.Pipeline.LockWait)
	guard := service.NewDuplicateGuard(jobs, cfg.Pipeline.DedupWindow)
	generation := service.NewGenerationService(jobs, guard, locker, enqueuer, storage,
		client.Tiers(&cfg.Provider), &cfg.Pipeline, appLog)

	videoWorker := worker.NewVideoWorker(orch, thumbs, jobs, enqueuer, cfg.Sweep, appLog)
	srv, err := startWorkerServer(cfg, redisOpt, videoWorker, appLog)
	if err != nil {
		return err
	}
	defer srv.Shutdown()

	scheduler, err := startScheduler(cfg, redisOpt, appLog)
	if err != nil {
		return err
	}
	defer scheduler.Shutdown()

	var verifier auth.TokenVerifier
	if cfg.Auth.Issuer != "" {
		jwks, err := auth.NewJWKSVerifier(&cfg.Auth)
		if err != nil {
			appLog.Warn("JWKS verifier not initialized, accepting legacy tokens only", "issuer", cfg.Auth.Issuer, "error", err)
		} else {
			verifier = jwks
			defer jwks.Close()
		}
	}

	app := newApp(cfg, appLog, appDeps{
		generation:  generation,
		hub:         hub,
		authMW:      middleware.NewAuthMiddleware(verifier, cfg.JWT.Secret),
		rateLimiter: middleware.NewRateLimiter(redisClient, appLog),
		redis:       redisClient,
	})

	go func() {
		<-ctx.Done()
		appLog.Info("Shutting down server")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			appLog.Error("Server shutdown error", "error", err)
		}
	}()

	addr := ":" + cfg.Server.Port
	appLog.Info("Server starting", "addr", addr, "storage", cfg.Storage.Backend, "mock_provider", cfg.Provider.Mock)
	return app.Listen(addr)
}

func newStorage(ctx context.Context, cfg *config.Config, appLog *logger.Logger) (client.StorageGateway, func(), error) {
	switch cfg.Storage.Backend {
	case "gcs":
		gcs, err := client.NewGCSStorage(ctx, &cfg.Storage, appLog)
		if err != nil {
			return nil, nil, err
		}
		return gcs, func() { _ = gcs.Close() }, nil
	case "r2":
		r2, err := client.NewR2Storage(&cfg.Storage.R2)
		if err != nil {
			return nil, nil, err
		}
		appLog.Info("Object storage initialized", "backend", "r2", "bucket", cfg.Storage.R2.BucketName)
		return r2, func() {}, nil
	default:
		appLog.Warn("Using in-memory object storage; objects are lost on restart")
		return client.NewMemoryStorage(cfg.Storage.Bucket), func() {}, nil
	}
}

func newJobRepository(cfg *config.Config, appLog *logger.Logger) (repository.JobRepository, error) {
	if cfg.Database.URL == "" {
		if !cfg.Provider.Mock {
			return nil, fmt.Errorf("DATABASE_URL is required unless VEO_MOCK_MODE is set")
		}
		appLog.Warn("Using in-memory job store")
		return repository.NewMemoryJobRepository(), nil
	}
	db, err := repository.OpenPostgres(&cfg.Database)
	if err != nil {
		return nil, err
	}
	return repository.NewGormJobRepository(db, appLog), nil
}

func newProvider(ctx context.Context, cfg *config.Config, storage client.StorageGateway, appLog *logger.Logger) (client.GenerationProvider, error) {
	if cfg.Provider.Mock {
		appLog.Warn("Veo mock mode enabled")
		return client.NewMockProvider(storage, cfg.Provider.MockPolls), nil
	}
	httpClient, err := client.NewAuthorizedHTTPClient(ctx, &cfg.Provider)
	if err != nil {
		return nil, err
	}
	return client.NewVeoClient(&cfg.Provider, httpClient, appLog), nil
}

func asynqLogLevel(level string) asynq.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return asynq.DebugLevel
	case "warn":
		return asynq.WarnLevel
	case "error":
		return asynq.ErrorLevel
	default:
		return asynq.InfoLevel
	}
}

func startWorkerServer(cfg *config.Config, redisOpt asynq.RedisClientOpt, videoWorker *worker.VideoWorker, appLog *logger.Logger) (*asynq.Server, error) {
	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.Worker.Concurrency,
		Queues: map[string]int{
			service.QueueVideo: 1,
		},
		Logger:   appLog.With("component", "asynq").SugaredLogger,
		LogLevel: asynqLogLevel(cfg.Server.LogLevel),
	})

	mux := asynq.NewServeMux()
	videoWorker.Register(mux)

	if err := srv.Start(mux); err != nil {
		return nil, fmt.Errorf("failed to start worker server: %w", err)
	}
	return srv, nil
}

func startScheduler(cfg *config.Config, redisOpt asynq.RedisClientOpt, appLog *logger.Logger) (*asynq.Scheduler, error) {
	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		Logger:   appLog.With("component", "scheduler").SugaredLogger,
		LogLevel: asynqLogLevel(cfg.Server.LogLevel),
		Location: time.UTC,
	})
	if _, err := scheduler.Register(cfg.Sweep.Cron, service.NewSweepTask(),
		asynq.Queue(service.QueueVideo),
		asynq.MaxRetry(0),
		asynq.Unique(time.Minute),
	); err != nil {
		return nil, fmt.Errorf("failed to register sweep: %w", err)
	}
	if err := scheduler.Start(); err != nil {
		return nil, fmt.Errorf("failed to start scheduler: %w", err)
	}
	return scheduler, nil
}

type appDeps struct {
	generation  *service.GenerationService
	hub         *ws.Hub
	authMW      *middleware.AuthMiddleware
	rateLimiter *middleware.RateLimiter
	redis       *redis.Client
}

func newApp(cfg *config.Config, appLog *logger.Logger, deps appDeps) *fiber.App {
	validate := validator.New()

	app := fiber.New(fiber.Config{
		ErrorHandler: errorHandler(appLog),
		BodyLimit:    1 * 1024 * 1024,
	})

	app.Use(recover.New())
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams}\n"
	}
	app.Use(fiberlogger.New(fiberlogger.Config{
		Format: logFormat,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization," + middleware.HeaderAPIKey,
	}))

	app.Get("/health", func(c *fiber.Ctx) error {
		redisOK := deps.redis.Ping(c.UserContext()).Err() == nil
		status := "ok"
		if !redisOK {
			status = "degraded"
		}
		return c.JSON(fiber.Map{
			"status": status,
			"services": fiber.Map{
				"redis":   redisOK,
				"storage": cfg.Storage.Backend,
				"veoMock": cfg.Provider.Mock,
			},
		})
	})

	generateLimit := deps.rateLimiter.GenerateLimit(cfg.RateLimit.GeneratePerHour)

	videos := handler.NewVideoHandler(deps.generation, validate)
	web := app.Group("/api/videos", deps.authMW.Authenticate())
	web.Post("/generate", generateLimit, videos.Generate)
	web.Get("/:jobId", videos.Status)

	developer := handler.NewDeveloperHandler(deps.generation, validate)
	v1 := app.Group("/api/v1", middleware.APIKeyAuth(cfg.Auth.APIKeys))
	v1.Post("/generate", generateLimit, developer.Generate)
	v1.Get("/videos", developer.List)
	v1.Get("/videos/:jobId/status", developer.Status)

	wsHandler := handler.NewWebSocketHandler(deps.hub, deps.generation)
	app.Get("/ws/jobs/:jobId", wsHandler.Upgrade, wsHandler.Stream())

	return app
}

func errorHandler(appLog *logger.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		message := "Internal Server Error"

		if e, ok := err.(*fiber.Error); ok {
			code = e.Code
			message = e.Message
		} else {
			appLog.Error("Unhandled request error", "path", c.Path(), "error", err)
		}

		return response.Error(c, code, response.CodeServiceError, message, nil)
	}
}

