package e2e

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
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
	ws "github.com/promptvideos/api/internal/websocket"
	"github.com/promptvideos/api/internal/worker"
)

const (
	testJWTSecret = "test-secret-for-e2e"
	testAPIKey    = "test-api-key"
	testUserID    = "test-user-123"
	redisAddr     = "localhost:6379"
	redisDB       = 15 // keep tests away from real data
)

type testApp struct {
	app      *fiber.App
	jobs     *repository.MemoryJobRepository
	storage  *client.MemoryStorage
	provider *client.MockProvider
}

// setupApp wires the same stack as cmd/server with the mock provider, the
// in-memory stores and a real asynq worker on a scratch redis database.
func setupApp(t *testing.T) *testApp {
	t.Helper()
	log := logger.Nop()

	redisClient := redis.NewClient(&redis.Options{Addr: redisAddr, DB: redisDB})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not available at %s: %v", redisAddr, err)
	}
	if err := redisClient.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("flush redis: %v", err)
	}
	t.Cleanup(func() { redisClient.Close() })

	redisOpt := asynq.RedisClientOpt{Addr: redisAddr, DB: redisDB}
	asynqClient := asynq.NewClient(redisOpt)
	t.Cleanup(func() { asynqClient.Close() })

	cfg := &config.Config{
		Pipeline: config.PipelineConfig{
			SubmitAttempts:  3,
			SubmitBackoff:   10 * time.Millisecond,
			MaxBackoff:      50 * time.Millisecond,
			PollInterval:    20 * time.Millisecond,
			MaxPolls:        50,
			PollErrorLimit:  3,
			MaxProcessing:   time.Minute,
			DedupWindow:     10 * time.Minute,
			LeaseDuration:   time.Minute,
			VideoURLTTL:     time.Hour,
			ThumbnailURLTTL: time.Hour,
			LockTTL:         5 * time.Second,
			LockWait:        2 * time.Second,
		},
		Storage:   config.StorageConfig{Backend: "memory"},
		Provider:  config.ProviderConfig{Mock: true, FreeModel: "veo-free", PremModel: "veo-premium", FreeSeconds: 8, PremSeconds: 8},
		Thumbnail: config.ThumbnailConfig{FFmpegPath: "/nonexistent/ffmpeg", Placeholder: true},
		Sweep:     config.SweepConfig{StaleAfter: time.Minute, BatchSize: 10},
	}

	jobs := repository.NewMemoryJobRepository()
	storage := client.NewMemoryStorage("bucket")
	provider := client.NewMockProvider(storage, 2)
	thumbs := thumbnail.NewDeriver(storage, &cfg.Thumbnail, log)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hub := ws.NewHub(log)
	go hub.Run(ctx)

	enqueuer := service.NewAsynqEnqueuer(asynqClient, 1, 2*time.Minute, time.Minute)
	orch := pipeline.NewOrchestrator(jobs, provider, pipeline.NewResolver(storage, pipeline.DefaultStrategies(), log),
		thumbs, enqueuer, hub, pipeline.OptionsFromConfig(&cfg.Pipeline), log)

	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: 4,
		Queues:      map[string]int{service.QueueVideo: 1},
		Logger:      log.SugaredLogger,
	})
	mux := asynq.NewServeMux()
	worker.NewVideoWorker(orch, thumbs, jobs, enqueuer, cfg.Sweep, log).Register(mux)
	if err := srv.Start(mux); err != nil {
		t.Fatalf("start worker: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	generation := service.NewGenerationService(jobs, service.NewDuplicateGuard(jobs, cfg.Pipeline.DedupWindow),
		service.NewRedisLocker(redisClient, cfg.Pipeline.LockTTL, cfg.Pipeline.LockWait),
		enqueuer, storage, client.Tiers(&cfg.Provider), &cfg.Pipeline, log)

	validate := validator.New()
	rateLimiter := middleware.NewRateLimiter(redisClient, log)
	authMiddleware := middleware.NewAuthMiddleware(nil, testJWTSecret)

	app := fiber.New()
	app.Get("/health", func(c *fiber.Ctx) error {
		redisOK := redisClient.Ping(c.UserContext()).Err() == nil
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

	// very high limits so tests don't get blocked
	generateLimit := rateLimiter.GenerateLimit(10000)

	videos := handler.NewVideoHandler(generation, validate)
	web := app.Group("/api/videos", authMiddleware.Authenticate())
	web.Post("/generate", generateLimit, videos.Generate)
	web.Get("/:jobId", videos.Status)

	developer := handler.NewDeveloperHandler(generation, validate)
	v1 := app.Group("/api/v1", middleware.APIKeyAuth(map[string]string{testAPIKey: testUserID}))
	v1.Post("/generate", generateLimit, developer.Generate)
	v1.Get("/videos", developer.List)
	v1.Get("/videos/:jobId/status", developer.Status)

	wsHandler := handler.NewWebSocketHandler(hub, generation)
	app.Get("/ws/jobs/:jobId", wsHandler.Upgrade, wsHandler.Stream())

	return &testApp{app: app, jobs: jobs, storage: storage, provider: provider}
}

// generateToken creates a legacy HMAC JWT for test requests.
func generateToken(t *testing.T) string {
	t.Helper()
	signed, err := auth.SignLegacyToken(testUserID, "test@example.com", testJWTSecret, time.Hour)
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}
	return signed
}

func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return app.Test(req, -1)
}

func doAuthRequest(t *testing.T, app *fiber.App, method, path, body string) (*http.Response, error) {
	t.Helper()
	return doRequest(app, method, path, body, map[string]string{
		"Authorization": "Bearer " + generateToken(t),
	})
}

func doAPIKeyRequest(app *fiber.App, method, path, body string) (*http.Response, error) {
	return doRequest(app, method, path, body, map[string]string{
		middleware.HeaderAPIKey: testAPIKey,
	})
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

// waitForStatus polls the developer status route until the job reaches a
// terminal status or the deadline passes.
func waitForStatus(t *testing.T, app *fiber.App, jobID string, timeout time.Duration) map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		resp, err := doAPIKeyRequest(app, http.MethodGet, "/api/v1/videos/"+jobID+"/status", "")
		if err != nil {
			t.Fatalf("status request failed: %v", err)
		}
		body := parseJSON(t, resp)
		switch body["status"] {
		case "completed", "failed", "content_violation":
			return body
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s still %v after %s", jobID, body["status"], timeout)
		}
		time.Sleep(100 * time.Millisecond)
	}
}
