package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	filePath := os.Getenv(envKey + "_FILE")
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	os.Setenv(envKey, strings.TrimSpace(string(data)))
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Database  DatabaseConfig
	JWT       JWTConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
	Storage   StorageConfig
	Provider  ProviderConfig
	Pipeline  PipelineConfig
	Worker    WorkerConfig
	Thumbnail ThumbnailConfig
	Watermark WatermarkConfig
	Sweep     SweepConfig
}

type ServerConfig struct {
	Port     string
	Env      string
	LogLevel string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// DatabaseConfig selects the job record store. An empty URL keeps records in
// memory, which only makes sense together with the mock provider.
type DatabaseConfig struct {
	URL          string
	MaxOpenConns int
	MaxIdleConns int
	AutoMigrate  bool
}

type JWTConfig struct {
	Secret string
}

type AuthConfig struct {
	Issuer   string
	ClientID string
	// APIKeys maps developer API keys to user ids ("key:user,key2:user2").
	APIKeys map[string]string
}

type RateLimitConfig struct {
	GeneratePerHour int
}

type StorageConfig struct {
	Backend      string // gcs, r2 or memory
	Bucket       string
	EmulatorHost string
	R2           R2Config
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
}

type ProviderConfig struct {
	Mock        bool
	BaseURL     string
	ProjectID   string
	Location    string
	FreeModel   string
	PremModel   string
	FreeSeconds int
	PremSeconds int
	OutputURI   string // storageUri handed to the provider, e.g. gs://bucket/videos/
	Timeout     time.Duration
	MockPolls   int
}

// MaxSignedURLTTL is the longest expiry GCS V4 and S3 SigV4 signing accept.
const MaxSignedURLTTL = 7 * 24 * time.Hour

type PipelineConfig struct {
	SubmitAttempts  int
	SubmitBackoff   time.Duration
	MaxBackoff      time.Duration
	PollInterval    time.Duration
	MaxPolls        int
	PollErrorLimit  int
	MaxProcessing   time.Duration
	DedupWindow     time.Duration
	LeaseDuration   time.Duration
	VideoURLTTL     time.Duration
	ThumbnailURLTTL time.Duration
	LockTTL         time.Duration
	LockWait        time.Duration
}

type WorkerConfig struct {
	Concurrency int
	MaxRetry    int
}

type ThumbnailConfig struct {
	FFmpegPath  string
	SeekSeconds int
	Timeout     time.Duration
	// Placeholder renders a generated still when ffmpeg is not installed.
	Placeholder bool
}

// WatermarkConfig controls the badge burned into free-tier videos. The
// ffmpeg binary is shared with the thumbnail deriver.
type WatermarkConfig struct {
	Enabled bool
	Text    string
	Timeout time.Duration
}

type SweepConfig struct {
	Cron       string
	StaleAfter time.Duration
	BatchSize  int
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("DATABASE_URL")
	readSecret("JWT_SECRET")
	readSecret("API_KEYS")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.AutomaticEnv()

	bindings := map[string]string{
		"server.port":                  "SERVER_PORT",
		"server.env":                   "SERVER_ENV",
		"server.log_level":             "LOG_LEVEL",
		"redis.addr":                   "REDIS_ADDR",
		"redis.password":               "REDIS_PASSWORD",
		"redis.db":                     "REDIS_DB",
		"database.url":                 "DATABASE_URL",
		"database.auto_migrate":        "DATABASE_AUTO_MIGRATE",
		"jwt.secret":                   "JWT_SECRET",
		"auth.issuer":                  "AUTH_ISSUER",
		"auth.client_id":               "AUTH_CLIENT_ID",
		"auth.api_keys":                "API_KEYS",
		"ratelimit.generate_per_hour":  "RATELIMIT_GENERATE_PER_HOUR",
		"storage.backend":              "STORAGE_BACKEND",
		"storage.bucket":               "GCS_BUCKET_NAME",
		"storage.emulator_host":        "STORAGE_EMULATOR_HOST",
		"storage.r2.account_id":        "R2_ACCOUNT_ID",
		"storage.r2.access_key_id":     "R2_ACCESS_KEY_ID",
		"storage.r2.secret_access_key": "R2_SECRET_ACCESS_KEY",
		"storage.r2.bucket_name":       "R2_BUCKET_NAME",
		"provider.mock":                "VEO_MOCK_MODE",
		"provider.base_url":            "VEO_BASE_URL",
		"provider.project_id":          "GOOGLE_CLOUD_PROJECT",
		"provider.location":            "VEO_LOCATION",
		"provider.output_uri":          "VEO_OUTPUT_URI",
		"pipeline.dedup_window":        "DEDUP_WINDOW",
		"pipeline.max_processing":      "MAX_PROCESSING",
		"worker.concurrency":           "WORKER_CONCURRENCY",
		"thumbnail.ffmpeg_path":        "FFMPEG_PATH",
		"thumbnail.placeholder":        "THUMBNAIL_PLACEHOLDER",
		"pipeline.video_url_ttl":       "VIDEO_URL_TTL",
		"pipeline.thumbnail_url_ttl":   "THUMBNAIL_URL_TTL",
		"watermark.enabled":            "WATERMARK_ENABLED",
		"watermark.text":               "WATERMARK_TEXT",
	}
	for key, env := range bindings {
		_ = v.BindEnv(key, env)
	}

	v.SetDefault("server.port", "8000")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("jwt.secret", "change-me-in-production")
	v.SetDefault("ratelimit.generate_per_hour", 20)

	v.SetDefault("storage.backend", "gcs")
	v.SetDefault("storage.bucket", "prompt-veo-videos")

	v.SetDefault("provider.mock", false)
	v.SetDefault("provider.location", "us-central1")
	v.SetDefault("provider.free_model", "veo-2.0-generate-001")
	v.SetDefault("provider.premium_model", "veo-3.0-generate-001")
	v.SetDefault("provider.free_seconds", 8)
	v.SetDefault("provider.premium_seconds", 8)
	v.SetDefault("provider.timeout", 30*time.Second)
	v.SetDefault("provider.mock_polls", 2)

	v.SetDefault("pipeline.submit_attempts", 3)
	v.SetDefault("pipeline.submit_backoff", 2*time.Second)
	v.SetDefault("pipeline.max_backoff", 30*time.Second)
	v.SetDefault("pipeline.poll_interval", 5*time.Second)
	v.SetDefault("pipeline.max_polls", 60)
	v.SetDefault("pipeline.poll_error_limit", 5)
	v.SetDefault("pipeline.max_processing", 30*time.Minute)
	v.SetDefault("pipeline.dedup_window", 10*time.Minute)
	v.SetDefault("pipeline.lease_duration", 2*time.Minute)
	v.SetDefault("pipeline.video_url_ttl", 7*24*time.Hour)
	v.SetDefault("pipeline.thumbnail_url_ttl", MaxSignedURLTTL)
	v.SetDefault("pipeline.lock_ttl", 10*time.Second)
	v.SetDefault("pipeline.lock_wait", 5*time.Second)

	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.max_retry", 5)

	v.SetDefault("thumbnail.ffmpeg_path", "ffmpeg")
	v.SetDefault("thumbnail.seek_seconds", 2)
	v.SetDefault("thumbnail.timeout", 2*time.Minute)
	v.SetDefault("thumbnail.placeholder", false)
	v.SetDefault("watermark.enabled", true)
	v.SetDefault("watermark.text", "prompt-videos.com")
	v.SetDefault("watermark.timeout", 5*time.Minute)

	v.SetDefault("sweep.cron", "@every 1m")
	v.SetDefault("sweep.stale_after", 5*time.Minute)
	v.SetDefault("sweep.batch_size", 50)

	// Try to read config file (optional)
	_ = v.ReadInConfig()

	bucket := v.GetString("storage.bucket")
	outputURI := v.GetString("provider.output_uri")
	if outputURI == "" {
		outputURI = fmt.Sprintf("gs://%s/videos/", bucket)
	}

	apiKeys, err := parseAPIKeys(v.GetString("auth.api_keys"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:     v.GetString("server.port"),
			Env:      v.GetString("server.env"),
			LogLevel: v.GetString("server.log_level"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Database: DatabaseConfig{
			URL:          v.GetString("database.url"),
			MaxOpenConns: v.GetInt("database.max_open_conns"),
			MaxIdleConns: v.GetInt("database.max_idle_conns"),
			AutoMigrate:  v.GetBool("database.auto_migrate"),
		},
		JWT: JWTConfig{
			Secret: v.GetString("jwt.secret"),
		},
		Auth: AuthConfig{
			Issuer:   v.GetString("auth.issuer"),
			ClientID: v.GetString("auth.client_id"),
			APIKeys:  apiKeys,
		},
		RateLimit: RateLimitConfig{
			GeneratePerHour: v.GetInt("ratelimit.generate_per_hour"),
		},
		Storage: StorageConfig{
			Backend:      strings.ToLower(v.GetString("storage.backend")),
			Bucket:       bucket,
			EmulatorHost: v.GetString("storage.emulator_host"),
			R2: R2Config{
				AccountID:       v.GetString("storage.r2.account_id"),
				AccessKeyID:     v.GetString("storage.r2.access_key_id"),
				SecretAccessKey: v.GetString("storage.r2.secret_access_key"),
				BucketName:      v.GetString("storage.r2.bucket_name"),
			},
		},
		Provider: ProviderConfig{
			Mock:        v.GetBool("provider.mock"),
			BaseURL:     v.GetString("provider.base_url"),
			ProjectID:   v.GetString("provider.project_id"),
			Location:    v.GetString("provider.location"),
			FreeModel:   v.GetString("provider.free_model"),
			PremModel:   v.GetString("provider.premium_model"),
			FreeSeconds: v.GetInt("provider.free_seconds"),
			PremSeconds: v.GetInt("provider.premium_seconds"),
			OutputURI:   outputURI,
			Timeout:     v.GetDuration("provider.timeout"),
			MockPolls:   v.GetInt("provider.mock_polls"),
		},
		Pipeline: PipelineConfig{
			SubmitAttempts:  v.GetInt("pipeline.submit_attempts"),
			SubmitBackoff:   v.GetDuration("pipeline.submit_backoff"),
			MaxBackoff:      v.GetDuration("pipeline.max_backoff"),
			PollInterval:    v.GetDuration("pipeline.poll_interval"),
			MaxPolls:        v.GetInt("pipeline.max_polls"),
			PollErrorLimit:  v.GetInt("pipeline.poll_error_limit"),
			MaxProcessing:   v.GetDuration("pipeline.max_processing"),
			DedupWindow:     v.GetDuration("pipeline.dedup_window"),
			LeaseDuration:   v.GetDuration("pipeline.lease_duration"),
			VideoURLTTL:     v.GetDuration("pipeline.video_url_ttl"),
			ThumbnailURLTTL: v.GetDuration("pipeline.thumbnail_url_ttl"),
			LockTTL:         v.GetDuration("pipeline.lock_ttl"),
			LockWait:        v.GetDuration("pipeline.lock_wait"),
		},
		Worker: WorkerConfig{
			Concurrency: v.GetInt("worker.concurrency"),
			MaxRetry:    v.GetInt("worker.max_retry"),
		},
		Thumbnail: ThumbnailConfig{
			FFmpegPath:  v.GetString("thumbnail.ffmpeg_path"),
			SeekSeconds: v.GetInt("thumbnail.seek_seconds"),
			Timeout:     v.GetDuration("thumbnail.timeout"),
			Placeholder: v.GetBool("thumbnail.placeholder"),
		},
		Watermark: WatermarkConfig{
			Enabled: v.GetBool("watermark.enabled"),
			Text:    v.GetString("watermark.text"),
			Timeout: v.GetDuration("watermark.timeout"),
		},
		Sweep: SweepConfig{
			Cron:       v.GetString("sweep.cron"),
			StaleAfter: v.GetDuration("sweep.stale_after"),
			BatchSize:  v.GetInt("sweep.batch_size"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Storage.Backend {
	case "gcs", "r2", "memory":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Pipeline.SubmitAttempts < 1 {
		return fmt.Errorf("pipeline.submit_attempts must be at least 1")
	}
	if c.Pipeline.DedupWindow <= 0 {
		return fmt.Errorf("pipeline.dedup_window must be positive")
	}
	for key, ttl := range map[string]time.Duration{
		"pipeline.video_url_ttl":     c.Pipeline.VideoURLTTL,
		"pipeline.thumbnail_url_ttl": c.Pipeline.ThumbnailURLTTL,
	} {
		if ttl <= 0 || ttl > MaxSignedURLTTL {
			return fmt.Errorf("%s must be between 0 and %s, got %s", key, MaxSignedURLTTL, ttl)
		}
	}
	if !c.Provider.Mock && c.Provider.ProjectID == "" && c.Provider.BaseURL == "" {
		return fmt.Errorf("provider.project_id is required unless VEO_MOCK_MODE is set")
	}
	return nil
}

func parseAPIKeys(raw string) (map[string]string, error) {
	keys := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, user, ok := strings.Cut(pair, ":")
		if !ok || key == "" || user == "" {
			return nil, fmt.Errorf("malformed api key entry %q", pair)
		}
		keys[key] = user
	}
	return keys, nil
}
