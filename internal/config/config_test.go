package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("VEO_MOCK_MODE", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != "8000" || cfg.Storage.Backend != "gcs" {
		t.Errorf("unexpected defaults %+v %+v", cfg.Server, cfg.Storage)
	}
	if cfg.Pipeline.DedupWindow != 10*time.Minute || cfg.Pipeline.MaxProcessing != 30*time.Minute {
		t.Errorf("unexpected pipeline defaults %+v", cfg.Pipeline)
	}
	if cfg.Provider.OutputURI != "gs://prompt-veo-videos/videos/" {
		t.Errorf("output uri should derive from the bucket, got %s", cfg.Provider.OutputURI)
	}
	if cfg.Pipeline.VideoURLTTL != 7*24*time.Hour || cfg.Pipeline.ThumbnailURLTTL != MaxSignedURLTTL {
		t.Errorf("unexpected url ttls %v %v", cfg.Pipeline.VideoURLTTL, cfg.Pipeline.ThumbnailURLTTL)
	}
	if !cfg.Watermark.Enabled || cfg.Watermark.Text == "" {
		t.Errorf("unexpected watermark defaults %+v", cfg.Watermark)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("VEO_MOCK_MODE", "true")
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("STORAGE_BACKEND", "R2")
	t.Setenv("DEDUP_WINDOW", "15m")
	t.Setenv("API_KEYS", "k1:user-1, k2:user-2")
	t.Setenv("THUMBNAIL_PLACEHOLDER", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != "9090" || cfg.Storage.Backend != "r2" || cfg.Pipeline.DedupWindow != 15*time.Minute {
		t.Errorf("env not applied: %+v", cfg)
	}
	if cfg.Auth.APIKeys["k1"] != "user-1" || cfg.Auth.APIKeys["k2"] != "user-2" {
		t.Errorf("unexpected api keys %v", cfg.Auth.APIKeys)
	}
	if !cfg.Thumbnail.Placeholder {
		t.Error("placeholder flag not applied")
	}
}

func TestLoadReadsSecretFiles(t *testing.T) {
	t.Setenv("VEO_MOCK_MODE", "true")
	path := filepath.Join(t.TempDir(), "jwt")
	if err := os.WriteFile(path, []byte("from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("JWT_SECRET", "")
	t.Setenv("JWT_SECRET_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.JWT.Secret != "from-file" {
		t.Errorf("expected secret from file, got %q", cfg.JWT.Secret)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown backend", map[string]string{"VEO_MOCK_MODE": "true", "STORAGE_BACKEND": "ftp"}},
		{"provider project required", map[string]string{"VEO_MOCK_MODE": "false", "GOOGLE_CLOUD_PROJECT": ""}},
		{"malformed api keys", map[string]string{"VEO_MOCK_MODE": "true", "API_KEYS": "no-user"}},
		{"zero dedup window", map[string]string{"VEO_MOCK_MODE": "true", "DEDUP_WINDOW": "0s"}},
		{"thumbnail url past signing limit", map[string]string{"VEO_MOCK_MODE": "true", "THUMBNAIL_URL_TTL": "720h"}},
		{"video url past signing limit", map[string]string{"VEO_MOCK_MODE": "true", "VIDEO_URL_TTL": "169h"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestParseAPIKeys(t *testing.T) {
	keys, err := parseAPIKeys("")
	if err != nil || len(keys) != 0 {
		t.Errorf("empty input: %v %v", keys, err)
	}
	keys, err = parseAPIKeys("a:1,,b:2")
	if err != nil || keys["a"] != "1" || keys["b"] != "2" {
		t.Errorf("unexpected %v %v", keys, err)
	}
	if _, err := parseAPIKeys("a:"); err == nil {
		t.Error("missing user should fail")
	}
}
