package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/promptvideos/api/internal/config"
	"github.com/promptvideos/api/internal/logger"
)

// GCSStorage implements StorageGateway on a single Google Cloud Storage bucket.
// The generation provider writes its output into the same bucket.
type GCSStorage struct {
	client *storage.Client
	bucket string
	log    *logger.Logger
}

// NewGCSStorage connects with application default credentials, or
// unauthenticated against an emulator when one is configured.
func NewGCSStorage(ctx context.Context, cfg *config.StorageConfig, log *logger.Logger) (*GCSStorage, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("storage bucket is required")
	}

	var opts []option.ClientOption
	if host := strings.TrimRight(strings.TrimSpace(cfg.EmulatorHost), "/"); host != "" {
		_ = os.Setenv("STORAGE_EMULATOR_HOST", host)
		opts = append(opts, option.WithoutAuthentication())
	} else {
		opts = append(opts, option.WithScopes(storage.ScopeReadWrite))
	}

	stClient, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	log.Info("Object storage initialized", "backend", "gcs", "bucket", cfg.Bucket, "emulator_host", cfg.EmulatorHost)
	return &GCSStorage{client: stClient, bucket: cfg.Bucket, log: log.With("service", "GCSStorage")}, nil
}

func (g *GCSStorage) object(path string) *storage.ObjectHandle {
	return g.client.Bucket(g.bucket).Object(ObjectKey(path))
}

func (g *GCSStorage) Exists(ctx context.Context, path string) (bool, error) {
	_, err := g.object(path).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat GCS object: %w", err)
	}
	return true, nil
}

func (g *GCSStorage) Put(ctx context.Context, path string, body io.Reader, contentType string) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	w := g.object(path).NewWriter(ctx)
	if contentType == "" {
		contentType = contentTypeForKey(path)
	}
	w.ContentType = contentType
	if _, err := io.Copy(w, body); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write data to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer: %w", err)
	}
	return nil
}

func (g *GCSStorage) Get(ctx context.Context, path string) ([]byte, error) {
	r, err := g.object(path).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("failed to open GCS object: %w", err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

// Delete removes an object. Deleting a missing object is not an error.
func (g *GCSStorage) Delete(ctx context.Context, path string) error {
	if err := g.object(path).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("failed to delete GCS object: %w", err)
	}
	return nil
}

func (g *GCSStorage) List(ctx context.Context, prefix string) ([]string, error) {
	it := g.client.Bucket(g.bucket).Objects(ctx, &storage.Query{Prefix: ObjectKey(prefix)})
	var keys []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list GCS objects: %w", err)
		}
		keys = append(keys, attrs.Name)
	}
	return keys, nil
}

// SignedReadURL returns a V4 signed GET URL. Signing credentials are detected
// from the client's environment (service account key or IAM signBlob).
func (g *GCSStorage) SignedReadURL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	u, err := g.client.Bucket(g.bucket).SignedURL(ObjectKey(path), &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  http.MethodGet,
		Expires: time.Now().Add(signedURLTTL(ttl)),
	})
	if err != nil {
		return "", fmt.Errorf("failed to sign GCS URL: %w", err)
	}
	return u, nil
}

func (g *GCSStorage) Close() error {
	return g.client.Close()
}
