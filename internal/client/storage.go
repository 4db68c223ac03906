package client

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
	"time"

	"github.com/promptvideos/api/internal/config"
)

// ErrObjectNotFound is returned by Get when nothing is stored at the path.
var ErrObjectNotFound = errors.New("object not found")

// StorageGateway is the content store the pipeline reads provider output from
// and writes thumbnails to. Paths are bucket-relative keys; gs:// and s3://
// URIs are accepted and reduced to their key.
type StorageGateway interface {
	Exists(ctx context.Context, path string) (bool, error)
	Put(ctx context.Context, path string, body io.Reader, contentType string) error
	Get(ctx context.Context, path string) ([]byte, error)
	Delete(ctx context.Context, path string) error
	List(ctx context.Context, prefix string) ([]string, error)
	SignedReadURL(ctx context.Context, path string, ttl time.Duration) (string, error)
}

// ObjectKey strips a gs:// or s3:// scheme and bucket from a location.
// Plain keys are returned without a leading slash.
func ObjectKey(location string) string {
	for _, scheme := range []string{"gs://", "s3://"} {
		if rest, ok := strings.CutPrefix(location, scheme); ok {
			if _, key, found := strings.Cut(rest, "/"); found {
				return key
			}
			return ""
		}
	}
	return strings.TrimPrefix(location, "/")
}

// signedURLTTL caps ttl at the longest expiry the stores will sign.
func signedURLTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 || ttl > config.MaxSignedURLTTL {
		return config.MaxSignedURLTTL
	}
	return ttl
}

func contentTypeForKey(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".mp4":
		return "video/mp4"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	default:
		return "application/octet-stream"
	}
}
