package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/promptvideos/api/internal/config"
)

// R2Storage implements StorageGateway on Cloudflare R2 (S3 compatible)
type R2Storage struct {
	s3Client   *s3.Client
	presigner  *s3.PresignClient
	bucketName string
}

// NewR2Storage creates a new R2 storage gateway
func NewR2Storage(cfg *config.R2Config) (*R2Storage, error) {
	if cfg.AccountID == "" || cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, fmt.Errorf("R2 configuration incomplete")
	}

	endpoint := fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID)

	r2Resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
		return aws.Endpoint{
			URL: endpoint,
		}, nil
	})

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithEndpointResolverWithOptions(r2Resolver),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
		awsconfig.WithRegion("auto"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewR2StorageWithClient(s3.NewFromConfig(awsCfg), cfg.BucketName), nil
}

// NewR2StorageWithClient wraps an existing S3 client.
func NewR2StorageWithClient(s3Client *s3.Client, bucketName string) *R2Storage {
	return &R2Storage{
		s3Client:   s3Client,
		presigner:  s3.NewPresignClient(s3Client),
		bucketName: bucketName,
	}
}

func (c *R2Storage) Exists(ctx context.Context, path string) (bool, error) {
	_, err := c.s3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucketName),
		Key:    aws.String(ObjectKey(path)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat R2 object: %w", err)
	}
	return true, nil
}

func (c *R2Storage) Put(ctx context.Context, path string, body io.Reader, contentType string) error {
	key := ObjectKey(path)
	if contentType == "" {
		contentType = contentTypeForKey(key)
	}
	_, err := c.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucketName),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to upload to R2: %w", err)
	}
	return nil
}

func (c *R2Storage) Get(ctx context.Context, path string) ([]byte, error) {
	out, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucketName),
		Key:    aws.String(ObjectKey(path)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("failed to download from R2: %w", err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// Delete removes an object. Deleting a missing key is not an error.
func (c *R2Storage) Delete(ctx context.Context, path string) error {
	_, err := c.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucketName),
		Key:    aws.String(ObjectKey(path)),
	})
	if err != nil && !isS3NotFound(err) {
		return fmt.Errorf("failed to delete from R2: %w", err)
	}
	return nil
}

func (c *R2Storage) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(c.s3Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucketName),
		Prefix: aws.String(ObjectKey(prefix)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list R2 objects: %w", err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

// SignedReadURL generates a presigned GET URL for temporary access
func (c *R2Storage) SignedReadURL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	presignedReq, err := c.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucketName),
		Key:    aws.String(ObjectKey(path)),
	}, s3.WithPresignExpires(signedURLTTL(ttl)))
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}
	return presignedReq.URL, nil
}

func isS3NotFound(err error) bool {
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var re *awshttp.ResponseError
	return errors.As(err, &re) && re.HTTPStatusCode() == 404
}
