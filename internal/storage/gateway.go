package storage

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"distill/internal/services"
)

// Location identifies an object confirmed present in remote storage.
type Location struct {
	Bucket   string
	Key      string
	Endpoint string
}

// URL renders a stable reference for the object.
func (l Location) URL() string {
	return fmt.Sprintf("s3://%s/%s", l.Bucket, l.Key)
}

// Gateway is the object storage surface the pipeline depends on.
type Gateway interface {
	Upload(ctx context.Context, localPath, key string) (Location, error)
	Exists(ctx context.Context, key string) (bool, error)
	Remove(ctx context.Context, key string) error
}

// Config captures the connection settings for the MinIO gateway.
type Config struct {
	Endpoint       string
	AccessKey      string
	SecretKey      string
	Bucket         string
	Prefix         string
	UseSSL         bool
	RequestTimeout time.Duration
}

// MinioGateway implements Gateway against a MinIO/S3 endpoint.
type MinioGateway struct {
	client  *minio.Client
	cfg     Config
	timeout time.Duration
}

// NewMinioGateway builds a gateway from the supplied configuration.
func NewMinioGateway(cfg Config) (*MinioGateway, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" || strings.TrimSpace(cfg.Bucket) == "" {
		return nil, services.Wrap(services.ErrConfiguration, "storage", "connect", "endpoint and bucket are required", nil)
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "storage", "connect", endpoint, err)
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &MinioGateway{client: client, cfg: cfg, timeout: timeout}, nil
}

// EnsureBucket creates the configured bucket when it does not exist yet.
func (g *MinioGateway) EnsureBucket(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	exists, err := g.client.BucketExists(ctx, g.cfg.Bucket)
	if err != nil {
		return services.Wrap(services.ErrTransient, "storage", "ensure bucket", g.cfg.Bucket, err)
	}
	if exists {
		return nil
	}
	if err := g.client.MakeBucket(ctx, g.cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
		return services.Wrap(services.ErrTransient, "storage", "create bucket", g.cfg.Bucket, err)
	}
	return nil
}

// Upload pushes a local file to the bucket under key and confirms the
// object landed before reporting success.
func (g *MinioGateway) Upload(ctx context.Context, localPath, key string) (Location, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	_, err := g.client.FPutObject(ctx, g.cfg.Bucket, key, localPath, minio.PutObjectOptions{
		ContentType: contentTypeFor(localPath),
	})
	if err != nil {
		return Location{}, services.Wrap(services.ErrTransient, "storage", "upload", key, err)
	}

	exists, err := g.Exists(ctx, key)
	if err != nil {
		return Location{}, err
	}
	if !exists {
		return Location{}, services.Wrap(services.ErrTransient, "storage", "upload", "object missing after upload: "+key, nil)
	}
	return Location{Bucket: g.cfg.Bucket, Key: key, Endpoint: g.cfg.Endpoint}, nil
}

// Exists reports whether the object is present in the bucket.
func (g *MinioGateway) Exists(ctx context.Context, key string) (bool, error) {
	_, err := g.client.StatObject(ctx, g.cfg.Bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	response := minio.ToErrorResponse(err)
	if response.Code == "NoSuchKey" || response.Code == "NoSuchBucket" {
		return false, nil
	}
	return false, services.Wrap(services.ErrTransient, "storage", "stat", key, err)
}

// Remove deletes the object. Removing an absent object is not an error.
func (g *MinioGateway) Remove(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	err := g.client.RemoveObject(ctx, g.cfg.Bucket, key, minio.RemoveObjectOptions{})
	if err == nil {
		return nil
	}
	response := minio.ToErrorResponse(err)
	if response.Code == "NoSuchKey" {
		return nil
	}
	return services.Wrap(services.ErrTransient, "storage", "remove", key, err)
}

// ObjectKey derives the bucket key for a processed artifact: the configured
// prefix, tenant and process ids, then the file name.
func ObjectKey(prefix, tenantID, processID, localPath string) string {
	parts := make([]string, 0, 4)
	if prefix = strings.Trim(prefix, "/"); prefix != "" {
		parts = append(parts, prefix)
	}
	parts = append(parts, tenantID, processID, filepath.Base(localPath))
	return path.Join(parts...)
}

func contentTypeFor(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".mp4":
		return "video/mp4"
	case ".mkv":
		return "video/x-matroska"
	case ".mov":
		return "video/quicktime"
	case ".webm":
		return "video/webm"
	case ".wav":
		return "audio/wav"
	default:
		return "application/octet-stream"
	}
}
