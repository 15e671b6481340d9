package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig selects the bucket on an S3-compatible endpoint.
type MinioConfig struct {
	Endpoint  string `mapstructure:"endpoint" validate:"required"`
	Bucket    string `mapstructure:"bucket" validate:"required"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	// Prefix is prepended to every object path.
	Prefix string `mapstructure:"prefix"`
	// CreateBucket makes the bucket when it does not exist yet.
	CreateBucket bool `mapstructure:"create_bucket"`
}

// objectAPI is the subset of *minio.Client the store uses.
type objectAPI interface {
	PutObject(ctx context.Context, bucket, object string, r io.Reader, size int64, opts miniogo.PutObjectOptions) (miniogo.UploadInfo, error)
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts miniogo.MakeBucketOptions) error
}

var _ Store = (*MinioStore)(nil)

// MinioStore writes blobs as objects in one bucket.
type MinioStore struct {
	client objectAPI
	cfg    MinioConfig
	logger *slog.Logger
}

// NewMinioStore connects to the endpoint and, when configured, creates the
// bucket.
func NewMinioStore(ctx context.Context, cfg MinioConfig, logger *slog.Logger) (*MinioStore, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, errors.New("minio endpoint and bucket are required")
	}
	client, err := miniogo.New(cfg.Endpoint, &miniogo.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("creating minio client: %w", err)
	}
	return newMinioStore(ctx, client, cfg, logger)
}

func newMinioStore(ctx context.Context, client objectAPI, cfg MinioConfig, logger *slog.Logger) (*MinioStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CreateBucket {
		exists, err := client.BucketExists(ctx, cfg.Bucket)
		if err != nil {
			return nil, fmt.Errorf("checking bucket %s: %w", cfg.Bucket, err)
		}
		if !exists {
			if err := client.MakeBucket(ctx, cfg.Bucket, miniogo.MakeBucketOptions{Region: cfg.Region}); err != nil {
				return nil, fmt.Errorf("creating bucket %s: %w", cfg.Bucket, err)
			}
			logger.Info("created bucket", "bucket", cfg.Bucket)
		}
	}
	return &MinioStore{client: client, cfg: cfg, logger: logger}, nil
}

func (s *MinioStore) objectKey(p string) (string, error) {
	clean, err := cleanPath(p)
	if err != nil {
		return "", err
	}
	if s.cfg.Prefix == "" {
		return clean, nil
	}
	return s.cfg.Prefix + "/" + clean, nil
}

func (s *MinioStore) Put(ctx context.Context, p, contentType string, data []byte) (string, error) {
	key, err := s.objectKey(p)
	if err != nil {
		return "", err
	}
	info, err := s.client.PutObject(ctx, s.cfg.Bucket, key, bytes.NewReader(data), int64(len(data)),
		miniogo.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("uploading %s: %w", key, err)
	}
	s.logger.Debug("uploaded object", "bucket", s.cfg.Bucket, "key", key, "size", info.Size)
	return "s3://" + s.cfg.Bucket + "/" + key, nil
}
