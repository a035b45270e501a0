package storage

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

// S3MirrorConfig points the mirror at a bucket. Empty credentials use the default chain.
type S3MirrorConfig struct {
	Bucket          string
	Region          string
	Endpoint        string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
}

type objectUploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Mirror copies committed export chunks to object storage.
type S3Mirror struct {
	uploader objectUploader
	bucket   string
	prefix   string
	logger   *zap.Logger
}

// NewS3Mirror loads AWS configuration and builds a multipart-capable uploader.
func NewS3Mirror(ctx context.Context, cfg S3MirrorConfig, logger *zap.Logger) (*S3Mirror, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 mirror bucket required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, awsconfig.WithBaseEndpoint(cfg.Endpoint))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.Endpoint != ""
	})
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = 10 * 1024 * 1024
		u.Concurrency = 3
	})

	return newS3Mirror(uploader, cfg.Bucket, cfg.Prefix, logger), nil
}

func newS3Mirror(uploader objectUploader, bucket, prefix string, logger *zap.Logger) *S3Mirror {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &S3Mirror{
		uploader: uploader,
		bucket:   bucket,
		prefix:   strings.Trim(prefix, "/"),
		logger:   logger,
	}
}

// Key returns the object key for a chunk of downloadID.
func (m *S3Mirror) Key(downloadID string, info FileInfo) string {
	return path.Join(m.prefix, downloadID, info.DisplayName)
}

// Mirror uploads the committed artifact for info. A nil mirror is a no-op.
func (m *S3Mirror) Mirror(ctx context.Context, downloadID string, info FileInfo) error {
	if m == nil {
		return nil
	}
	file, err := os.Open(info.Path)
	if err != nil {
		return fmt.Errorf("open export file for mirror: %w", err)
	}
	defer file.Close() //nolint:errcheck

	key := m.Key(downloadID, info)
	if _, err := m.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(key),
		Body:        file,
		ContentType: aws.String("text/csv"),
	}); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	m.logger.Sugar().Debugw("export chunk mirrored", "download_id", downloadID, "bucket", m.bucket, "key", key)
	return nil
}
