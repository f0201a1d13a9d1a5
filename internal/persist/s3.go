package persist

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

type S3Config struct {
	Bucket      string `yaml:"bucket"`
	Region      string `yaml:"region"`
	AccessKeyID string `yaml:"access_key_id"` // optional, uses default credentials if empty
	SecretKey   string `yaml:"secret_key"`
	Endpoint    string `yaml:"endpoint"` // custom endpoint (MinIO, etc.)
	Prefix      string `yaml:"prefix"`   // e.g. "reports"
}

// S3Sink writes <prefix>/<style>.txt objects.
type S3Sink struct {
	cfg    S3Config
	client *s3.Client
	logger *zap.Logger
}

func NewS3Sink(ctx context.Context, cfg S3Config, logger *zap.Logger) (*S3Sink, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to load AWS config: %w", err)
	}

	s3Opts := []func(*s3.Options){}
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return &S3Sink{
		cfg:    cfg,
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		logger: logger.Named("persist.s3"),
	}, nil
}

// Key returns the object key for style.
func (s *S3Sink) Key(style string) string {
	prefix := strings.Trim(s.cfg.Prefix, "/")
	if prefix == "" {
		return ObjectName(style)
	}
	return path.Join(prefix, ObjectName(style))
}

func (s *S3Sink) Write(ctx context.Context, text, style string) error {
	key := s.Key(style)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        strings.NewReader(text),
		ContentType: aws.String("text/plain; charset=utf-8"),
	})
	if err != nil {
		return fmt.Errorf("s3: put %s: %w", key, err)
	}

	s.logger.Debug("report uploaded",
		zap.String("bucket", s.cfg.Bucket),
		zap.String("key", key),
		zap.Int("bytes", len(text)),
	)
	return nil
}
