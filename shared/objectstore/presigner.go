// Package objectstore mints time-limited download URLs for objects in an
// S3-compatible bucket (Cloudflare R2 in production).
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Config holds object storage configuration
type Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// Presigner signs GET requests against the configured bucket
type Presigner struct {
	client *s3.PresignClient
	bucket string
	logger *slog.Logger
}

// NewPresigner creates a presigner from static credentials
func NewPresigner(config *Config, logger *slog.Logger) (*Presigner, error) {
	if config.Bucket == "" {
		return nil, errors.New("storage bucket is required")
	}
	if config.AccessKeyID == "" || config.SecretAccessKey == "" {
		return nil, errors.New("storage credentials are required")
	}

	region := config.Region
	if region == "" {
		region = "auto"
	}

	opts := s3.Options{
		Region:       region,
		Credentials:  credentials.NewStaticCredentialsProvider(config.AccessKeyID, config.SecretAccessKey, ""),
		UsePathStyle: config.UsePathStyle,
	}
	if config.Endpoint != "" {
		opts.BaseEndpoint = aws.String(config.Endpoint)
	}

	logger.Info("Object storage presigner initialized",
		slog.String("bucket", config.Bucket),
		slog.String("region", region),
	)

	return &Presigner{
		client: s3.NewPresignClient(s3.New(opts)),
		bucket: config.Bucket,
		logger: logger,
	}, nil
}

// Bucket returns the bucket new files are stored in
func (p *Presigner) Bucket() string {
	return p.bucket
}

// PresignGet returns a URL that allows downloading bucket/key until it expires.
// An empty bucket falls back to the configured one.
func (p *Presigner) PresignGet(ctx context.Context, bucket, key string, expires time.Duration) (string, error) {
	if key == "" {
		return "", errors.New("object key is required")
	}
	if bucket == "" {
		bucket = p.bucket
	}

	req, err := p.client.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expires))
	if err != nil {
		return "", fmt.Errorf("failed to presign object %s in bucket %s: %w", key, bucket, err)
	}

	p.logger.Debug("Presigned download URL",
		slog.String("bucket", bucket),
		slog.String("key", key),
		slog.Duration("expires", expires),
	)
	return req.URL, nil
}
