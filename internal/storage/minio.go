// Package storage mirrors rendered artifacts into an S3 compatible bucket.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// DefaultBucket is used when Options.Bucket is empty.
const DefaultBucket = "icondiff-images"

// Options configures the bucket connection.
type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	Prefix    string
	UseSSL    bool
}

// Minio uploads artifacts to a bucket. It implements cache.Mirror.
type Minio struct {
	client *minio.Client
	bucket string
	prefix string
	logger *slog.Logger
}

// NewMinio connects to the endpoint and makes sure the bucket exists.
func NewMinio(ctx context.Context, opts Options, logger *slog.Logger) (*Minio, error) {
	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" {
		return nil, errors.New("storage endpoint is required")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	bucket := strings.TrimSpace(opts.Bucket)
	if bucket == "" {
		bucket = DefaultBucket
	}
	m := &Minio{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(opts.Prefix, "/"),
		logger: logger,
	}
	if err := m.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Minio) ensureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", m.bucket, err)
	}
	if exists {
		return nil
	}
	m.logger.Info("creating artifact bucket", "bucket", m.bucket)
	if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", m.bucket, err)
	}
	return nil
}

// ObjectName maps a cache relative path to its object key.
func (m *Minio) ObjectName(relPath string) string {
	if m.prefix == "" {
		return relPath
	}
	return path.Join(m.prefix, relPath)
}

// Put uploads the file at localPath under relPath.
func (m *Minio) Put(ctx context.Context, relPath, localPath, contentType string) error {
	name := m.ObjectName(relPath)
	_, err := m.client.FPutObject(ctx, m.bucket, name, localPath, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", name, err)
	}
	m.logger.Debug("mirrored artifact", "bucket", m.bucket, "object", name)
	return nil
}
