package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig locates an S3-compatible bucket holding calibration tables.
type MinioConfig struct {
	Endpoint  string `mapstructure:"endpoint" json:"endpoint,omitempty"`
	AccessKey string `mapstructure:"access_key" json:"access_key,omitempty"`
	SecretKey string `mapstructure:"secret_key" json:"secret_key,omitempty"`
	Region    string `mapstructure:"region" json:"region,omitempty"`
	Bucket    string `mapstructure:"bucket" json:"bucket,omitempty"`
	Prefix    string `mapstructure:"prefix" json:"prefix,omitempty"`
	UseSSL    bool   `mapstructure:"use_ssl" json:"use_ssl,omitempty"`
}

// Validate checks the fields needed to build a client.
func (c MinioConfig) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("bucket is required")
	}
	return nil
}

// MinioStore checks artifacts stored as objects. A calibration table stored as
// a directory tree exists if any object lives under its prefix.
type MinioStore struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewMinioStore builds a client from cfg.
func NewMinioStore(cfg MinioConfig) (*MinioStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: minio client: %w", err)
	}
	return &MinioStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// NewMinioStoreWithClient wraps an existing client.
func NewMinioStoreWithClient(client *minio.Client, bucket, prefix string) (*MinioStore, error) {
	if client == nil {
		return nil, errors.New("storage: minio client is required")
	}
	return &MinioStore{client: client, bucket: bucket, prefix: prefix}, nil
}

// Exists reports whether the object, or any object under it, exists.
func (s *MinioStore) Exists(ctx context.Context, name string) (bool, error) {
	if s == nil || s.client == nil {
		return false, errors.New("storage: minio store not initialized")
	}
	key := objectKey(s.prefix, name)
	if key == "" {
		return false, errors.New("storage: empty artifact name")
	}

	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if code := minio.ToErrorResponse(err).Code; code != "NoSuchKey" && code != "NotFound" {
		return false, fmt.Errorf("storage: stat %s/%s: %w", s.bucket, key, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: key + "/", MaxKeys: 1}) {
		if obj.Err != nil {
			return false, fmt.Errorf("storage: list %s/%s: %w", s.bucket, key, obj.Err)
		}
		return true, nil
	}
	return false, nil
}
