// Package s3 provides an S3-backed content store.
//
// This package wraps the AWS SDK v2 to store deduplicated catalog blobs under
// hash-derived keys, with multipart uploads for large objects.
//
// # Features
//
//   - Single PutObject for small blobs, multipart upload above a threshold
//   - Optional key prefix so one bucket can hold several catalogs
//   - S3 key validation (path traversal prevention)
//   - S3-compatible endpoints (path-style addressing, custom base endpoint)
//   - Permission probe for operators (write, head, delete of a probe object)
//
// # Authentication
//
// The client uses AWS SDK default credential chain:
//  1. Environment variables (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY)
//  2. Shared credentials file (~/.aws/credentials)
//  3. IAM role (if running on EC2)
//
// # Usage Example
//
//	client, err := s3.New(ctx, s3.Config{
//		Region: "us-east-1",
//		Bucket: "catalog-contents",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	client.SetLogger(logger)
//
//	key, _ := catalogsync.StoreKey(hash)
//	if err := client.Put(ctx, key, data); err != nil {
//		log.Fatal(err)
//	}
//
// # Security
//
// The package validates S3 keys to prevent path traversal attacks:
//   - Rejects keys containing ".."
//   - Rejects keys with absolute paths
//   - Enforces maximum key length (1024 chars)
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// API is the subset of the S3 client the store uses. *s3.Client satisfies it.
type API interface {
	manager.UploadAPIClient
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Client stores blobs in one S3 bucket.
type Client struct {
	api      API
	uploader *manager.Uploader
	cfg      Config
	logger   logrus.FieldLogger
}

// Config holds S3 client configuration.
type Config struct {
	// Region is the AWS region (optional, defaults to us-east-1)
	Region string `yaml:"region"`

	// Bucket is the bucket blobs are written to
	Bucket string `yaml:"bucket"`

	// Prefix is prepended to every key, e.g. "catalog/" (optional)
	Prefix string `yaml:"prefix"`

	// Endpoint overrides the S3 endpoint for S3-compatible services (optional)
	Endpoint string `yaml:"endpoint"`

	// UsePathStyle forces path-style addressing (needed by most S3-compatible services)
	UsePathStyle bool `yaml:"use_path_style"`

	// MultipartThreshold is the size above which uploads use multipart (default: 5MiB)
	MultipartThreshold int64 `yaml:"multipart_threshold"`

	// PartSize is the multipart part size (default and minimum: 5MiB)
	PartSize int64 `yaml:"part_size"`

	// UploadConcurrency is the number of parts uploaded in parallel (default: 5)
	UploadConcurrency int `yaml:"upload_concurrency"`
}

// DefaultConfig returns a default S3 configuration.
func DefaultConfig() Config {
	return Config{
		Region:             "us-east-1",
		Bucket:             "catalog-contents",
		MultipartThreshold: 5 * 1024 * 1024,
		PartSize:           manager.MinUploadPartSize,
		UploadConcurrency:  manager.DefaultUploadConcurrency,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Region == "" {
		c.Region = def.Region
	}
	if c.MultipartThreshold <= 0 {
		c.MultipartThreshold = def.MultipartThreshold
	}
	if c.PartSize < manager.MinUploadPartSize {
		c.PartSize = manager.MinUploadPartSize
	}
	if c.UploadConcurrency <= 0 {
		c.UploadConcurrency = def.UploadConcurrency
	}
}

// New creates a client using the default AWS credential chain.
func New(ctx context.Context, cfg Config) (*Client, error) {
	cfg.applyDefaults()
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	api := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return NewWithAPI(api, cfg), nil
}

// NewWithAPI creates a client over an existing API implementation.
func NewWithAPI(api API, cfg Config) *Client {
	cfg.applyDefaults()
	uploader := manager.NewUploader(api, func(u *manager.Uploader) {
		u.PartSize = cfg.PartSize
		u.Concurrency = cfg.UploadConcurrency
	})
	return &Client{
		api:      api,
		uploader: uploader,
		cfg:      cfg,
		logger:   logrus.StandardLogger(),
	}
}

// SetLogger sets a custom logger for the client.
func (c *Client) SetLogger(logger logrus.FieldLogger) {
	c.logger = logger
}

// Bucket returns the configured bucket.
func (c *Client) Bucket() string {
	return c.cfg.Bucket
}

func (c *Client) objectKey(key string) string {
	return c.cfg.Prefix + key
}

// Put writes data under key. Rewriting a key with the same bytes is safe.
func (c *Client) Put(ctx context.Context, key string, data []byte) error {
	objectKey := c.objectKey(key)
	if err := validateS3Key(objectKey); err != nil {
		return fmt.Errorf("invalid S3 key: %w", err)
	}

	logger := c.logger.WithFields(logrus.Fields{
		"bucket": c.cfg.Bucket,
		"key":    objectKey,
		"size":   humanize.IBytes(uint64(len(data))),
	})

	start := time.Now()
	multipart := int64(len(data)) > c.cfg.MultipartThreshold

	var err error
	if multipart {
		_, err = c.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(c.cfg.Bucket),
			Key:         aws.String(objectKey),
			Body:        bytes.NewReader(data),
			ContentType: aws.String("application/octet-stream"),
		})
	} else {
		_, err = c.api.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(c.cfg.Bucket),
			Key:           aws.String(objectKey),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(int64(len(data))),
			ContentType:   aws.String("application/octet-stream"),
		})
	}
	if err != nil {
		return fmt.Errorf("failed to put object %s: %w", objectKey, err)
	}

	logger.WithFields(logrus.Fields{
		"multipart":   multipart,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("s3 object stored")

	return nil
}

// ObjectExists checks if an object exists in S3.
func (c *Client) ObjectExists(ctx context.Context, key string) (bool, error) {
	_, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.cfg.Bucket),
		Key:    aws.String(c.objectKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check object existence: %w", err)
	}
	return true, nil
}

// GetObjectSize returns the stored size of an object.
func (c *Client) GetObjectSize(ctx context.Context, key string) (int64, error) {
	resp, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.cfg.Bucket),
		Key:    aws.String(c.objectKey(key)),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get object size: %w", err)
	}

	if resp.ContentLength == nil {
		return 0, fmt.Errorf("object has no content length")
	}

	return *resp.ContentLength, nil
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	return strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "404")
}

// validateS3Key validates an S3 key for security.
func validateS3Key(key string) error {
	// Check for empty key
	if key == "" {
		return fmt.Errorf("S3 key cannot be empty")
	}

	// Check length (max 1024 characters)
	if len(key) > 1024 {
		return fmt.Errorf("S3 key too long: %d characters (max 1024)", len(key))
	}

	// Check for path traversal attempts
	if strings.Contains(key, "..") {
		return fmt.Errorf("S3 key contains path traversal: %s", key)
	}

	// Check for absolute paths (should be relative)
	if strings.HasPrefix(key, "/") {
		return fmt.Errorf("S3 key should not start with /: %s", key)
	}

	// Check for null bytes
	if strings.Contains(key, "\x00") {
		return fmt.Errorf("S3 key contains null byte")
	}

	return nil
}
