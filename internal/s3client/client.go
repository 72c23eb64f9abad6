// Package s3client stores run artifacts (attempt records, screenshots, page
// markup) in an S3-compatible bucket. Tests run it against gofakes3.
package s3client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ErrObjectNotFound is returned when a requested artifact does not exist.
var ErrObjectNotFound = errors.New("s3client: object not found")

// Client writes and reads artifacts in one bucket.
type Client struct {
	s3Client   *s3.Client
	bucketName string
	baseURL    string // browsable prefix for artifact links; empty means s3:// URLs
}

// Config configures an artifact bucket.
type Config struct {
	// Endpoint overrides the S3 endpoint for S3-compatible stores.
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	// BaseURL, when set, is used to build links printed in run summaries.
	BaseURL string
	// UsePathStyle is needed by most S3-compatible stores and by gofakes3.
	UsePathStyle bool
}

// New creates a client from cfg.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.BucketName == "" {
		return nil, errors.New("s3client: bucket name is required")
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	sdkConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3client: load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(sdkConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return NewFromS3Client(s3Client, cfg.BucketName, cfg.BaseURL), nil
}

// NewFromS3Client wraps an existing S3 client.
func NewFromS3Client(s3Client *s3.Client, bucketName, baseURL string) *Client {
	return &Client{
		s3Client:   s3Client,
		bucketName: bucketName,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
	}
}

// PutObject stores content under key.
func (c *Client) PutObject(ctx context.Context, key string, content []byte, contentType string) error {
	_, err := c.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucketName),
		Key:           aws.String(key),
		Body:          bytes.NewReader(content),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(content))),
	})
	if err != nil {
		return fmt.Errorf("s3client: put %q: %w", key, err)
	}
	return nil
}

// GetObject returns the content stored under key, or ErrObjectNotFound.
func (c *Client) GetObject(ctx context.Context, key string) ([]byte, error) {
	result, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		var notFound *types.NotFound
		if errors.As(err, &nsk) || errors.As(err, &notFound) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("s3client: get %q: %w", key, err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("s3client: read %q: %w", key, err)
	}
	return data, nil
}

// ListKeys returns every key under prefix in lexical order.
func (c *Client) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(c.s3Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucketName),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3client: list %q: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

// URLFor returns a link to key for run summaries.
func (c *Client) URLFor(key string) string {
	key = strings.TrimPrefix(key, "/")
	if c.baseURL == "" {
		return "s3://" + c.bucketName + "/" + key
	}
	return c.baseURL + "/" + key
}

// BucketName returns the configured bucket.
func (c *Client) BucketName() string {
	return c.bucketName
}
