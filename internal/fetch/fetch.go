// Package fetch opens update packages by URL: http(s) over net/http and
// s3://bucket/key through the AWS SDK. It can also publish packages to S3.
package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config configures the S3 client.
type S3Config struct {
	Region           string
	Endpoint         string
	RetryMaxAttempts int
}

// S3API is the subset of the S3 client used here.
type S3API interface {
	manager.UploadAPIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) {
		if c != nil {
			f.http = c
		}
	}
}

// WithS3Client uses client instead of building one from S3Config.
func WithS3Client(client S3API) Option {
	return func(f *Fetcher) {
		f.s3 = client
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// Fetcher opens package URLs.
type Fetcher struct {
	http   *http.Client
	s3cfg  S3Config
	logger *slog.Logger

	mu sync.Mutex
	s3 S3API
}

// New creates a Fetcher. The S3 client is created on first use.
func New(s3cfg S3Config, opts ...Option) *Fetcher {
	f := &Fetcher{
		http:   &http.Client{Timeout: 10 * time.Minute},
		s3cfg:  s3cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Blob is an opened package. Size is -1 when unknown.
type Blob struct {
	io.ReadCloser
	Size int64
}

// Open opens rawURL for reading. Plain paths and file:// URLs are read
// from the local filesystem.
func (f *Fetcher) Open(ctx context.Context, rawURL string) (*Blob, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", rawURL, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return f.openHTTP(ctx, rawURL)
	case "s3":
		return f.openS3(ctx, u)
	case "file":
		return openFile(u.Path)
	case "":
		return openFile(rawURL)
	default:
		return nil, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
}

func openFile(path string) (*Blob, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	return &Blob{ReadCloser: file, Size: info.Size()}, nil
}

func (f *Fetcher) openHTTP(ctx context.Context, rawURL string) (*Blob, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", rawURL, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("failed to fetch %s: %s", rawURL, resp.Status)
	}

	f.logger.Info("fetching package", "url", rawURL, "size", resp.ContentLength)
	return &Blob{ReadCloser: resp.Body, Size: resp.ContentLength}, nil
}

// ParseS3URL splits s3://bucket/key.
func ParseS3URL(rawURL string) (bucket, key string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", err
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("not an s3 url: %q", rawURL)
	}
	bucket = u.Host
	key = strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("s3 url must be s3://bucket/key, got %q", rawURL)
	}
	return bucket, key, nil
}

func (f *Fetcher) openS3(ctx context.Context, u *url.URL) (*Blob, error) {
	bucket, key, err := ParseS3URL(u.String())
	if err != nil {
		return nil, err
	}
	client, err := f.client(ctx)
	if err != nil {
		return nil, err
	}

	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download from S3: %w", err)
	}

	size := int64(-1)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	f.logger.Info("fetching package from S3", "bucket", bucket, "key", key, "size", size)
	return &Blob{ReadCloser: out.Body, Size: size}, nil
}

// Upload publishes the file at localPath to s3://bucket/key.
func (f *Fetcher) Upload(ctx context.Context, localPath, rawURL string, metadata map[string]string) error {
	bucket, key, err := ParseS3URL(rawURL)
	if err != nil {
		return err
	}
	client, err := f.client(ctx)
	if err != nil {
		return err
	}

	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = 16 * 1024 * 1024
	})
	_, err = uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        file,
		ContentType: aws.String("application/zip"),
		Metadata:    metadata,
	})
	if err != nil {
		return fmt.Errorf("failed to upload to S3: %w", err)
	}

	f.logger.Info("uploaded package to S3", "bucket", bucket, "key", key)
	return nil
}

func (f *Fetcher) client(ctx context.Context) (S3API, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.s3 != nil {
		return f.s3, nil
	}
	client, err := NewS3Client(ctx, f.s3cfg, f.logger)
	if err != nil {
		return nil, err
	}
	f.s3 = client
	return client, nil
}

// NewS3Client builds an S3 client from the default AWS configuration
// chain. With a custom endpoint, static credentials from the environment
// and path-style addressing are used.
func NewS3Client(ctx context.Context, cfg S3Config, logger *slog.Logger) (*s3.Client, error) {
	var configOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		configOpts = append(configOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.RetryMaxAttempts > 0 {
		configOpts = append(configOpts,
			awsconfig.WithRetryMaxAttempts(cfg.RetryMaxAttempts),
			awsconfig.WithRetryMode(aws.RetryModeStandard),
		)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, configOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	if cfg.Endpoint == "" {
		return s3.NewFromConfig(awsCfg), nil
	}

	if accessKey := os.Getenv("AWS_ACCESS_KEY_ID"); accessKey != "" {
		if secretKey := os.Getenv("AWS_SECRET_ACCESS_KEY"); secretKey != "" {
			awsCfg.Credentials = credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")
		}
	}
	logger.Info("S3 client initialized with custom endpoint", "endpoint", cfg.Endpoint)
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.Endpoint)
		o.UsePathStyle = true
	}), nil
}
