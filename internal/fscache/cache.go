package fscache

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

// FileSystem is a handle on one storage root (a local directory or an S3
// bucket). Paths are relative to the root.
type FileSystem interface {
	Scheme() string
	Open(ctx context.Context, path string) (io.ReadCloser, error)
}

type Config struct {
	S3Region          string
	S3Endpoint        string
	S3AccessKeyID     string
	S3SecretAccessKey string
}

// Cache hands out one FileSystem per scheme and host, created on first use.
type Cache struct {
	Config

	mu          sync.Mutex
	filesystems map[string]FileSystem
	logger      *zap.Logger
}

func New(config Config) *Cache {
	return &Cache{
		Config:      config,
		filesystems: make(map[string]FileSystem),
		logger:      zap.L().Named("fs-cache"),
	}
}

// Get returns the filesystem that serves uri. A bare path is treated as a
// file:// uri.
func (c *Cache) Get(ctx context.Context, uri string) (FileSystem, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid filesystem uri %q: %w", uri, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme == "" {
		scheme = "file"
	}
	key := scheme + "://" + u.Host

	c.mu.Lock()
	defer c.mu.Unlock()
	if fs, ok := c.filesystems[key]; ok {
		return fs, nil
	}

	var fs FileSystem
	switch scheme {
	case "file":
		fs = localFS{}
	case "s3":
		if u.Host == "" {
			return nil, fmt.Errorf("s3 uri %q has no bucket", uri)
		}
		fs, err = c.newS3(ctx, u.Host)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported filesystem scheme: %s", scheme)
	}
	c.filesystems[key] = fs
	c.logger.Info("opened filesystem", zap.String("fs", key))
	return fs, nil
}

// Len returns the number of cached filesystems.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.filesystems)
}

func (c *Cache) newS3(ctx context.Context, bucket string) (*s3FS, error) {
	region := c.S3Region
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if c.S3AccessKeyID != "" && c.S3SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(c.S3AccessKeyID, c.S3SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var client *s3.Client
	if c.S3Endpoint != "" {
		client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(c.S3Endpoint)
			o.UsePathStyle = true
		})
	} else {
		client = s3.NewFromConfig(awsCfg)
	}
	return &s3FS{client: client, bucket: bucket}, nil
}

type localFS struct{}

func (localFS) Scheme() string { return "file" }

func (localFS) Open(_ context.Context, path string) (io.ReadCloser, error) {
	return os.Open(filepath.Clean(path))
}

type s3FS struct {
	client *s3.Client
	bucket string
}

func (*s3FS) Scheme() string { return "s3" }

func (f *s3FS) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(strings.TrimPrefix(path, "/")),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 get %s/%s: %w", f.bucket, path, err)
	}
	return out.Body, nil
}
