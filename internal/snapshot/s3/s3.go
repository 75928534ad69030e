// Package s3 writes snapshots to S3-compatible object storage (MinIO, Ceph,
// localstack and friends) through minio-go.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/keyserver/internal/snapshot"
)

// Config controls the S3 sink.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	// CreateBucket makes EnsureBucket create a missing bucket instead of
	// failing.
	CreateBucket bool
	CustomCreds  *credentials.Credentials
	Transport    http.RoundTripper
}

// Sink uploads snapshots as objects.
type Sink struct {
	client *minio.Client
	cfg    Config
}

// New builds a minio client. Credentials default to the AWS/MinIO
// environment variables, the shared credentials file and IAM, in that order.
func New(cfg Config) (*Sink, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		if cfg.Region != "" {
			endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
		} else {
			endpoint = "s3.amazonaws.com"
		}
	}
	creds := cfg.CustomCreds
	if creds == nil {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}
	transport := cfg.Transport
	if transport == nil {
		transport = defaultTransport()
	}
	options := &minio.Options{
		Creds:     creds,
		Secure:    !cfg.Insecure,
		Region:    cfg.Region,
		Transport: transport,
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	cfg.Endpoint = endpoint
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &Sink{client: client, cfg: cfg}, nil
}

func defaultTransport() http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	clone := base.Clone()
	clone.MaxIdleConnsPerHost = 4
	clone.IdleConnTimeout = 90 * time.Second
	return clone
}

// Config returns the resolved configuration.
func (s *Sink) Config() Config { return s.cfg }

// EnsureBucket checks the bucket exists, creating it when CreateBucket is
// set.
func (s *Sink) EnsureBucket(ctx context.Context) error {
	ok, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("s3: check bucket %s: %w", s.cfg.Bucket, err)
	}
	if ok {
		return nil
	}
	if !s.cfg.CreateBucket {
		return fmt.Errorf("s3: bucket %s does not exist", s.cfg.Bucket)
	}
	if err := s.client.MakeBucket(ctx, s.cfg.Bucket, minio.MakeBucketOptions{Region: s.cfg.Region}); err != nil {
		return fmt.Errorf("s3: create bucket %s: %w", s.cfg.Bucket, err)
	}
	return nil
}

// Put uploads body as Prefix/name.
func (s *Sink) Put(ctx context.Context, name string, body []byte, contentType string) error {
	object := snapshot.JoinPrefix(s.cfg.Prefix, name)
	_, err := s.client.PutObject(ctx, s.cfg.Bucket, object, bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("s3: put %s: %w", object, err)
	}
	return nil
}

// Close is a no-op for the minio client.
func (s *Sink) Close() error { return nil }
