// Package aws writes snapshots to Amazon S3 with the AWS SDK v2.
package aws

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithy "github.com/aws/smithy-go"

	"pkt.systems/keyserver/internal/snapshot"
)

const opTimeout = 30 * time.Second

// Config controls the AWS sink.
type Config struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string
	Insecure bool
	// ForcePathStyle addresses buckets as endpoint/bucket, which S3
	// emulators need.
	ForcePathStyle bool
	// Static credentials. When AccessKeyID is empty the default AWS
	// credential chain applies.
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// Sink uploads snapshots with PutObject.
type Sink struct {
	client *s3.Client
	cfg    Config
}

// New loads the AWS configuration and builds an S3 client.
func New(ctx context.Context, cfg Config) (*Sink, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("aws: bucket is required")
	}
	if cfg.Region == "" {
		return nil, errors.New("aws: region is required")
	}
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		// A BuildableClient lets LoadDefaultConfig attach AWS_CA_BUNDLE.
		awsconfig.WithHTTPClient(awshttp.NewBuildableClient().WithTimeout(opTimeout)),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("aws: load config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle
		if cfg.Endpoint == "" {
			return
		}
		endpoint := cfg.Endpoint
		if !strings.Contains(endpoint, "://") {
			scheme := "https"
			if cfg.Insecure {
				scheme = "http"
			}
			endpoint = scheme + "://" + endpoint
		}
		o.BaseEndpoint = aws.String(endpoint)
	})
	return &Sink{client: client, cfg: cfg}, nil
}

// Config returns the resolved configuration.
func (s *Sink) Config() Config { return s.cfg }

// BucketExists reports whether the bucket is reachable.
func (s *Sink) BucketExists(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.cfg.Bucket)})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("aws: head bucket %s: %w", s.cfg.Bucket, err)
	}
	return true, nil
}

// Put uploads body as Prefix/name.
func (s *Sink) Put(ctx context.Context, name string, body []byte, contentType string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	key := snapshot.JoinPrefix(s.cfg.Prefix, name)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("aws: put %s: %w", key, err)
	}
	return nil
}

// Close is a no-op for the SDK client.
func (s *Sink) Close() error { return nil }

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchBucket", "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}
