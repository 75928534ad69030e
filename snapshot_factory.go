package keyserver

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	minioCredentials "github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/keyserver/internal/pathutil"
	"pkt.systems/keyserver/internal/snapshot"
	awssink "pkt.systems/keyserver/internal/snapshot/aws"
	azuresink "pkt.systems/keyserver/internal/snapshot/azure"
	"pkt.systems/keyserver/internal/snapshot/disk"
	"pkt.systems/keyserver/internal/snapshot/memory"
	redissink "pkt.systems/keyserver/internal/snapshot/redis"
	s3sink "pkt.systems/keyserver/internal/snapshot/s3"
)

const sinkProbeTimeout = 10 * time.Second

// CredentialSummary describes which credentials were selected for object storage.
type CredentialSummary struct {
	AccessKey string
	HasSecret bool
	Source    string
}

// openSnapshotSink resolves cfg.SnapshotStore into a connected sink. An empty
// store yields a nil sink.
func openSnapshotSink(ctx context.Context, cfg Config) (snapshot.Sink, error) {
	if cfg.SnapshotStore == "" {
		return nil, nil
	}
	u, err := url.Parse(cfg.SnapshotStore)
	if err != nil {
		return nil, fmt.Errorf("parse snapshot store URL: %w", err)
	}
	probeCtx, cancel := context.WithTimeout(ctx, sinkProbeTimeout)
	defer cancel()
	switch u.Scheme {
	case "mem", "memory":
		return memory.New(), nil
	case "disk":
		diskCfg, err := BuildDiskConfig(cfg)
		if err != nil {
			return nil, err
		}
		return disk.New(diskCfg)
	case "s3":
		s3cfg, _, err := BuildGenericS3Config(cfg)
		if err != nil {
			return nil, err
		}
		sink, err := s3sink.New(s3cfg)
		if err != nil {
			return nil, err
		}
		if err := sink.EnsureBucket(probeCtx); err != nil {
			return nil, fmt.Errorf("snapshot store connectivity check failed: %w", err)
		}
		return sink, nil
	case "aws":
		awscfg, _, err := BuildAWSConfig(cfg)
		if err != nil {
			return nil, err
		}
		sink, err := awssink.New(ctx, awscfg)
		if err != nil {
			return nil, err
		}
		exists, err := sink.BucketExists(probeCtx)
		if err != nil {
			return nil, fmt.Errorf("snapshot store connectivity check failed: %w", err)
		}
		if !exists {
			return nil, fmt.Errorf("snapshot store bucket %s does not exist", awscfg.Bucket)
		}
		return sink, nil
	case "azure":
		azureCfg, err := BuildAzureConfig(cfg)
		if err != nil {
			return nil, err
		}
		return azuresink.New(probeCtx, azureCfg)
	case "redis", "rediss":
		redisCfg, err := BuildRedisConfig(cfg)
		if err != nil {
			return nil, err
		}
		return redissink.New(probeCtx, redisCfg)
	default:
		return nil, fmt.Errorf("snapshot store scheme %q not supported", u.Scheme)
	}
}

// BuildDiskConfig parses disk:///abs/path URLs. A leading ~ is expanded.
func BuildDiskConfig(cfg Config) (disk.Config, error) {
	u, err := url.Parse(cfg.SnapshotStore)
	if err != nil {
		return disk.Config{}, fmt.Errorf("parse snapshot store URL: %w", err)
	}
	if u.Scheme != "disk" {
		return disk.Config{}, fmt.Errorf("snapshot store scheme %q is not disk", u.Scheme)
	}
	raw := u.Path
	if host := strings.TrimSpace(u.Host); host != "" {
		raw = host + "/" + strings.TrimPrefix(raw, "/")
		if host != "~" {
			raw = "/" + raw
		}
	}
	if strings.Trim(raw, "/") == "" {
		return disk.Config{}, errors.New("disk snapshot store path required (e.g. disk:///var/lib/keyserver/snapshots)")
	}
	root, err := pathutil.Absolute(raw)
	if err != nil {
		return disk.Config{}, err
	}
	return disk.Config{Root: root}, nil
}

// BuildGenericS3Config parses s3://host[:port]/bucket[/prefix] URLs aimed at
// S3-compatible services such as MinIO.
func BuildGenericS3Config(cfg Config) (s3sink.Config, CredentialSummary, error) {
	u, err := url.Parse(cfg.SnapshotStore)
	if err != nil {
		return s3sink.Config{}, CredentialSummary{}, fmt.Errorf("parse snapshot store URL: %w", err)
	}
	if u.Scheme != "s3" {
		return s3sink.Config{}, CredentialSummary{}, fmt.Errorf("snapshot store scheme %q is not s3", u.Scheme)
	}
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return s3sink.Config{}, CredentialSummary{}, errors.New("s3 snapshot store missing host (expected s3://host[:port]/bucket[/prefix])")
	}
	bucket, prefix := splitBucket(u.Path)
	if bucket == "" {
		return s3sink.Config{}, CredentialSummary{}, errors.New("s3 snapshot store missing bucket (expected s3://host[:port]/bucket[/prefix])")
	}
	query := u.Query()
	secure := !strings.EqualFold(query.Get("scheme"), "http")
	if v, ok := queryBool(query, "secure"); ok {
		secure = v
	}
	if v, ok := queryBool(query, "insecure"); ok && v {
		secure = false
	}
	pathStyle, _ := queryBool(query, "path-style")
	create, _ := queryBool(query, "create-bucket")
	creds, summary, err := resolveGenericS3Credentials(cfg)
	if err != nil {
		return s3sink.Config{}, summary, err
	}
	return s3sink.Config{
		Endpoint:       endpoint,
		Region:         strings.TrimSpace(query.Get("region")),
		Bucket:         bucket,
		Prefix:         prefix,
		Insecure:       !secure,
		ForcePathStyle: pathStyle,
		CreateBucket:   create,
		CustomCreds:    creds,
	}, summary, nil
}

// BuildAWSConfig parses aws://bucket[/prefix] URLs for AWS S3.
func BuildAWSConfig(cfg Config) (awssink.Config, CredentialSummary, error) {
	u, err := url.Parse(cfg.SnapshotStore)
	if err != nil {
		return awssink.Config{}, CredentialSummary{}, fmt.Errorf("parse snapshot store URL: %w", err)
	}
	if u.Scheme != "aws" {
		return awssink.Config{}, CredentialSummary{}, fmt.Errorf("snapshot store scheme %q is not aws", u.Scheme)
	}
	bucket := strings.TrimSpace(u.Host)
	if bucket == "" {
		return awssink.Config{}, CredentialSummary{}, errors.New("aws snapshot store missing bucket (expected aws://bucket[/prefix])")
	}
	query := u.Query()
	region := firstNonEmpty(query.Get("region"), cfg.AWSRegion, os.Getenv("AWS_REGION"), os.Getenv("AWS_DEFAULT_REGION"))
	if region == "" {
		return awssink.Config{}, CredentialSummary{}, errors.New("aws snapshot store requires region (set ?region=, --aws-region or AWS_REGION)")
	}
	insecure, _ := queryBool(query, "insecure")
	pathStyle, _ := queryBool(query, "path-style")
	out := awssink.Config{
		Bucket:         bucket,
		Prefix:         strings.Trim(u.Path, "/"),
		Region:         region,
		Endpoint:       strings.TrimSpace(query.Get("endpoint")),
		Insecure:       insecure,
		ForcePathStyle: pathStyle,
	}
	summary := CredentialSummary{Source: "aws-default-chain"}
	if key := strings.TrimSpace(cfg.S3AccessKeyID); key != "" {
		out.AccessKeyID = key
		out.SecretAccessKey = cfg.S3SecretAccessKey
		out.SessionToken = cfg.S3SessionToken
		summary = CredentialSummary{AccessKey: key, HasSecret: cfg.S3SecretAccessKey != "", Source: "config"}
	} else if key := strings.TrimSpace(os.Getenv("AWS_ACCESS_KEY_ID")); key != "" {
		summary = CredentialSummary{AccessKey: key, HasSecret: os.Getenv("AWS_SECRET_ACCESS_KEY") != "", Source: "env:AWS_ACCESS_KEY_ID"}
	} else if profile := strings.TrimSpace(os.Getenv("AWS_PROFILE")); profile != "" {
		summary.Source = "profile:" + profile
	}
	return out, summary, nil
}

// BuildAzureConfig parses azure://account/container[/prefix] URLs.
func BuildAzureConfig(cfg Config) (azuresink.Config, error) {
	u, err := url.Parse(cfg.SnapshotStore)
	if err != nil {
		return azuresink.Config{}, fmt.Errorf("parse snapshot store URL: %w", err)
	}
	if u.Scheme != "azure" {
		return azuresink.Config{}, fmt.Errorf("snapshot store scheme %q is not azure", u.Scheme)
	}
	account := firstNonEmpty(cfg.AzureAccount, u.Host, os.Getenv("AZURE_STORAGE_ACCOUNT"))
	if account == "" {
		return azuresink.Config{}, errors.New("azure: account name required (set azure://account/... or AZURE_STORAGE_ACCOUNT)")
	}
	container, prefix := splitBucket(u.Path)
	if container == "" {
		return azuresink.Config{}, errors.New("azure snapshot store missing container (expected azure://account/container[/prefix])")
	}
	query := u.Query()
	return azuresink.Config{
		Account:    account,
		AccountKey: firstNonEmpty(cfg.AzureAccountKey, os.Getenv("KEYSERVER_AZURE_ACCOUNT_KEY"), os.Getenv("AZURE_STORAGE_KEY")),
		SASToken:   firstNonEmpty(query.Get("sas"), cfg.AzureSASToken, os.Getenv("KEYSERVER_AZURE_SAS_TOKEN"), os.Getenv("AZURE_STORAGE_SAS_TOKEN")),
		Endpoint:   firstNonEmpty(query.Get("endpoint"), cfg.AzureEndpoint),
		Container:  container,
		Prefix:     prefix,
	}, nil
}

// BuildRedisConfig parses redis://[user:pass@]host:port/db[?prefix=] URLs.
// The prefix parameter is consumed here; the rest goes to go-redis.
func BuildRedisConfig(cfg Config) (redissink.Config, error) {
	u, err := url.Parse(cfg.SnapshotStore)
	if err != nil {
		return redissink.Config{}, fmt.Errorf("parse snapshot store URL: %w", err)
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return redissink.Config{}, fmt.Errorf("snapshot store scheme %q is not redis", u.Scheme)
	}
	if u.Host == "" {
		return redissink.Config{}, errors.New("redis snapshot store missing host (expected redis://host:port/db)")
	}
	query := u.Query()
	prefix := strings.TrimSpace(query.Get("prefix"))
	query.Del("prefix")
	u.RawQuery = query.Encode()
	return redissink.Config{URL: u.String(), Prefix: prefix, TTL: cfg.SnapshotTTL}, nil
}

func resolveGenericS3Credentials(cfg Config) (*minioCredentials.Credentials, CredentialSummary, error) {
	accessKey := strings.TrimSpace(cfg.S3AccessKeyID)
	secretKey := cfg.S3SecretAccessKey
	sessionToken := cfg.S3SessionToken
	source := "config"
	if accessKey == "" && secretKey == "" {
		accessKey = strings.TrimSpace(os.Getenv("KEYSERVER_S3_ACCESS_KEY_ID"))
		secretKey = os.Getenv("KEYSERVER_S3_SECRET_ACCESS_KEY")
		sessionToken = os.Getenv("KEYSERVER_S3_SESSION_TOKEN")
		source = "env:KEYSERVER_S3_ACCESS_KEY_ID"
	}
	if accessKey == "" && secretKey == "" {
		// minio's own chain (AWS_*, MINIO_*, shared file, IAM).
		return nil, CredentialSummary{Source: "chain"}, nil
	}
	summary := CredentialSummary{AccessKey: accessKey, HasSecret: secretKey != "", Source: source}
	if accessKey == "" || secretKey == "" {
		return nil, summary, errors.New("s3 credentials incomplete (need access key and secret key)")
	}
	return minioCredentials.NewStaticV4(accessKey, secretKey, sessionToken), summary, nil
}

func splitBucket(p string) (bucket, prefix string) {
	p = strings.Trim(p, "/")
	bucket, prefix, _ = strings.Cut(p, "/")
	return strings.TrimSpace(bucket), strings.Trim(prefix, "/")
}

func queryBool(q url.Values, key string) (bool, bool) {
	raw := q.Get(key)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
