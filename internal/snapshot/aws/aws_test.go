package aws

import (
	"context"
	"encoding/pem"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
)

func setupFakeS3(t *testing.T) (*httptest.Server, Config) {
	t.Helper()
	backend := s3mem.New()
	server := httptest.NewServer(gofakes3.New(backend).Server())
	bucket := "keyserver-aws"
	if err := backend.CreateBucket(bucket); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	return server, Config{
		Bucket:          bucket,
		Prefix:          "prod",
		Region:          "us-east-1",
		Endpoint:        server.URL,
		ForcePathStyle:  true,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
	}
}

func TestPutAndBucketExists(t *testing.T) {
	server, cfg := setupFakeS3(t)
	defer server.Close()

	ctx := context.Background()
	sink, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	ok, err := sink.BucketExists(ctx)
	if err != nil || !ok {
		t.Fatalf("bucket exists: ok=%v err=%v", ok, err)
	}
	if err := sink.Put(ctx, "snapshots/abc.json", []byte(`{"id":"abc"}`), "application/json"); err != nil {
		t.Fatalf("put: %v", err)
	}
	out, err := sink.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(cfg.Bucket),
		Key:    aws.String("prod/snapshots/abc.json"),
	})
	if err != nil {
		t.Fatalf("get object: %v", err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(data) != `{"id":"abc"}` {
		t.Fatalf("unexpected body %q", data)
	}
}

func TestNewHonoursCABundle(t *testing.T) {
	backend := s3mem.New()
	if err := backend.CreateBucket("keyserver-tls"); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	server := httptest.NewTLSServer(gofakes3.New(backend).Server())
	defer server.Close()

	bundle := filepath.Join(t.TempDir(), "ca.pem")
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: server.Certificate().Raw})
	if err := os.WriteFile(bundle, certPEM, 0o600); err != nil {
		t.Fatalf("write ca bundle: %v", err)
	}
	t.Setenv("AWS_CA_BUNDLE", bundle)

	ctx := context.Background()
	sink, err := New(ctx, Config{
		Bucket:          "keyserver-tls",
		Region:          "us-east-1",
		Endpoint:        server.URL,
		ForcePathStyle:  true,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
	})
	if err != nil {
		t.Fatalf("new sink with ca bundle: %v", err)
	}
	if err := sink.Put(ctx, "latest.json", []byte(`{}`), "application/json"); err != nil {
		t.Fatalf("put over tls: %v", err)
	}
}

func TestBucketMissing(t *testing.T) {
	server, cfg := setupFakeS3(t)
	defer server.Close()

	cfg.Bucket = "absent"
	sink, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	ok, err := sink.BucketExists(context.Background())
	if err != nil {
		t.Fatalf("bucket exists: %v", err)
	}
	if ok {
		t.Fatal("expected missing bucket")
	}
}

func TestNewValidation(t *testing.T) {
	ctx := context.Background()
	if _, err := New(ctx, Config{Region: "us-east-1"}); err == nil {
		t.Fatal("expected bucket error")
	}
	if _, err := New(ctx, Config{Bucket: "b"}); err == nil {
		t.Fatal("expected region error")
	}
}
