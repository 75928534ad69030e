package s3

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	minio "github.com/minio/minio-go/v7"
)

func setupFakeS3(t *testing.T, createBucket bool) (*httptest.Server, Config) {
	t.Helper()
	backend := s3mem.New()
	fs := gofakes3.New(backend)
	server := httptest.NewServer(fs.Server())
	bucket := "keyserver-test"
	if createBucket {
		if err := backend.CreateBucket(bucket); err != nil {
			t.Fatalf("create bucket: %v", err)
		}
	}
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	return server, Config{
		Endpoint:       strings.TrimPrefix(server.URL, "http://"),
		Region:         "us-east-1",
		Bucket:         bucket,
		Prefix:         "/pool-a/",
		Insecure:       true,
		ForcePathStyle: true,
	}
}

func TestPutStoresObjectUnderPrefix(t *testing.T) {
	server, cfg := setupFakeS3(t, true)
	defer server.Close()

	sink, err := New(cfg)
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	ctx := context.Background()
	if err := sink.EnsureBucket(ctx); err != nil {
		t.Fatalf("ensure bucket: %v", err)
	}
	if err := sink.Put(ctx, "latest.json", []byte(`{"id":"x"}`), "application/json"); err != nil {
		t.Fatalf("put: %v", err)
	}

	obj, err := sink.client.GetObject(ctx, cfg.Bucket, "pool-a/latest.json", minio.GetObjectOptions{})
	if err != nil {
		t.Fatalf("get object: %v", err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		t.Fatalf("read object: %v", err)
	}
	if string(data) != `{"id":"x"}` {
		t.Fatalf("unexpected object body %q", data)
	}
}

func TestEnsureBucketMissing(t *testing.T) {
	server, cfg := setupFakeS3(t, false)
	defer server.Close()

	sink, err := New(cfg)
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	if err := sink.EnsureBucket(context.Background()); err == nil {
		t.Fatal("expected missing bucket error")
	}

	cfg.CreateBucket = true
	sink, err = New(cfg)
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	if err := sink.EnsureBucket(context.Background()); err != nil {
		t.Fatalf("ensure bucket with create: %v", err)
	}
}

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(Config{Endpoint: "localhost:9000"}); err == nil {
		t.Fatal("expected bucket error")
	}
}

func TestNewDefaultsEndpointFromRegion(t *testing.T) {
	sink, err := New(Config{Bucket: "b", Region: "eu-north-1"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if got := sink.Config().Endpoint; got != "s3.eu-north-1.amazonaws.com" {
		t.Fatalf("unexpected endpoint %q", got)
	}
}
