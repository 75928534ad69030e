package inprocess_test

import (
	"context"
	"testing"
	"time"

	"pkt.systems/keyserver"
	"pkt.systems/keyserver/client"
	"pkt.systems/keyserver/client/inprocess"
)

func TestNewRunsServerAndCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	inproc, err := inprocess.New(ctx, keyserver.Config{
		SweepInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	id, err := inproc.Generate(ctx)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	got, err := inproc.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got != id {
		t.Fatalf("expected %d, got %d", id, got)
	}
	if _, err := inproc.Acquire(ctx); !client.IsNotFound(err) {
		t.Fatalf("expected empty pool, got %v", err)
	}
	if err := inproc.Release(ctx, id); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if inproc.Server().Store().Stats().Available != 1 {
		t.Fatalf("expected one available key")
	}

	if err := inproc.Close(ctx); err != nil {
		t.Fatalf("Close first call: %v", err)
	}
	if err := inproc.Close(ctx); err != nil {
		t.Fatalf("Close second call: %v", err)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	t.Parallel()
	cli, err := inprocess.New(context.Background(), keyserver.Config{IDMin: 5, IDMax: 5})
	if err == nil {
		_ = cli.Close(context.Background())
		t.Fatal("expected error for empty id space")
	}
}
