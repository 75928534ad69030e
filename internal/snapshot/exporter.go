package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"

	"pkt.systems/keyserver/internal/clock"
	"pkt.systems/keyserver/internal/lease"
	"pkt.systems/keyserver/internal/loggingutil"
)

// DefaultInterval is how often the exporter writes a snapshot.
const DefaultInterval = time.Minute

// ExporterConfig configures an Exporter.
type ExporterConfig struct {
	Store    *lease.Store
	Sink     Sink
	Interval time.Duration
	Clock    clock.Clock
	Logger   pslog.Logger
}

// Exporter periodically writes pool snapshots to a Sink.
type Exporter struct {
	store    *lease.Store
	sink     Sink
	interval time.Duration
	clock    clock.Clock
	logger   pslog.Logger

	exports metric.Int64Counter
	size    metric.Int64Histogram

	mu      sync.Mutex
	stop    chan struct{}
	done    sync.WaitGroup
	running bool
}

// NewExporter validates cfg and returns a stopped exporter.
func NewExporter(cfg ExporterConfig) (*Exporter, error) {
	if cfg.Store == nil {
		return nil, errors.New("snapshot: store is required")
	}
	if cfg.Sink == nil {
		return nil, errors.New("snapshot: sink is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	logger := loggingutil.WithSubsystem(cfg.Logger, "snapshot.exporter")
	e := &Exporter{
		store:    cfg.Store,
		sink:     cfg.Sink,
		interval: cfg.Interval,
		clock:    cfg.Clock,
		logger:   logger,
	}
	meter := otel.Meter("pkt.systems/keyserver/snapshot")
	var err error
	e.exports, err = meter.Int64Counter(
		"keyserver.snapshot.exports",
		metric.WithDescription("Snapshot exports by result"),
	)
	if err != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "keyserver.snapshot.exports", "error", err)
	}
	e.size, err = meter.Int64Histogram(
		"keyserver.snapshot.size_bytes",
		metric.WithDescription("Encoded snapshot size"),
		metric.WithUnit("By"),
	)
	if err != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "keyserver.snapshot.size_bytes", "error", err)
	}
	return e, nil
}

// ExportOnce writes one snapshot, both under its own name and as
// LatestName, and returns the snapshot id.
func (e *Exporter) ExportOnce(ctx context.Context) (string, error) {
	doc := Build(e.store, e.clock)
	body, err := Encode(doc)
	if err == nil {
		err = e.sink.Put(ctx, ObjectName(doc.ID), body, ContentTypeJSON)
	}
	if err == nil {
		err = e.sink.Put(ctx, LatestName, body, ContentTypeJSON)
	}
	e.record(ctx, len(body), err)
	if err != nil {
		e.logger.Warn("snapshot.export.failed", "snapshot_id", doc.ID, "error", err)
		return "", fmt.Errorf("snapshot: export %s: %w", doc.ID, err)
	}
	e.logger.Info("snapshot.export.success",
		"snapshot_id", doc.ID,
		"keys", len(doc.Keys),
		"size", humanize.Bytes(uint64(len(body))),
	)
	return doc.ID, nil
}

// Start launches the export loop.
func (e *Exporter) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	e.running = true
	e.stop = make(chan struct{})
	stop := e.stop
	e.done.Add(1)
	go func() {
		defer e.done.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-e.clock.After(e.interval):
				_, _ = e.ExportOnce(ctx)
			}
		}
	}()
	e.logger.Info("snapshot.exporter.start", "interval", e.interval)
}

// Stop halts the loop and writes a final snapshot so the archive reflects
// the pool at shutdown.
func (e *Exporter) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.running = false
		close(e.stop)
	}
	e.mu.Unlock()
	e.done.Wait()
	_, err := e.ExportOnce(ctx)
	return err
}

// Close releases the sink.
func (e *Exporter) Close() error {
	return e.sink.Close()
}

func (e *Exporter) record(ctx context.Context, size int, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	if e.exports != nil {
		e.exports.Add(ctx, 1, metric.WithAttributes(attribute.String("keyserver.snapshot.result", result)))
	}
	if e.size != nil && err == nil {
		e.size.Record(ctx, int64(size))
	}
}
