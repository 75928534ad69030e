package lease

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

const meterName = "pkt.systems/keyserver/lease"

type storeMetrics struct {
	opCount     metric.Int64Counter
	opDuration  metric.Float64Histogram
	keysGauge   metric.Int64ObservableGauge
	remainGauge metric.Int64ObservableGauge
}

func newStoreMetrics(logger pslog.Logger, store *Store) *storeMetrics {
	meter := otel.Meter(meterName)
	m := &storeMetrics{}
	var err error

	m.opCount, err = meter.Int64Counter(
		"keyserver.lease.operations",
		metric.WithDescription("Lease store operations by operation and result"),
	)
	logMetricInitError(logger, "keyserver.lease.operations", err)

	m.opDuration, err = meter.Float64Histogram(
		"keyserver.lease.operation.duration_ms",
		metric.WithDescription("Lease store operation latency including lock wait"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "keyserver.lease.operation.duration_ms", err)

	m.keysGauge, err = meter.Int64ObservableGauge(
		"keyserver.pool.keys",
		metric.WithDescription("Keys in the pool by state"),
	)
	logMetricInitError(logger, "keyserver.pool.keys", err)

	m.remainGauge, err = meter.Int64ObservableGauge(
		"keyserver.pool.ids_remaining",
		metric.WithDescription("Ids the allocator can still issue"),
	)
	logMetricInitError(logger, "keyserver.pool.ids_remaining", err)

	if m.keysGauge != nil && m.remainGauge != nil {
		if _, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			stats := store.Stats()
			observeState(o, m.keysGauge, StateAvailable, stats.Available)
			observeState(o, m.keysGauge, StateBlocked, stats.Blocked)
			observeState(o, m.keysGauge, StatePurged, stats.Purged)
			o.ObserveInt64(m.remainGauge, int64(store.Remaining()))
			return nil
		}, m.keysGauge, m.remainGauge); err != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "keyserver.pool.keys", "error", err)
		}
	}
	return m
}

func observeState(o metric.Observer, gauge metric.Int64ObservableGauge, state State, n int) {
	o.ObserveInt64(gauge, int64(n), metric.WithAttributes(attribute.String("keyserver.key.state", state.String())))
}

func (m *storeMetrics) recordOp(ctx context.Context, op string, d time.Duration, err error) {
	if m == nil {
		return
	}
	ctx = metricContext(ctx)
	attrs := metric.WithAttributes(
		attribute.String("keyserver.lease.op", op),
		attribute.String("keyserver.lease.result", metricResultLabel(err)),
	)
	if m.opCount != nil {
		m.opCount.Add(ctx, 1, attrs)
	}
	if m.opDuration != nil {
		m.opDuration.Record(ctx, float64(d.Microseconds())/1000, attrs)
	}
}

type sweeperMetrics struct {
	cycles      metric.Int64Counter
	transitions metric.Int64Counter
	failures    metric.Int64Counter
	duration    metric.Float64Histogram
}

func newSweeperMetrics(logger pslog.Logger) *sweeperMetrics {
	meter := otel.Meter(meterName)
	m := &sweeperMetrics{}
	var err error

	m.cycles, err = meter.Int64Counter(
		"keyserver.sweeper.cycles",
		metric.WithDescription("Completed sweep cycles"),
	)
	logMetricInitError(logger, "keyserver.sweeper.cycles", err)

	m.transitions, err = meter.Int64Counter(
		"keyserver.sweeper.transitions",
		metric.WithDescription("Keys expired by the sweeper by kind"),
	)
	logMetricInitError(logger, "keyserver.sweeper.transitions", err)

	m.failures, err = meter.Int64Counter(
		"keyserver.sweeper.failures",
		metric.WithDescription("Per-key sweep failures"),
	)
	logMetricInitError(logger, "keyserver.sweeper.failures", err)

	m.duration, err = meter.Float64Histogram(
		"keyserver.sweeper.cycle.duration_ms",
		metric.WithDescription("Sweep cycle duration"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "keyserver.sweeper.cycle.duration_ms", err)
	return m
}

func (m *sweeperMetrics) recordCycle(ctx context.Context, res SweepResult) {
	if m == nil {
		return
	}
	ctx = metricContext(ctx)
	if m.cycles != nil {
		m.cycles.Add(ctx, 1)
	}
	if m.transitions != nil {
		if res.Purged > 0 {
			m.transitions.Add(ctx, int64(res.Purged), metric.WithAttributes(attribute.String("keyserver.sweeper.transition", TransitionPurged.String())))
		}
		if res.Reclaimed > 0 {
			m.transitions.Add(ctx, int64(res.Reclaimed), metric.WithAttributes(attribute.String("keyserver.sweeper.transition", TransitionReclaimed.String())))
		}
	}
	if m.failures != nil && res.Failed > 0 {
		m.failures.Add(ctx, int64(res.Failed))
	}
	if m.duration != nil {
		m.duration.Record(ctx, float64(res.Duration.Microseconds())/1000)
	}
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func metricResultLabel(err error) string {
	if err == nil {
		return "success"
	}
	if code := CodeOf(err); code != "" {
		return code
	}
	return "error"
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
