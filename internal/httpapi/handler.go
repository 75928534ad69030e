// Package httpapi exposes the key pool over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/xid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"

	"pkt.systems/keyserver/internal/clock"
	"pkt.systems/keyserver/internal/correlation"
	"pkt.systems/keyserver/internal/lease"
	"pkt.systems/keyserver/internal/loggingutil"
)

const tracerName = "pkt.systems/keyserver/httpapi"

// Config wires a Handler.
type Config struct {
	Store  *lease.Store
	Clock  clock.Clock
	Logger pslog.Logger
	// Ready reports readiness for /readyz. Nil means always ready.
	Ready func() bool
	// DisableHTTPTracing skips otel spans and the otelhttp wrapper.
	DisableHTTPTracing bool
}

// Handler serves the key pool endpoints.
type Handler struct {
	store              *lease.Store
	clock              clock.Clock
	logger             pslog.Logger
	ready              func() bool
	tracer             trace.Tracer
	httpTracingEnabled bool
}

// New builds a Handler. cfg.Store is required.
func New(cfg Config) *Handler {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	return &Handler{
		store:              cfg.Store,
		clock:              cfg.Clock,
		logger:             loggingutil.EnsureLogger(cfg.Logger),
		ready:              cfg.Ready,
		tracer:             otel.Tracer(tracerName),
		httpTracingEnabled: !cfg.DisableHTTPTracing,
	}
}

// Register installs every route on mux. The five key routes keep their
// historic GET-style paths.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("/generate", h.wrap("generate", h.handleGenerate))
	mux.Handle("/getkey", h.wrap("getkey", h.handleGetKey))
	mux.Handle("/unblock/{id}", h.wrap("unblock", h.handleUnblock))
	mux.Handle("/delete/{id}", h.wrap("delete", h.handleDelete))
	mux.Handle("/keep_alive/{id}", h.wrap("keep_alive", h.handleKeepAlive))
	mux.Handle("/v1/keys/{id}", h.wrap("keys.get", h.handleDescribe))
	mux.Handle("/v1/stats", h.wrap("stats", h.handleStats))
	mux.Handle("/v1/snapshot", h.wrap("snapshot", h.handleSnapshot))
	mux.Handle("/healthz", h.wrap("healthz", h.handleHealth))
	mux.Handle("/readyz", h.wrap("readyz", h.handleReady))
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	sys := routerSys(operation)
	httpSpanName := "keyserver.http." + operation
	opSpanName := "keyserver.op." + operation

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		instrument := h.httpTracingEnabled
		var span trace.Span
		if instrument {
			ctx, span = h.tracer.Start(ctx, opSpanName,
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(
					attribute.String("keyserver.sys", sys),
					attribute.String("keyserver.operation", operation),
					attribute.String("keyserver.route", r.URL.Path),
				),
			)
			defer span.End()
		}

		logger := loggingutil.WithSubsystem(h.logger, sys).With(
			"req_id", xid.New().String(),
			"method", r.Method,
			"path", r.URL.Path,
		)
		ctx = correlation.Set(ctx, correlation.FromRequest(r))
		ctx, logger = applyCorrelation(ctx, logger, span)
		w.Header().Set(correlation.Header, correlation.ID(ctx))
		r = r.WithContext(ctx)

		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)
		if err := fn(w, r); err != nil {
			var httpErr httpError
			if instrument {
				span.RecordError(err)
				span.SetStatus(codes.Error, "handler_error")
				if errors.As(err, &httpErr) {
					span.SetAttributes(
						attribute.String("keyserver.error_code", httpErr.Code),
						attribute.Int("keyserver.error_status", httpErr.Status),
					)
				}
			}
			logger.Debug("http.request.error", "elapsed", time.Since(start), "error", err)
			h.handleError(ctx, w, err)
			return
		}
		if instrument {
			span.SetStatus(codes.Ok, "")
		}
		logger.Trace("http.request.complete", "elapsed", time.Since(start))
	})

	if !h.httpTracingEnabled {
		return handler
	}
	return otelhttp.NewHandler(handler, httpSpanName)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any, headers map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// writeID answers a key operation with the bare id, as the original
// plain-text protocol did.
func (h *Handler) writeID(w http.ResponseWriter, id uint64) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "%d", id)
}

type httpError struct {
	Status int
	Code   string
	Detail string
}

func (h httpError) Error() string {
	if h.Detail != "" {
		return fmt.Sprintf("%s: %s", h.Code, h.Detail)
	}
	return h.Code
}

// loggerFrom returns the request logger installed by wrap, or fallback when
// ctx carries none (LoggerFromContext then yields the noop logger).
func loggerFrom(ctx context.Context, fallback pslog.Logger) pslog.Logger {
	if logger := pslog.LoggerFromContext(ctx); logger != pslog.NoopLogger() {
		return logger
	}
	return fallback
}
