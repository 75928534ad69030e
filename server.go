package keyserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/keyserver/internal/clock"
	"pkt.systems/keyserver/internal/httpapi"
	"pkt.systems/keyserver/internal/lease"
	"pkt.systems/keyserver/internal/loggingutil"
	"pkt.systems/keyserver/internal/snapshot"
)

// Server wraps the HTTP server, the key pool and its background workers.
type Server struct {
	cfg       Config
	logger    pslog.Logger
	clock     clock.Clock
	store     *lease.Store
	sweeper   *lease.Sweeper
	exporter  *snapshot.Exporter
	handler   *httpapi.Handler
	httpSrv   *http.Server
	telemetry *telemetry

	bgCtx    context.Context
	bgCancel context.CancelFunc

	mu           sync.Mutex
	listener     net.Listener
	shutdown     bool
	lastServeErr error
	readyOnce    sync.Once
	readyCh      chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger pslog.Logger
	Clock  clock.Clock
	Sink   snapshot.Sink
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithSnapshotSink injects a pre-built snapshot sink, overriding
// Config.SnapshotStore.
func WithSnapshotSink(sink snapshot.Sink) Option {
	return func(o *options) {
		o.Sink = sink
	}
}

// NewServer constructs a keyserver according to cfg.
// Example:
//
//	srv, err := keyserver.NewServer(keyserver.Config{Listen: ":8080"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := loggingutil.EnsureLogger(o.Logger)
	serverClock := o.Clock
	if serverClock == nil {
		serverClock = clock.Real{}
	}
	lifecycle := loggingutil.WithSubsystem(logger, "server.lifecycle")

	// Telemetry first so the store and sweeper meters bind to the real provider.
	tel, err := setupTelemetry(context.Background(), telemetryOptions{
		OTLPEndpoint:   cfg.OTLPEndpoint,
		MetricsListen:  cfg.MetricsListen,
		PprofListen:    cfg.PprofListen,
		RuntimeMetrics: cfg.EnableRuntimeMetrics,
	}, loggingutil.WithSubsystem(logger, "telemetry.otel"))
	if err != nil {
		return nil, err
	}

	store, err := lease.NewStore(lease.Config{
		Policy:  cfg.Policy(),
		IDSpace: cfg.IDSpace(),
		Clock:   serverClock,
		Logger:  logger,
	})
	if err != nil {
		_ = tel.Shutdown(context.Background())
		return nil, err
	}
	sweeper := lease.NewSweeper(store, lease.SweeperConfig{
		Interval: cfg.SweepInterval,
		Clock:    serverClock,
		Logger:   logger,
	})

	sink := o.Sink
	if sink == nil {
		sink, err = openSnapshotSink(context.Background(), cfg)
		if err != nil {
			_ = tel.Shutdown(context.Background())
			return nil, fmt.Errorf("snapshot store: %w", err)
		}
	}
	var exporter *snapshot.Exporter
	if sink != nil {
		exporter, err = snapshot.NewExporter(snapshot.ExporterConfig{
			Store:    store,
			Sink:     sink,
			Interval: cfg.SnapshotInterval,
			Clock:    serverClock,
			Logger:   logger,
		})
		if err != nil {
			_ = sink.Close()
			_ = tel.Shutdown(context.Background())
			return nil, err
		}
	}

	s := &Server{
		cfg:       cfg,
		logger:    lifecycle,
		clock:     serverClock,
		store:     store,
		sweeper:   sweeper,
		exporter:  exporter,
		telemetry: tel,
		readyCh:   make(chan struct{}),
	}
	s.bgCtx, s.bgCancel = context.WithCancel(context.Background())
	s.handler = httpapi.New(httpapi.Config{
		Store:              store,
		Clock:              serverClock,
		Logger:             logger,
		Ready:              s.ready,
		DisableHTTPTracing: cfg.DisableHTTPTracing || cfg.OTLPEndpoint == "",
	})
	mux := http.NewServeMux()
	s.handler.Register(mux)
	s.httpSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the HTTP handler so the key routes can be mounted inside
// another program's server.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Store exposes the key pool.
func (s *Server) Store() *lease.Store {
	return s.store
}

// Start listens, launches the sweeper and exporter, and serves until
// Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (tcp %s): %w", s.cfg.Listen, err)
	}
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	s.listener = ln
	s.mu.Unlock()

	s.sweeper.Start(s.bgCtx)
	if s.exporter != nil {
		s.exporter.Start(s.bgCtx)
	}
	s.signalReady()
	s.logger.Info("server.listening",
		"address", ln.Addr().String(),
		"available_ttl", s.cfg.AvailableTTL,
		"blocked_ttl", s.cfg.BlockedTTL,
		"sweep_interval", s.cfg.SweepInterval,
		"id_min", s.cfg.IDMin,
		"id_max", s.cfg.IDMax,
		"snapshots", s.exporter != nil,
	)
	serveErr := s.httpSrv.Serve(ln)
	s.recordServeErr(serveErr)
	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

// Shutdown stops accepting requests, drains in-flight ones, stops the sweeper
// and writes a final snapshot. Errors from each stage are joined.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()
	s.logger.Info("server.shutdown.start")

	var errs []error
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	s.sweeper.Stop()
	if s.exporter != nil {
		exportCtx := ctx
		if exportCtx.Err() != nil {
			var cancel context.CancelFunc
			exportCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.exporter.Stop(exportCtx); err != nil {
			errs = append(errs, fmt.Errorf("final snapshot: %w", err))
		}
		if err := s.exporter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("snapshot sink close: %w", err))
		}
	}
	s.bgCancel()
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		s.logger.Warn("server.shutdown.error", "error", errors.Join(errs...))
		return errors.Join(errs...)
	}
	s.logger.Info("server.shutdown.complete", "stats_total", s.store.Stats().Total)
	return nil
}

// Close gracefully shuts the server down using the configured timeout.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

// UpdatePolicy applies new TTLs and sweep interval to the running server.
// Zero values keep the defaults, matching Config.Validate.
func (s *Server) UpdatePolicy(availableTTL, blockedTTL, sweepInterval time.Duration) error {
	if err := s.store.SetPolicy(lease.Policy{AvailableTTL: availableTTL, BlockedTTL: blockedTTL}); err != nil {
		return err
	}
	s.sweeper.SetInterval(sweepInterval)
	return nil
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

func (s *Server) ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener != nil && !s.shutdown
}

// WaitUntilReady blocks until the listener is bound or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// MetricsAddr returns the bound Prometheus listener, or "" when disabled.
func (s *Server) MetricsAddr() string {
	return s.telemetry.sideAddr("metrics")
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the most recent error reported by the HTTP server.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer starts a server in the background and waits until it is ready.
// The returned stop function shuts it down; cancelling ctx does the same.
//
//	srv, stop, err := keyserver.StartServer(ctx, keyserver.Config{Listen: "127.0.0.1:0"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	if ctx == nil {
		ctx = context.Background()
	}
	readyCtx, cancelReady := context.WithCancel(ctx)
	defer cancelReady()
	go func() {
		select {
		case err := <-errCh:
			// Start failed before becoming ready; hand the error back.
			errCh <- err
			cancelReady()
		case <-readyCtx.Done():
		}
	}()
	if err := srv.WaitUntilReady(readyCtx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		if startErr := <-errCh; startErr != nil {
			return nil, nil, startErr
		}
		return nil, nil, err
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			stopErr = srv.Shutdown(shutdownCtx)
			if err := <-errCh; err != nil && stopErr == nil {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}
