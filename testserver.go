package keyserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/keyserver/client"
	"pkt.systems/keyserver/internal/clock"
	"pkt.systems/keyserver/internal/snapshot"
)

// TestServer wraps a running Server with convenient handles for tests.
type TestServer struct {
	Server   *Server
	BaseURL  string
	Listener net.Addr
	Client   *client.Client
	Config   Config

	stop func(context.Context) error
}

type testingWriter struct {
	t      testing.TB
	mu     sync.Mutex
	closed bool
}

func (w *testingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return len(p), nil
	}
	for _, line := range bytes.Split(p, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		w.log(string(line))
	}
	return len(p), nil
}

// log swallows the panic testing raises for output after the test ended.
func (w *testingWriter) log(entry string) {
	defer func() {
		if r := recover(); r != nil {
			if strings.Contains(fmt.Sprint(r), "Log in goroutine after") {
				return
			}
			panic(r)
		}
	}()
	w.t.Log(entry)
}

func (w *testingWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// NewTestingLogger creates a structured logger that writes through t.
func NewTestingLogger(t testing.TB, level pslog.Level) pslog.Logger {
	writer := &testingWriter{t: t}
	t.Cleanup(writer.close)
	logger := pslog.NewStructured(writer)
	if level != pslog.NoLevel {
		logger = logger.LogLevel(level)
	}
	return logger.With("app", "testserver")
}

// Stop shuts the server down.
func (ts *TestServer) Stop(ctx context.Context) error {
	if ts == nil || ts.stop == nil {
		return nil
	}
	return ts.stop(ctx)
}

// URL returns the base URL clients should use to reach the server.
func (ts *TestServer) URL() string {
	if ts == nil {
		return ""
	}
	return ts.BaseURL
}

// NewClient returns a new client configured against the test server.
func (ts *TestServer) NewClient(opts ...client.Option) (*client.Client, error) {
	if ts == nil {
		return nil, errors.New("nil test server")
	}
	return client.New(ts.BaseURL, opts...)
}

type testServerOptions struct {
	cfg           Config
	mutators      []func(*Config)
	logger        pslog.Logger
	testTB        testing.TB
	testLogLevel  pslog.Level
	clock         clock.Clock
	sink          snapshot.Sink
	clientOpts    []client.Option
	disableClient bool
	startTimeout  time.Duration
}

// TestServerOption customises NewTestServer.
type TestServerOption func(*testServerOptions)

// WithTestConfig replaces the base configuration. Listen defaults to a
// loopback port when empty.
func WithTestConfig(cfg Config) TestServerOption {
	return func(o *testServerOptions) {
		o.cfg = cfg
	}
}

// WithTestConfigFunc mutates the configuration before the server starts.
func WithTestConfigFunc(fn func(*Config)) TestServerOption {
	return func(o *testServerOptions) {
		if fn != nil {
			o.mutators = append(o.mutators, fn)
		}
	}
}

// WithTestClock injects a clock, typically a *clock.Manual.
func WithTestClock(c clock.Clock) TestServerOption {
	return func(o *testServerOptions) {
		o.clock = c
	}
}

// WithTestSnapshotSink exports snapshots to sink.
func WithTestSnapshotSink(sink snapshot.Sink) TestServerOption {
	return func(o *testServerOptions) {
		o.sink = sink
	}
}

// WithTestLogger supplies the server logger.
func WithTestLogger(logger pslog.Logger) TestServerOption {
	return func(o *testServerOptions) {
		o.logger = logger
	}
}

// WithTestLoggerFromTB routes server logs through t at level.
func WithTestLoggerFromTB(t testing.TB, level pslog.Level) TestServerOption {
	return func(o *testServerOptions) {
		o.testTB = t
		o.testLogLevel = level
	}
}

// WithTestClientOptions applies opts to the attached client.
func WithTestClientOptions(opts ...client.Option) TestServerOption {
	return func(o *testServerOptions) {
		o.clientOpts = append(o.clientOpts, opts...)
	}
}

// WithoutTestClient skips creating the attached client.
func WithoutTestClient() TestServerOption {
	return func(o *testServerOptions) {
		o.disableClient = true
	}
}

// WithTestStartTimeout bounds how long NewTestServer waits for readiness.
func WithTestStartTimeout(d time.Duration) TestServerOption {
	return func(o *testServerOptions) {
		o.startTimeout = d
	}
}

type startResult struct {
	srv  *Server
	stop func(context.Context) error
	err  error
}

// abandonStart waits for a late start to finish and stops it.
func abandonStart(resultCh <-chan startResult, cause error) startResult {
	res := <-resultCh
	if res.err == nil {
		_ = res.stop(context.Background())
	}
	return startResult{err: cause}
}

// NewTestServer starts a server on a loopback port.
func NewTestServer(ctx context.Context, opts ...TestServerOption) (*TestServer, error) {
	options := testServerOptions{
		cfg:          Config{Listen: "127.0.0.1:0"},
		startTimeout: 5 * time.Second,
		testLogLevel: pslog.DebugLevel,
	}
	for _, opt := range opts {
		opt(&options)
	}
	cfg := options.cfg
	for _, mut := range options.mutators {
		mut(&cfg)
	}
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:0"
	}

	logger := options.logger
	if logger == nil {
		if options.testTB != nil {
			logger = NewTestingLogger(options.testTB, options.testLogLevel)
		} else {
			logger = pslog.NoopLogger()
		}
	}
	startOpts := []Option{WithLogger(logger)}
	if options.clock != nil {
		startOpts = append(startOpts, WithClock(options.clock))
	}
	if options.sink != nil {
		startOpts = append(startOpts, WithSnapshotSink(options.sink))
	}

	resultCh := make(chan startResult, 1)
	go func() {
		srv, stop, err := StartServer(context.Background(), cfg, startOpts...)
		resultCh <- startResult{srv: srv, stop: stop, err: err}
	}()
	var (
		timeout <-chan time.Time
		ctxDone <-chan struct{}
		res     startResult
	)
	if options.startTimeout > 0 {
		timer := time.NewTimer(options.startTimeout)
		defer timer.Stop()
		timeout = timer.C
	}
	if ctx != nil {
		ctxDone = ctx.Done()
	}
	select {
	case res = <-resultCh:
	case <-timeout:
		res = abandonStart(resultCh, fmt.Errorf("test server start timeout after %s", options.startTimeout))
	case <-ctxDone:
		res = abandonStart(resultCh, ctx.Err())
	}
	if res.err != nil {
		return nil, res.err
	}
	srv, stop := res.srv, res.stop
	addr := srv.ListenerAddr()
	if addr == nil {
		_ = stop(context.Background())
		return nil, errors.New("test server: listener not initialised")
	}
	ts := &TestServer{
		Server:   srv,
		BaseURL:  "http://" + addr.String(),
		Listener: addr,
		Config:   srv.cfg,
		stop:     stop,
	}
	if !options.disableClient {
		cli, err := client.New(ts.BaseURL, options.clientOpts...)
		if err != nil {
			_ = stop(context.Background())
			return nil, err
		}
		ts.Client = cli
	}
	return ts, nil
}

// StartTestServer is a convenience wrapper that fails the test on error and
// registers cleanup.
func StartTestServer(t testing.TB, opts ...TestServerOption) *TestServer {
	t.Helper()
	ts, err := NewTestServer(context.Background(), opts...)
	if err != nil {
		t.Fatalf("start test server: %v", err)
	}
	t.Cleanup(func() {
		if err := ts.Stop(context.Background()); err != nil {
			t.Errorf("stop test server: %v", err)
		}
	})
	return ts
}
