package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/keyserver/api"
	"pkt.systems/keyserver/internal/clock"
	"pkt.systems/keyserver/internal/correlation"
	"pkt.systems/keyserver/internal/lease"
)

type testEnv struct {
	store  *lease.Store
	clock  *clock.Manual
	server *httptest.Server
	ready  bool
	mu     sync.Mutex
}

func newTestEnv(t *testing.T, space lease.IDSpace) *testEnv {
	t.Helper()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0).UTC())
	logger := pslog.NewStructured(io.Discard)
	store, err := lease.NewStore(lease.Config{IDSpace: space, Clock: clk, Logger: logger})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	env := &testEnv{store: store, clock: clk, ready: true}
	handler := New(Config{
		Store:              store,
		Clock:              clk,
		Logger:             logger,
		DisableHTTPTracing: true,
		Ready: func() bool {
			env.mu.Lock()
			defer env.mu.Unlock()
			return env.ready
		},
	})
	mux := http.NewServeMux()
	handler.Register(mux)
	env.server = httptest.NewServer(mux)
	t.Cleanup(env.server.Close)
	return env
}

func (e *testEnv) get(t *testing.T, path string) (int, string, http.Header) {
	t.Helper()
	resp, err := http.Get(e.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return resp.StatusCode, string(body), resp.Header
}

func (e *testEnv) mustID(t *testing.T, path string) uint64 {
	t.Helper()
	status, body, hdr := e.get(t, path)
	if status != http.StatusOK {
		t.Fatalf("GET %s: status %d body %q", path, status, body)
	}
	if ct := hdr.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("GET %s: content type %q", path, ct)
	}
	id, err := strconv.ParseUint(body, 10, 64)
	if err != nil {
		t.Fatalf("GET %s: body %q is not an id: %v", path, body, err)
	}
	return id
}

func expectError(t *testing.T, status int, body string, wantStatus int, wantCode string) {
	t.Helper()
	if status != wantStatus {
		t.Fatalf("expected status %d, got %d (%s)", wantStatus, status, body)
	}
	var errResp api.ErrorResponse
	if err := json.Unmarshal([]byte(body), &errResp); err != nil {
		t.Fatalf("decode error body %q: %v", body, err)
	}
	if errResp.ErrorCode != wantCode {
		t.Fatalf("expected error code %q, got %q", wantCode, errResp.ErrorCode)
	}
}

func TestKeyLifecycle(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, lease.IDSpace{Min: 7, Max: 8})

	if id := env.mustID(t, "/generate"); id != 7 {
		t.Fatalf("expected id 7, got %d", id)
	}
	if id := env.mustID(t, "/getkey"); id != 7 {
		t.Fatalf("expected getkey 7, got %d", id)
	}
	status, body, _ := env.get(t, "/getkey")
	expectError(t, status, body, http.StatusNotFound, lease.CodeNoAvailableKey)

	if id := env.mustID(t, "/unblock/7"); id != 7 {
		t.Fatalf("unblock returned %d", id)
	}
	if id := env.mustID(t, "/keep_alive/7"); id != 7 {
		t.Fatalf("keep_alive returned %d", id)
	}
	if id := env.mustID(t, "/delete/7"); id != 7 {
		t.Fatalf("delete returned %d", id)
	}
	if id := env.mustID(t, "/delete/7"); id != 7 {
		t.Fatalf("second delete returned %d", id)
	}

	status, body, _ = env.get(t, "/unblock/7")
	expectError(t, status, body, http.StatusNotFound, lease.CodeInvalidState)
	status, body, _ = env.get(t, "/keep_alive/7")
	expectError(t, status, body, http.StatusNotFound, lease.CodeInvalidState)

	status, body, _ = env.get(t, "/generate")
	expectError(t, status, body, http.StatusInternalServerError, lease.CodePoolExhausted)
}

func TestUnknownAndMalformedIDs(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, lease.IDSpace{})
	for _, path := range []string{
		"/unblock/42",
		"/delete/42",
		"/keep_alive/42",
		"/v1/keys/42",
		"/unblock/abc",
		"/delete/-1",
		"/keep_alive/99999999999999999999999",
	} {
		status, body, _ := env.get(t, path)
		expectError(t, status, body, http.StatusNotFound, lease.CodeNotFound)
	}
}

func TestKeepAliveOnBlockedKey(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, lease.IDSpace{})
	id := env.mustID(t, "/generate")
	env.mustID(t, "/getkey")
	status, body, _ := env.get(t, "/keep_alive/"+strconv.FormatUint(id, 10))
	expectError(t, status, body, http.StatusNotFound, lease.CodeInvalidState)
}

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, lease.IDSpace{})
	req, err := http.NewRequest(http.MethodDelete, env.server.URL+"/generate", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	expectError(t, resp.StatusCode, string(body), http.StatusMethodNotAllowed, "method_not_allowed")
	if allow := resp.Header.Get("Allow"); allow != "GET, POST" {
		t.Fatalf("unexpected Allow header %q", allow)
	}

	resp, err = http.Post(env.server.URL+"/generate", "text/plain", bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /generate: status %d", resp.StatusCode)
	}

	resp, err = http.Post(env.server.URL+"/v1/stats", "text/plain", bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("post stats: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("POST /v1/stats: status %d", resp.StatusCode)
	}
}

func TestDescribeStatsAndSnapshot(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, lease.IDSpace{Min: 0, Max: 10})
	generated := []uint64{
		env.mustID(t, "/generate"),
		env.mustID(t, "/generate"),
		env.mustID(t, "/generate"),
	}
	blocked := env.mustID(t, "/getkey")
	// getkey picks any available key, so delete one it did not hand out.
	victim := generated[0]
	if victim == blocked {
		victim = generated[1]
	}
	env.mustID(t, "/delete/"+strconv.FormatUint(victim, 10))

	status, body, hdr := env.get(t, "/v1/keys/"+strconv.FormatUint(blocked, 10))
	if status != http.StatusOK {
		t.Fatalf("describe: status %d body %s", status, body)
	}
	if ct := hdr.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("describe content type %q", ct)
	}
	var rec api.KeyRecord
	if err := json.Unmarshal([]byte(body), &rec); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if rec.ID != blocked || rec.State != "blocked" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if !rec.LastTouched.Equal(env.clock.Now()) {
		t.Fatalf("expected last touched %v, got %v", env.clock.Now(), rec.LastTouched)
	}

	status, body, _ = env.get(t, "/v1/stats")
	if status != http.StatusOK {
		t.Fatalf("stats: status %d", status)
	}
	var stats api.StatsResponse
	if err := json.Unmarshal([]byte(body), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Total != 3 || stats.Purged != 1 || stats.Blocked != 1 || stats.Available != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats.IDsRemaining != 7 {
		t.Fatalf("expected 7 ids remaining, got %d", stats.IDsRemaining)
	}
	if stats.AvailableTTLSeconds != 300 || stats.BlockedTTLSeconds != 60 {
		t.Fatalf("unexpected ttl fields %+v", stats)
	}

	status, body, _ = env.get(t, "/v1/snapshot")
	if status != http.StatusOK {
		t.Fatalf("snapshot: status %d", status)
	}
	var snap api.Snapshot
	if err := json.Unmarshal([]byte(body), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.ID == "" || len(snap.Keys) != 3 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	for i := 1; i < len(snap.Keys); i++ {
		if snap.Keys[i-1].ID >= snap.Keys[i].ID {
			t.Fatalf("snapshot keys not sorted: %+v", snap.Keys)
		}
	}
}

func TestConcurrentGetKeyUnique(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, lease.IDSpace{})
	const keys = 20
	for range keys {
		env.mustID(t, "/generate")
	}
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]int)
		miss int
	)
	for range keys + 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := http.Get(env.server.URL + "/getkey")
			if err != nil {
				t.Errorf("getkey: %v", err)
				return
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			mu.Lock()
			defer mu.Unlock()
			if resp.StatusCode == http.StatusOK {
				seen[string(body)]++
				return
			}
			miss++
		}()
	}
	wg.Wait()
	if len(seen) != keys || miss != 5 {
		t.Fatalf("expected %d unique keys and 5 misses, got %d keys and %d misses", keys, len(seen), miss)
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("key %s handed out %d times", id, n)
		}
	}
}

func TestCorrelationHeader(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, lease.IDSpace{})

	req, err := http.NewRequest(http.MethodGet, env.server.URL+"/healthz", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set(correlation.Header, "trace-me")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get(correlation.Header); got != "trace-me" {
		t.Fatalf("expected echoed correlation id, got %q", got)
	}

	_, _, hdr := env.get(t, "/healthz")
	if hdr.Get(correlation.Header) == "" {
		t.Fatalf("expected generated correlation id")
	}
}

func TestHealthAndReady(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, lease.IDSpace{})
	if status, _, _ := env.get(t, "/healthz"); status != http.StatusOK {
		t.Fatalf("healthz: %d", status)
	}
	if status, _, _ := env.get(t, "/readyz"); status != http.StatusOK {
		t.Fatalf("readyz: %d", status)
	}
	env.mu.Lock()
	env.ready = false
	env.mu.Unlock()
	status, body, _ := env.get(t, "/readyz")
	expectError(t, status, body, http.StatusServiceUnavailable, "not_ready")
}

func TestConvertLeaseError(t *testing.T) {
	t.Parallel()
	cases := []struct {
		err    error
		status int
	}{
		{lease.ErrNotFound, http.StatusNotFound},
		{lease.ErrInvalidState, http.StatusNotFound},
		{lease.ErrNoAvailableKey, http.StatusNotFound},
		{lease.ErrPoolExhausted, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		var httpErr httpError
		if !errors.As(convertLeaseError(tc.err), &httpErr) {
			t.Fatalf("%v: expected httpError", tc.err)
		}
		if httpErr.Status != tc.status || httpErr.Code != lease.CodeOf(tc.err) {
			t.Fatalf("%v: got %+v", tc.err, httpErr)
		}
	}
	plain := errors.New("boom")
	if got := convertLeaseError(plain); got != plain {
		t.Fatalf("expected passthrough, got %v", got)
	}
	if convertLeaseError(nil) != nil {
		t.Fatalf("expected nil")
	}
}

func TestLoggerFromFallsBackWithoutRequestLogger(t *testing.T) {
	t.Parallel()

	var fallback, request bytes.Buffer
	base := pslog.NewStructured(&fallback)
	loggerFrom(context.Background(), base).Info("fallback.line")
	if !strings.Contains(fallback.String(), "fallback.line") {
		t.Fatalf("expected fallback logger to be used, got %q", fallback.String())
	}

	ctx := pslog.ContextWithLogger(context.Background(), pslog.NewStructured(&request))
	loggerFrom(ctx, base).Info("request.line")
	if !strings.Contains(request.String(), "request.line") || strings.Contains(fallback.String(), "request.line") {
		t.Fatalf("expected request logger to be used, request %q fallback %q", request.String(), fallback.String())
	}
}

func TestRouterSys(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"generate":   "api.http.router.generate",
		"keep_alive": "api.http.router.keep.alive",
		"keys.get":   "api.http.router.keys.get",
		"":           "api.http.router",
	}
	for in, want := range cases {
		if got := routerSys(in); got != want {
			t.Fatalf("routerSys(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestInternalErrorResponse(t *testing.T) {
	t.Parallel()
	h := New(Config{DisableHTTPTracing: true})
	rec := httptest.NewRecorder()
	h.handleError(context.Background(), rec, errors.New("boom"))
	expectError(t, rec.Code, rec.Body.String(), http.StatusInternalServerError, "internal_error")
}
