package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jujinkim/cryptic-wikinet/pkg/sweep"

	"github.com/redis/go-redis/v9"
)

type fakeDBCloser struct {
	*fakeDB
	closed bool
}

func (f *fakeDBCloser) Close() { f.closed = true }

func noopTelemetry(ctx context.Context, service string) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}

func TestRunGatewayWiresRoutes(t *testing.T) {
	t.Setenv("ADMIN_TOKEN", "ops-token")
	t.Setenv("ENVIRONMENT", "development")
	t.Setenv("KAFKA_BROKERS", "")

	db := &fakeDBCloser{fakeDB: newFakeDB()}
	var handler http.Handler
	loopsStarted := false

	err := runGateway(
		noopTelemetry,
		func(ctx context.Context) (gatewayDBCloser, error) { return db, nil },
		func(ctx context.Context) (*redis.Client, error) { return nil, errors.New("redis down") },
		func(server *http.Server) error {
			handler = server.Handler
			return nil
		},
		func(s *Server) { loopsStarted = true },
	)
	if err != nil {
		t.Fatalf("runGateway: %v", err)
	}
	if handler == nil {
		t.Fatal("expected handler handed to listener")
	}
	if !loopsStarted {
		t.Fatal("expected background loops started")
	}

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "gateway") {
		t.Fatalf("healthz body: %s", rr.Body.String())
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/ai/challenge", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("challenge: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("metrics without token: expected 401, got %d", rr.Code)
	}
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Authorization", "Bearer ops-token")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics with token: expected 200, got %d", rr.Code)
	}
}

func TestRunGatewayDependencyFailures(t *testing.T) {
	t.Setenv("ADMIN_TOKEN", "ops-token")
	t.Setenv("ENVIRONMENT", "development")

	err := runGateway(
		func(ctx context.Context, service string) (func(context.Context) error, error) {
			return nil, errors.New("collector down")
		},
		nil, nil, nil, nil,
	)
	if err == nil || !strings.Contains(err.Error(), "otel") {
		t.Fatalf("expected otel error, got %v", err)
	}

	err = runGateway(
		noopTelemetry,
		func(ctx context.Context) (gatewayDBCloser, error) { return nil, errors.New("pg down") },
		nil, nil, nil,
	)
	if err == nil || !strings.Contains(err.Error(), "db") {
		t.Fatalf("expected db error, got %v", err)
	}

	err = runGateway(
		noopTelemetry,
		func(ctx context.Context) (gatewayDBCloser, error) {
			return &fakeDBCloser{fakeDB: newFakeDB()}, nil
		},
		func(ctx context.Context) (*redis.Client, error) { return nil, errors.New("redis down") },
		nil,
		nil,
	)
	if err == nil || !strings.Contains(err.Error(), "listen function required") {
		t.Fatalf("expected listen error, got %v", err)
	}
}

func TestMainReportsStartupFailure(t *testing.T) {
	t.Setenv("ADMIN_TOKEN", "ops-token")
	origInit := initTelemetryG
	origFatal := logFatalf
	defer func() {
		initTelemetryG = origInit
		logFatalf = origFatal
	}()

	initTelemetryG = func(ctx context.Context, service string) (func(context.Context) error, error) {
		return nil, errors.New("boom")
	}
	var fatalMsg string
	logFatalf = func(format string, v ...any) {
		fatalMsg = format
	}
	main()
	if fatalMsg == "" {
		t.Fatal("expected fatal log on startup failure")
	}
}

func TestLimitRequestBodyMiddleware(t *testing.T) {
	s := &Server{MaxRequestBodyBytes: 8}
	handler := s.limitRequestBodyMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := readRequestBody(w, r); !ok {
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/x", strings.NewReader("tiny")))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("small body: expected 204, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(strings.Repeat("a", 64))))
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized body: expected 413, got %d", rr.Code)
	}
}

func TestMetricsMiddlewareRecords(t *testing.T) {
	db := newFakeDB()
	s := newTestServer(db)
	handler := s.metricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/upstream", nil))
	snap := s.Metrics.Snapshot()
	stat, ok := snap.Endpoints["GET /upstream"]
	if !ok {
		t.Fatalf("expected endpoint stat, got %v", snap.Endpoints)
	}
	if stat.Count != 1 || stat.ErrorCount != 1 {
		t.Fatalf("expected one errored observation, got %+v", stat)
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.2.3.4:9999"
	if got := clientIP(req); got != "10.2.3.4" {
		t.Fatalf("expected host only, got %q", got)
	}
	req.RemoteAddr = "unix-socket"
	if got := clientIP(req); got != "unix-socket" {
		t.Fatalf("expected raw addr fallback, got %q", got)
	}
}

func TestWsOriginPatterns(t *testing.T) {
	if got := wsOriginPatterns(""); got != nil {
		t.Fatalf("expected nil for empty input, got %v", got)
	}
	got := wsOriginPatterns("https://wiki.example.com, app.example.com ,https://x.com/path,")
	want := []string{"wiki.example.com", "app.example.com", "x.com"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("pattern %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("GATEWAY_TEST_STR", "value")
	if got := env("GATEWAY_TEST_STR", "def"); got != "value" {
		t.Fatalf("expected value, got %q", got)
	}
	if got := env("GATEWAY_TEST_MISSING", "def"); got != "def" {
		t.Fatalf("expected default, got %q", got)
	}
	t.Setenv("GATEWAY_TEST_INT", "17")
	if got := envInt("GATEWAY_TEST_INT", 3); got != 17 {
		t.Fatalf("expected 17, got %d", got)
	}
	t.Setenv("GATEWAY_TEST_INT", "junk")
	if got := envInt("GATEWAY_TEST_INT", 3); got != 3 {
		t.Fatalf("expected default 3, got %d", got)
	}
	if got := envDurationSec("GATEWAY_TEST_DUR", 9); got != 9*time.Second {
		t.Fatalf("expected 9s, got %v", got)
	}
}

func TestRecordSweepCountsPerTable(t *testing.T) {
	db := newFakeDB()
	s := newTestServer(db)
	s.recordSweep(sweep.Report{
		PowChallenges:      2,
		Nonces:             3,
		RateWindows:        4,
		RegistrationTokens: 1,
		ActionLogs:         5,
	})
	snap := s.Metrics.Snapshot()
	if snap.SweptRows["pow_challenges"] != 2 || snap.SweptRows["ai_action_log"] != 5 {
		t.Fatalf("unexpected swept rows: %v", snap.SweptRows)
	}
}
