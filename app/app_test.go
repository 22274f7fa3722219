// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/soothill/mppt-core/config"
	"github.com/soothill/mppt-core/telemetry"
	"golang.org/x/time/rate"
)

func TestHealthCheckHandler(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	healthCheckHandler(w, req)

	resp := w.Result()
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthCheckHandler() status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if w.Body.String() != "OK" {
		t.Errorf("healthCheckHandler() body = %s, want OK", w.Body.String())
	}
}

func TestReadinessCheckHandlerUnreachableSink(t *testing.T) {
	sink, err := telemetry.NewInfluxSink("http://nonexistent.invalid:8086", "fake-token", "fake-org", "fake-bucket")
	if err != nil {
		t.Skip("cannot construct an InfluxDB client in this environment")
	}
	defer sink.Close()

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	w := httptest.NewRecorder()

	readinessCheckHandler(w, req, sink)

	resp := w.Result()
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("readinessCheckHandler() status = %d, want %d", resp.StatusCode, http.StatusServiceUnavailable)
	}
}

func TestRateLimitMiddlewareWithinLimit(t *testing.T) {
	limiter := rate.NewLimiter(10, 20)
	handler := rateLimitMiddleware(limiter, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	handler(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestRateLimitMiddlewareExceedsLimit(t *testing.T) {
	limiter := rate.NewLimiter(1, 1)
	handler := rateLimitMiddleware(limiter, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	w1 := httptest.NewRecorder()
	handler(w1, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w1.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want %d", w1.Code, http.StatusOK)
	}

	w2 := httptest.NewRecorder()
	handler(w2, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w2.Code != http.StatusTooManyRequests {
		t.Errorf("second request status = %d, want %d", w2.Code, http.StatusTooManyRequests)
	}
}

func TestBuildPixelsAndDriverAreConsistent(t *testing.T) {
	pixels := buildPixels(3)
	if len(pixels) != 3 {
		t.Fatalf("buildPixels(3) = %d pixels, want 3", len(pixels))
	}
	driver := buildSimulatedDriver(pixels)
	if driver == nil {
		t.Fatal("buildSimulatedDriver returned nil")
	}
}

func TestPerformGracefulShutdownStopsServer(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/test", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("test"))
	})
	server := &http.Server{Addr: "localhost:0", Handler: mux}
	go func() { _ = server.ListenAndServe() }()
	time.Sleep(50 * time.Millisecond)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		if err := server.Shutdown(shutdownCtx); err != nil {
			t.Errorf("server.Shutdown: %v", err)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Error("shutdown did not complete in time")
	}
}

func TestPerformCleanupRespectsWaitGroup(t *testing.T) {
	a := &App{cfg: &config.Config{}}
	sink, err := telemetry.NewInfluxSink("http://localhost:8086", "test-token", "test-org", "test-bucket")
	if err != nil {
		t.Skip("cannot construct an InfluxDB client in this environment")
	}
	defer sink.Close()
	a.influx = sink

	cachingSink, err := telemetry.NewCachingSink(sink, t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewCachingSink: %v", err)
	}
	a.sink = cachingSink

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		time.Sleep(10 * time.Millisecond)
	}()

	done := make(chan struct{})
	go func() {
		a.performCleanup()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(15 * time.Second):
		t.Error("performCleanup() did not complete within expected time")
	}
}
