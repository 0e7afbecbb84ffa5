package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nimburion/jobcoord/pkg/config"
	"github.com/nimburion/jobcoord/pkg/health"
	"github.com/nimburion/jobcoord/pkg/observability/logger"
	"github.com/nimburion/jobcoord/pkg/observability/metrics"
)

func newTestManagementServer(t *testing.T, checkers ...health.Checker) *ManagementServer {
	t.Helper()
	healthRegistry := health.NewRegistry()
	for _, checker := range checkers {
		healthRegistry.Register(checker)
	}
	return NewManagementServer(config.ManagementConfig{
		Port:         0,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	}, logger.Nop(), healthRegistry, metrics.NewRegistry())
}

func staticChecker(name string, status health.Status, err error) health.Checker {
	return health.NewCustomChecker(name, func(context.Context) (health.Status, string, error) {
		return status, "", err
	})
}

func serve(s *ManagementServer, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestManagementServer_HealthEndpoint(t *testing.T) {
	s := newTestManagementServer(t, staticChecker("lock-quorum", health.StatusUnhealthy, errors.New("down")))

	rec := serve(s, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("liveness must not depend on checks, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "healthy" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestManagementServer_ReadyEndpoint(t *testing.T) {
	tests := []struct {
		name       string
		status     health.Status
		err        error
		wantStatus int
	}{
		{name: "healthy", status: health.StatusHealthy, wantStatus: http.StatusOK},
		{name: "degraded is still ready", status: health.StatusDegraded, wantStatus: http.StatusOK},
		{name: "unhealthy", status: health.StatusUnhealthy, err: errors.New("quorum lost"), wantStatus: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestManagementServer(t, staticChecker("lock-quorum", tt.status, tt.err))
			rec := serve(s, "/ready")
			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
			if !strings.Contains(rec.Body.String(), "lock-quorum") {
				t.Fatalf("expected check result in body, got %s", rec.Body.String())
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Fatalf("unexpected content type %s", ct)
			}
		})
	}
}

func TestManagementServer_MetricsEndpoint(t *testing.T) {
	s := newTestManagementServer(t)
	serve(s, "/health")

	rec := serve(s, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "jobcoord_management_requests_total") {
		t.Fatal("expected management request metrics")
	}
}

func TestManagementServer_MethodNotAllowed(t *testing.T) {
	s := newTestManagementServer(t)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestManagementServer_RecoversPanics(t *testing.T) {
	s := newTestManagementServer(t)
	s.Router().HandleFunc("/boom", func(http.ResponseWriter, *http.Request) { panic("boom") })

	rec := serve(s, "/boom")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestManagementServer_StartAndShutdown(t *testing.T) {
	s := newTestManagementServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	select {
	case <-s.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("server did not start")
	}

	_, port, err := net.SplitHostPort(s.Addr())
	if err != nil {
		t.Fatalf("split addr %q: %v", s.Addr(), err)
	}
	resp, err := http.Get("http://127.0.0.1:" + port + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
