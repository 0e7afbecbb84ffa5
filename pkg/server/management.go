package server

import (
	"encoding/json"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gorilla/mux"

	"github.com/nimburion/jobcoord/pkg/config"
	"github.com/nimburion/jobcoord/pkg/health"
	"github.com/nimburion/jobcoord/pkg/observability/logger"
	"github.com/nimburion/jobcoord/pkg/observability/metrics"
)

// ManagementServer serves liveness, readiness and metrics on the management port:
// - /health: liveness, always 200 while the process runs
// - /ready: readiness, 503 once a health check is unhealthy
// - /metrics: Prometheus metrics
type ManagementServer struct {
	*Server
	router          *mux.Router
	healthRegistry  *health.Registry
	metricsRegistry *metrics.Registry
	log             logger.Logger
}

// NewManagementServer creates the management server and registers its endpoints.
func NewManagementServer(
	cfg config.ManagementConfig,
	log logger.Logger,
	healthRegistry *health.Registry,
	metricsRegistry *metrics.Registry,
) *ManagementServer {
	r := mux.NewRouter()
	s := &ManagementServer{
		router:          r,
		healthRegistry:  healthRegistry,
		metricsRegistry: metricsRegistry,
		log:             log,
	}
	r.Use(s.recoverPanics)
	s.registerEndpoints()

	s.Server = NewServer(Config{
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}, r, log)
	return s
}

func (s *ManagementServer) registerEndpoints() {
	s.router.Handle("/health", metrics.InstrumentHandler("/health", http.HandlerFunc(s.handleHealth))).Methods(http.MethodGet)
	s.router.Handle("/ready", metrics.InstrumentHandler("/ready", http.HandlerFunc(s.handleReady))).Methods(http.MethodGet)
	s.router.Handle("/metrics", metrics.InstrumentHandler("/metrics", s.metricsRegistry.Handler())).Methods(http.MethodGet)
}

// Router returns the underlying router for registering extra routes.
func (s *ManagementServer) Router() *mux.Router {
	return s.router
}

func (s *ManagementServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": string(health.StatusHealthy)})
}

func (s *ManagementServer) handleReady(w http.ResponseWriter, r *http.Request) {
	result := s.healthRegistry.Check(r.Context())
	if !result.IsReady() {
		writeJSON(w, http.StatusServiceUnavailable, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *ManagementServer) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if recovered := recover(); recovered != nil {
				s.log.Error("management handler panicked", "path", r.URL.Path, "panic", recovered, "stack", string(debug.Stack()))
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
