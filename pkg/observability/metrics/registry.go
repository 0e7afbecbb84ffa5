// Package metrics exposes the process's Prometheus metrics on the management server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry manages Prometheus metrics registration and exposure.
// It includes management request metrics and Go runtime metrics by default;
// lock and job metrics are added by the caller through MustRegister.
type Registry struct {
	registry *prometheus.Registry
}

// NewRegistry creates a new metrics registry with default collectors.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	reg.MustRegister(managementRequestDuration)
	reg.MustRegister(managementRequestsTotal)
	reg.MustRegister(managementRequestsInFlight)

	// Go runtime metrics (goroutines, memory, GC)
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return &Registry{
		registry: reg,
	}
}

// Register registers a custom Prometheus collector.
func (r *Registry) Register(collector prometheus.Collector) error {
	return r.registry.Register(collector)
}

// MustRegister registers collectors and panics on error.
// Use this for metrics that must be registered at startup.
func (r *Registry) MustRegister(collectors ...prometheus.Collector) {
	r.registry.MustRegister(collectors...)
}

// Unregister removes a collector from the registry.
// This is primarily useful for testing.
func (r *Registry) Unregister(collector prometheus.Collector) bool {
	return r.registry.Unregister(collector)
}

// Registerer returns the registry as a prometheus.Registerer, for components
// such as scheduler.NewPrometheusObserver that register their own metrics.
func (r *Registry) Registerer() prometheus.Registerer {
	return r.registry
}

// Handler returns an HTTP handler that exposes metrics in Prometheus format.
// This handler should be mounted on the management server at /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Gatherer returns the underlying prometheus.Gatherer.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}
