package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// managementRequestDuration tracks management request duration in seconds.
	// Labels: method, path, status
	managementRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jobcoord_management_request_duration_seconds",
			Help:    "Management HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// managementRequestsTotal tracks total number of management requests.
	// Labels: method, path, status
	managementRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobcoord_management_requests_total",
			Help: "Total number of management HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	managementRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobcoord_management_requests_in_flight",
			Help: "Current number of management HTTP requests being processed",
		},
	)
)

// RecordHTTPMetrics records one management request.
func RecordHTTPMetrics(method, path string, status int, duration time.Duration) {
	statusStr := strconv.Itoa(status)
	managementRequestDuration.WithLabelValues(method, path, statusStr).Observe(duration.Seconds())
	managementRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
}

// InstrumentHandler records request metrics for next under the route label
// path. Using the route rather than the URL keeps label cardinality fixed.
func InstrumentHandler(path string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		managementRequestsInFlight.Inc()
		defer managementRequestsInFlight.Dec()

		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		RecordHTTPMetrics(r.Method, path, recorder.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.wroteHeader {
		r.status = status
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }
