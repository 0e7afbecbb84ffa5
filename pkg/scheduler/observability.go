package scheduler

import (
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Observer receives per-job execution events.
type Observer interface {
	JobStarted(name string)
	JobCompleted(name string, success bool, units *int64)
	JobDuration(name string, duration time.Duration)
}

// NopObserver discards every event.
type NopObserver struct{}

func (NopObserver) JobStarted(string)                 {}
func (NopObserver) JobCompleted(string, bool, *int64) {}
func (NopObserver) JobDuration(string, time.Duration) {}

// PrometheusObserver exports job events as Prometheus metrics.
type PrometheusObserver struct {
	started   *prometheus.CounterVec
	completed *prometheus.CounterVec
	units     *prometheus.CounterVec
	duration  *prometheus.HistogramVec
}

// NewPrometheusObserver registers the job metrics on reg. A nil reg leaves the
// metrics unregistered. Registering twice on the same registry panics.
func NewPrometheusObserver(reg prometheus.Registerer) *PrometheusObserver {
	factory := promauto.With(reg)
	return &PrometheusObserver{
		started: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobcoord_job_started_total",
				Help: "Total number of job runs started under the lock",
			},
			[]string{"name"},
		),
		completed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobcoord_job_completed_total",
				Help: "Total number of job runs completed, by success",
			},
			[]string{"name", "success"},
		),
		units: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobcoord_job_units_of_work_total",
				Help: "Total units of work reported by successful job runs",
			},
			[]string{"name"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "jobcoord_job_duration_seconds",
				Help:    "Duration of job runs, excluding the throttle wait",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
			},
			[]string{"name"},
		),
	}
}

func (o *PrometheusObserver) JobStarted(name string) {
	o.started.WithLabelValues(normalizeSchedulerLabel(name)).Inc()
}

func (o *PrometheusObserver) JobCompleted(name string, success bool, units *int64) {
	label := normalizeSchedulerLabel(name)
	o.completed.WithLabelValues(label, strconv.FormatBool(success)).Inc()
	if success && units != nil && *units > 0 {
		o.units.WithLabelValues(label).Add(float64(*units))
	}
}

func (o *PrometheusObserver) JobDuration(name string, duration time.Duration) {
	o.duration.WithLabelValues(normalizeSchedulerLabel(name)).Observe(duration.Seconds())
}

func normalizeSchedulerLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
