package mutex

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeAcquired    = "acquired"
	outcomeContention  = "contention"
	outcomeUnavailable = "unavailable"

	extendExtended = "extended"
	extendLost     = "lost"
)

var (
	acquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobcoord_mutex_acquire_total",
			Help: "Total number of lease acquisitions by outcome",
		},
		[]string{"outcome"},
	)

	acquireAttempts = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "jobcoord_mutex_acquire_attempts",
			Help:    "Number of quorum rounds needed per acquisition",
			Buckets: []float64{1, 2, 3, 5, 10, 20},
		},
	)

	extendTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobcoord_mutex_extend_total",
			Help: "Total number of lease extensions by status",
		},
		[]string{"status"},
	)
)

// Collectors returns the mutex metrics so they can be exposed on a registry
// other than the default one.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{acquireTotal, acquireAttempts, extendTotal}
}
