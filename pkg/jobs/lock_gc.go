// Package jobs holds the maintenance jobs that ship with the coordinator.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nimburion/jobcoord/pkg/observability/logger"
	"github.com/nimburion/jobcoord/pkg/scheduler"
)

const (
	// LockTableGCName is the job and lock name of the lock table sweeper.
	LockTableGCName = "lock-table-gc"
	// DefaultLockTableGCInterval is how often expired lock rows are purged.
	DefaultLockTableGCInterval = 10 * time.Minute
)

var lockRowsPurgedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "jobcoord_lock_rows_purged_total",
		Help: "Total number of expired lock rows deleted from Postgres lock tables",
	},
	[]string{"node"},
)

// Purger deletes expired lock entries. *mutex.PostgresNode and *mutex.MySQLNode implement it.
type Purger interface {
	Name() string
	PurgeExpired(ctx context.Context) (int64, error)
}

// LockTableGC deletes expired rows from every Postgres lock node. Expired rows
// never block acquisition, they only take space.
type LockTableGC struct {
	nodes     []Purger
	frequency time.Duration
	log       logger.Logger
}

var _ scheduler.Job = (*LockTableGC)(nil)

func NewLockTableGC(nodes []Purger, frequency time.Duration, log logger.Logger) (*LockTableGC, error) {
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: lock table gc needs at least one node", scheduler.ErrInvalidArgument)
	}
	if frequency <= 0 {
		frequency = DefaultLockTableGCInterval
	}
	if log == nil {
		log = logger.Nop()
	}
	return &LockTableGC{nodes: append([]Purger(nil), nodes...), frequency: frequency, log: log}, nil
}

func (j *LockTableGC) Name() string              { return LockTableGCName }
func (j *LockTableGC) Frequency() time.Duration  { return j.frequency }
func (j *LockTableGC) LockedResources() []string { return nil }

// Run purges each node in turn. Every node is attempted; the run fails if any
// node failed, and then reports no units.
func (j *LockTableGC) Run(ctx context.Context, signal scheduler.Signal) (*int64, error) {
	log := j.log.WithContext(ctx)
	var total int64
	var errs []error
	for _, node := range j.nodes {
		if signal != nil && signal.Aborted() {
			errs = append(errs, signal.Err())
			break
		}
		purged, err := node.PurgeExpired(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("purge %s: %w", node.Name(), err))
			continue
		}
		total += purged
		lockRowsPurgedTotal.WithLabelValues(node.Name()).Add(float64(purged))
		log.Debug("expired lock rows purged", "node", node.Name(), "rows", purged)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return scheduler.Units(total), nil
}

// Collectors returns the metrics of the built-in jobs.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{lockRowsPurgedTotal}
}
