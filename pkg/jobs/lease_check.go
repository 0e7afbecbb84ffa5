package jobs

import (
	"context"
	"time"

	"github.com/nimburion/jobcoord/pkg/observability/logger"
	"github.com/nimburion/jobcoord/pkg/scheduler"
)

const (
	// LeaseCheckName is the job and lock name of the lock service check.
	LeaseCheckName = "lock-service-check"
	// DefaultLeaseCheckInterval is how often the check runs.
	DefaultLeaseCheckInterval = time.Minute
)

// QuorumChecker reports how many lock nodes answer. *mutex.Mutex implements it.
type QuorumChecker interface {
	HealthyNodes(ctx context.Context) (int, error)
}

// LeaseCheck checks the lock service once per period from whichever replica
// wins the lock. A lost quorum shows up as a failed run.
type LeaseCheck struct {
	checker   QuorumChecker
	frequency time.Duration
	log       logger.Logger
}

var _ scheduler.Job = (*LeaseCheck)(nil)

func NewLeaseCheck(checker QuorumChecker, frequency time.Duration, log logger.Logger) *LeaseCheck {
	if frequency <= 0 {
		frequency = DefaultLeaseCheckInterval
	}
	if log == nil {
		log = logger.Nop()
	}
	return &LeaseCheck{checker: checker, frequency: frequency, log: log}
}

func (p *LeaseCheck) Name() string              { return LeaseCheckName }
func (p *LeaseCheck) Frequency() time.Duration  { return p.frequency }
func (p *LeaseCheck) LockedResources() []string { return nil }

// Run reports the number of healthy nodes as units of work.
func (p *LeaseCheck) Run(ctx context.Context, _ scheduler.Signal) (*int64, error) {
	up, err := p.checker.HealthyNodes(ctx)
	if err != nil {
		p.log.WithContext(ctx).Warn("lock service degraded", "healthy_nodes", up, "error", err)
		return nil, err
	}
	return scheduler.Units(int64(up)), nil
}
