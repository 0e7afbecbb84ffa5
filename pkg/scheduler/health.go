package scheduler

import (
	"strings"
	"time"

	"github.com/nimburion/jobcoord/pkg/health"
)

const defaultLockHealthCheckName = "scheduler-locker"

// NewLockHealthChecker creates a standard health checker for the scheduler's locker.
func NewLockHealthChecker(name string, locker Locker, timeout time.Duration) health.Checker {
	checkName := strings.TrimSpace(name)
	if checkName == "" {
		checkName = defaultLockHealthCheckName
	}
	return health.NewAdapterChecker(checkName, locker, timeout)
}
