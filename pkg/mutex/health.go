package mutex

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nimburion/jobcoord/pkg/health"
)

const defaultQuorumHealthCheckName = "lock-quorum"

// NewQuorumHealthChecker reports healthy when every node answers, degraded
// while the quorum still holds and unhealthy once it is lost.
func NewQuorumHealthChecker(name string, m *Mutex, timeout time.Duration) health.Checker {
	checkName := strings.TrimSpace(name)
	if checkName == "" {
		checkName = defaultQuorumHealthCheckName
	}
	if timeout <= 0 {
		timeout = DefaultOperationTimeout
	}
	return health.NewCustomChecker(checkName, func(ctx context.Context) (health.Status, string, error) {
		if err := m.ready(); err != nil {
			return health.StatusUnhealthy, "", err
		}
		checkCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		votes := m.healthVotes(checkCtx)
		up := countVotes(votes).granted
		message := fmt.Sprintf("%d/%d nodes up, quorum %d", up, len(votes), m.quorum)
		switch {
		case up == len(votes):
			return health.StatusHealthy, message, nil
		case up >= m.quorum:
			return health.StatusDegraded, message, nil
		default:
			return health.StatusUnhealthy, message, mutexError(ErrQuorumUnreachable, summarizeVotes(votes))
		}
	})
}

// NewNodeHealthChecker checks a single node.
func NewNodeHealthChecker(node Node, timeout time.Duration) health.Checker {
	return health.NewAdapterChecker("lock-node:"+node.Name(), node, timeout)
}
