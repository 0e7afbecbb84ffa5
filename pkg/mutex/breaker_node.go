package mutex

import (
	"context"
	"time"

	"github.com/nimburion/jobcoord/pkg/resilience"
)

// BreakerNode guards a Node with a circuit breaker so a node that keeps
// failing is answered with an error vote immediately.
type BreakerNode struct {
	inner   Node
	breaker *resilience.CircuitBreaker
}

// NewBreakerNode wraps node. The breaker name defaults to the node name.
func NewBreakerNode(node Node, cfg resilience.BreakerConfig) *BreakerNode {
	if cfg.Name == "" {
		cfg.Name = node.Name()
	}
	return &BreakerNode{inner: node, breaker: resilience.NewCircuitBreaker(cfg)}
}

func (n *BreakerNode) Name() string { return n.inner.Name() }

// Unwrap returns the guarded node.
func (n *BreakerNode) Unwrap() Node { return n.inner }

// State returns the breaker state.
func (n *BreakerNode) State() resilience.State { return n.breaker.State() }

func (n *BreakerNode) Acquire(ctx context.Context, keys []string, token string, ttl time.Duration) (bool, error) {
	var granted bool
	err := n.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		granted, err = n.inner.Acquire(ctx, keys, token, ttl)
		return err
	})
	return granted, err
}

func (n *BreakerNode) Extend(ctx context.Context, keys []string, token string, ttl time.Duration) (bool, error) {
	var extended bool
	err := n.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		extended, err = n.inner.Extend(ctx, keys, token, ttl)
		return err
	})
	return extended, err
}

// Release bypasses an open breaker: keys left behind would otherwise block
// peers until their TTL runs out.
func (n *BreakerNode) Release(ctx context.Context, keys []string, token string) error {
	return n.inner.Release(ctx, keys, token)
}

func (n *BreakerNode) HealthCheck(ctx context.Context) error {
	return n.breaker.Execute(ctx, n.inner.HealthCheck)
}

func (n *BreakerNode) Close() error { return n.inner.Close() }
