// Package mutex implements a Redlock-style distributed mutex over N
// independent lock-service nodes.
package mutex

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nimburion/jobcoord/pkg/observability/logger"
	"github.com/nimburion/jobcoord/pkg/observability/tracing"
)

const (
	DefaultDriftFactor                 = 0.01
	DefaultRetryCount                  = 20
	DefaultRetryDelay                  = 200 * time.Millisecond
	DefaultRetryJitter                 = 200 * time.Millisecond
	DefaultAutomaticExtensionThreshold = 500 * time.Millisecond
	DefaultOperationTimeout            = 3 * time.Second

	// clockDriftFloor is added to every drift computation to cover timer resolution.
	clockDriftFloor = 2 * time.Millisecond
)

// Config tunes quorum acquisition and extension.
type Config struct {
	DriftFactor float64
	// RetryCount is the number of retries after the first attempt. Zero means
	// the default; a negative value disables retries.
	RetryCount                  int
	RetryDelay                  time.Duration
	RetryJitter                 time.Duration
	AutomaticExtensionThreshold time.Duration
	OperationTimeout            time.Duration
}

func (c *Config) normalize() {
	if c.DriftFactor <= 0 {
		c.DriftFactor = DefaultDriftFactor
	}
	switch {
	case c.RetryCount == 0:
		c.RetryCount = DefaultRetryCount
	case c.RetryCount < 0:
		c.RetryCount = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = DefaultRetryJitter
	}
	if c.AutomaticExtensionThreshold <= 0 {
		c.AutomaticExtensionThreshold = DefaultAutomaticExtensionThreshold
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = DefaultOperationTimeout
	}
}

// Mutex acquires leases that hold only while a quorum of nodes agrees.
type Mutex struct {
	nodes  []Node
	log    logger.Logger
	config Config
	quorum int
	now    func() time.Time
	closed atomic.Bool
}

var errAttemptRejected = errors.New("quorum attempt rejected")

// New builds a Mutex over nodes. Node names must be unique.
func New(nodes []Node, log logger.Logger, cfg Config) (*Mutex, error) {
	if len(nodes) == 0 {
		return nil, mutexError(ErrInvalidArgument, "at least one node is required")
	}
	seen := make(map[string]struct{}, len(nodes))
	for i, node := range nodes {
		if node == nil {
			return nil, mutexError(ErrNotInitialized, fmt.Sprintf("node %d is nil", i))
		}
		if _, dup := seen[node.Name()]; dup {
			return nil, mutexError(ErrInvalidArgument, fmt.Sprintf("duplicate node name %q", node.Name()))
		}
		seen[node.Name()] = struct{}{}
	}
	if log == nil {
		log = logger.Nop()
	}
	cfg.normalize()
	return &Mutex{
		nodes:  append([]Node(nil), nodes...),
		log:    log,
		config: cfg,
		quorum: quorumSize(len(nodes)),
		now:    time.Now,
	}, nil
}

func quorumSize(n int) int {
	return n/2 + 1
}

// Quorum returns the number of nodes that must agree.
func (m *Mutex) Quorum() int { return m.quorum }

// Nodes returns the configured nodes.
func (m *Mutex) Nodes() []Node {
	return append([]Node(nil), m.nodes...)
}

// Config returns the normalized configuration.
func (m *Mutex) Config() Config { return m.config }

// Using acquires resources, runs routine while keeping the lease extended and
// releases the lease afterwards unless the routine retained it.
//
// The routine is never interrupted when the lease is lost; it should watch
// lease.Done() and stop on its own.
func (m *Mutex) Using(ctx context.Context, resources []string, duration time.Duration, routine func(ctx context.Context, lease *Lease) error) error {
	if routine == nil {
		return mutexError(ErrInvalidArgument, "routine is required")
	}
	lease, err := m.Acquire(ctx, resources, duration)
	if err != nil {
		return err
	}

	stopExtension := m.keepExtended(lease, duration)
	defer func() {
		stopExtension()
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.config.OperationTimeout)
		defer cancel()
		retain, deadline := lease.retained()
		if retain {
			if deadline.IsZero() {
				m.log.Debug("lease retained until expiry", "resources", strings.Join(lease.resources, ","))
				return
			}
			if remaining := deadline.Sub(m.now()); remaining > 0 {
				m.retainFor(releaseCtx, lease, remaining)
				return
			}
		}
		if err := m.Release(releaseCtx, lease); err != nil {
			m.log.Warn("lease release failed", "resources", strings.Join(lease.resources, ","), "error", err)
		}
	}()

	if err := routine(ctx, lease); err != nil {
		return &ExecutionError{Resources: lease.Resources(), Err: err}
	}
	return nil
}

// Acquire obtains a lease on every resource, retrying up to RetryCount times.
func (m *Mutex) Acquire(ctx context.Context, resources []string, duration time.Duration) (*Lease, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	keys, err := normalizeResources(resources)
	if err != nil {
		return nil, err
	}
	if duration <= 0 {
		return nil, mutexError(ErrInvalidArgument, "duration must be > 0")
	}

	ctx, span := tracing.StartLockSpan(ctx, keys, duration.Milliseconds())
	defer span.End()

	attempts := 0
	var lastVotes []Vote
	var quorumReached bool
	lease, err := backoff.Retry(ctx, func() (*Lease, error) {
		attempts++
		lease, votes, reached := m.attempt(ctx, keys, duration)
		if lease != nil {
			return lease, nil
		}
		lastVotes, quorumReached = votes, reached
		return nil, errAttemptRejected
	},
		backoff.WithBackOff(m.retryBackOff()),
		backoff.WithMaxTries(uint(m.config.RetryCount+1)),
		backoff.WithMaxElapsedTime(0),
	)
	acquireAttempts.Observe(float64(attempts))
	if err == nil {
		acquireTotal.WithLabelValues(outcomeAcquired).Inc()
		tracing.RecordSuccess(span)
		return lease, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, mutexError(ctxErr, "acquisition aborted")
	}

	kind := classifyFailure(lastVotes, m.quorum, quorumReached)
	acquireErr := &AcquireError{Resources: keys, Attempts: attempts, Votes: lastVotes, Kind: kind}
	if IsContention(acquireErr) {
		acquireTotal.WithLabelValues(outcomeContention).Inc()
	} else {
		acquireTotal.WithLabelValues(outcomeUnavailable).Inc()
	}
	tracing.RecordError(span, acquireErr)
	m.log.Debug("lease acquisition failed", "resources", strings.Join(keys, ","), "attempts", attempts, "error", acquireErr)
	return nil, acquireErr
}

// attempt runs one quorum round. A rejected round is rolled back on every node.
func (m *Mutex) attempt(ctx context.Context, keys []string, duration time.Duration) (*Lease, []Vote, bool) {
	token := uuid.NewString()
	start := m.now()
	votes := m.broadcast(ctx, func(ctx context.Context, node Node) (bool, error) {
		return node.Acquire(ctx, keys, token, duration)
	})
	drift := m.drift(duration)
	reached := countVotes(votes).granted >= m.quorum
	validity := duration - m.now().Sub(start) - drift
	if reached && validity > 0 {
		return newLease(keys, token, start.Add(duration-drift)), votes, true
	}

	rollbackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.config.OperationTimeout)
	defer cancel()
	m.broadcast(rollbackCtx, func(ctx context.Context, node Node) (bool, error) {
		return true, node.Release(ctx, keys, token)
	})
	return nil, votes, reached
}

// Extend pushes the lease expiration duration into the future on a quorum of nodes.
func (m *Mutex) Extend(ctx context.Context, lease *Lease, duration time.Duration) error {
	if err := m.ready(); err != nil {
		return err
	}
	if lease == nil {
		return mutexError(ErrInvalidArgument, "lease is required")
	}
	if duration <= 0 {
		return mutexError(ErrInvalidArgument, "duration must be > 0")
	}

	start := m.now()
	votes := m.broadcast(ctx, func(ctx context.Context, node Node) (bool, error) {
		return node.Extend(ctx, lease.resources, lease.token, duration)
	})
	drift := m.drift(duration)
	granted := countVotes(votes).granted
	validity := duration - m.now().Sub(start) - drift
	if granted >= m.quorum && validity > 0 {
		lease.setExpiration(start.Add(duration - drift))
		extendTotal.WithLabelValues(extendExtended).Inc()
		return nil
	}
	extendTotal.WithLabelValues(extendLost).Inc()
	return mutexError(ErrLeaseLost, fmt.Sprintf("extension granted by %d/%d nodes, quorum %d, round %s",
		granted, len(m.nodes), m.quorum, summarizeVotes(votes)))
}

// retainFor rewrites the lease TTL on every node to remaining, so a retained
// lease lapses at its deadline rather than at the last automatic extension.
// Nodes that refuse or fail keep their longer TTL.
func (m *Mutex) retainFor(ctx context.Context, lease *Lease, remaining time.Duration) {
	votes := m.broadcast(ctx, func(ctx context.Context, node Node) (bool, error) {
		return node.Extend(ctx, lease.resources, lease.token, remaining)
	})
	lease.setExpiration(m.now().Add(remaining))
	t := countVotes(votes)
	if t.granted < len(m.nodes) {
		m.log.Warn("retained lease not trimmed on every node",
			"resources", strings.Join(lease.resources, ","), "round", summarizeVotes(votes))
		return
	}
	m.log.Debug("lease retained", "resources", strings.Join(lease.resources, ","), "remaining", remaining)
}

// Release deletes the lease on every node. Node failures are joined.
func (m *Mutex) Release(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return mutexError(ErrInvalidArgument, "lease is required")
	}
	votes := m.broadcast(ctx, func(ctx context.Context, node Node) (bool, error) {
		return true, node.Release(ctx, lease.resources, lease.token)
	})
	var errs []error
	for _, vote := range votes {
		if vote.Err != nil {
			errs = append(errs, fmt.Errorf("node %s: %w", vote.Node, vote.Err))
		}
	}
	return errors.Join(errs...)
}

// HealthCheck returns nil when a quorum of nodes answers its health check.
func (m *Mutex) HealthCheck(ctx context.Context) error {
	_, err := m.HealthyNodes(ctx)
	return err
}

// HealthyNodes pings every node and returns how many answered. The error is
// ErrQuorumUnreachable when fewer than a quorum did.
func (m *Mutex) HealthyNodes(ctx context.Context) (int, error) {
	if err := m.ready(); err != nil {
		return 0, err
	}
	votes := m.healthVotes(ctx)
	up := countVotes(votes).granted
	if up >= m.quorum {
		return up, nil
	}
	return up, mutexError(ErrQuorumUnreachable, summarizeVotes(votes))
}

func (m *Mutex) healthVotes(ctx context.Context) []Vote {
	return m.broadcast(ctx, func(ctx context.Context, node Node) (bool, error) {
		return true, node.HealthCheck(ctx)
	})
}

// Close closes every node. Further operations fail with ErrClosed.
func (m *Mutex) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	for _, node := range m.nodes {
		if err := node.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close node %s: %w", node.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (m *Mutex) ready() error {
	if m == nil {
		return mutexError(ErrNotInitialized, "mutex is nil")
	}
	if m.closed.Load() {
		return ErrClosed
	}
	return nil
}

// broadcast runs op against every node concurrently, each bounded by
// OperationTimeout, and collects one vote per node in node order.
func (m *Mutex) broadcast(ctx context.Context, op func(ctx context.Context, node Node) (bool, error)) []Vote {
	votes := make([]Vote, len(m.nodes))
	var g errgroup.Group
	for i, node := range m.nodes {
		g.Go(func() error {
			opCtx, cancel := context.WithTimeout(ctx, m.config.OperationTimeout)
			defer cancel()
			ok, err := op(opCtx, node)
			vote := Vote{Node: node.Name()}
			switch {
			case err != nil:
				vote.Result, vote.Err = VoteError, err
			case ok:
				vote.Result = VoteFor
			default:
				vote.Result = VoteHeld
			}
			votes[i] = vote
			return nil
		})
	}
	_ = g.Wait()
	return votes
}

// keepExtended extends the lease shortly before it expires until the returned
// stop function is called or an extension fails.
func (m *Mutex) keepExtended(lease *Lease, duration time.Duration) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	threshold := min(m.config.AutomaticExtensionThreshold, duration/2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			wait := max(lease.Expiration().Sub(m.now())-threshold, 0)
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}

			err := m.Extend(ctx, lease, duration)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				m.log.Warn("lease lost", "resources", strings.Join(lease.resources, ","), "error", err)
				lease.abort(err)
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
	}
}

func (m *Mutex) drift(duration time.Duration) time.Duration {
	return time.Duration(float64(duration)*m.config.DriftFactor) + clockDriftFloor
}

// retryBackOff yields RetryDelay ± RetryJitter between attempts.
func (m *Mutex) retryBackOff() backoff.BackOff {
	factor := float64(m.config.RetryJitter) / float64(m.config.RetryDelay)
	b := &backoff.ExponentialBackOff{
		InitialInterval:     m.config.RetryDelay,
		RandomizationFactor: min(factor, 1),
		Multiplier:          1,
		MaxInterval:         m.config.RetryDelay,
	}
	b.Reset()
	return b
}

// normalizeResources trims, deduplicates and sorts resources so every holder
// locks them in the same order.
func normalizeResources(resources []string) ([]string, error) {
	if len(resources) == 0 {
		return nil, mutexError(ErrInvalidArgument, "at least one resource is required")
	}
	set := make(map[string]struct{}, len(resources))
	for _, resource := range resources {
		resource = strings.TrimSpace(resource)
		if resource == "" {
			return nil, mutexError(ErrInvalidArgument, "resource names must not be blank")
		}
		set[resource] = struct{}{}
	}
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}
