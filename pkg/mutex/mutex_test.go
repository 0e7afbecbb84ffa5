package mutex

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nimburion/jobcoord/pkg/observability/logger"
)

var (
	errNodeDown = errors.New("node down")
	errBoom     = errors.New("boom")
)

// switchableNode is a MemoryNode that can be taken offline.
type switchableNode struct {
	*MemoryNode
	down atomic.Bool
}

func newSwitchableNode(name string) *switchableNode {
	return &switchableNode{MemoryNode: NewMemoryNode(name)}
}

func (n *switchableNode) Acquire(ctx context.Context, keys []string, token string, ttl time.Duration) (bool, error) {
	if n.down.Load() {
		return false, errNodeDown
	}
	return n.MemoryNode.Acquire(ctx, keys, token, ttl)
}

func (n *switchableNode) Extend(ctx context.Context, keys []string, token string, ttl time.Duration) (bool, error) {
	if n.down.Load() {
		return false, errNodeDown
	}
	return n.MemoryNode.Extend(ctx, keys, token, ttl)
}

func (n *switchableNode) Release(ctx context.Context, keys []string, token string) error {
	if n.down.Load() {
		return errNodeDown
	}
	return n.MemoryNode.Release(ctx, keys, token)
}

func (n *switchableNode) HealthCheck(ctx context.Context) error {
	if n.down.Load() {
		return errNodeDown
	}
	return n.MemoryNode.HealthCheck(ctx)
}

func newCluster(size int) []*switchableNode {
	nodes := make([]*switchableNode, size)
	for i := range nodes {
		nodes[i] = newSwitchableNode(fmt.Sprintf("node-%d", i))
	}
	return nodes
}

func asNodes(cluster []*switchableNode) []Node {
	nodes := make([]Node, len(cluster))
	for i, node := range cluster {
		nodes[i] = node
	}
	return nodes
}

func fastConfig() Config {
	return Config{
		RetryCount:                  -1,
		RetryDelay:                  2 * time.Millisecond,
		RetryJitter:                 time.Millisecond,
		AutomaticExtensionThreshold: 50 * time.Millisecond,
		OperationTimeout:            100 * time.Millisecond,
	}
}

func newTestMutex(t *testing.T, cluster []*switchableNode, cfg Config) *Mutex {
	t.Helper()
	m, err := New(asNodes(cluster), logger.Nop(), cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return m
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(nil, nil, Config{}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument without nodes, got %v", err)
	}
	dup := []Node{NewMemoryNode("a"), NewMemoryNode("a")}
	if _, err := New(dup, nil, Config{}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for duplicate names, got %v", err)
	}
	if _, err := New([]Node{nil}, nil, Config{}); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized for nil node, got %v", err)
	}
}

func TestConfig_Defaults(t *testing.T) {
	m, err := New([]Node{NewMemoryNode("a")}, nil, Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	cfg := m.Config()
	if cfg.DriftFactor != DefaultDriftFactor || cfg.RetryCount != DefaultRetryCount ||
		cfg.RetryDelay != DefaultRetryDelay || cfg.RetryJitter != DefaultRetryJitter ||
		cfg.AutomaticExtensionThreshold != DefaultAutomaticExtensionThreshold ||
		cfg.OperationTimeout != DefaultOperationTimeout {
		t.Fatalf("unexpected defaults %+v", cfg)
	}

	noRetry, _ := New([]Node{NewMemoryNode("a")}, nil, Config{RetryCount: -1})
	if noRetry.Config().RetryCount != 0 {
		t.Fatalf("expected negative retry count to disable retries, got %d", noRetry.Config().RetryCount)
	}
}

func TestQuorumSize(t *testing.T) {
	cases := map[int]int{1: 1, 2: 2, 3: 2, 4: 3, 5: 3, 7: 4}
	for n, want := range cases {
		if got := quorumSize(n); got != want {
			t.Fatalf("quorumSize(%d) = %d, want %d", n, got, want)
		}
	}
}

func TestNormalizeResources(t *testing.T) {
	keys, err := normalizeResources([]string{"workspace-gc", " cursor ", "workspace-gc"})
	if err != nil {
		t.Fatalf("normalizeResources() error = %v", err)
	}
	if len(keys) != 2 || keys[0] != "cursor" || keys[1] != "workspace-gc" {
		t.Fatalf("unexpected keys %v", keys)
	}
	if _, err := normalizeResources(nil); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for empty set, got %v", err)
	}
	if _, err := normalizeResources([]string{"a", "  "}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for blank resource, got %v", err)
	}
}

func TestMutex_UsingAcquiresAndReleases(t *testing.T) {
	cluster := newCluster(3)
	m := newTestMutex(t, cluster, fastConfig())

	var token string
	err := m.Using(context.Background(), []string{"workspace-gc"}, time.Second, func(ctx context.Context, lease *Lease) error {
		token = lease.Token()
		for _, node := range cluster {
			if holder, ok := node.Holder("workspace-gc"); !ok || holder != token {
				t.Errorf("%s: expected holder %s, got %q", node.Name(), token, holder)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Using() error = %v", err)
	}
	for _, node := range cluster {
		if _, ok := node.Holder("workspace-gc"); ok {
			t.Fatalf("%s: expected key released", node.Name())
		}
	}
}

func TestMutex_UsingWrapsRoutineError(t *testing.T) {
	m := newTestMutex(t, newCluster(1), fastConfig())
	err := m.Using(context.Background(), []string{"job"}, time.Second, func(context.Context, *Lease) error {
		return errBoom
	})
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected ExecutionError, got %v", err)
	}
	if !errors.Is(err, ErrRoutine) || !errors.Is(err, errBoom) {
		t.Fatalf("expected error to unwrap to ErrRoutine and the routine error, got %v", err)
	}
	if IsContention(err) || IsUnavailable(err) {
		t.Fatal("routine errors must not classify as acquisition failures")
	}
}

func TestMutex_ContentionIsClassified(t *testing.T) {
	cluster := newCluster(3)
	holder := newTestMutex(t, cluster, fastConfig())
	cfg := fastConfig()
	cfg.RetryCount = 2
	contender := newTestMutex(t, cluster, cfg)

	before := testutil.ToFloat64(acquireTotal.WithLabelValues(outcomeContention))
	lease, err := holder.Acquire(context.Background(), []string{"job"}, time.Second)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer func() { _ = holder.Release(context.Background(), lease) }()

	_, err = contender.Acquire(context.Background(), []string{"job"}, time.Second)
	if !IsContention(err) || IsUnavailable(err) {
		t.Fatalf("expected contention, got %v", err)
	}
	var acquireErr *AcquireError
	if !errors.As(err, &acquireErr) {
		t.Fatalf("expected AcquireError, got %T", err)
	}
	if acquireErr.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", acquireErr.Attempts)
	}
	if len(acquireErr.Votes) != 3 {
		t.Fatalf("expected one vote per node, got %d", len(acquireErr.Votes))
	}
	if after := testutil.ToFloat64(acquireTotal.WithLabelValues(outcomeContention)); after != before+1 {
		t.Fatalf("expected contention counter to increase by one, got %v -> %v", before, after)
	}
}

func TestMutex_OverlappingResourceSetsContend(t *testing.T) {
	cluster := newCluster(3)
	m := newTestMutex(t, cluster, fastConfig())

	lease, err := m.Acquire(context.Background(), []string{"job-a", "shared-cursor"}, time.Second)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer func() { _ = m.Release(context.Background(), lease) }()

	if _, err := m.Acquire(context.Background(), []string{"job-b", "shared-cursor"}, time.Second); !IsContention(err) {
		t.Fatalf("expected contention on shared resource, got %v", err)
	}
	for _, node := range cluster {
		if _, ok := node.Holder("job-b"); ok {
			t.Fatalf("%s: partial grant of job-b must not happen", node.Name())
		}
	}
}

func TestMutex_ToleratesMinorityFailure(t *testing.T) {
	cluster := newCluster(3)
	cluster[2].down.Store(true)
	m := newTestMutex(t, cluster, fastConfig())

	lease, err := m.Acquire(context.Background(), []string{"job"}, time.Second)
	if err != nil {
		t.Fatalf("expected acquisition with a minority down, got %v", err)
	}
	if err := m.Release(context.Background(), lease); !errors.Is(err, errNodeDown) {
		t.Fatalf("expected release to report the down node, got %v", err)
	}
}

func TestMutex_QuorumLossIsUnavailable(t *testing.T) {
	cluster := newCluster(3)
	cluster[1].down.Store(true)
	cluster[2].down.Store(true)
	m := newTestMutex(t, cluster, fastConfig())

	_, err := m.Acquire(context.Background(), []string{"job"}, time.Second)
	if !IsUnavailable(err) || IsContention(err) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if _, ok := cluster[0].Holder("job"); ok {
		t.Fatal("failed attempt must be rolled back on the granting node")
	}
}

func TestMutex_HeldVoteOutweighsNodeErrors(t *testing.T) {
	cluster := newCluster(3)
	holder := newTestMutex(t, cluster[:1], fastConfig())
	lease, err := holder.Acquire(context.Background(), []string{"job"}, time.Second)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer func() { _ = holder.Release(context.Background(), lease) }()

	cluster[1].down.Store(true)
	m := newTestMutex(t, cluster, fastConfig())
	if _, err := m.Acquire(context.Background(), []string{"job"}, time.Second); !IsContention(err) {
		t.Fatalf("expected contention when a node reports the key held, got %v", err)
	}
	if _, ok := cluster[2].Holder("job"); ok {
		t.Fatal("rejected attempt must be rolled back")
	}
}

func TestMutex_HeldVoteWithoutPossibleQuorumIsUnavailable(t *testing.T) {
	cluster := newCluster(3)
	holder := newTestMutex(t, cluster[:1], fastConfig())
	lease, err := holder.Acquire(context.Background(), []string{"job"}, time.Second)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer func() { _ = holder.Release(context.Background(), lease) }()

	cluster[1].down.Store(true)
	cluster[2].down.Store(true)
	m := newTestMutex(t, cluster, fastConfig())
	_, err = m.Acquire(context.Background(), []string{"job"}, time.Second)
	if !IsUnavailable(err) {
		t.Fatalf("expected unavailable when only a minority of nodes answers, got %v", err)
	}
	if IsContention(err) {
		t.Fatalf("a single held vote must not be reported as contention, got %v", err)
	}
}

func TestClassifyFailure(t *testing.T) {
	vote := func(r VoteResult) Vote { return Vote{Node: "n", Result: r} }
	tests := []struct {
		name    string
		votes   []Vote
		reached bool
		want    error
	}{
		{"all held", []Vote{vote(VoteHeld), vote(VoteHeld), vote(VoteHeld)}, false, ErrResourceLocked},
		{"held and granted reach quorum", []Vote{vote(VoteHeld), vote(VoteFor), vote(VoteError)}, false, ErrResourceLocked},
		{"held minority with errors", []Vote{vote(VoteHeld), vote(VoteError), vote(VoteError)}, false, ErrQuorumUnreachable},
		{"only errors", []Vote{vote(VoteError), vote(VoteError), vote(VoteError)}, false, ErrQuorumUnreachable},
		{"quorum reached too late", []Vote{vote(VoteFor), vote(VoteFor), vote(VoteHeld)}, true, ErrQuorumUnreachable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyFailure(tt.votes, 2, tt.reached); got != tt.want {
				t.Fatalf("classifyFailure() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMutex_CancelAbortsAcquisition(t *testing.T) {
	cluster := newCluster(1)
	holder := newTestMutex(t, cluster, fastConfig())
	lease, err := holder.Acquire(context.Background(), []string{"job"}, time.Second)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer func() { _ = holder.Release(context.Background(), lease) }()

	cfg := fastConfig()
	cfg.RetryCount = 1000
	cfg.RetryDelay = 10 * time.Millisecond
	m := newTestMutex(t, cluster, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = m.Acquire(ctx, []string{"job"}, time.Second)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("cancellation did not stop the retry loop")
	}
}

func TestMutex_InvalidArguments(t *testing.T) {
	m := newTestMutex(t, newCluster(1), fastConfig())
	ctx := context.Background()

	if _, err := m.Acquire(ctx, []string{"job"}, 0); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for zero duration, got %v", err)
	}
	if err := m.Using(ctx, []string{"job"}, time.Second, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for nil routine, got %v", err)
	}
	if err := m.Extend(ctx, nil, time.Second); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for nil lease, got %v", err)
	}
}

func TestMutex_ClosedRejectsOperations(t *testing.T) {
	m := newTestMutex(t, newCluster(3), fastConfig())
	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if _, err := m.Acquire(context.Background(), []string{"job"}, time.Second); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := m.HealthCheck(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from health check, got %v", err)
	}
}

func TestMutex_AutoExtensionKeepsLongRunAlive(t *testing.T) {
	cluster := newCluster(3)
	m := newTestMutex(t, cluster, fastConfig())

	err := m.Using(context.Background(), []string{"long-job"}, 150*time.Millisecond, func(ctx context.Context, lease *Lease) error {
		first := lease.Expiration()
		time.Sleep(450 * time.Millisecond)
		if lease.Aborted() {
			return fmt.Errorf("lease aborted: %w", lease.Err())
		}
		if !lease.Expiration().After(first) {
			return errors.New("expiration was not pushed forward")
		}
		for _, node := range cluster {
			if holder, ok := node.Holder("long-job"); !ok || holder != lease.Token() {
				return fmt.Errorf("%s lost the key", node.Name())
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Using() error = %v", err)
	}
}

func TestMutex_LeaseLostSignal(t *testing.T) {
	cluster := newCluster(3)
	m := newTestMutex(t, cluster, fastConfig())

	err := m.Using(context.Background(), []string{"job"}, 150*time.Millisecond, func(ctx context.Context, lease *Lease) error {
		cluster[0].down.Store(true)
		cluster[1].down.Store(true)
		select {
		case <-lease.Done():
		case <-time.After(2 * time.Second):
			return errors.New("lease was not reported lost")
		}
		if !errors.Is(lease.Err(), ErrLeaseLost) {
			return fmt.Errorf("expected ErrLeaseLost, got %v", lease.Err())
		}
		if !lease.Aborted() {
			return errors.New("expected Aborted() after Done")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Using() error = %v", err)
	}
}

func TestMutex_RetainSkipsRelease(t *testing.T) {
	cluster := newCluster(1)
	m := newTestMutex(t, cluster, fastConfig())

	var token string
	err := m.Using(context.Background(), []string{"job"}, time.Second, func(ctx context.Context, lease *Lease) error {
		token = lease.Token()
		lease.Retain()
		return nil
	})
	if err != nil {
		t.Fatalf("Using() error = %v", err)
	}
	if holder, ok := cluster[0].Holder("job"); !ok || holder != token {
		t.Fatalf("expected retained lease to stay in place, got %q", holder)
	}
}

func TestMutex_RetainUntilTrimsExtendedLease(t *testing.T) {
	cluster := newCluster(3)
	m := newTestMutex(t, cluster, fastConfig())

	var token string
	var deadline time.Time
	err := m.Using(context.Background(), []string{"job"}, 400*time.Millisecond, func(ctx context.Context, lease *Lease) error {
		token = lease.Token()
		// outlive the first automatic extension
		time.Sleep(380 * time.Millisecond)
		deadline = time.Now().Add(50 * time.Millisecond)
		lease.RetainUntil(deadline)
		return nil
	})
	if err != nil {
		t.Fatalf("Using() error = %v", err)
	}
	for _, node := range cluster {
		if holder, ok := node.Holder("job"); !ok || holder != token {
			t.Fatalf("expected %s to keep the retained lease, got %q", node.Name(), holder)
		}
	}

	time.Sleep(time.Until(deadline) + 100*time.Millisecond)
	for _, node := range cluster {
		if holder, ok := node.Holder("job"); ok {
			t.Fatalf("expected %s to drop the lease at its deadline, still held by %q", node.Name(), holder)
		}
	}
}

func TestMutex_RetainUntilPastDeadlineReleases(t *testing.T) {
	cluster := newCluster(1)
	m := newTestMutex(t, cluster, fastConfig())

	err := m.Using(context.Background(), []string{"job"}, time.Second, func(ctx context.Context, lease *Lease) error {
		lease.RetainUntil(time.Now().Add(-time.Millisecond))
		return nil
	})
	if err != nil {
		t.Fatalf("Using() error = %v", err)
	}
	if holder, ok := cluster[0].Holder("job"); ok {
		t.Fatalf("expected lease past its deadline to be released, held by %q", holder)
	}
}

func TestMutex_HealthCheck(t *testing.T) {
	cluster := newCluster(3)
	m := newTestMutex(t, cluster, fastConfig())

	cluster[0].down.Store(true)
	if err := m.HealthCheck(context.Background()); err != nil {
		t.Fatalf("expected healthy quorum, got %v", err)
	}
	if up, err := m.HealthyNodes(context.Background()); err != nil || up != 2 {
		t.Fatalf("HealthyNodes() = %d, %v; want 2, nil", up, err)
	}
	cluster[1].down.Store(true)
	if err := m.HealthCheck(context.Background()); !IsUnavailable(err) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if up, err := m.HealthyNodes(context.Background()); !errors.Is(err, ErrQuorumUnreachable) || up != 1 {
		t.Fatalf("HealthyNodes() = %d, %v; want 1, ErrQuorumUnreachable", up, err)
	}
}

func TestMutex_ConcurrentHoldersNeverOverlap(t *testing.T) {
	cluster := newCluster(3)
	replicas := make([]*Mutex, 4)
	for i := range replicas {
		cfg := fastConfig()
		cfg.RetryCount = 50
		replicas[i] = newTestMutex(t, cluster, cfg)
	}

	var inside, maxInside, runs atomic.Int32
	var wg sync.WaitGroup
	for _, replica := range replicas {
		for range 5 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = replica.Using(context.Background(), []string{"job"}, time.Second, func(context.Context, *Lease) error {
					current := inside.Add(1)
					for {
						seen := maxInside.Load()
						if current <= seen || maxInside.CompareAndSwap(seen, current) {
							break
						}
					}
					runs.Add(1)
					time.Sleep(time.Millisecond)
					inside.Add(-1)
					return nil
				})
			}()
		}
	}
	wg.Wait()

	if maxInside.Load() != 1 {
		t.Fatalf("expected at most one holder at a time, saw %d", maxInside.Load())
	}
	if runs.Load() == 0 {
		t.Fatal("expected at least one run")
	}
}
