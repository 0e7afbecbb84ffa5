package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nimburion/jobcoord/pkg/mutex"
	"github.com/nimburion/jobcoord/pkg/observability/logger"
	"github.com/nimburion/jobcoord/pkg/scheduler"
)

var errPurge = errors.New("relation does not exist")

type fakePurger struct {
	name   string
	purged int64
	err    error
	calls  int
}

func (p *fakePurger) Name() string { return p.name }

func (p *fakePurger) PurgeExpired(context.Context) (int64, error) {
	p.calls++
	return p.purged, p.err
}

type fakeChecker struct {
	up  int
	err error
}

func (p fakeChecker) HealthyNodes(context.Context) (int, error) { return p.up, p.err }

func TestNewLockTableGC(t *testing.T) {
	if _, err := NewLockTableGC(nil, time.Minute, nil); !errors.Is(err, scheduler.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument without nodes, got %v", err)
	}
	gc, err := NewLockTableGC([]Purger{&fakePurger{name: "pg-a"}}, 0, nil)
	if err != nil {
		t.Fatalf("NewLockTableGC() error = %v", err)
	}
	if gc.Name() != LockTableGCName || gc.Frequency() != DefaultLockTableGCInterval {
		t.Fatalf("unexpected job %s/%v", gc.Name(), gc.Frequency())
	}
	if err := scheduler.NewRegistry().Add(gc); err != nil {
		t.Fatalf("lock table gc must be a valid job: %v", err)
	}
}

func TestLockTableGC_SumsPurgedRows(t *testing.T) {
	a := &fakePurger{name: "pg-a", purged: 3}
	b := &fakePurger{name: "pg-b", purged: 4}
	gc, _ := NewLockTableGC([]Purger{a, b}, time.Minute, logger.Nop())

	units, err := gc.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if units == nil || *units != 7 {
		t.Fatalf("expected 7 units, got %v", units)
	}
}

func TestLockTableGC_AttemptsEveryNodeOnFailure(t *testing.T) {
	a := &fakePurger{name: "pg-a", err: errPurge}
	b := &fakePurger{name: "pg-b", purged: 2}
	gc, _ := NewLockTableGC([]Purger{a, b}, time.Minute, logger.Nop())

	units, err := gc.Run(context.Background(), nil)
	if !errors.Is(err, errPurge) {
		t.Fatalf("expected purge error, got %v", err)
	}
	if units != nil {
		t.Fatalf("failed run must not report units, got %d", *units)
	}
	if b.calls != 1 {
		t.Fatalf("expected the healthy node to be purged anyway, got %d calls", b.calls)
	}
}

func TestLeaseCheck(t *testing.T) {
	check := NewLeaseCheck(fakeChecker{up: 3}, 0, nil)
	if check.Name() != LeaseCheckName || check.Frequency() != DefaultLeaseCheckInterval {
		t.Fatalf("unexpected job %s/%v", check.Name(), check.Frequency())
	}
	units, err := check.Run(context.Background(), nil)
	if err != nil || units == nil || *units != 3 {
		t.Fatalf("Run() = %v, %v", units, err)
	}

	failing := NewLeaseCheck(fakeChecker{up: 1, err: mutex.ErrQuorumUnreachable}, time.Second, nil)
	if _, err := failing.Run(context.Background(), nil); !errors.Is(err, mutex.ErrQuorumUnreachable) {
		t.Fatalf("expected quorum error, got %v", err)
	}
}

func TestLeaseCheck_UnderScheduler(t *testing.T) {
	nodes := []mutex.Node{mutex.NewMemoryNode("a"), mutex.NewMemoryNode("b"), mutex.NewMemoryNode("c")}
	m, err := mutex.New(nodes, logger.Nop(), mutex.Config{RetryCount: -1})
	if err != nil {
		t.Fatalf("mutex.New() error = %v", err)
	}
	runtime, err := scheduler.NewRuntime(m, logger.Nop(), nil, scheduler.Config{})
	if err != nil {
		t.Fatalf("NewRuntime() error = %v", err)
	}

	result, err := runtime.Trigger(context.Background(), NewLeaseCheck(m, time.Minute, logger.Nop()))
	if err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}
	if result.Outcome != scheduler.OutcomeCompleted || result.Units == nil || *result.Units != 3 {
		t.Fatalf("unexpected tick result %+v", result)
	}
}
