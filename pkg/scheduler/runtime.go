// Package scheduler runs periodic jobs across a fleet of replicas so that each
// job runs on at most one replica at a time, at most once per period.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nimburion/jobcoord/pkg/mutex"
	"github.com/nimburion/jobcoord/pkg/observability/logger"
	"github.com/nimburion/jobcoord/pkg/observability/tracing"
)

const (
	DefaultShutdownTimeout = 30 * time.Second
)

// Locker is the distributed mutex the runtime coordinates through.
// *mutex.Mutex satisfies it.
type Locker interface {
	Using(ctx context.Context, resources []string, duration time.Duration, routine func(ctx context.Context, lease *mutex.Lease) error) error
	HealthCheck(ctx context.Context) error
}

// Outcome is the state a tick ended in.
type Outcome string

const (
	OutcomeIdle              Outcome = "idle"
	OutcomeAcquiring         Outcome = "acquiring"
	OutcomeRunning           Outcome = "running"
	OutcomeContentionSkipped Outcome = "contention_skipped"
	OutcomeAcquisitionError  Outcome = "acquisition_error"
	OutcomeCompleted         Outcome = "completed"
	OutcomeFailed            Outcome = "failed"
)

// TickResult describes one tick of one job.
type TickResult struct {
	Job     string
	TickID  string
	Outcome Outcome
	// Units is set only when a successful run reported units of work.
	Units *int64
	// Err is the job error for OutcomeFailed and the lock error for
	// OutcomeContentionSkipped and OutcomeAcquisitionError.
	Err error
	// Duration covers Run only, not the throttle wait.
	Duration time.Duration
}

// TickHook observes every finished tick.
type TickHook func(TickResult)

// Config controls scheduler runtime behavior.
type Config struct {
	ShutdownTimeout time.Duration
	OnTick          TickHook
}

func (c *Config) normalize() {
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
}

// Runtime owns the per-job timers of one replica.
type Runtime struct {
	locker   Locker
	log      logger.Logger
	observer Observer
	config   Config

	mu      sync.Mutex
	running bool
}

// NewRuntime creates a scheduler runtime. A nil observer discards events.
func NewRuntime(locker Locker, log logger.Logger, observer Observer, cfg Config) (*Runtime, error) {
	if locker == nil {
		return nil, schedulerError(ErrInvalidArgument, "locker is required")
	}
	if log == nil {
		return nil, schedulerError(ErrInvalidArgument, "logger is required")
	}
	if observer == nil {
		observer = NopObserver{}
	}
	cfg.normalize()
	return &Runtime{
		locker:   locker,
		log:      log,
		observer: observer,
		config:   cfg,
	}, nil
}

// Handle controls a started runtime.
type Handle struct {
	runtime  *Runtime
	cancel   context.CancelFunc
	loops    sync.WaitGroup
	ticks    sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once
}

// Start validates jobs and schedules each one: a tick runs immediately and
// then every Frequency. Ticks run on their own goroutines and never block the
// timer. Cancelling ctx has the same effect as Handle.Stop without waiting.
func (r *Runtime) Start(ctx context.Context, jobs ...Job) (*Handle, error) {
	if len(jobs) == 0 {
		return nil, schedulerError(ErrValidation, "no jobs to schedule")
	}
	seen := make(map[string]struct{}, len(jobs))
	for _, job := range jobs {
		if err := validateJob(job); err != nil {
			return nil, err
		}
		if _, dup := seen[job.Name()]; dup {
			return nil, schedulerError(ErrConflict, fmt.Sprintf("job %q is scheduled twice", job.Name()))
		}
		seen[job.Name()] = struct{}{}
	}

	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil, schedulerError(ErrConflict, "scheduler already running")
	}
	r.running = true
	r.mu.Unlock()

	loopCtx, cancel := context.WithCancel(ctx)
	h := &Handle{runtime: r, cancel: cancel, done: make(chan struct{})}
	for _, job := range jobs {
		r.log.Info("job scheduled", "job", job.Name(), "frequency", job.Frequency().String())
		h.loops.Add(1)
		go h.runLoop(loopCtx, job)
	}

	go func() {
		h.loops.Wait()
		h.ticks.Wait()
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		close(h.done)
	}()
	return h, nil
}

// Stop cancels every timer and pending acquisition, cuts throttle waits short
// and waits for in-flight runs until ctx is done. Runs are never cancelled.
// Without a deadline on ctx, the configured ShutdownTimeout applies.
func (h *Handle) Stop(ctx context.Context) error {
	h.stopOnce.Do(func() {
		h.runtime.log.Info("scheduler stopping")
		h.cancel()
	})
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.runtime.config.ShutdownTimeout)
		defer cancel()
	}
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return errors.Join(schedulerError(ErrShutdownTimeout, "in-flight ticks still running"), ctx.Err())
	}
}

// Done is closed once every timer has stopped and every tick has returned.
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) runLoop(ctx context.Context, job Job) {
	defer h.loops.Done()
	h.spawnTick(ctx, job)

	ticker := time.NewTicker(job.Frequency())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.spawnTick(ctx, job)
		}
	}
}

func (h *Handle) spawnTick(ctx context.Context, job Job) {
	h.ticks.Add(1)
	go func() {
		defer h.ticks.Done()
		h.runtime.tick(ctx, job, true)
	}()
}

// Trigger runs a single tick of job now and waits for it. The lease is not
// released afterwards but left to expire, so the fleet still observes the
// job's minimum period.
func (r *Runtime) Trigger(ctx context.Context, job Job) (TickResult, error) {
	if err := validateJob(job); err != nil {
		return TickResult{}, err
	}
	return r.tick(ctx, job, false), nil
}

// tick acquires the job's lock for one period and runs the job under it.
// With holdForPeriod the lock is kept until Frequency has elapsed since
// acquisition; otherwise the lease is retained and expires on its own.
func (r *Runtime) tick(ctx context.Context, job Job, holdForPeriod bool) TickResult {
	name := job.Name()
	frequency := job.Frequency()
	tickID := uuid.NewString()

	ctx = logger.ContextWithTickID(logger.ContextWithJob(ctx, name), tickID)
	ctx, span := tracing.StartJobSpan(ctx, name, tickID, frequency.Milliseconds())
	defer span.End()
	log := r.log.WithContext(ctx)

	result := TickResult{Job: name, TickID: tickID, Outcome: OutcomeAcquiring}
	lockErr := r.locker.Using(ctx, lockKeys(job), frequency, func(lockCtx context.Context, lease *mutex.Lease) error {
		acquiredAt := time.Now()
		result.Outcome = OutcomeRunning

		r.observer.JobStarted(name)
		units, err := r.runJob(context.WithoutCancel(lockCtx), job, lease, log)
		result.Duration = time.Since(acquiredAt)
		r.observer.JobDuration(name, result.Duration)

		if err != nil {
			result.Outcome, result.Err = OutcomeFailed, err
			r.observer.JobCompleted(name, false, nil)
			log.Error("job failed", "duration", result.Duration.String(), "error", err)
		} else {
			result.Outcome, result.Units = OutcomeCompleted, units
			r.observer.JobCompleted(name, true, units)
			if units != nil {
				log.Info("job completed", "duration", result.Duration.String(), "units_of_work", *units)
			} else {
				log.Info("job completed", "duration", result.Duration.String())
			}
		}

		if !holdForPeriod {
			lease.RetainUntil(acquiredAt.Add(frequency))
			return nil
		}
		r.holdUntilPeriodEnds(ctx, lease, acquiredAt, frequency)
		return nil
	})

	switch {
	case lockErr == nil:
	case ctx.Err() != nil:
		result.Outcome, result.Err = OutcomeIdle, lockErr
		log.Debug("tick abandoned on shutdown", "error", lockErr)
	case mutex.IsContention(lockErr):
		result.Outcome, result.Err = OutcomeContentionSkipped, lockErr
		log.Debug("job skipped, lock held elsewhere")
	default:
		result.Outcome, result.Err = OutcomeAcquisitionError, lockErr
		log.Error("job lock acquisition failed", "error", lockErr)
	}

	tracing.SetOutcome(span, string(result.Outcome), result.Units)
	if result.Outcome == OutcomeFailed || result.Outcome == OutcomeAcquisitionError {
		tracing.RecordError(span, result.Err)
	} else {
		tracing.RecordSuccess(span)
	}
	if r.config.OnTick != nil {
		r.config.OnTick(result)
	}
	return result
}

// runJob calls Run and turns a panic into an error.
func (r *Runtime) runJob(ctx context.Context, job Job, signal Signal, log logger.Logger) (units *int64, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			log.Error("job panicked", "panic", fmt.Sprint(recovered), "stack", string(debug.Stack()))
			units, err = nil, schedulerError(ErrJobPanic, fmt.Sprint(recovered))
		}
	}()
	return job.Run(ctx, signal)
}

// holdUntilPeriodEnds keeps the lease until frequency has elapsed since
// acquisition. On shutdown the lease is retained with its TTL cut back to the
// end of the period, undoing any automatic extension made while Run was busy.
func (r *Runtime) holdUntilPeriodEnds(ctx context.Context, lease *mutex.Lease, acquiredAt time.Time, frequency time.Duration) {
	remaining := frequency - time.Since(acquiredAt)
	if remaining <= 0 {
		return
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-lease.Done():
	case <-ctx.Done():
		lease.RetainUntil(acquiredAt.Add(frequency))
	}
}
