package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// MinFrequency is the shortest accepted job period. The period is also the
// lease duration, and below this the mutex drift allowance leaves the lease
// too little validity to be acquired reliably.
const MinFrequency = 10 * time.Millisecond

// Signal tells a running job whether its lease is still trusted.
// *mutex.Lease implements it.
type Signal interface {
	Done() <-chan struct{}
	Err() error
	Aborted() bool
}

// Job is a named periodic unit of work. At most one replica runs a given job
// at any instant and consecutive runs start at least Frequency apart.
type Job interface {
	Name() string
	Frequency() time.Duration
	// LockedResources are extra lock names held together with the job name,
	// for jobs that must also exclude each other.
	LockedResources() []string
	// Run performs one pass. The returned units of work are optional; nil
	// means the job does not report any.
	Run(ctx context.Context, signal Signal) (*int64, error)
}

// JobFunc is the body of a job built with NewJob.
type JobFunc func(ctx context.Context, signal Signal) (*int64, error)

// JobOption customizes a job built with NewJob.
type JobOption func(*funcJob)

// WithLockedResources adds lock names held while the job runs.
func WithLockedResources(resources ...string) JobOption {
	return func(j *funcJob) {
		j.resources = append(j.resources, resources...)
	}
}

type funcJob struct {
	name      string
	frequency time.Duration
	run       JobFunc
	resources []string
}

// NewJob adapts a plain function into a Job.
func NewJob(name string, frequency time.Duration, run JobFunc, opts ...JobOption) Job {
	job := &funcJob{name: name, frequency: frequency, run: run}
	for _, opt := range opts {
		opt(job)
	}
	return job
}

func (j *funcJob) Name() string              { return j.name }
func (j *funcJob) Frequency() time.Duration  { return j.frequency }
func (j *funcJob) LockedResources() []string { return append([]string(nil), j.resources...) }

func (j *funcJob) Run(ctx context.Context, signal Signal) (*int64, error) {
	if j.run == nil {
		return nil, schedulerError(ErrInvalidArgument, fmt.Sprintf("job %q has no run function", j.name))
	}
	return j.run(ctx, signal)
}

// Units returns a pointer to n, for jobs reporting units of work.
func Units(n int64) *int64 {
	return &n
}

func validateJob(job Job) error {
	if job == nil {
		return schedulerError(ErrValidation, "job is nil")
	}
	if strings.TrimSpace(job.Name()) == "" {
		return schedulerError(ErrValidation, "job name is required")
	}
	if job.Frequency() < MinFrequency {
		return schedulerError(ErrValidation, fmt.Sprintf("job %q frequency %v is below the %v minimum", job.Name(), job.Frequency(), MinFrequency))
	}
	for _, resource := range job.LockedResources() {
		if strings.TrimSpace(resource) == "" {
			return schedulerError(ErrValidation, fmt.Sprintf("job %q has a blank locked resource", job.Name()))
		}
	}
	return nil
}

// lockKeys returns the job name followed by its extra resources.
func lockKeys(job Job) []string {
	return append([]string{job.Name()}, job.LockedResources()...)
}
