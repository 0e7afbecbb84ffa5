package scheduler

import (
	"fmt"
)

// Registry is the ordered list of jobs a process runs. It is built once at
// start-up and handed to Runtime.Start.
type Registry struct {
	jobs  []Job
	index map[string]Job
}

func NewRegistry() *Registry {
	return &Registry{index: make(map[string]Job)}
}

// Add validates job and appends it. Names must be unique.
func (r *Registry) Add(job Job) error {
	if err := validateJob(job); err != nil {
		return err
	}
	if _, exists := r.index[job.Name()]; exists {
		return schedulerError(ErrConflict, fmt.Sprintf("job %q is already registered", job.Name()))
	}
	r.jobs = append(r.jobs, job)
	r.index[job.Name()] = job
	return nil
}

// Jobs returns the registered jobs in registration order.
func (r *Registry) Jobs() []Job {
	return append([]Job(nil), r.jobs...)
}

// Lookup finds a job by name.
func (r *Registry) Lookup(name string) (Job, error) {
	job, ok := r.index[name]
	if !ok {
		return nil, schedulerError(ErrNotFound, fmt.Sprintf("job %q", name))
	}
	return job, nil
}

func (r *Registry) Len() int { return len(r.jobs) }
