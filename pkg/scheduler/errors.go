package scheduler

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation classifies invalid jobs and configuration.
	ErrValidation = errors.New("scheduler validation error")
	// ErrConflict classifies state conflicts (for example duplicate job, already running).
	ErrConflict = errors.New("scheduler conflict")
	// ErrNotFound classifies unknown job names.
	ErrNotFound = errors.New("scheduler not found")
	// ErrInvalidArgument classifies invalid caller arguments.
	ErrInvalidArgument = errors.New("scheduler invalid argument")
	// ErrJobPanic classifies a job whose Run panicked.
	ErrJobPanic = errors.New("scheduler job panicked")
	// ErrShutdownTimeout is returned when in-flight ticks outlive Stop's deadline.
	ErrShutdownTimeout = errors.New("scheduler shutdown timed out")
)

func schedulerError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}
