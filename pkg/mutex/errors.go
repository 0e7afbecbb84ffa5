package mutex

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrResourceLocked classifies contention: another holder owns the resources.
	ErrResourceLocked = errors.New("mutex resource locked")
	// ErrQuorumUnreachable classifies lock-service unavailability.
	ErrQuorumUnreachable = errors.New("mutex quorum unreachable")
	// ErrLeaseLost is reported through the lease signal when extension fails.
	ErrLeaseLost = errors.New("mutex lease lost")
	// ErrRoutine wraps errors returned by the routine run under the lock.
	ErrRoutine = errors.New("mutex routine failed")
	// ErrInvalidArgument classifies invalid caller arguments.
	ErrInvalidArgument = errors.New("mutex invalid argument")
	// ErrNotInitialized classifies missing mutex or node initialization.
	ErrNotInitialized = errors.New("mutex not initialized")
	// ErrClosed classifies operations on a closed mutex.
	ErrClosed = errors.New("mutex closed")
)

func mutexError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}

// AcquireError is returned when no lease could be obtained within the retry
// budget. It unwraps to ErrResourceLocked or ErrQuorumUnreachable.
type AcquireError struct {
	Resources []string
	Attempts  int
	// Votes are the node answers of the last attempt.
	Votes []Vote
	Kind  error
}

func (e *AcquireError) Error() string {
	return fmt.Sprintf("%s: %d attempt(s) on [%s], last round %s",
		e.Kind, e.Attempts, strings.Join(e.Resources, ","), summarizeVotes(e.Votes))
}

func (e *AcquireError) Unwrap() error { return e.Kind }

// ExecutionError wraps an error returned by a routine run under a lease.
type ExecutionError struct {
	Resources []string
	Err       error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s on [%s]: %v", ErrRoutine, strings.Join(e.Resources, ","), e.Err)
}

func (e *ExecutionError) Unwrap() []error { return []error{ErrRoutine, e.Err} }

// IsContention reports whether err means another holder owns the lock.
func IsContention(err error) bool {
	return errors.Is(err, ErrResourceLocked)
}

// IsUnavailable reports whether err means the lock service could not reach quorum.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrQuorumUnreachable)
}

// classifyFailure decides the kind of a failed acquisition from its last round.
// A "held" answer means contention only while enough nodes answered for a
// quorum to be possible at all. Otherwise the round failed because nodes were
// unreachable, as it did when quorum was reached too late.
func classifyFailure(votes []Vote, quorum int, quorumReached bool) error {
	if quorumReached {
		return ErrQuorumUnreachable
	}
	t := countVotes(votes)
	if t.held > 0 && t.granted+t.held >= quorum {
		return ErrResourceLocked
	}
	return ErrQuorumUnreachable
}

func summarizeVotes(votes []Vote) string {
	if len(votes) == 0 {
		return "none"
	}
	parts := make([]string, 0, len(votes))
	for _, vote := range votes {
		part := vote.Node + "=" + vote.Result.String()
		if vote.Err != nil {
			part += "(" + vote.Err.Error() + ")"
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, " ")
}
