package mutex

import (
	"context"
	"time"
)

// Node is one independent lock-service node. A Mutex needs a quorum of nodes
// to agree before it considers a lease held.
//
// Every operation applies to the whole key set atomically on that node.
type Node interface {
	Name() string
	// Acquire sets every key to token with the given TTL only if none of the
	// keys is currently held. It returns false, nil when at least one key is
	// owned by someone else.
	Acquire(ctx context.Context, keys []string, token string, ttl time.Duration) (bool, error)
	// Extend resets the TTL of every key if, and only if, all of them are
	// still owned by token.
	Extend(ctx context.Context, keys []string, token string, ttl time.Duration) (bool, error)
	// Release deletes the keys still owned by token.
	Release(ctx context.Context, keys []string, token string) error
	HealthCheck(ctx context.Context) error
	Close() error
}

// VoteResult is the answer of a single node to a quorum round.
type VoteResult int

const (
	// VoteFor means the node granted the operation.
	VoteFor VoteResult = iota
	// VoteHeld means the node answered but the keys belong to another holder.
	VoteHeld
	// VoteError means the node could not be reached or failed.
	VoteError
)

func (r VoteResult) String() string {
	switch r {
	case VoteFor:
		return "for"
	case VoteHeld:
		return "held"
	case VoteError:
		return "error"
	default:
		return "unknown"
	}
}

// Vote records one node's answer during a quorum round.
type Vote struct {
	Node   string
	Result VoteResult
	Err    error
}

type tally struct {
	granted int
	held    int
	failed  int
}

func countVotes(votes []Vote) tally {
	var t tally
	for _, vote := range votes {
		switch vote.Result {
		case VoteFor:
			t.granted++
		case VoteHeld:
			t.held++
		default:
			t.failed++
		}
	}
	return t
}
