package mutex

import (
	"sync"
	"time"
)

// Lease is a lock held on a quorum of nodes. It doubles as the liveness signal
// handed to the routine: Done is closed once the lease can no longer be
// trusted, for example when extension failed.
type Lease struct {
	resources []string
	token     string
	done      chan struct{}

	mu         sync.Mutex
	expiration time.Time
	err        error
	retain     bool
	retainTo   time.Time
}

func newLease(resources []string, token string, expiration time.Time) *Lease {
	return &Lease{
		resources:  resources,
		token:      token,
		expiration: expiration,
		done:       make(chan struct{}),
	}
}

// Resources returns the sorted resource set covered by the lease.
func (l *Lease) Resources() []string {
	out := make([]string, len(l.resources))
	copy(out, l.resources)
	return out
}

// Token returns the fencing token identifying this holder and attempt.
func (l *Lease) Token() string { return l.token }

// Expiration returns the drift-adjusted instant after which the lease may be held by a peer.
func (l *Lease) Expiration() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.expiration
}

func (l *Lease) setExpiration(expiration time.Time) {
	l.mu.Lock()
	l.expiration = expiration
	l.mu.Unlock()
}

// Done is closed when the lease has been lost.
func (l *Lease) Done() <-chan struct{} { return l.done }

// Err returns why the lease was lost, or nil while it is still valid.
func (l *Lease) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Aborted reports whether the lease has been lost.
func (l *Lease) Aborted() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// Retain leaves the lease in place when the routine returns; it then expires
// on its own TTL instead of being released.
func (l *Lease) Retain() {
	l.mu.Lock()
	l.retain = true
	l.mu.Unlock()
}

// RetainUntil is Retain with a deadline: when the routine returns the lease
// TTL is cut back so that it lapses at deadline, even if automatic extension
// pushed it further. A deadline already in the past releases the lease.
func (l *Lease) RetainUntil(deadline time.Time) {
	l.mu.Lock()
	l.retain = true
	l.retainTo = deadline
	l.mu.Unlock()
}

func (l *Lease) retained() (bool, time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.retain, l.retainTo
}

func (l *Lease) abort(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return
	}
	l.err = err
	close(l.done)
}
