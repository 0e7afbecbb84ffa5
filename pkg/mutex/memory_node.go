package mutex

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	token     string
	expiresAt time.Time
}

// MemoryNode is an in-process lock node. It gives a single process, or a test,
// the same semantics as a remote node.
type MemoryNode struct {
	name string
	now  func() time.Time

	mu      sync.Mutex
	entries map[string]memoryEntry
	closed  bool
}

// NewMemoryNode creates an empty in-process node.
func NewMemoryNode(name string) *MemoryNode {
	return &MemoryNode{
		name:    name,
		now:     time.Now,
		entries: make(map[string]memoryEntry),
	}
}

func (n *MemoryNode) Name() string { return n.name }

func (n *MemoryNode) Acquire(ctx context.Context, keys []string, token string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return false, ErrClosed
	}
	now := n.now()
	for _, key := range keys {
		if entry, ok := n.entries[key]; ok && now.Before(entry.expiresAt) {
			return false, nil
		}
	}
	for _, key := range keys {
		n.entries[key] = memoryEntry{token: token, expiresAt: now.Add(ttl)}
	}
	return true, nil
}

func (n *MemoryNode) Extend(ctx context.Context, keys []string, token string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return false, ErrClosed
	}
	now := n.now()
	for _, key := range keys {
		entry, ok := n.entries[key]
		if !ok || entry.token != token || !now.Before(entry.expiresAt) {
			return false, nil
		}
	}
	for _, key := range keys {
		n.entries[key] = memoryEntry{token: token, expiresAt: now.Add(ttl)}
	}
	return true, nil
}

func (n *MemoryNode) Release(ctx context.Context, keys []string, token string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}
	for _, key := range keys {
		if entry, ok := n.entries[key]; ok && entry.token == token {
			delete(n.entries, key)
		}
	}
	return nil
}

// Holder returns the token currently owning key, if the entry is alive.
func (n *MemoryNode) Holder(key string) (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	entry, ok := n.entries[key]
	if !ok || !n.now().Before(entry.expiresAt) {
		return "", false
	}
	return entry.token, true
}

func (n *MemoryNode) HealthCheck(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}
	return ctx.Err()
}

func (n *MemoryNode) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	n.entries = make(map[string]memoryEntry)
	return nil
}
