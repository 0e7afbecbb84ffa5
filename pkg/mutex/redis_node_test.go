package mutex

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nimburion/jobcoord/pkg/observability/logger"
)

func newMiniredisNode(t *testing.T, name string) (*RedisNode, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	node := NewRedisNodeFromClient(name, client, "")
	t.Cleanup(func() { _ = node.Close() })
	return node, mr
}

func TestRedisNode_AcquireIsAllOrNothing(t *testing.T) {
	node, mr := newMiniredisNode(t, "redis-a")
	ctx := context.Background()

	ok, err := node.Acquire(ctx, []string{"cursor"}, "other", time.Second)
	if err != nil || !ok {
		t.Fatalf("Acquire(cursor) = %v, %v", ok, err)
	}

	ok, err = node.Acquire(ctx, []string{"job", "cursor"}, "mine", time.Second)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if ok {
		t.Fatal("expected acquisition to be refused while cursor is held")
	}
	if mr.Exists("jobcoord:lock:job") {
		t.Fatal("refused acquisition must not write any key")
	}
}

func TestRedisNode_AcquireSetsTokenAndTTL(t *testing.T) {
	node, mr := newMiniredisNode(t, "redis-a")

	ok, err := node.Acquire(context.Background(), []string{"job", "cursor"}, "tok-1", 1500*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("Acquire() = %v, %v", ok, err)
	}
	for _, key := range []string{"jobcoord:lock:job", "jobcoord:lock:cursor"} {
		value, err := mr.Get(key)
		if err != nil || value != "tok-1" {
			t.Fatalf("%s = %q, %v", key, value, err)
		}
		if ttl := mr.TTL(key); ttl != 1500*time.Millisecond {
			t.Fatalf("%s ttl = %v", key, ttl)
		}
	}

	mr.FastForward(2 * time.Second)
	ok, err = node.Acquire(context.Background(), []string{"job"}, "tok-2", time.Second)
	if err != nil || !ok {
		t.Fatalf("expected acquisition after expiry, got %v, %v", ok, err)
	}
}

func TestRedisNode_ExtendRequiresOwnershipOfEveryKey(t *testing.T) {
	node, mr := newMiniredisNode(t, "redis-a")
	ctx := context.Background()

	if ok, _ := node.Acquire(ctx, []string{"a", "b"}, "tok", time.Second); !ok {
		t.Fatal("acquire failed")
	}
	ok, err := node.Extend(ctx, []string{"a", "b"}, "tok", 5*time.Second)
	if err != nil || !ok {
		t.Fatalf("Extend() = %v, %v", ok, err)
	}
	if ttl := mr.TTL("jobcoord:lock:b"); ttl != 5*time.Second {
		t.Fatalf("expected extended ttl, got %v", ttl)
	}

	mr.Set("jobcoord:lock:b", "thief")
	ok, err = node.Extend(ctx, []string{"a", "b"}, "tok", 10*time.Second)
	if err != nil {
		t.Fatalf("Extend() error = %v", err)
	}
	if ok {
		t.Fatal("expected extension to be refused once a key changed owner")
	}
	if ttl := mr.TTL("jobcoord:lock:a"); ttl != 5*time.Second {
		t.Fatalf("refused extension must not touch any key, ttl=%v", ttl)
	}
}

func TestRedisNode_ReleaseOnlyOwnedKeys(t *testing.T) {
	node, mr := newMiniredisNode(t, "redis-a")
	ctx := context.Background()

	if ok, _ := node.Acquire(ctx, []string{"a"}, "tok", time.Second); !ok {
		t.Fatal("acquire failed")
	}
	mr.Set("jobcoord:lock:b", "other")

	if err := node.Release(ctx, []string{"a", "b"}, "tok"); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if mr.Exists("jobcoord:lock:a") {
		t.Fatal("expected owned key deleted")
	}
	if !mr.Exists("jobcoord:lock:b") {
		t.Fatal("foreign key must survive release")
	}
}

func TestRedisNode_CustomPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	node := NewRedisNodeFromClient("redis-a", redis.NewClient(&redis.Options{Addr: mr.Addr()}), "tenant:locks:")
	defer node.Close()

	if ok, err := node.Acquire(context.Background(), []string{"job"}, "tok", time.Second); err != nil || !ok {
		t.Fatalf("Acquire() = %v, %v", ok, err)
	}
	if !mr.Exists("tenant:locks:job") {
		t.Fatalf("expected prefixed key, keys=%v", mr.Keys())
	}
}

func TestNewRedisNode_Validation(t *testing.T) {
	if _, err := NewRedisNode(RedisNodeConfig{}); err == nil {
		t.Fatal("expected error without url")
	}
	if _, err := NewRedisNode(RedisNodeConfig{URL: "://bad"}); err == nil {
		t.Fatal("expected error for malformed url")
	}

	mr := miniredis.RunT(t)
	node, err := NewRedisNode(RedisNodeConfig{URL: "redis://" + mr.Addr()})
	if err != nil {
		t.Fatalf("NewRedisNode() error = %v", err)
	}
	defer node.Close()
	if node.Name() != mr.Addr() {
		t.Fatalf("expected name to default to address, got %q", node.Name())
	}
	if err := node.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck() error = %v", err)
	}
}

func TestMutex_OverRedisNodesSurvivesOneOutage(t *testing.T) {
	nodes := make([]Node, 3)
	servers := make([]*miniredis.Miniredis, 3)
	for i := range nodes {
		node, mr := newMiniredisNode(t, "redis-"+string(rune('a'+i)))
		nodes[i], servers[i] = node, mr
	}
	m, err := New(nodes, logger.Nop(), fastConfig())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	servers[1].Close()
	err = m.Using(context.Background(), []string{"workspace-gc"}, time.Second, func(ctx context.Context, lease *Lease) error {
		for _, i := range []int{0, 2} {
			if value, _ := servers[i].Get("jobcoord:lock:workspace-gc"); value != lease.Token() {
				t.Errorf("node %d: expected token %s, got %q", i, lease.Token(), value)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Using() error = %v", err)
	}
	if servers[0].Exists("jobcoord:lock:workspace-gc") {
		t.Fatal("expected release on the reachable nodes")
	}

	servers[2].Close()
	if _, err := m.Acquire(context.Background(), []string{"workspace-gc"}, time.Second); !IsUnavailable(err) {
		t.Fatalf("expected unavailable with two nodes down, got %v", err)
	}
}
