package mutex

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/nimburion/jobcoord/pkg/observability/logger"
	"github.com/nimburion/jobcoord/pkg/testutil"
)

// TestMutex_Integration builds a quorum from a real Redis, a real Postgres and
// an in-process node.
func TestMutex_Integration(t *testing.T) {
	testutil.RequireIntegration(t)
	ctx := context.Background()

	redisContainer, err := tcredis.Run(ctx,
		"redis:7-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Ready to accept connections").WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start redis container: %v", err)
	}
	defer func() {
		if err := testcontainers.TerminateContainer(redisContainer); err != nil {
			t.Logf("terminate redis container: %v", err)
		}
	}()
	redisURL, err := redisContainer.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("redis connection string: %v", err)
	}

	pgContainer, err := postgres.Run(ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("jobcoord"),
		postgres.WithUsername("jobcoord"),
		postgres.WithPassword("jobcoord"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	defer func() {
		if err := testcontainers.TerminateContainer(pgContainer); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	}()
	pgURL, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("postgres connection string: %v", err)
	}

	redisNode, err := NewRedisNode(RedisNodeConfig{Name: "redis", URL: redisURL})
	if err != nil {
		t.Fatalf("NewRedisNode() error = %v", err)
	}
	pgNode, err := NewPostgresNode(PostgresNodeConfig{Name: "postgres", URL: pgURL})
	if err != nil {
		t.Fatalf("NewPostgresNode() error = %v", err)
	}
	m, err := New([]Node{redisNode, pgNode, NewMemoryNode("memory")}, logger.Nop(), Config{
		RetryCount:                  -1,
		AutomaticExtensionThreshold: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer m.Close()

	t.Run("UsingExtendsAcrossBackends", func(t *testing.T) {
		err := m.Using(ctx, []string{"workspace-gc", "gc-cursor"}, 500*time.Millisecond, func(ctx context.Context, lease *Lease) error {
			time.Sleep(1200 * time.Millisecond)
			return lease.Err()
		})
		if err != nil {
			t.Fatalf("Using() error = %v", err)
		}
	})

	t.Run("ContentionAcrossBackends", func(t *testing.T) {
		lease, err := m.Acquire(ctx, []string{"workspace-gc"}, 5*time.Second)
		if err != nil {
			t.Fatalf("Acquire() error = %v", err)
		}
		defer func() { _ = m.Release(ctx, lease) }()
		if _, err := m.Acquire(ctx, []string{"workspace-gc"}, 5*time.Second); !IsContention(err) {
			t.Fatalf("expected contention, got %v", err)
		}
	})

	t.Run("PurgeExpired", func(t *testing.T) {
		ok, err := pgNode.Acquire(ctx, []string{"stale"}, "tok", 10*time.Millisecond)
		if err != nil || !ok {
			t.Fatalf("Acquire() = %v, %v", ok, err)
		}
		time.Sleep(50 * time.Millisecond)
		purged, err := pgNode.PurgeExpired(ctx)
		if err != nil {
			t.Fatalf("PurgeExpired() error = %v", err)
		}
		if purged < 1 {
			t.Fatalf("expected the stale row purged, got %d", purged)
		}
	})
}
