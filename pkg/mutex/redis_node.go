package mutex

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultRedisPrefix = "jobcoord:lock"
)

var (
	// All keys are checked before any is written so a partial grant never happens.
	redisAcquireScript = redis.NewScript(`
for _, key in ipairs(KEYS) do
  if redis.call("EXISTS", key) == 1 then
    return 0
  end
end
for _, key in ipairs(KEYS) do
  redis.call("SET", key, ARGV[1], "PX", ARGV[2])
end
return #KEYS
`)

	redisExtendScript = redis.NewScript(`
for _, key in ipairs(KEYS) do
  if redis.call("GET", key) ~= ARGV[1] then
    return 0
  end
end
for _, key in ipairs(KEYS) do
  redis.call("PEXPIRE", key, ARGV[2])
end
return #KEYS
`)

	redisReleaseScript = redis.NewScript(`
local released = 0
for _, key in ipairs(KEYS) do
  if redis.call("GET", key) == ARGV[1] then
    redis.call("DEL", key)
    released = released + 1
  end
end
return released
`)
)

// RedisNodeConfig configures a lock node backed by one Redis instance.
type RedisNodeConfig struct {
	Name             string
	URL              string
	Prefix           string
	OperationTimeout time.Duration
}

func (c *RedisNodeConfig) normalize() {
	if strings.TrimSpace(c.Prefix) == "" {
		c.Prefix = DefaultRedisPrefix
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = DefaultOperationTimeout
	}
}

// RedisNode is a lock node on a standalone Redis instance. The key value is
// the holder's token and expiry uses PX TTLs.
type RedisNode struct {
	name   string
	client *redis.Client
	prefix string
}

// NewRedisNode connects to the Redis instance at cfg.URL and pings it.
func NewRedisNode(cfg RedisNodeConfig) (*RedisNode, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, mutexError(ErrInvalidArgument, "redis url is required")
	}
	cfg.normalize()

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.Join(mutexError(ErrInvalidArgument, "parse redis url failed"), err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Join(mutexError(ErrQuorumUnreachable, "ping redis failed"), err)
	}

	name := cfg.Name
	if strings.TrimSpace(name) == "" {
		name = opts.Addr
	}
	return NewRedisNodeFromClient(name, client, cfg.Prefix), nil
}

// NewRedisNodeFromClient wraps an existing client. The node takes ownership of it.
func NewRedisNodeFromClient(name string, client *redis.Client, prefix string) *RedisNode {
	if strings.TrimSpace(prefix) == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisNode{
		name:   name,
		client: client,
		prefix: strings.TrimRight(prefix, ":"),
	}
}

func (n *RedisNode) Name() string { return n.name }

func (n *RedisNode) Acquire(ctx context.Context, keys []string, token string, ttl time.Duration) (bool, error) {
	if err := n.ready(); err != nil {
		return false, err
	}
	granted, err := redisAcquireScript.Run(ctx, n.client, n.fullKeys(keys), token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, errors.Join(mutexError(ErrQuorumUnreachable, "redis acquire failed"), err)
	}
	return granted > 0, nil
}

func (n *RedisNode) Extend(ctx context.Context, keys []string, token string, ttl time.Duration) (bool, error) {
	if err := n.ready(); err != nil {
		return false, err
	}
	extended, err := redisExtendScript.Run(ctx, n.client, n.fullKeys(keys), token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, errors.Join(mutexError(ErrQuorumUnreachable, "redis extend failed"), err)
	}
	return extended > 0, nil
}

func (n *RedisNode) Release(ctx context.Context, keys []string, token string) error {
	if err := n.ready(); err != nil {
		return err
	}
	if err := redisReleaseScript.Run(ctx, n.client, n.fullKeys(keys), token).Err(); err != nil {
		return errors.Join(mutexError(ErrQuorumUnreachable, "redis release failed"), err)
	}
	return nil
}

// HealthCheck verifies Redis connectivity.
func (n *RedisNode) HealthCheck(ctx context.Context) error {
	if err := n.ready(); err != nil {
		return err
	}
	if err := n.client.Ping(ctx).Err(); err != nil {
		return errors.Join(mutexError(ErrQuorumUnreachable, "redis healthcheck failed"), err)
	}
	return nil
}

// Close closes Redis client connections.
func (n *RedisNode) Close() error {
	if n == nil || n.client == nil {
		return nil
	}
	return n.client.Close()
}

func (n *RedisNode) ready() error {
	if n == nil || n.client == nil {
		return mutexError(ErrNotInitialized, "redis node is not initialized")
	}
	return nil
}

func (n *RedisNode) fullKeys(keys []string) []string {
	out := make([]string, len(keys))
	for i, key := range keys {
		out[i] = n.prefix + ":" + key
	}
	return out
}
