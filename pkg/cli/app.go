package cli

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/nimburion/jobcoord/pkg/config"
	"github.com/nimburion/jobcoord/pkg/health"
	"github.com/nimburion/jobcoord/pkg/jobs"
	"github.com/nimburion/jobcoord/pkg/mutex"
	"github.com/nimburion/jobcoord/pkg/observability/logger"
	"github.com/nimburion/jobcoord/pkg/observability/metrics"
	"github.com/nimburion/jobcoord/pkg/resilience"
	"github.com/nimburion/jobcoord/pkg/scheduler"
)

// NodeFactory builds the lock nodes for cfg. It returns the nodes handed to
// the mutex and the subset that supports purging expired entries.
type NodeFactory func(cfg *config.Config, log logger.Logger) (nodes []mutex.Node, purgers []jobs.Purger, err error)

// JobsConfigurator registers the host's jobs. It receives the mutex so jobs
// can take extra locks of their own.
type JobsConfigurator func(cfg *config.Config, log logger.Logger, registry *scheduler.Registry, locks *mutex.Mutex) error

// app is the wired process: lock nodes, mutex, job registry and runtime.
type app struct {
	cfg      *config.Config
	log      logger.Logger
	nodes    []mutex.Node
	mutex    *mutex.Mutex
	registry *scheduler.Registry
	metrics  *metrics.Registry
	health   *health.Registry
	runtime  *scheduler.Runtime
}

func buildApp(cfg *config.Config, log logger.Logger, opts ServiceCommandOptions) (*app, error) {
	factory := opts.NodeFactory
	if factory == nil {
		factory = DefaultNodeFactory
	}
	nodes, purgers, err := factory(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("create lock nodes: %w", err)
	}

	locks, err := mutex.New(nodes, log, mutex.Config{
		DriftFactor:                 cfg.Mutex.DriftFactor,
		RetryCount:                  cfg.Mutex.RetryCount,
		RetryDelay:                  cfg.Mutex.RetryDelay,
		RetryJitter:                 cfg.Mutex.RetryJitter,
		AutomaticExtensionThreshold: cfg.Mutex.ExtensionThreshold,
		OperationTimeout:            cfg.Lock.OperationTimeout,
	})
	if err != nil {
		closeNodes(nodes, log)
		return nil, fmt.Errorf("create mutex: %w", err)
	}

	a := &app{
		cfg:      cfg,
		log:      log,
		nodes:    nodes,
		mutex:    locks,
		registry: scheduler.NewRegistry(),
		metrics:  metrics.NewRegistry(),
		health:   health.NewRegistry(),
	}
	if err := a.registerBuiltinJobs(purgers); err != nil {
		a.close()
		return nil, err
	}
	if opts.ConfigureJobs != nil {
		if err := opts.ConfigureJobs(cfg, log, a.registry, locks); err != nil {
			a.close()
			return nil, fmt.Errorf("configure jobs: %w", err)
		}
	}

	a.metrics.MustRegister(mutex.Collectors()...)
	a.metrics.MustRegister(jobs.Collectors()...)
	a.health.Register(mutex.NewQuorumHealthChecker("", locks, cfg.Lock.OperationTimeout))
	for _, node := range nodes {
		a.health.Register(mutex.NewNodeHealthChecker(node, cfg.Lock.OperationTimeout))
	}

	runtime, err := scheduler.NewRuntime(locks, log, scheduler.NewPrometheusObserver(a.metrics.Registerer()), scheduler.Config{
		ShutdownTimeout: cfg.Scheduler.ShutdownTimeout,
	})
	if err != nil {
		a.close()
		return nil, fmt.Errorf("create scheduler runtime: %w", err)
	}
	a.runtime = runtime
	return a, nil
}

func (a *app) registerBuiltinJobs(purgers []jobs.Purger) error {
	if a.cfg.Jobs.Check.Enabled {
		if err := a.registry.Add(jobs.NewLeaseCheck(a.mutex, a.cfg.Jobs.Check.Interval, a.log)); err != nil {
			return fmt.Errorf("register %s: %w", jobs.LeaseCheckName, err)
		}
	}
	if a.cfg.Jobs.LockGC.Enabled && len(purgers) > 0 {
		gc, err := jobs.NewLockTableGC(purgers, a.cfg.Jobs.LockGC.Interval, a.log)
		if err != nil {
			return err
		}
		if err := a.registry.Add(gc); err != nil {
			return fmt.Errorf("register %s: %w", jobs.LockTableGCName, err)
		}
	}
	return nil
}

func (a *app) close() {
	if err := a.mutex.Close(); err != nil {
		a.log.Warn("failed to close lock nodes", "error", err)
	}
}

// DefaultNodeFactory builds one node per configured URL, wrapped in a
// circuit breaker when enabled. Every node must be reachable at start-up:
// dropping one would shrink the quorum this replica computes.
func DefaultNodeFactory(cfg *config.Config, log logger.Logger) ([]mutex.Node, []jobs.Purger, error) {
	var nodes []mutex.Node
	var purgers []jobs.Purger

	switch cfg.Lock.Provider {
	case config.LockProviderMemory:
		for i := range cfg.Lock.MemoryNodes {
			nodes = append(nodes, mutex.NewMemoryNode(fmt.Sprintf("memory-%d", i)))
		}
		log.Warn("using in-process lock nodes, jobs are not coordinated across replicas")
		return nodes, nil, nil

	case config.LockProviderRedis:
		for i, rawURL := range cfg.Lock.Redis.URLs {
			node, err := mutex.NewRedisNode(mutex.RedisNodeConfig{
				Name:             nodeName("redis", rawURL, i),
				URL:              rawURL,
				Prefix:           cfg.Lock.Redis.Prefix,
				OperationTimeout: cfg.Lock.OperationTimeout,
			})
			if err != nil {
				closeNodes(nodes, log)
				return nil, nil, fmt.Errorf("redis node %s: %w", config.RedactURL(rawURL), err)
			}
			nodes = append(nodes, node)
		}

	case config.LockProviderPostgres:
		for i, rawURL := range cfg.Lock.Postgres.URLs {
			node, err := mutex.NewPostgresNode(mutex.PostgresNodeConfig{
				Name:             nodeName("postgres", rawURL, i),
				URL:              rawURL,
				Table:            cfg.Lock.Postgres.Table,
				OperationTimeout: cfg.Lock.OperationTimeout,
			})
			if err != nil {
				closeNodes(nodes, log)
				return nil, nil, fmt.Errorf("postgres node %s: %w", config.RedactURL(rawURL), err)
			}
			nodes = append(nodes, node)
			purgers = append(purgers, node)
		}

	case config.LockProviderMySQL:
		for _, dsn := range cfg.Lock.MySQL.DSNs {
			node, err := mutex.NewMySQLNode(mutex.MySQLNodeConfig{
				DSN:              dsn,
				Table:            cfg.Lock.MySQL.Table,
				OperationTimeout: cfg.Lock.OperationTimeout,
			})
			if err != nil {
				closeNodes(nodes, log)
				return nil, nil, fmt.Errorf("mysql node %s: %w", config.RedactDSN(dsn), err)
			}
			nodes = append(nodes, node)
			purgers = append(purgers, node)
		}

	case config.LockProviderDynamoDB:
		for _, region := range cfg.Lock.DynamoDB.Regions {
			node, err := mutex.NewDynamoDBNode(mutex.DynamoDBNodeConfig{
				Region:           region,
				Endpoint:         cfg.Lock.DynamoDB.Endpoint,
				Table:            cfg.Lock.DynamoDB.Table,
				OperationTimeout: cfg.Lock.OperationTimeout,
			})
			if err != nil {
				closeNodes(nodes, log)
				return nil, nil, fmt.Errorf("dynamodb node %s: %w", region, err)
			}
			nodes = append(nodes, node)
		}

	default:
		return nil, nil, fmt.Errorf("unsupported lock provider %q", cfg.Lock.Provider)
	}

	if cfg.Lock.Breaker.Enabled {
		for i, node := range nodes {
			nodes[i] = mutex.NewBreakerNode(node, resilience.BreakerConfig{
				Name:         node.Name(),
				MaxFailures:  cfg.Lock.Breaker.MaxFailures,
				ResetTimeout: cfg.Lock.Breaker.ResetTimeout,
				OnStateChange: func(name string, from, to resilience.State) {
					log.Warn("lock node circuit breaker state changed", "node", name, "from", from.String(), "to", to.String())
				},
			})
		}
	}
	log.Info("lock nodes ready", "provider", cfg.Lock.Provider, "nodes", len(nodes), "quorum", len(nodes)/2+1)
	return nodes, purgers, nil
}

// nodeName derives a stable, credential-free node name from its URL.
func nodeName(provider, rawURL string, index int) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return fmt.Sprintf("%s-%d", provider, index)
	}
	name := provider + "://" + parsed.Host
	if path := strings.Trim(parsed.Path, "/"); path != "" {
		name += "/" + path
	}
	return name
}

func closeNodes(nodes []mutex.Node, log logger.Logger) {
	var errs []error
	for _, node := range nodes {
		if err := node.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", node.Name(), err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		log.Warn("failed to close lock nodes", "error", err)
	}
}

// checkQuorum runs the quorum health check once.
func checkQuorum(ctx context.Context, locks *mutex.Mutex, timeout time.Duration) health.CheckResult {
	return mutex.NewQuorumHealthChecker("", locks, timeout).Check(ctx)
}
