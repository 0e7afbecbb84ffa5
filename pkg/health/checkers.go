package health

import (
	"context"
	"time"
)

const defaultCheckTimeout = 5 * time.Second

// Checkable is an interface for components that support health checks
type Checkable interface {
	HealthCheck(ctx context.Context) error
}

// AdapterChecker creates a health checker for any component that implements Checkable
type AdapterChecker struct {
	name    string
	adapter Checkable
	timeout time.Duration
}

// NewAdapterChecker creates a new health checker for an adapter
func NewAdapterChecker(name string, adapter Checkable, timeout time.Duration) *AdapterChecker {
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	return &AdapterChecker{name: name, adapter: adapter, timeout: timeout}
}

// Check performs the health check on the adapter
func (c *AdapterChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	result := CheckResult{Name: c.name, Status: StatusHealthy, Message: "OK"}
	if err := c.adapter.HealthCheck(checkCtx); err != nil {
		result.Status, result.Message, result.Error = StatusUnhealthy, "", err.Error()
	}
	result.Timestamp = time.Now()
	result.Duration = time.Since(start)
	return result
}

func (c *AdapterChecker) Name() string { return c.name }

// PingChecker always reports healthy. It backs liveness.
type PingChecker struct {
	name string
}

func NewPingChecker(name string) *PingChecker {
	return &PingChecker{name: name}
}

func (c *PingChecker) Check(context.Context) CheckResult {
	return CheckResult{
		Name:      c.name,
		Status:    StatusHealthy,
		Message:   "alive",
		Timestamp: time.Now(),
	}
}

func (c *PingChecker) Name() string { return c.name }

// CustomChecker allows creating a health checker from a custom function
type CustomChecker struct {
	name      string
	checkFunc func(ctx context.Context) (Status, string, error)
}

// NewCustomChecker creates a new custom health checker
// The checkFunc should return (status, message, error)
func NewCustomChecker(name string, checkFunc func(ctx context.Context) (Status, string, error)) *CustomChecker {
	return &CustomChecker{name: name, checkFunc: checkFunc}
}

// Check executes the custom check function
func (c *CustomChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	status, message, err := c.checkFunc(ctx)
	result := CheckResult{
		Name:      c.name,
		Status:    status,
		Message:   message,
		Timestamp: time.Now(),
		Duration:  time.Since(start),
	}
	if err != nil {
		result.Error = err.Error()
	}
	return result
}

func (c *CustomChecker) Name() string { return c.name }
