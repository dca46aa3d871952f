package health

import (
	"context"
	"time"
)

// DefaultCheckTimeout bounds a single container health check.
const DefaultCheckTimeout = 5 * time.Second

// Checkable is implemented by containers that can probe their backend.
type Checkable interface {
	HealthCheck(ctx context.Context) error
}

// AdapterChecker reports the health of a Checkable backend.
type AdapterChecker struct {
	name    string
	adapter Checkable
	timeout time.Duration
}

// NewAdapterChecker creates a checker for adapter. A zero timeout means DefaultCheckTimeout.
func NewAdapterChecker(name string, adapter Checkable, timeout time.Duration) *AdapterChecker {
	if timeout <= 0 {
		timeout = DefaultCheckTimeout
	}

	return &AdapterChecker{
		name:    name,
		adapter: adapter,
		timeout: timeout,
	}
}

// Check performs the health check on the adapter
func (c *AdapterChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()

	checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := c.adapter.HealthCheck(checkCtx)
	result := CheckResult{
		Name:      c.name,
		Timestamp: time.Now(),
		Duration:  time.Since(start),
	}
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		return result
	}
	result.Status = StatusHealthy
	result.Message = "OK"
	return result
}

// Name returns the name of the health check
func (c *AdapterChecker) Name() string {
	return c.name
}

// StaticChecker reports a fixed status. It describes providers that have nothing to probe,
// such as in-process maps or unavailable adapters.
type StaticChecker struct {
	name    string
	status  Status
	message string
}

// NewStaticChecker returns a checker that always reports status with message.
func NewStaticChecker(name string, status Status, message string) *StaticChecker {
	return &StaticChecker{name: name, status: status, message: message}
}

func (c *StaticChecker) Check(context.Context) CheckResult {
	return CheckResult{
		Name:      c.name,
		Status:    c.status,
		Message:   c.message,
		Timestamp: time.Now(),
	}
}

func (c *StaticChecker) Name() string {
	return c.name
}
