package resilience

import (
	"context"

	"github.com/nimburion/stache/pkg/observability/logger"
	"github.com/nimburion/stache/pkg/stache"
)

// Container runs every operation of a backend container through a CircuitBreaker.
// A missing key is a success; only errors count towards opening the circuit.
type Container struct {
	inner   stache.Container
	breaker *CircuitBreaker
}

type clearingContainer struct {
	*Container
	clearer stache.Clearer
}

// Guard wraps c with a circuit breaker built from cfg. State changes are logged at warn
// level with the provider name. Absent containers stay absent.
func Guard(c stache.Container, provider string, cfg Config, log logger.Logger) stache.Container {
	if stache.IsAbsent(c) {
		return nil
	}
	if log == nil {
		log = logger.Nop()
	}
	next := cfg.OnStateChange
	cfg.OnStateChange = func(from, to State) {
		log.Warn("circuit breaker state changed", "provider", provider, "from", from.String(), "to", to.String())
		if next != nil {
			next(from, to)
		}
	}

	g := &Container{inner: c, breaker: NewCircuitBreaker(cfg)}
	if cl, ok := c.(stache.Clearer); ok {
		return &clearingContainer{Container: g, clearer: cl}
	}
	return g
}

// Breaker returns the circuit breaker guarding the container.
func (c *Container) Breaker() *CircuitBreaker {
	return c.breaker
}

// Unwrap returns the guarded container.
func (c *Container) Unwrap() stache.Container {
	return c.inner
}

// Get implements stache.Container.
func (c *Container) Get(ctx context.Context, key string) (value string, found bool, err error) {
	err = c.breaker.Execute(ctx, func(ctx context.Context) error {
		var gerr error
		value, found, gerr = c.inner.Get(ctx, key)
		return gerr
	})
	return value, found, err
}

// Set implements stache.Container.
func (c *Container) Set(ctx context.Context, key, value string) error {
	return c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.inner.Set(ctx, key, value)
	})
}

// Delete implements stache.Container.
func (c *Container) Delete(ctx context.Context, key string) error {
	return c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.inner.Delete(ctx, key)
	})
}

// Keys implements stache.Container.
func (c *Container) Keys(ctx context.Context) (keys []string, err error) {
	err = c.breaker.Execute(ctx, func(ctx context.Context) error {
		var kerr error
		keys, kerr = c.inner.Keys(ctx)
		return kerr
	})
	return keys, err
}

// Clear implements stache.Clearer.
func (c *clearingContainer) Clear(ctx context.Context) error {
	return c.breaker.Execute(ctx, c.clearer.Clear)
}

// HealthCheck probes the backend directly, whatever the circuit state.
func (c *Container) HealthCheck(ctx context.Context) error {
	if hc, ok := c.inner.(interface{ HealthCheck(context.Context) error }); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}

// Close forwards to the guarded container.
func (c *Container) Close() error {
	if cl, ok := c.inner.(interface{ Close() error }); ok {
		return cl.Close()
	}
	return nil
}
