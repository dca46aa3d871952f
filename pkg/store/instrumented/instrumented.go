// Package instrumented decorates stache containers with prometheus metrics, OpenTelemetry spans
// and debug logging.
package instrumented

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nimburion/stache/pkg/observability/logger"
	"github.com/nimburion/stache/pkg/observability/tracing"
	"github.com/nimburion/stache/pkg/stache"
)

// Operation result label values.
const (
	ResultOK    = "ok"
	ResultMiss  = "miss"
	ResultError = "error"
)

// Metrics holds the collectors shared by every wrapped container.
type Metrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

// NewMetrics creates unregistered collectors. Register them with Collectors.
func NewMetrics() *Metrics {
	return &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stache_container_operations_total",
			Help: "Container operations by provider, operation and result.",
		}, []string{"provider", "operation", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stache_container_operation_duration_seconds",
			Help:    "Container operation latency.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"provider", "operation"}),
	}
}

// Collectors returns the collectors to register.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.operations, m.duration}
}

// Container is a stache.Container reporting every call.
type Container struct {
	inner    stache.Container
	provider string
	metrics  *Metrics
	logger   logger.Logger
}

// clearingContainer additionally forwards a native Clear.
type clearingContainer struct {
	*Container
	clearer stache.Clearer
}

// Wrap decorates c. Absent containers are returned as an untyped nil so the store stays
// unavailable, and a native Clear on c stays visible to the store.
func Wrap(c stache.Container, provider string, m *Metrics, log logger.Logger) stache.Container {
	if stache.IsAbsent(c) {
		return nil
	}
	if m == nil {
		m = NewMetrics()
	}
	if log == nil {
		log = logger.Nop()
	}
	w := &Container{inner: c, provider: provider, metrics: m, logger: log}
	if cl, ok := c.(stache.Clearer); ok {
		return &clearingContainer{Container: w, clearer: cl}
	}
	return w
}

// Unwrap returns the decorated container.
func (c *Container) Unwrap() stache.Container {
	return c.inner
}

func (c *Container) observe(ctx context.Context, operation string, start time.Time, result string, err error) {
	elapsed := time.Since(start)
	c.metrics.operations.WithLabelValues(c.provider, operation, result).Inc()
	c.metrics.duration.WithLabelValues(c.provider, operation).Observe(elapsed.Seconds())

	log := c.logger.WithContext(ctx)
	if err != nil {
		log.Warn("container operation failed", "provider", c.provider, "operation", operation, "duration", elapsed, "error", err)
		return
	}
	log.Debug("container operation", "provider", c.provider, "operation", operation, "result", result, "duration", elapsed)
}

func resultOf(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultOK
}

// Get implements stache.Container.
func (c *Container) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, span := tracing.StartStoreSpan(ctx, "get", c.provider, tracing.WithKey(key))
	start := time.Now()

	value, found, err := c.inner.Get(ctx, key)

	result := resultOf(err)
	if err == nil && !found {
		result = ResultMiss
	}
	span.SetAttributes(tracing.AttrFound.Bool(found))
	c.observe(ctx, "get", start, result, err)
	tracing.End(span, err)
	return value, found, err
}

// Set implements stache.Container.
func (c *Container) Set(ctx context.Context, key, value string) error {
	ctx, span := tracing.StartStoreSpan(ctx, "set", c.provider, tracing.WithKey(key))
	start := time.Now()

	err := c.inner.Set(ctx, key, value)

	c.observe(ctx, "set", start, resultOf(err), err)
	tracing.End(span, err)
	return err
}

// Delete implements stache.Container.
func (c *Container) Delete(ctx context.Context, key string) error {
	ctx, span := tracing.StartStoreSpan(ctx, "delete", c.provider, tracing.WithKey(key))
	start := time.Now()

	err := c.inner.Delete(ctx, key)

	c.observe(ctx, "delete", start, resultOf(err), err)
	tracing.End(span, err)
	return err
}

// Keys implements stache.Container.
func (c *Container) Keys(ctx context.Context) ([]string, error) {
	ctx, span := tracing.StartStoreSpan(ctx, "keys", c.provider)
	start := time.Now()

	keys, err := c.inner.Keys(ctx)

	span.SetAttributes(tracing.AttrKeyCount.Int(len(keys)))
	c.observe(ctx, "keys", start, resultOf(err), err)
	tracing.End(span, err)
	return keys, err
}

// Clear implements stache.Clearer.
func (c *clearingContainer) Clear(ctx context.Context) error {
	ctx, span := tracing.StartStoreSpan(ctx, "clear", c.provider)
	start := time.Now()

	err := c.clearer.Clear(ctx)

	c.observe(ctx, "clear", start, resultOf(err), err)
	tracing.End(span, err)
	return err
}

// HealthCheck forwards to the decorated container when it supports health checks.
func (c *Container) HealthCheck(ctx context.Context) error {
	if hc, ok := c.inner.(interface{ HealthCheck(context.Context) error }); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}

// Close forwards to the decorated container when it holds resources.
func (c *Container) Close() error {
	if cl, ok := c.inner.(interface{ Close() error }); ok {
		return cl.Close()
	}
	return nil
}
