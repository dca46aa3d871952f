// Package redis provides a stache container backed by Redis strings.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nimburion/stache/pkg/observability/logger"
	"github.com/nimburion/stache/pkg/stache"
)

const scanCount = 200

// RedisAdapter stores entries as Redis strings under "prefix:key".
type RedisAdapter struct {
	client *redis.Client
	logger logger.Logger
	config Config

	mu     sync.RWMutex
	closed bool
}

var (
	_ stache.Container = (*RedisAdapter)(nil)
	_ stache.Clearer   = (*RedisAdapter)(nil)
)

// Config holds Redis connection configuration
type Config struct {
	URL              string
	MaxConns         int
	Prefix           string
	OperationTimeout time.Duration
}

// NewRedisAdapter connects to Redis and verifies the connection with a ping.
func NewRedisAdapter(cfg Config, log logger.Logger) (*RedisAdapter, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("redis URL is required")
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.MaxConns > 0 {
		opts.PoolSize = cfg.MaxConns
	}
	opts.DialTimeout = 5 * time.Second
	if cfg.OperationTimeout > 0 {
		opts.ReadTimeout = cfg.OperationTimeout
		opts.WriteTimeout = cfg.OperationTimeout
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	log.Info("Redis connection established",
		"prefix", cfg.Prefix,
		"max_conns", opts.PoolSize,
		"operation_timeout", cfg.OperationTimeout,
	)

	return &RedisAdapter{
		client: client,
		logger: log,
		config: cfg,
	}, nil
}

// Client returns the underlying *redis.Client for direct access when needed
func (a *RedisAdapter) Client() *redis.Client {
	return a.client
}

// Get implements stache.Container.
func (a *RedisAdapter) Get(ctx context.Context, key string) (string, bool, error) {
	if err := a.ensureOpen(); err != nil {
		return "", false, err
	}
	ctx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	val, err := a.client.Get(ctx, a.storageKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return val, true, nil
}

// Set implements stache.Container. Entries never expire.
func (a *RedisAdapter) Set(ctx context.Context, key, value string) error {
	if err := a.ensureOpen(); err != nil {
		return err
	}
	ctx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	if err := a.client.Set(ctx, a.storageKey(key), value, 0).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

// Delete implements stache.Container.
func (a *RedisAdapter) Delete(ctx context.Context, key string) error {
	if err := a.ensureOpen(); err != nil {
		return err
	}
	ctx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	if err := a.client.Del(ctx, a.storageKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}

// Keys implements stache.Container using SCAN, so it does not block the server.
func (a *RedisAdapter) Keys(ctx context.Context) ([]string, error) {
	if err := a.ensureOpen(); err != nil {
		return nil, err
	}
	ctx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	storageKeys, err := a.scan(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(storageKeys))
	for _, sk := range storageKeys {
		keys = append(keys, a.userKey(sk))
	}
	return keys, nil
}

// Clear implements stache.Clearer by deleting every key under the prefix.
func (a *RedisAdapter) Clear(ctx context.Context) error {
	if err := a.ensureOpen(); err != nil {
		return err
	}
	ctx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	storageKeys, err := a.scan(ctx)
	if err != nil {
		return err
	}
	for start := 0; start < len(storageKeys); start += scanCount {
		end := start + scanCount
		if end > len(storageKeys) {
			end = len(storageKeys)
		}
		if err := a.client.Del(ctx, storageKeys[start:end]...).Err(); err != nil {
			return fmt.Errorf("failed to clear prefix %q: %w", a.config.Prefix, err)
		}
	}
	return nil
}

// scan returns the distinct storage keys under the prefix. SCAN may repeat keys.
func (a *RedisAdapter) scan(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	var keys []string

	iter := a.client.Scan(ctx, 0, a.matchPattern(), scanCount).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan keys: %w", err)
	}
	return keys, nil
}

func (a *RedisAdapter) storageKey(key string) string {
	if a.config.Prefix == "" {
		return key
	}
	return a.config.Prefix + ":" + key
}

func (a *RedisAdapter) userKey(storageKey string) string {
	if a.config.Prefix == "" {
		return storageKey
	}
	return strings.TrimPrefix(storageKey, a.config.Prefix+":")
}

func (a *RedisAdapter) matchPattern() string {
	if a.config.Prefix == "" {
		return "*"
	}
	return escapeGlob(a.config.Prefix) + ":*"
}

// escapeGlob escapes the characters Redis MATCH patterns treat specially.
func escapeGlob(s string) string {
	var sb strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (a *RedisAdapter) ensureOpen() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return fmt.Errorf("redis adapter is closed")
	}
	return nil
}

func (a *RedisAdapter) withOperationTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.config.OperationTimeout <= 0 {
		return ctx, func() {}
	}
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, a.config.OperationTimeout)
}

// HealthCheck verifies the Redis connection is healthy with a timeout
func (a *RedisAdapter) HealthCheck(ctx context.Context) error {
	if err := a.ensureOpen(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := a.client.Ping(ctx).Err(); err != nil {
		a.logger.Error("Redis health check failed", "error", err)
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

// Close closes the connection pool. Closing twice is a no-op.
func (a *RedisAdapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	a.logger.Info("closing Redis connection")
	if err := a.client.Close(); err != nil {
		a.logger.Error("failed to close Redis connection", "error", err)
		return fmt.Errorf("failed to close redis connection: %w", err)
	}
	a.logger.Info("Redis connection closed successfully")
	return nil
}
