package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nimburion/stache/pkg/config"
	"github.com/nimburion/stache/pkg/observability/logger"
	"github.com/nimburion/stache/pkg/resilience"
	"github.com/nimburion/stache/pkg/stache"
	"github.com/nimburion/stache/pkg/stache/registry"
	"github.com/nimburion/stache/pkg/store/badger"
	"github.com/nimburion/stache/pkg/store/dynamodb"
	"github.com/nimburion/stache/pkg/store/instrumented"
	"github.com/nimburion/stache/pkg/store/memcached"
	"github.com/nimburion/stache/pkg/store/mongodb"
	"github.com/nimburion/stache/pkg/store/mysql"
	"github.com/nimburion/stache/pkg/store/postgres"
	"github.com/nimburion/stache/pkg/store/redis"
	"github.com/nimburion/stache/pkg/store/s3"
)

var (
	_ Backend = (*badger.BadgerAdapter)(nil)
	_ Backend = (*redis.RedisAdapter)(nil)
	_ Backend = (*postgres.PostgreSQLAdapter)(nil)
	_ Backend = (*mysql.MySQLAdapter)(nil)
	_ Backend = (*mongodb.MongoDBAdapter)(nil)
	_ Backend = (*dynamodb.DynamoDBAdapter)(nil)
	_ Backend = (*s3.S3Adapter)(nil)
	_ Backend = (*memcached.MemcachedAdapter)(nil)
)

// NewContainer selects and initializes the container described by cfg.
// The none type yields a nil container, which makes the provider unavailable.
func NewContainer(cfg config.BackendConfig, log logger.Logger) (stache.Container, error) {
	if log == nil {
		log = logger.Nop()
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case config.BackendNone:
		return nil, nil
	case config.BackendMemory:
		return stache.NewMap(), nil
	case config.BackendBadger:
		return backend(badger.NewBadgerAdapter(badger.Config{
			Path:       cfg.Badger.Path,
			InMemory:   cfg.Badger.InMemory,
			SyncWrites: cfg.Badger.SyncWrites,
			Prefix:     cfg.Prefix,
		}, log))
	case config.BackendRedis:
		return backend(redis.NewRedisAdapter(redis.Config{
			URL:              cfg.Redis.URL,
			MaxConns:         cfg.Redis.MaxConns,
			Prefix:           cfg.Prefix,
			OperationTimeout: cfg.OperationTimeout,
		}, log))
	case config.BackendPostgres:
		return backend(postgres.NewPostgreSQLAdapter(postgres.Config{
			URL:              cfg.SQL.URL,
			Table:            cfg.SQL.Table,
			Prefix:           cfg.Prefix,
			MaxOpenConns:     cfg.SQL.MaxOpenConns,
			MaxIdleConns:     cfg.SQL.MaxIdleConns,
			ConnMaxLifetime:  cfg.SQL.ConnMaxLifetime,
			OperationTimeout: cfg.OperationTimeout,
		}, log))
	case config.BackendMySQL:
		return backend(mysql.NewMySQLAdapter(mysql.Config{
			URL:              cfg.SQL.URL,
			Table:            cfg.SQL.Table,
			Prefix:           cfg.Prefix,
			MaxOpenConns:     cfg.SQL.MaxOpenConns,
			MaxIdleConns:     cfg.SQL.MaxIdleConns,
			ConnMaxLifetime:  cfg.SQL.ConnMaxLifetime,
			OperationTimeout: cfg.OperationTimeout,
		}, log))
	case config.BackendMongoDB:
		return backend(mongodb.NewMongoDBAdapter(mongodb.Config{
			URL:              cfg.MongoDB.URL,
			Database:         cfg.MongoDB.Database,
			Collection:       cfg.MongoDB.Collection,
			Prefix:           cfg.Prefix,
			ConnectTimeout:   cfg.MongoDB.ConnectTimeout,
			OperationTimeout: cfg.OperationTimeout,
		}, log))
	case config.BackendDynamoDB:
		return backend(dynamodb.NewDynamoDBAdapter(dynamodb.Config{
			Table:            cfg.DynamoDB.Table,
			Prefix:           cfg.Prefix,
			Region:           cfg.DynamoDB.Region,
			Endpoint:         cfg.DynamoDB.Endpoint,
			AccessKeyID:      cfg.DynamoDB.AccessKeyID,
			SecretAccessKey:  cfg.DynamoDB.SecretAccessKey,
			SessionToken:     cfg.DynamoDB.SessionToken,
			OperationTimeout: cfg.OperationTimeout,
		}, log))
	case config.BackendS3:
		return backend(s3.NewS3Adapter(s3.Config{
			Bucket:           cfg.S3.Bucket,
			Prefix:           cfg.Prefix,
			Region:           cfg.S3.Region,
			Endpoint:         cfg.S3.Endpoint,
			AccessKeyID:      cfg.S3.AccessKeyID,
			SecretAccessKey:  cfg.S3.SecretAccessKey,
			SessionToken:     cfg.S3.SessionToken,
			UsePathStyle:     cfg.S3.UsePathStyle,
			OperationTimeout: cfg.OperationTimeout,
		}, log))
	case config.BackendMemcached:
		return backend(memcached.NewMemcachedAdapter(memcached.Config{
			Addresses: cfg.Memcached.Addresses,
			Prefix:    cfg.Prefix,
			Timeout:   cfg.Memcached.Timeout,
		}, log))
	default:
		return nil, fmt.Errorf("unsupported backend type %q (supported: %s)", cfg.Type, strings.Join(config.BackendTypes, ", "))
	}
}

// backend drops the typed nil a failed constructor returns.
func backend[T Backend](b T, err error) (stache.Container, error) {
	if err != nil {
		return nil, err
	}
	return b, nil
}

// EnvironmentOptions controls how NewEnvironment decorates the containers it builds.
type EnvironmentOptions struct {
	// Metrics, when set, records per-operation counters and latencies.
	Metrics *instrumented.Metrics
	// Tracing wraps the containers so that every operation starts a span.
	Tracing bool
}

func (o EnvironmentOptions) instrument() bool {
	return o.Metrics != nil || o.Tracing
}

// NewEnvironment builds the local and session containers described by cfg.
// When the session container fails, the local one is closed before returning.
func NewEnvironment(cfg *config.Config, log logger.Logger, opts EnvironmentOptions) (registry.Environment, error) {
	if cfg == nil {
		return registry.Environment{}, errors.New("config is required")
	}
	if log == nil {
		log = logger.Nop()
	}

	local, err := newProviderContainer(registry.Local, cfg.Local, log, opts)
	if err != nil {
		return registry.Environment{}, err
	}
	session, err := newProviderContainer(registry.Session, cfg.Session, log, opts)
	if err != nil {
		if closer, ok := local.(Adapter); ok {
			if cerr := closer.Close(); cerr != nil {
				log.Warn("failed to close local container", "error", cerr)
			}
		}
		return registry.Environment{}, err
	}

	return registry.Environment{Local: local, Session: session}, nil
}

func newProviderContainer(provider string, cfg config.BackendConfig, log logger.Logger, opts EnvironmentOptions) (stache.Container, error) {
	c, err := NewContainer(cfg, log.With("provider", provider))
	if err != nil {
		return nil, fmt.Errorf("%s provider: %w", provider, err)
	}
	if c == nil {
		log.Info("provider disabled", "provider", provider)
		return nil, nil
	}
	log.Info("provider configured", "provider", provider, "type", cfg.Type, "prefix", cfg.Prefix)
	if cfg.CircuitBreaker.Enabled {
		c = resilience.Guard(c, provider, resilience.Config{
			MaxFailures:  cfg.CircuitBreaker.MaxFailures,
			ResetTimeout: cfg.CircuitBreaker.ResetTimeout,
		}, log)
	}
	if opts.instrument() {
		return instrumented.Wrap(c, provider, opts.Metrics, log), nil
	}
	return c, nil
}
