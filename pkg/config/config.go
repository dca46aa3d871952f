// Package config loads stache configuration from defaults, a config file, environment variables and flags.
package config

import (
	"time"
)

// Backend types accepted in BackendConfig.Type.
const (
	BackendNone      = "none"
	BackendMemory    = "memory"
	BackendBadger    = "badger"
	BackendRedis     = "redis"
	BackendPostgres  = "postgres"
	BackendMySQL     = "mysql"
	BackendMongoDB   = "mongodb"
	BackendDynamoDB  = "dynamodb"
	BackendS3        = "s3"
	BackendMemcached = "memcached"
)

// BackendTypes lists every supported backend type.
var BackendTypes = []string{
	BackendNone,
	BackendMemory,
	BackendBadger,
	BackendRedis,
	BackendPostgres,
	BackendMySQL,
	BackendMongoDB,
	BackendDynamoDB,
	BackendS3,
	BackendMemcached,
}

// Config is the full stache configuration.
type Config struct {
	Service ServiceConfig `mapstructure:"service" yaml:"service"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
	Tracing TracingConfig `mapstructure:"tracing" yaml:"tracing"`
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`

	// Local backs the local provider and, through the default alias, the default one.
	Local BackendConfig `mapstructure:"local" yaml:"local"`
	// Session backs the session provider.
	Session BackendConfig `mapstructure:"session" yaml:"session"`
}

type ServiceConfig struct {
	Name        string `mapstructure:"name" yaml:"name"`
	Environment string `mapstructure:"environment" yaml:"environment"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"` // json, text
}

// MetricsConfig toggles prometheus instrumentation of backend containers.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

type TracingConfig struct {
	Enabled    bool    `mapstructure:"enabled" yaml:"enabled"`
	Endpoint   string  `mapstructure:"endpoint" yaml:"endpoint"`
	Insecure   bool    `mapstructure:"insecure" yaml:"insecure"`
	SampleRate float64 `mapstructure:"sample_rate" yaml:"sample_rate"`
}

// ServerConfig configures the HTTP API started by the serve command.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	// MaxValueBytes caps the body of a PUT.
	MaxValueBytes int64 `mapstructure:"max_value_bytes" yaml:"max_value_bytes"`
	// RateLimit is the number of requests per second accepted; 0 disables limiting.
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst" yaml:"rate_burst"`
}

// BackendConfig selects and configures the container behind a provider.
// Only the section matching Type is used.
type BackendConfig struct {
	Type             string        `mapstructure:"type" yaml:"type"`
	Prefix           string        `mapstructure:"prefix" yaml:"prefix"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout" yaml:"operation_timeout"`

	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker" yaml:"circuit_breaker"`

	Badger    BadgerConfig    `mapstructure:"badger" yaml:"badger"`
	Redis     RedisConfig     `mapstructure:"redis" yaml:"redis"`
	SQL       SQLConfig       `mapstructure:"sql" yaml:"sql"`
	MongoDB   MongoDBConfig   `mapstructure:"mongodb" yaml:"mongodb"`
	DynamoDB  DynamoDBConfig  `mapstructure:"dynamodb" yaml:"dynamodb"`
	S3        S3Config        `mapstructure:"s3" yaml:"s3"`
	Memcached MemcachedConfig `mapstructure:"memcached" yaml:"memcached"`
}

// CircuitBreakerConfig makes a failing backend fail fast instead of waiting on every call.
type CircuitBreakerConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	MaxFailures  int           `mapstructure:"max_failures" yaml:"max_failures"`
	ResetTimeout time.Duration `mapstructure:"reset_timeout" yaml:"reset_timeout"`
}

type BadgerConfig struct {
	Path       string `mapstructure:"path" yaml:"path"`
	InMemory   bool   `mapstructure:"in_memory" yaml:"in_memory"`
	SyncWrites bool   `mapstructure:"sync_writes" yaml:"sync_writes"`
}

type RedisConfig struct {
	URL      string `mapstructure:"url" yaml:"url"`
	MaxConns int    `mapstructure:"max_conns" yaml:"max_conns"`
}

// SQLConfig is shared by the postgres and mysql backends. The driver follows BackendConfig.Type.
type SQLConfig struct {
	URL             string        `mapstructure:"url" yaml:"url"`
	Table           string        `mapstructure:"table" yaml:"table"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

type MongoDBConfig struct {
	URL            string        `mapstructure:"url" yaml:"url"`
	Database       string        `mapstructure:"database" yaml:"database"`
	Collection     string        `mapstructure:"collection" yaml:"collection"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
}

type DynamoDBConfig struct {
	Table           string `mapstructure:"table" yaml:"table"`
	Region          string `mapstructure:"region" yaml:"region"`
	Endpoint        string `mapstructure:"endpoint" yaml:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key"`
	SessionToken    string `mapstructure:"session_token" yaml:"session_token"`
}

type S3Config struct {
	Bucket          string `mapstructure:"bucket" yaml:"bucket"`
	Region          string `mapstructure:"region" yaml:"region"`
	Endpoint        string `mapstructure:"endpoint" yaml:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key"`
	SessionToken    string `mapstructure:"session_token" yaml:"session_token"`
	UsePathStyle    bool   `mapstructure:"use_path_style" yaml:"use_path_style"`
}

type MemcachedConfig struct {
	Addresses []string      `mapstructure:"addresses" yaml:"addresses"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// DefaultConfig returns the configuration used when nothing overrides it:
// a badger directory for local and an in-process map for session.
func DefaultConfig() *Config {
	local := defaultBackend(BackendBadger, "local")
	local.Badger.Path = "./data/local"

	return &Config{
		Service: ServiceConfig{
			Name:        "stache",
			Environment: "development",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Endpoint:   "localhost:4317",
			Insecure:   true,
			SampleRate: 1.0,
		},
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxValueBytes:   1 << 20,
			RateBurst:       50,
		},
		Local:   local,
		Session: defaultBackend(BackendMemory, "session"),
	}
}

func defaultBackend(backendType, prefix string) BackendConfig {
	return BackendConfig{
		Type:             backendType,
		Prefix:           prefix,
		OperationTimeout: 5 * time.Second,
		CircuitBreaker: CircuitBreakerConfig{
			MaxFailures:  5,
			ResetTimeout: 30 * time.Second,
		},
		Redis: RedisConfig{
			URL:      "redis://localhost:6379/0",
			MaxConns: 10,
		},
		SQL: SQLConfig{
			Table:           "stache_entries",
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
		},
		MongoDB: MongoDBConfig{
			URL:            "mongodb://localhost:27017",
			Database:       "stache",
			Collection:     "entries",
			ConnectTimeout: 10 * time.Second,
		},
		DynamoDB: DynamoDBConfig{
			Table:  "stache",
			Region: "us-east-1",
		},
		S3: S3Config{
			Region: "us-east-1",
		},
		Memcached: MemcachedConfig{
			Addresses: []string{"localhost:11211"},
			Timeout:   time.Second,
		},
	}
}
