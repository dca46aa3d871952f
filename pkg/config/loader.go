package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// DefaultEnvPrefix prefixes environment variables when the loader is given none.
const DefaultEnvPrefix = "STACHE"

// Loader defines the interface for loading configuration
type Loader interface {
	Load() (*Config, error)
}

// ViperLoader implements Loader using Viper for configuration management
type ViperLoader struct {
	configFile string
	envPrefix  string
	flags      *pflag.FlagSet
}

// NewViperLoader creates a new ViperLoader
// configFile: path to configuration file (optional, can be empty)
// envPrefix: prefix for environment variables (e.g., "STACHE")
func NewViperLoader(configFile, envPrefix string) *ViperLoader {
	return &ViperLoader{
		configFile: configFile,
		envPrefix:  envPrefix,
	}
}

// WithFlags binds command-line flags named after configuration keys, with dots and
// underscores replaced by dashes (local.badger.path -> --local-badger-path).
// Flags that were set take precedence over everything else.
func (l *ViperLoader) WithFlags(flags *pflag.FlagSet) *ViperLoader {
	l.flags = flags
	return l
}

// ConfigFile returns the path to the config file, or empty string if none.
func (l *ViperLoader) ConfigFile() string {
	return l.configFile
}

// Load loads configuration with precedence: flags > ENV > file > defaults
func (l *ViperLoader) Load() (*Config, error) {
	v := viper.New()

	l.setDefaults(v, DefaultConfig())

	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", l.configFile, err)
		}
	}

	v.SetEnvPrefix(l.prefix())
	if err := l.bindEnvVars(v); err != nil {
		return nil, err
	}
	if err := l.bindFlags(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// backendKeys are the keys of a BackendConfig section, relative to the section.
var backendKeys = []string{
	"type",
	"prefix",
	"operation_timeout",
	"circuit_breaker.enabled",
	"circuit_breaker.max_failures",
	"circuit_breaker.reset_timeout",
	"badger.path",
	"badger.in_memory",
	"badger.sync_writes",
	"redis.url",
	"redis.max_conns",
	"sql.url",
	"sql.table",
	"sql.max_open_conns",
	"sql.max_idle_conns",
	"sql.conn_max_lifetime",
	"mongodb.url",
	"mongodb.database",
	"mongodb.collection",
	"mongodb.connect_timeout",
	"dynamodb.table",
	"dynamodb.region",
	"dynamodb.endpoint",
	"dynamodb.access_key_id",
	"dynamodb.secret_access_key",
	"dynamodb.session_token",
	"s3.bucket",
	"s3.region",
	"s3.endpoint",
	"s3.access_key_id",
	"s3.secret_access_key",
	"s3.session_token",
	"s3.use_path_style",
	"memcached.addresses",
	"memcached.timeout",
}

// Keys returns every configuration key.
func Keys() []string {
	keys := []string{
		"service.name",
		"service.environment",
		"log.level",
		"log.format",
		"metrics.enabled",
		"tracing.enabled",
		"tracing.endpoint",
		"tracing.insecure",
		"tracing.sample_rate",
		"server.addr",
		"server.read_timeout",
		"server.write_timeout",
		"server.idle_timeout",
		"server.shutdown_timeout",
		"server.max_value_bytes",
		"server.rate_limit",
		"server.rate_burst",
	}
	for _, section := range []string{"local", "session"} {
		for _, key := range backendKeys {
			keys = append(keys, section+"."+key)
		}
	}
	return keys
}

// EnvName returns the environment variable bound to key, e.g. STACHE_LOCAL_BADGER_PATH.
func (l *ViperLoader) EnvName(key string) string {
	return l.prefixedEnv(strings.ToUpper(strings.ReplaceAll(key, ".", "_")))
}

// FlagName returns the flag name bound to key.
func FlagName(key string) string {
	return strings.NewReplacer(".", "-", "_", "-").Replace(key)
}

func (l *ViperLoader) bindEnvVars(v *viper.Viper) error {
	for _, key := range Keys() {
		if err := v.BindEnv(key, l.EnvName(key)); err != nil {
			return fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}
	return nil
}

func (l *ViperLoader) bindFlags(v *viper.Viper) error {
	if l.flags == nil {
		return nil
	}
	for _, key := range Keys() {
		flag := l.flags.Lookup(FlagName(key))
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("failed to bind flag --%s: %w", flag.Name, err)
		}
	}
	return nil
}

func (l *ViperLoader) prefix() string {
	prefix := strings.TrimSpace(l.envPrefix)
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	return strings.ToUpper(prefix)
}

func (l *ViperLoader) prefixedEnv(suffix string) string {
	return fmt.Sprintf("%s_%s", l.prefix(), suffix)
}

func (l *ViperLoader) setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("service.name", cfg.Service.Name)
	v.SetDefault("service.environment", cfg.Service.Environment)

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)

	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)

	v.SetDefault("tracing.enabled", cfg.Tracing.Enabled)
	v.SetDefault("tracing.endpoint", cfg.Tracing.Endpoint)
	v.SetDefault("tracing.insecure", cfg.Tracing.Insecure)
	v.SetDefault("tracing.sample_rate", cfg.Tracing.SampleRate)

	v.SetDefault("server.addr", cfg.Server.Addr)
	v.SetDefault("server.read_timeout", cfg.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", cfg.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", cfg.Server.IdleTimeout)
	v.SetDefault("server.shutdown_timeout", cfg.Server.ShutdownTimeout)
	v.SetDefault("server.max_value_bytes", cfg.Server.MaxValueBytes)
	v.SetDefault("server.rate_limit", cfg.Server.RateLimit)
	v.SetDefault("server.rate_burst", cfg.Server.RateBurst)

	setBackendDefaults(v, "local", cfg.Local)
	setBackendDefaults(v, "session", cfg.Session)
}

func setBackendDefaults(v *viper.Viper, section string, b BackendConfig) {
	key := func(k string) string { return section + "." + k }

	v.SetDefault(key("type"), b.Type)
	v.SetDefault(key("prefix"), b.Prefix)
	v.SetDefault(key("operation_timeout"), b.OperationTimeout)

	v.SetDefault(key("circuit_breaker.enabled"), b.CircuitBreaker.Enabled)
	v.SetDefault(key("circuit_breaker.max_failures"), b.CircuitBreaker.MaxFailures)
	v.SetDefault(key("circuit_breaker.reset_timeout"), b.CircuitBreaker.ResetTimeout)

	v.SetDefault(key("badger.path"), b.Badger.Path)
	v.SetDefault(key("badger.in_memory"), b.Badger.InMemory)
	v.SetDefault(key("badger.sync_writes"), b.Badger.SyncWrites)

	v.SetDefault(key("redis.url"), b.Redis.URL)
	v.SetDefault(key("redis.max_conns"), b.Redis.MaxConns)

	v.SetDefault(key("sql.url"), b.SQL.URL)
	v.SetDefault(key("sql.table"), b.SQL.Table)
	v.SetDefault(key("sql.max_open_conns"), b.SQL.MaxOpenConns)
	v.SetDefault(key("sql.max_idle_conns"), b.SQL.MaxIdleConns)
	v.SetDefault(key("sql.conn_max_lifetime"), b.SQL.ConnMaxLifetime)

	v.SetDefault(key("mongodb.url"), b.MongoDB.URL)
	v.SetDefault(key("mongodb.database"), b.MongoDB.Database)
	v.SetDefault(key("mongodb.collection"), b.MongoDB.Collection)
	v.SetDefault(key("mongodb.connect_timeout"), b.MongoDB.ConnectTimeout)

	v.SetDefault(key("dynamodb.table"), b.DynamoDB.Table)
	v.SetDefault(key("dynamodb.region"), b.DynamoDB.Region)
	v.SetDefault(key("dynamodb.endpoint"), b.DynamoDB.Endpoint)
	v.SetDefault(key("dynamodb.access_key_id"), b.DynamoDB.AccessKeyID)
	v.SetDefault(key("dynamodb.secret_access_key"), b.DynamoDB.SecretAccessKey)
	v.SetDefault(key("dynamodb.session_token"), b.DynamoDB.SessionToken)

	v.SetDefault(key("s3.bucket"), b.S3.Bucket)
	v.SetDefault(key("s3.region"), b.S3.Region)
	v.SetDefault(key("s3.endpoint"), b.S3.Endpoint)
	v.SetDefault(key("s3.access_key_id"), b.S3.AccessKeyID)
	v.SetDefault(key("s3.secret_access_key"), b.S3.SecretAccessKey)
	v.SetDefault(key("s3.session_token"), b.S3.SessionToken)
	v.SetDefault(key("s3.use_path_style"), b.S3.UsePathStyle)

	v.SetDefault(key("memcached.addresses"), b.Memcached.Addresses)
	v.SetDefault(key("memcached.timeout"), b.Memcached.Timeout)
}
