package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/nimburion/stache/pkg/observability/logger"
)

var (
	sqlIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	// Prefixes are joined to keys with ':' or '/', so they must not contain either.
	prefixPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]*$`)
)

// normalize trims and lowercases enumerated values and drops empty memcached addresses.
func (c *Config) normalize() {
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	for _, b := range []*BackendConfig{&c.Local, &c.Session} {
		b.Type = strings.ToLower(strings.TrimSpace(b.Type))
		b.Memcached.Addresses = normalizeStringSlice(b.Memcached.Addresses)
	}
}

// Validate reports every problem in the configuration, joined into one error.
func (c *Config) Validate() error {
	var errs []error

	if _, err := logger.ParseLogLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if _, err := logger.ParseLogFormat(c.Log.Format); err != nil {
		errs = append(errs, fmt.Errorf("log.format: %w", err))
	}

	if c.Tracing.Enabled && strings.TrimSpace(c.Tracing.Endpoint) == "" {
		errs = append(errs, errors.New("tracing.endpoint is required when tracing is enabled"))
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("tracing.sample_rate must be between 0 and 1, got %v", c.Tracing.SampleRate))
	}

	errs = append(errs, c.Server.validate()...)
	errs = append(errs, c.Local.validate("local")...)
	errs = append(errs, c.Session.validate("session")...)

	if c.Local.Type == BackendBadger && c.Session.Type == BackendBadger &&
		!c.Local.Badger.InMemory && !c.Session.Badger.InMemory &&
		filepath.Clean(c.Local.Badger.Path) == filepath.Clean(c.Session.Badger.Path) {
		errs = append(errs, fmt.Errorf("local and session cannot share the badger directory %s", c.Local.Badger.Path))
	}

	return errors.Join(errs...)
}

func (b *BackendConfig) validate(section string) []error {
	var errs []error
	field := func(name string) string { return section + "." + name }

	if !contains(BackendTypes, b.Type) {
		return append(errs, fmt.Errorf("invalid %s: %q (must be one of: %v)", field("type"), b.Type, BackendTypes))
	}
	if !prefixPattern.MatchString(b.Prefix) {
		errs = append(errs, fmt.Errorf("%s may only contain letters, digits, '_', '.' and '-', got %q", field("prefix"), b.Prefix))
	}
	if b.OperationTimeout < 0 {
		errs = append(errs, fmt.Errorf("%s cannot be negative", field("operation_timeout")))
	}

	if b.CircuitBreaker.Enabled {
		if b.CircuitBreaker.MaxFailures < 1 {
			errs = append(errs, fmt.Errorf("%s must be at least 1", field("circuit_breaker.max_failures")))
		}
		if b.CircuitBreaker.ResetTimeout <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", field("circuit_breaker.reset_timeout")))
		}
	}

	switch b.Type {
	case BackendBadger:
		if !b.Badger.InMemory && strings.TrimSpace(b.Badger.Path) == "" {
			errs = append(errs, fmt.Errorf("%s is required unless in_memory is set", field("badger.path")))
		}
	case BackendRedis:
		if b.Redis.URL == "" {
			errs = append(errs, fmt.Errorf("%s is required for redis", field("redis.url")))
		}
	case BackendPostgres, BackendMySQL:
		if b.SQL.URL == "" {
			errs = append(errs, fmt.Errorf("%s is required for %s", field("sql.url"), b.Type))
		}
		if !sqlIdentifier.MatchString(b.SQL.Table) {
			errs = append(errs, fmt.Errorf("%s must be a plain SQL identifier, got %q", field("sql.table"), b.SQL.Table))
		}
	case BackendMongoDB:
		if b.MongoDB.URL == "" {
			errs = append(errs, fmt.Errorf("%s is required for mongodb", field("mongodb.url")))
		}
		if b.MongoDB.Database == "" {
			errs = append(errs, fmt.Errorf("%s is required for mongodb", field("mongodb.database")))
		}
		if b.MongoDB.Collection == "" {
			errs = append(errs, fmt.Errorf("%s is required for mongodb", field("mongodb.collection")))
		}
	case BackendDynamoDB:
		if b.DynamoDB.Table == "" {
			errs = append(errs, fmt.Errorf("%s is required for dynamodb", field("dynamodb.table")))
		}
		if b.DynamoDB.Region == "" {
			errs = append(errs, fmt.Errorf("%s is required for dynamodb", field("dynamodb.region")))
		}
	case BackendS3:
		if b.S3.Bucket == "" {
			errs = append(errs, fmt.Errorf("%s is required for s3", field("s3.bucket")))
		}
		if b.S3.Region == "" {
			errs = append(errs, fmt.Errorf("%s is required for s3", field("s3.region")))
		}
	case BackendMemcached:
		if len(b.Memcached.Addresses) == 0 {
			errs = append(errs, fmt.Errorf("%s must contain at least one address", field("memcached.addresses")))
		}
	}

	return errs
}

func (s *ServerConfig) validate() []error {
	var errs []error
	if strings.TrimSpace(s.Addr) == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if s.MaxValueBytes <= 0 {
		errs = append(errs, fmt.Errorf("server.max_value_bytes must be positive, got %d", s.MaxValueBytes))
	}
	if s.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("server.rate_limit cannot be negative, got %v", s.RateLimit))
	}
	if s.RateLimit > 0 && s.RateBurst < 1 {
		errs = append(errs, errors.New("server.rate_burst must be at least 1 when rate_limit is set"))
	}
	return errs
}

// Redacted returns a copy of the configuration with credentials masked, suitable for printing.
func (c Config) Redacted() Config {
	c.Local = c.Local.redacted()
	c.Session = c.Session.redacted()
	return c
}

func (b BackendConfig) redacted() BackendConfig {
	b.Redis.URL = redactURL(b.Redis.URL)
	if b.Type == BackendMySQL {
		b.SQL.URL = redactMySQLDSN(b.SQL.URL)
	} else {
		b.SQL.URL = redactURL(b.SQL.URL)
	}
	b.MongoDB.URL = redactURL(b.MongoDB.URL)
	b.DynamoDB.SecretAccessKey = mask(b.DynamoDB.SecretAccessKey)
	b.DynamoDB.SessionToken = mask(b.DynamoDB.SessionToken)
	b.S3.SecretAccessKey = mask(b.S3.SecretAccessKey)
	b.S3.SessionToken = mask(b.S3.SessionToken)
	b.Memcached.Addresses = append([]string(nil), b.Memcached.Addresses...)
	return b
}

func redactURL(raw string) string {
	if raw == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	return u.Redacted()
}

// redactMySQLDSN masks the password of a go-sql-driver DSN such as user:pass@tcp(host:3306)/db.
func redactMySQLDSN(dsn string) string {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil || cfg.Passwd == "" {
		return dsn
	}
	cfg.Passwd = "xxxxx"
	return cfg.FormatDSN()
}

func mask(s string) string {
	if s == "" {
		return s
	}
	return "***"
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func normalizeStringSlice(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
