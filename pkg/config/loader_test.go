package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/spf13/pflag"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stache.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Service.Name != "stache" {
		t.Errorf("expected service name stache, got %s", cfg.Service.Name)
	}
	if cfg.Local.Type != BackendBadger || cfg.Local.Badger.Path != "./data/local" {
		t.Errorf("expected local badger at ./data/local, got %s at %s", cfg.Local.Type, cfg.Local.Badger.Path)
	}
	if cfg.Session.Type != BackendMemory {
		t.Errorf("expected session memory backend, got %s", cfg.Session.Type)
	}
	if cfg.Local.Prefix != "local" || cfg.Session.Prefix != "session" {
		t.Errorf("unexpected prefixes %q/%q", cfg.Local.Prefix, cfg.Session.Prefix)
	}
	if cfg.Local.OperationTimeout != 5*time.Second {
		t.Errorf("expected 5s operation timeout, got %v", cfg.Local.OperationTimeout)
	}
	if cfg.Metrics.Enabled || cfg.Tracing.Enabled {
		t.Error("metrics and tracing must be disabled by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config must be valid: %v", err)
	}
}

func TestViperLoader_LoadDefaults(t *testing.T) {
	cfg, err := NewViperLoader("", "STACHE_TEST").Load()
	if err != nil {
		t.Fatalf("expected no error loading defaults, got: %v", err)
	}
	if !reflect.DeepEqual(cfg.Local, DefaultConfig().Local) {
		t.Fatalf("local section = %+v, want defaults", cfg.Local)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Fatalf("unexpected log config %+v", cfg.Log)
	}
}

func TestViperLoader_LoadFromFile(t *testing.T) {
	path := writeConfigFile(t, `
log:
  level: debug
  format: text
metrics:
  enabled: true
local:
  type: redis
  prefix: app
  operation_timeout: 2s
  redis:
    url: redis://cache:6379/1
session:
  type: memcached
  memcached:
    addresses: ["mc1:11211", "mc2:11211"]
    timeout: 250ms
`)

	cfg, err := NewViperLoader(path, "STACHE_TEST").Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Log.Level != "debug" || cfg.Log.Format != "text" || !cfg.Metrics.Enabled {
		t.Fatalf("unexpected top-level config %+v %+v", cfg.Log, cfg.Metrics)
	}
	if cfg.Local.Type != BackendRedis || cfg.Local.Prefix != "app" || cfg.Local.Redis.URL != "redis://cache:6379/1" {
		t.Fatalf("unexpected local config %+v", cfg.Local)
	}
	if cfg.Local.OperationTimeout != 2*time.Second {
		t.Fatalf("operation_timeout = %v", cfg.Local.OperationTimeout)
	}
	if cfg.Local.Redis.MaxConns != 10 {
		t.Fatalf("unset keys must keep defaults, got max_conns %d", cfg.Local.Redis.MaxConns)
	}
	if !reflect.DeepEqual(cfg.Session.Memcached.Addresses, []string{"mc1:11211", "mc2:11211"}) {
		t.Fatalf("addresses = %v", cfg.Session.Memcached.Addresses)
	}
	if cfg.Session.Memcached.Timeout != 250*time.Millisecond {
		t.Fatalf("memcached timeout = %v", cfg.Session.Memcached.Timeout)
	}
}

func TestViperLoader_MissingFile(t *testing.T) {
	_, err := NewViperLoader(filepath.Join(t.TempDir(), "missing.yaml"), "").Load()
	if err == nil || !strings.Contains(err.Error(), "failed to read config file") {
		t.Fatalf("expected read error, got %v", err)
	}
}

func TestViperLoader_EnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, `
local:
  type: redis
  redis:
    url: redis://file:6379/0
`)
	t.Setenv("STACHE_TEST_LOCAL_REDIS_URL", "redis://env:6379/0")
	t.Setenv("STACHE_TEST_SESSION_TYPE", "none")
	t.Setenv("STACHE_TEST_SESSION_MEMCACHED_ADDRESSES", "a:1,b:2")

	cfg, err := NewViperLoader(path, "STACHE_TEST").Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Local.Redis.URL != "redis://env:6379/0" {
		t.Fatalf("env must override file, got %s", cfg.Local.Redis.URL)
	}
	if cfg.Session.Type != BackendNone {
		t.Fatalf("session.type = %s", cfg.Session.Type)
	}
	if !reflect.DeepEqual(cfg.Session.Memcached.Addresses, []string{"a:1", "b:2"}) {
		t.Fatalf("comma separated env not split: %v", cfg.Session.Memcached.Addresses)
	}
}

func TestViperLoader_FlagsOverrideEnv(t *testing.T) {
	t.Setenv("STACHE_TEST_LOG_LEVEL", "warn")
	t.Setenv("STACHE_TEST_LOCAL_TYPE", "memory")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String(FlagName("log.level"), "info", "")
	flags.String(FlagName("local.type"), "", "")
	if err := flags.Parse([]string{"--log-level=error"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	cfg, err := NewViperLoader("", "STACHE_TEST").WithFlags(flags).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Log.Level != "error" {
		t.Fatalf("changed flag must win, got %s", cfg.Log.Level)
	}
	if cfg.Local.Type != BackendMemory {
		t.Fatalf("unchanged flag must not override env, got %s", cfg.Local.Type)
	}
}

func TestViperLoader_InvalidConfig(t *testing.T) {
	t.Setenv("STACHE_TEST_LOCAL_TYPE", "cookie")
	t.Setenv("STACHE_TEST_LOG_LEVEL", "loud")

	_, err := NewViperLoader("", "STACHE_TEST").Load()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"local.type", "log.level"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q should mention %s", err, want)
		}
	}
}

func TestNames(t *testing.T) {
	l := NewViperLoader("", "")
	if got := l.EnvName("local.badger.path"); got != "STACHE_LOCAL_BADGER_PATH" {
		t.Fatalf("EnvName = %s", got)
	}
	if got := NewViperLoader("", "app").EnvName("session.type"); got != "APP_SESSION_TYPE" {
		t.Fatalf("EnvName = %s", got)
	}
	if got := FlagName("local.badger.in_memory"); got != "local-badger-in-memory" {
		t.Fatalf("FlagName = %s", got)
	}
}

func TestKeys_CoverBothSections(t *testing.T) {
	keys := Keys()
	seen := map[string]bool{}
	for _, k := range keys {
		if seen[k] {
			t.Fatalf("duplicate key %s", k)
		}
		seen[k] = true
	}
	for _, k := range []string{"local.type", "session.s3.bucket", "local.memcached.addresses", "tracing.sample_rate", "server.addr", "session.circuit_breaker.enabled"} {
		if !seen[k] {
			t.Fatalf("missing key %s", k)
		}
	}
}

// TestProperty_EnvPrecedence verifies that any prefix set through the environment wins over the default.
func TestProperty_EnvPrecedence(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25
	properties := gopter.NewProperties(parameters)

	properties.Property("env prefix overrides default", prop.ForAll(
		func(prefix string) bool {
			t.Setenv("STACHE_PROP_SESSION_PREFIX", prefix)
			cfg, err := NewViperLoader("", "STACHE_PROP").Load()
			return err == nil && cfg.Session.Prefix == prefix
		},
		gen.Identifier(),
	))

	properties.TestingRun(t)
}
