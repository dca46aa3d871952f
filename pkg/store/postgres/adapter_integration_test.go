package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/nimburion/stache/pkg/observability/logger"
	"github.com/nimburion/stache/pkg/stache"
	"github.com/nimburion/stache/pkg/store/storetest"
	"github.com/nimburion/stache/pkg/testutil"
)

// TestPostgreSQLAdapter_Integration runs the container contract against a real database
// using testcontainers.
func TestPostgreSQLAdapter_Integration(t *testing.T) {
	testutil.SkipIfShort(t)

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	defer func() {
		if err := testcontainers.TerminateContainer(pgContainer); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	newAdapter := func(t *testing.T, prefix string) *PostgreSQLAdapter {
		t.Helper()
		adapter, err := NewPostgreSQLAdapter(Config{
			URL:              connStr,
			Table:            "stache_entries",
			Prefix:           prefix,
			MaxOpenConns:     4,
			MaxIdleConns:     2,
			ConnMaxLifetime:  5 * time.Minute,
			OperationTimeout: 10 * time.Second,
		}, logger.Nop())
		if err != nil {
			t.Fatalf("Failed to create adapter: %v", err)
		}
		t.Cleanup(func() { _ = adapter.Close() })
		return adapter
	}

	storetest.Run(t, func(t *testing.T, prefix string) stache.Container {
		return newAdapter(t, prefix)
	})

	t.Run("PoolSettings", func(t *testing.T) {
		adapter := newAdapter(t, "pool")
		if stats := adapter.DB().Stats(); stats.MaxOpenConnections != 4 {
			t.Errorf("Expected MaxOpenConnections=4, got %d", stats.MaxOpenConnections)
		}
	})

	t.Run("HealthCheckAndClose", func(t *testing.T) {
		adapter := newAdapter(t, "health")
		if err := adapter.HealthCheck(ctx); err != nil {
			t.Errorf("Health check failed: %v", err)
		}
		if err := adapter.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
		if err := adapter.HealthCheck(ctx); err == nil {
			t.Error("Expected health check to fail after close")
		}
	})

	t.Run("ValuesSurviveReconnect", func(t *testing.T) {
		first := newAdapter(t, "durable")
		if err := first.Set(ctx, "theme", "dark"); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		_ = first.Close()

		second := newAdapter(t, "durable")
		got, ok, err := second.Get(ctx, "theme")
		if err != nil || !ok || got != "dark" {
			t.Fatalf("Get after reconnect = %q, %v, %v", got, ok, err)
		}
	})
}
