// Package sqlstore provides a stache container over a single SQL table shared by namespaces.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/nimburion/stache/pkg/observability/logger"
	"github.com/nimburion/stache/pkg/stache"
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Dialect holds the statements for one SQL flavour. Each statement has a single %s for the table.
type Dialect struct {
	Name        string
	CreateTable string
	Get         string
	Upsert      string
	Delete      string
	Keys        string
	Clear       string
}

// Postgres targets PostgreSQL 9.5+ (ON CONFLICT).
var Postgres = Dialect{
	Name: "postgres",
	CreateTable: `CREATE TABLE IF NOT EXISTS %s (
	namespace TEXT NOT NULL,
	store_key TEXT NOT NULL,
	store_value TEXT NOT NULL,
	PRIMARY KEY (namespace, store_key)
)`,
	Get:    "SELECT store_value FROM %s WHERE namespace = $1 AND store_key = $2",
	Upsert: "INSERT INTO %s (namespace, store_key, store_value) VALUES ($1, $2, $3) ON CONFLICT (namespace, store_key) DO UPDATE SET store_value = EXCLUDED.store_value",
	Delete: "DELETE FROM %s WHERE namespace = $1 AND store_key = $2",
	Keys:   "SELECT store_key FROM %s WHERE namespace = $1 ORDER BY store_key",
	Clear:  "DELETE FROM %s WHERE namespace = $1",
}

// MySQL targets MySQL 5.7+. Keys use a binary collation so lookups are case and accent sensitive.
var MySQL = Dialect{
	Name: "mysql",
	CreateTable: `CREATE TABLE IF NOT EXISTS %s (
	namespace VARCHAR(191) NOT NULL,
	store_key VARCHAR(191) NOT NULL,
	store_value LONGTEXT NOT NULL,
	PRIMARY KEY (namespace, store_key)
) CHARACTER SET utf8mb4 COLLATE utf8mb4_bin`,
	Get:    "SELECT store_value FROM %s WHERE namespace = ? AND store_key = ?",
	Upsert: "INSERT INTO %s (namespace, store_key, store_value) VALUES (?, ?, ?) ON DUPLICATE KEY UPDATE store_value = VALUES(store_value)",
	Delete: "DELETE FROM %s WHERE namespace = ? AND store_key = ?",
	Keys:   "SELECT store_key FROM %s WHERE namespace = ? ORDER BY store_key",
	Clear:  "DELETE FROM %s WHERE namespace = ?",
}

// Config describes where entries live.
type Config struct {
	Table            string
	Namespace        string
	OperationTimeout time.Duration
}

// Adapter stores entries as (namespace, store_key, store_value) rows. It owns db.
type Adapter struct {
	db      *sql.DB
	logger  logger.Logger
	config  Config
	dialect Dialect
	q       Dialect

	mu     sync.RWMutex
	closed bool
}

var (
	_ stache.Container = (*Adapter)(nil)
	_ stache.Clearer   = (*Adapter)(nil)
)

// New wraps db and creates the table if it does not exist.
func New(ctx context.Context, db *sql.DB, dialect Dialect, cfg Config, log logger.Logger) (*Adapter, error) {
	if !tableName.MatchString(cfg.Table) {
		return nil, fmt.Errorf("invalid table name %q", cfg.Table)
	}

	a := &Adapter{
		db:      db,
		logger:  log,
		config:  cfg,
		dialect: dialect,
		q: Dialect{
			Name:        dialect.Name,
			CreateTable: fmt.Sprintf(dialect.CreateTable, cfg.Table),
			Get:         fmt.Sprintf(dialect.Get, cfg.Table),
			Upsert:      fmt.Sprintf(dialect.Upsert, cfg.Table),
			Delete:      fmt.Sprintf(dialect.Delete, cfg.Table),
			Keys:        fmt.Sprintf(dialect.Keys, cfg.Table),
			Clear:       fmt.Sprintf(dialect.Clear, cfg.Table),
		},
	}

	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()
	if _, err := db.ExecContext(opCtx, a.q.CreateTable); err != nil {
		return nil, fmt.Errorf("failed to create table %s: %w", cfg.Table, err)
	}

	log.Debug("SQL table ready", "dialect", dialect.Name, "table", cfg.Table, "namespace", cfg.Namespace)
	return a, nil
}

// DB returns the underlying *sql.DB.
func (a *Adapter) DB() *sql.DB {
	return a.db
}

// Get implements stache.Container.
func (a *Adapter) Get(ctx context.Context, key string) (string, bool, error) {
	if err := a.ensureOpen(); err != nil {
		return "", false, err
	}
	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	var value string
	err := a.db.QueryRowContext(opCtx, a.q.Get, a.config.Namespace, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return value, true, nil
}

// Set implements stache.Container.
func (a *Adapter) Set(ctx context.Context, key, value string) error {
	if err := a.ensureOpen(); err != nil {
		return err
	}
	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	if _, err := a.db.ExecContext(opCtx, a.q.Upsert, a.config.Namespace, key, value); err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

// Delete implements stache.Container.
func (a *Adapter) Delete(ctx context.Context, key string) error {
	if err := a.ensureOpen(); err != nil {
		return err
	}
	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	if _, err := a.db.ExecContext(opCtx, a.q.Delete, a.config.Namespace, key); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}

// Keys implements stache.Container.
func (a *Adapter) Keys(ctx context.Context) ([]string, error) {
	if err := a.ensureOpen(); err != nil {
		return nil, err
	}
	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	rows, err := a.db.QueryContext(opCtx, a.q.Keys, a.config.Namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	return keys, nil
}

// Clear implements stache.Clearer by deleting every row of the namespace.
func (a *Adapter) Clear(ctx context.Context) error {
	if err := a.ensureOpen(); err != nil {
		return err
	}
	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	res, err := a.db.ExecContext(opCtx, a.q.Clear, a.config.Namespace)
	if err != nil {
		return fmt.Errorf("failed to clear namespace %q: %w", a.config.Namespace, err)
	}
	if n, err := res.RowsAffected(); err == nil {
		a.logger.Debug("SQL namespace cleared", "namespace", a.config.Namespace, "rows", n)
	}
	return nil
}

// HealthCheck pings the database with a timeout.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	if err := a.ensureOpen(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := a.db.PingContext(ctx); err != nil {
		a.logger.Error("SQL health check failed", "dialect", a.dialect.Name, "error", err)
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// Close closes the database handle. Closing twice is a no-op.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	if err := a.db.Close(); err != nil {
		a.logger.Error("failed to close SQL connection", "dialect", a.dialect.Name, "error", err)
		return fmt.Errorf("failed to close database connection: %w", err)
	}
	a.logger.Info("SQL connection closed", "dialect", a.dialect.Name)
	return nil
}

func (a *Adapter) ensureOpen() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return fmt.Errorf("%s adapter is closed", a.dialect.Name)
	}
	return nil
}

func (a *Adapter) withOperationTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.config.OperationTimeout <= 0 {
		return ctx, func() {}
	}
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, a.config.OperationTimeout)
}
