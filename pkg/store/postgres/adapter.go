// Package postgres provides a stache container backed by a PostgreSQL table.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/nimburion/stache/pkg/observability/logger"
	"github.com/nimburion/stache/pkg/store/sqlstore"
)

// PostgreSQLAdapter is a sqlstore.Adapter speaking the PostgreSQL dialect.
type PostgreSQLAdapter struct {
	*sqlstore.Adapter
}

// Config holds PostgreSQL connection configuration
type Config struct {
	URL              string
	Table            string
	Prefix           string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
	OperationTimeout time.Duration
}

// NewPostgreSQLAdapter connects, verifies the connection and creates the entries table if needed.
func NewPostgreSQLAdapter(cfg Config, log logger.Logger) (*PostgreSQLAdapter, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	adapter, err := sqlstore.New(ctx, db, sqlstore.Postgres, sqlstore.Config{
		Table:            cfg.Table,
		Namespace:        cfg.Prefix,
		OperationTimeout: cfg.OperationTimeout,
	}, log)
	if err != nil {
		db.Close()
		return nil, err
	}

	log.Info("PostgreSQL connection established",
		"table", cfg.Table,
		"prefix", cfg.Prefix,
		"max_open_conns", cfg.MaxOpenConns,
		"max_idle_conns", cfg.MaxIdleConns,
		"conn_max_lifetime", cfg.ConnMaxLifetime,
	)

	return &PostgreSQLAdapter{Adapter: adapter}, nil
}
