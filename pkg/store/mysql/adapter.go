// Package mysql provides a stache container backed by a MySQL table.
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/nimburion/stache/pkg/observability/logger"
	"github.com/nimburion/stache/pkg/store/sqlstore"
)

// MySQLAdapter is a sqlstore.Adapter speaking the MySQL dialect.
type MySQLAdapter struct {
	*sqlstore.Adapter
}

// Config holds MySQL configuration. URL is a go-sql-driver DSN.
type Config struct {
	URL              string
	Table            string
	Prefix           string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
	OperationTimeout time.Duration
}

// NewMySQLAdapter validates the DSN, connects and creates the entries table if needed.
func NewMySQLAdapter(cfg Config, log logger.Logger) (*MySQLAdapter, error) {
	dsn, err := normalizeDSN(cfg.URL)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping mysql database: %w", err)
	}

	adapter, err := sqlstore.New(ctx, db, sqlstore.MySQL, sqlstore.Config{
		Table:            cfg.Table,
		Namespace:        cfg.Prefix,
		OperationTimeout: cfg.OperationTimeout,
	}, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	log.Info("MySQL connection established",
		"table", cfg.Table,
		"prefix", cfg.Prefix,
		"max_open_conns", cfg.MaxOpenConns,
		"max_idle_conns", cfg.MaxIdleConns,
		"conn_max_lifetime", cfg.ConnMaxLifetime,
	)

	return &MySQLAdapter{Adapter: adapter}, nil
}

// normalizeDSN parses dsn and forces the utf8mb4 connection charset the table is created with.
func normalizeDSN(dsn string) (string, error) {
	if dsn == "" {
		return "", fmt.Errorf("database URL is required")
	}
	parsed, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid mysql DSN: %w", err)
	}
	if parsed.Params == nil {
		parsed.Params = map[string]string{}
	}
	if !hasCharset(dsn) {
		parsed.Params["charset"] = "utf8mb4"
	}
	return parsed.FormatDSN(), nil
}

// hasCharset reports whether the DSN query sets charset. ParseDSN consumes it
// without exposing it in Params.
func hasCharset(dsn string) bool {
	i := strings.LastIndex(dsn, "?")
	if i < 0 {
		return false
	}
	query, err := url.ParseQuery(dsn[i+1:])
	if err != nil {
		return false
	}
	return query.Get("charset") != ""
}
