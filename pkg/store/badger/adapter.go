// Package badger provides an embedded, on-disk stache container built on BadgerDB.
package badger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/nimburion/stache/pkg/observability/logger"
	"github.com/nimburion/stache/pkg/stache"
)

// Config holds BadgerDB configuration.
type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path       string
	InMemory   bool
	SyncWrites bool
	Prefix     string
}

// BadgerAdapter stores entries as "prefix:key" in a BadgerDB instance it owns.
type BadgerAdapter struct {
	db     *badgerdb.DB
	logger logger.Logger
	config Config
	ns     []byte

	mu     sync.RWMutex
	closed bool
}

var (
	_ stache.Container = (*BadgerAdapter)(nil)
	_ stache.Clearer   = (*BadgerAdapter)(nil)
)

// NewBadgerAdapter opens (creating if needed) the database described by cfg.
func NewBadgerAdapter(cfg Config, log logger.Logger) (*BadgerAdapter, error) {
	if !cfg.InMemory && strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("badger path is required unless in-memory")
	}

	path := cfg.Path
	if cfg.InMemory {
		path = ""
	}
	opts := badgerdb.DefaultOptions(path).
		WithInMemory(cfg.InMemory).
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(&badgerLogger{log: log.With("component", "badger")})

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	log.Info("Badger database opened", "path", path, "in_memory", cfg.InMemory, "prefix", cfg.Prefix)

	var ns []byte
	if cfg.Prefix != "" {
		ns = []byte(cfg.Prefix + ":")
	}
	return &BadgerAdapter{
		db:     db,
		logger: log,
		config: cfg,
		ns:     ns,
	}, nil
}

// DB returns the underlying database.
func (a *BadgerAdapter) DB() *badgerdb.DB {
	return a.db
}

// Get implements stache.Container.
func (a *BadgerAdapter) Get(ctx context.Context, key string) (string, bool, error) {
	if err := a.ready(ctx); err != nil {
		return "", false, err
	}

	var (
		value []byte
		found bool
	)
	err := a.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(a.storageKey(key))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return string(value), found, nil
}

// Set implements stache.Container.
func (a *BadgerAdapter) Set(ctx context.Context, key, value string) error {
	if err := a.ready(ctx); err != nil {
		return err
	}
	err := a.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(a.storageKey(key), []byte(value))
	})
	if err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

// Delete implements stache.Container.
func (a *BadgerAdapter) Delete(ctx context.Context, key string) error {
	if err := a.ready(ctx); err != nil {
		return err
	}
	err := a.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete(a.storageKey(key))
	})
	if err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}

// Keys implements stache.Container with a key-only prefix iteration.
func (a *BadgerAdapter) Keys(ctx context.Context) ([]string, error) {
	if err := a.ready(ctx); err != nil {
		return nil, err
	}

	var keys []string
	err := a.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = a.ns

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			k := it.Item().KeyCopy(nil)
			keys = append(keys, string(k[len(a.ns):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	return keys, nil
}

// Clear implements stache.Clearer. With a prefix only that namespace is dropped.
func (a *BadgerAdapter) Clear(ctx context.Context) error {
	if err := a.ready(ctx); err != nil {
		return err
	}

	var err error
	if len(a.ns) == 0 {
		err = a.db.DropAll()
	} else {
		err = a.db.DropPrefix(a.ns)
	}
	if err != nil {
		return fmt.Errorf("failed to clear prefix %q: %w", a.config.Prefix, err)
	}
	return nil
}

func (a *BadgerAdapter) storageKey(key string) []byte {
	k := make([]byte, 0, len(a.ns)+len(key))
	k = append(k, a.ns...)
	return append(k, key...)
}

func (a *BadgerAdapter) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return fmt.Errorf("badger adapter is closed")
	}
	return nil
}

// HealthCheck verifies the database accepts read transactions.
func (a *BadgerAdapter) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := a.ready(ctx); err != nil {
		return err
	}
	if err := a.db.View(func(*badgerdb.Txn) error { return nil }); err != nil {
		a.logger.Error("Badger health check failed", "error", err)
		return fmt.Errorf("badger health check failed: %w", err)
	}
	return nil
}

// Close flushes and closes the database. Closing twice is a no-op.
func (a *BadgerAdapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	if err := a.db.Close(); err != nil {
		a.logger.Error("failed to close Badger database", "error", err)
		return fmt.Errorf("failed to close badger database: %w", err)
	}
	a.logger.Info("Badger database closed")
	return nil
}

// badgerLogger routes badger's printf-style logging into the structured logger.
// Badger's info chatter is demoted to debug.
type badgerLogger struct {
	log logger.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
