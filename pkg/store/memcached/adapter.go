// Package memcached provides a stache container over the memcached text protocol.
package memcached

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nimburion/stache/pkg/observability/logger"
	"github.com/nimburion/stache/pkg/stache"
)

// memcached rejects longer keys.
const maxKeyLength = 250

// Config holds memcached client configuration.
type Config struct {
	Addresses []string
	Prefix    string
	Timeout   time.Duration
}

// MemcachedAdapter stores entries as "prefix:escaped-key" items without expiry.
// Keys are sharded across addresses by FNV hash. Keys() relies on "lru_crawler metadump",
// available since memcached 1.4.31.
type MemcachedAdapter struct {
	addresses []string
	timeout   time.Duration
	ns        string
	logger    logger.Logger
	dial      func(ctx context.Context, network, address string) (net.Conn, error)

	mu     sync.RWMutex
	closed bool
}

var _ stache.Container = (*MemcachedAdapter)(nil)

// NewMemcachedAdapter creates a memcached adapter using short-lived TCP connections.
func NewMemcachedAdapter(cfg Config, log logger.Logger) (*MemcachedAdapter, error) {
	if len(cfg.Addresses) == 0 {
		return nil, errors.New("at least one memcached address is required")
	}
	normalized := make([]string, 0, len(cfg.Addresses))
	for _, addr := range cfg.Addresses {
		trimmed := strings.TrimSpace(addr)
		if trimmed == "" {
			continue
		}
		normalized = append(normalized, trimmed)
	}
	if len(normalized) == 0 {
		return nil, errors.New("at least one non-empty memcached address is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}

	log.Info("Memcached adapter initialized", "addresses", normalized, "prefix", cfg.Prefix, "timeout", timeout)
	return &MemcachedAdapter{
		addresses: normalized,
		timeout:   timeout,
		ns:        cfg.Prefix + ":",
		logger:    log,
		dial:      (&net.Dialer{Timeout: timeout}).DialContext,
	}, nil
}

func (c *MemcachedAdapter) storageKey(key string) (string, error) {
	k := c.ns + url.PathEscape(key)
	if len(k) > maxKeyLength {
		return "", fmt.Errorf("memcached key for %q exceeds %d bytes once escaped", key, maxKeyLength)
	}
	return k, nil
}

// Get implements stache.Container.
func (c *MemcachedAdapter) Get(ctx context.Context, key string) (string, bool, error) {
	sk, err := c.storageKey(key)
	if err != nil {
		return "", false, err
	}
	conn, err := c.connect(ctx, c.pickAddress(sk))
	if err != nil {
		return "", false, err
	}
	defer conn.Close()

	reader := bufio.NewReader(conn)
	if _, writeErr := io.WriteString(conn, "get "+sk+"\r\n"); writeErr != nil {
		return "", false, writeErr
	}

	line, err := readLine(reader)
	if err != nil {
		return "", false, err
	}
	if line == "END" {
		return "", false, nil
	}
	// VALUE <key> <flags> <bytes>
	parts := strings.Fields(line)
	if len(parts) != 4 || parts[0] != "VALUE" {
		return "", false, fmt.Errorf("unexpected memcached response: %s", line)
	}
	size, err := strconv.Atoi(parts[3])
	if err != nil {
		return "", false, fmt.Errorf("invalid memcached size: %w", err)
	}
	payload := make([]byte, size+2) // include trailing CRLF
	if _, readErr := io.ReadFull(reader, payload); readErr != nil {
		return "", false, readErr
	}
	endLine, err := readLine(reader)
	if err != nil {
		return "", false, err
	}
	if endLine != "END" {
		return "", false, fmt.Errorf("unexpected memcached terminator: %s", endLine)
	}
	return string(payload[:size]), true, nil
}

// Set implements stache.Container. Items never expire.
func (c *MemcachedAdapter) Set(ctx context.Context, key, value string) error {
	sk, err := c.storageKey(key)
	if err != nil {
		return err
	}
	conn, err := c.connect(ctx, c.pickAddress(sk))
	if err != nil {
		return err
	}
	defer conn.Close()

	cmd := fmt.Sprintf("set %s 0 0 %d\r\n%s\r\n", sk, len(value), value)
	if _, writeErr := io.WriteString(conn, cmd); writeErr != nil {
		return writeErr
	}

	line, err := readLine(bufio.NewReader(conn))
	if err != nil {
		return err
	}
	if line != "STORED" {
		return fmt.Errorf("memcached set failed: %s", line)
	}
	return nil
}

// Delete implements stache.Container. A missing key is not an error.
func (c *MemcachedAdapter) Delete(ctx context.Context, key string) error {
	sk, err := c.storageKey(key)
	if err != nil {
		return err
	}
	conn, err := c.connect(ctx, c.pickAddress(sk))
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, writeErr := io.WriteString(conn, "delete "+sk+"\r\n"); writeErr != nil {
		return writeErr
	}
	line, err := readLine(bufio.NewReader(conn))
	if err != nil {
		return err
	}
	switch line {
	case "DELETED", "NOT_FOUND":
		return nil
	default:
		return fmt.Errorf("unexpected memcached delete response: %s", line)
	}
}

// Keys implements stache.Container by dumping item metadata from every server.
func (c *MemcachedAdapter) Keys(ctx context.Context) ([]string, error) {
	seen := map[string]struct{}{}
	var keys []string
	for _, addr := range c.addresses {
		dumped, err := c.metadump(ctx, addr)
		if err != nil {
			return nil, err
		}
		for _, k := range dumped {
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (c *MemcachedAdapter) metadump(ctx context.Context, addr string) ([]string, error) {
	conn, err := c.connect(ctx, addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if _, writeErr := io.WriteString(conn, "lru_crawler metadump all\r\n"); writeErr != nil {
		return nil, writeErr
	}

	reader := bufio.NewReader(conn)
	var keys []string
	for {
		line, err := readLine(reader)
		if err != nil {
			return nil, err
		}
		if line == "END" {
			return keys, nil
		}
		// key=<uri-encoded> exp=... la=... cas=... fetch=... cls=... size=...
		if !strings.HasPrefix(line, "key=") {
			return nil, fmt.Errorf("memcached metadump failed on %s: %s", addr, line)
		}
		field, _, _ := strings.Cut(strings.TrimPrefix(line, "key="), " ")
		stored, err := url.PathUnescape(field)
		if err != nil || !strings.HasPrefix(stored, c.ns) {
			continue
		}
		key, err := url.PathUnescape(strings.TrimPrefix(stored, c.ns))
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
}

// HealthCheck asks every server for its version.
func (c *MemcachedAdapter) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	for _, addr := range c.addresses {
		if err := c.version(ctx, addr); err != nil {
			c.logger.Error("Memcached health check failed", "address", addr, "error", err)
			return fmt.Errorf("memcached health check failed for %s: %w", addr, err)
		}
	}
	return nil
}

func (c *MemcachedAdapter) version(ctx context.Context, addr string) error {
	conn, err := c.connect(ctx, addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, writeErr := io.WriteString(conn, "version\r\n"); writeErr != nil {
		return writeErr
	}
	line, err := readLine(bufio.NewReader(conn))
	if err != nil {
		return err
	}
	if !strings.HasPrefix(line, "VERSION ") {
		return fmt.Errorf("unexpected memcached version response: %s", line)
	}
	return nil
}

// Close marks the adapter closed. Each operation uses its own connection, so nothing is released.
func (c *MemcachedAdapter) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *MemcachedAdapter) connect(ctx context.Context, address string) (net.Conn, error) {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return nil, errors.New("memcached adapter is closed")
	}

	conn, err := c.dial(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(c.timeout)
	if deadlineFromCtx, ok := ctx.Deadline(); ok && deadlineFromCtx.Before(deadline) {
		deadline = deadlineFromCtx
	}
	_ = conn.SetDeadline(deadline)
	return conn, nil
}

func (c *MemcachedAdapter) pickAddress(storageKey string) string {
	if len(c.addresses) == 1 {
		return c.addresses[0]
	}
	hash := fnv.New32a()
	_, _ = hash.Write([]byte(storageKey))
	index := int(hash.Sum32() % uint32(len(c.addresses)))
	return c.addresses[index]
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
