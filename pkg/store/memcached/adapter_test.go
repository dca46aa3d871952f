package memcached

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nimburion/stache/pkg/observability/logger"
	"github.com/nimburion/stache/pkg/stache"
	"github.com/nimburion/stache/pkg/store/storetest"
)

type fakeMemcached struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeMemcached() *fakeMemcached {
	return &fakeMemcached{
		data: map[string][]byte{},
	}
}

// fakeCluster routes each dialed address to its own fake server.
type fakeCluster map[string]*fakeMemcached

func (fc fakeCluster) dial(_ context.Context, _ string, address string) (net.Conn, error) {
	server, ok := fc[address]
	if !ok {
		return nil, fmt.Errorf("dial %s: connection refused", address)
	}
	clientConn, serverConn := net.Pipe()
	go server.serve(serverConn)
	return clientConn, nil
}

// uriencode mirrors memcached's metadump key encoding.
func uriencode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9') || strings.IndexByte("-._~", c) >= 0 {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "%%%02X", c)
	}
	return b.String()
}

func (f *fakeMemcached) serve(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)

	line, err := reader.ReadString('\n')
	if err != nil {
		return
	}
	line = strings.TrimSpace(line)
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return
	}

	switch parts[0] {
	case "set":
		if len(parts) != 5 {
			_, _ = io.WriteString(conn, "CLIENT_ERROR\r\n")
			return
		}
		key := parts[1]
		size, _ := strconv.Atoi(parts[4])
		payload := make([]byte, size+2)
		if _, err := io.ReadFull(reader, payload); err != nil {
			return
		}
		f.mu.Lock()
		f.data[key] = append([]byte(nil), payload[:size]...)
		f.mu.Unlock()
		_, _ = io.WriteString(conn, "STORED\r\n")
	case "get":
		if len(parts) != 2 {
			_, _ = io.WriteString(conn, "END\r\n")
			return
		}
		key := parts[1]
		f.mu.Lock()
		value, ok := f.data[key]
		f.mu.Unlock()
		if !ok {
			_, _ = io.WriteString(conn, "END\r\n")
			return
		}
		_, _ = io.WriteString(conn, fmt.Sprintf("VALUE %s 0 %d\r\n", key, len(value)))
		_, _ = conn.Write(value)
		_, _ = io.WriteString(conn, "\r\nEND\r\n")
	case "delete":
		if len(parts) != 2 {
			_, _ = io.WriteString(conn, "NOT_FOUND\r\n")
			return
		}
		key := parts[1]
		f.mu.Lock()
		_, ok := f.data[key]
		delete(f.data, key)
		f.mu.Unlock()
		if ok {
			_, _ = io.WriteString(conn, "DELETED\r\n")
		} else {
			_, _ = io.WriteString(conn, "NOT_FOUND\r\n")
		}
	case "lru_crawler":
		f.mu.Lock()
		keys := make([]string, 0, len(f.data))
		for k := range f.data {
			keys = append(keys, k)
		}
		f.mu.Unlock()
		sort.Strings(keys)
		for _, k := range keys {
			_, _ = io.WriteString(conn, fmt.Sprintf("key=%s exp=-1 la=1700000000 cas=1 fetch=no cls=1 size=64\n", uriencode(k)))
		}
		_, _ = io.WriteString(conn, "END\r\n")
	case "version":
		_, _ = io.WriteString(conn, "VERSION 1.6.29\r\n")
	default:
		_, _ = io.WriteString(conn, "ERROR\r\n")
	}
}

func newTestAdapter(t *testing.T, cluster fakeCluster, prefix string) *MemcachedAdapter {
	t.Helper()
	addresses := make([]string, 0, len(cluster))
	for addr := range cluster {
		addresses = append(addresses, addr)
	}
	sort.Strings(addresses)

	c, err := NewMemcachedAdapter(Config{Addresses: addresses, Prefix: prefix, Timeout: time.Second}, logger.Nop())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	c.dial = cluster.dial
	return c
}

func TestNewMemcachedAdapter_Validation(t *testing.T) {
	tests := [][]string{nil, {}, {" ", ""}}
	for _, addrs := range tests {
		if _, err := NewMemcachedAdapter(Config{Addresses: addrs}, logger.Nop()); err == nil {
			t.Fatalf("expected error for addresses %q", addrs)
		}
	}
}

func TestMemcachedAdapter_Conformance(t *testing.T) {
	cluster := fakeCluster{"a:11211": newFakeMemcached(), "b:11211": newFakeMemcached()}
	storetest.Run(t, func(t *testing.T, prefix string) stache.Container {
		return newTestAdapter(t, cluster, prefix)
	})
}

func TestMemcachedAdapter_CRUD(t *testing.T) {
	fake := newFakeMemcached()
	client := newTestAdapter(t, fakeCluster{"fake:11211": fake}, "local")

	ctx := context.Background()
	if err := client.Set(ctx, "k 1", "v1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, ok := fake.data["local:k%201"]; !ok {
		t.Fatalf("expected escaped storage key, have %v", fake.data)
	}

	got, ok, err := client.Get(ctx, "k 1")
	if err != nil || !ok || got != "v1" {
		t.Fatalf("get = %q, %v, %v", got, ok, err)
	}

	if err := client.Delete(ctx, "k 1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := client.Delete(ctx, "k 1"); err != nil {
		t.Fatalf("delete of missing key: %v", err)
	}

	if _, ok, err := client.Get(ctx, "k 1"); ok || err != nil {
		t.Fatalf("expected absent after delete, got %v, %v", ok, err)
	}
}

func TestMemcachedAdapter_ShardsAcrossServers(t *testing.T) {
	cluster := fakeCluster{"a:11211": newFakeMemcached(), "b:11211": newFakeMemcached()}
	client := newTestAdapter(t, cluster, "local")
	ctx := context.Background()

	for i := 0; i < 40; i++ {
		if err := client.Set(ctx, fmt.Sprintf("k%d", i), "v"); err != nil {
			t.Fatalf("set: %v", err)
		}
	}
	if len(cluster["a:11211"].data) == 0 || len(cluster["b:11211"].data) == 0 {
		t.Fatal("expected keys on both servers")
	}
	keys, err := client.Keys(ctx)
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 40 {
		t.Fatalf("expected 40 keys, got %d", len(keys))
	}
}

func TestMemcachedAdapter_RejectsOversizedKey(t *testing.T) {
	client := newTestAdapter(t, fakeCluster{"fake:11211": newFakeMemcached()}, "local")
	if err := client.Set(context.Background(), strings.Repeat("é", 100), "v"); err == nil {
		t.Fatal("expected error for key longer than 250 bytes once escaped")
	}
}

func TestMemcachedAdapter_HealthCheckAndClose(t *testing.T) {
	client := newTestAdapter(t, fakeCluster{"fake:11211": newFakeMemcached()}, "local")
	ctx := context.Background()

	if err := client.HealthCheck(ctx); err != nil {
		t.Fatalf("health: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := client.HealthCheck(ctx); err == nil {
		t.Fatal("expected health check error after close")
	}
	if err := client.Set(ctx, "k", "v"); err == nil {
		t.Fatal("expected set error after close")
	}
}

func TestMemcachedAdapter_UnreachableServer(t *testing.T) {
	client := newTestAdapter(t, fakeCluster{"fake:11211": newFakeMemcached()}, "local")
	client.addresses = append(client.addresses, "down:11211")

	if _, err := client.Keys(context.Background()); err == nil {
		t.Fatal("expected keys error when a server is unreachable")
	}
	if err := client.HealthCheck(context.Background()); err == nil {
		t.Fatal("expected health check error when a server is unreachable")
	}
}

func TestMemcachedAdapter_ClearFallsBackToDeletes(t *testing.T) {
	fake := newFakeMemcached()
	client := newTestAdapter(t, fakeCluster{"fake:11211": fake}, "local")
	other := newTestAdapter(t, fakeCluster{"fake:11211": fake}, "session")
	ctx := context.Background()

	_ = client.Set(ctx, "a", "1")
	_ = client.Set(ctx, "b", "2")
	_ = other.Set(ctx, "a", "1")

	if err := stache.New(client).Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if len(fake.data) != 1 {
		t.Fatalf("only the session entry should remain, have %v", fake.data)
	}
}
