package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/nimburion/stache/pkg/stache"
	"github.com/nimburion/stache/pkg/stache/registry"
)

func TestServer_ServeAndShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	h := NewHandler(HandlerOptions{Registry: registry.NewDefault(registry.Environment{Local: stache.NewMap()})})
	srv := New(Config{ShutdownTimeout: 5 * time.Second}, h, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String()
	resp, err := http.Get(url + "/health")
	if err != nil {
		cancel()
		t.Fatalf("GET /health: %v", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := srv.Addr(); got == nil || got.String() != ln.Addr().String() {
		t.Fatalf("Addr() = %v, want %v", got, ln.Addr())
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}

	if _, err := http.Get(url + "/health"); err == nil {
		t.Fatal("expected connection error after shutdown")
	}
}

func TestServer_StartInvalidAddress(t *testing.T) {
	srv := New(Config{Addr: "256.0.0.1:bad"}, http.NotFoundHandler(), nil)
	if err := srv.Start(context.Background()); err == nil {
		t.Fatal("expected listen error")
	}
	if srv.Addr() != nil {
		t.Fatal("Addr must stay nil when listening fails")
	}
}
