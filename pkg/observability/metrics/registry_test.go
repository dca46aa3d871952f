package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegistry_HandlerExposesRuntimeAndCustomMetrics(t *testing.T) {
	reg := NewRegistry()
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stache_test_operations_total",
		Help: "test counter",
	}, []string{"operation"})
	reg.MustRegister(counter)
	counter.WithLabelValues("get").Add(3)

	srv := httptest.NewServer(reg.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{"go_goroutines", `stache_test_operations_total{operation="get"} 3`} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestRegistry_RegisterDuplicate(t *testing.T) {
	reg := NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "stache_dup_total", Help: "dup"})
	if err := reg.Register(c); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := reg.Register(c); err == nil {
		t.Fatal("second Register should fail")
	}
	if !reg.Unregister(c) {
		t.Fatal("Unregister should report removal")
	}
}

func TestRegistry_Samples(t *testing.T) {
	reg := NewRegistry()
	ops := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stache_container_operations_total",
		Help: "ops",
	}, []string{"provider", "operation"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "stache_container_operation_duration_seconds",
		Help: "latency",
	}, []string{"provider"})
	reg.MustRegister(ops, latency)

	ops.WithLabelValues("local", "set").Inc()
	ops.WithLabelValues("local", "set").Inc()
	latency.WithLabelValues("local").Observe(0.01)

	samples, err := reg.Samples("stache_")
	if err != nil {
		t.Fatalf("Samples: %v", err)
	}
	got := map[string]float64{}
	for _, s := range samples {
		got[s.String()] = s.Value
	}

	if got[`stache_container_operations_total{operation="set",provider="local"}`] != 2 {
		t.Fatalf("counter sample missing or wrong: %v", got)
	}
	if got[`stache_container_operation_duration_seconds{provider="local"}`] != 1 {
		t.Fatalf("histogram sample missing or wrong: %v", got)
	}
	for name := range got {
		if strings.HasPrefix(name, "go_") {
			t.Fatalf("prefix filter not applied: %s", name)
		}
	}
}
