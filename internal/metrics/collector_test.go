package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewCollector(t *testing.T) {
	t.Parallel()

	t.Run("with valid config", func(t *testing.T) {
		config := &Config{
			Enabled:   true,
			Port:      9090,
			Path:      "/metrics",
			Namespace: "tilecache",
			Subsystem: "test",
		}
		collector, err := NewCollector(config, nil)
		if err != nil {
			t.Fatalf("NewCollector() error = %v, want nil", err)
		}
		if collector.config != config {
			t.Error("collector.config does not match input config")
		}
		if collector.Registry() == nil {
			t.Error("collector.registry is nil")
		}
	})

	t.Run("with nil config uses defaults", func(t *testing.T) {
		collector, err := NewCollector(nil, nil)
		if err != nil {
			t.Fatalf("NewCollector(nil) error = %v, want nil", err)
		}
		if collector.config.Port != 9090 {
			t.Errorf("default port = %d, want 9090", collector.config.Port)
		}
		if collector.config.Namespace != "tilecache" {
			t.Errorf("default namespace = %q, want %q", collector.config.Namespace, "tilecache")
		}
	})

	t.Run("with disabled config", func(t *testing.T) {
		collector, err := NewCollector(&Config{Enabled: false}, nil)
		if err != nil {
			t.Fatalf("NewCollector() error = %v, want nil", err)
		}
		if collector.Registry() != nil {
			t.Error("disabled collector should not have registry")
		}

		// Recording on a disabled collector is a no-op
		collector.RecordRequest("hit")
		collector.RecordCollision()
		collector.RecordEviction("ram", 3)
		collector.UpdateCacheSize("ram", 1024)
		collector.UpdateTileFiles(2)
	})
}

func TestCollectorCounters(t *testing.T) {
	t.Parallel()

	collector, err := NewCollector(DefaultConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}

	collector.RecordRequest("hit")
	collector.RecordRequest("hit")
	collector.RecordRequest("miss")
	collector.RecordCollision()
	collector.RecordEviction("disk", 4)
	collector.RecordEviction("disk", 0)
	collector.RecordDestroyed(2)
	collector.RecordTOC("loaded")

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"hits", testutil.ToFloat64(collector.requestCounter.WithLabelValues("hit")), 2},
		{"misses", testutil.ToFloat64(collector.requestCounter.WithLabelValues("miss")), 1},
		{"collisions", testutil.ToFloat64(collector.collisionCounter), 1},
		{"disk evictions", testutil.ToFloat64(collector.evictionCounter.WithLabelValues("disk")), 4},
		{"destroyed", testutil.ToFloat64(collector.destroyedCounter), 2},
		{"toc loaded", testutil.ToFloat64(collector.tocCounter.WithLabelValues("loaded")), 1},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestCollectorGauges(t *testing.T) {
	t.Parallel()

	collector, err := NewCollector(DefaultConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}

	collector.UpdateCacheSize("ram", 4096)
	collector.UpdateCacheSize("ram", 2048)
	collector.UpdateCacheLimit("ram", 1<<20)
	collector.UpdateTileFiles(3)

	if got := testutil.ToFloat64(collector.cacheSizeGauge.WithLabelValues("ram")); got != 2048 {
		t.Errorf("cache size = %v, want 2048", got)
	}
	if got := testutil.ToFloat64(collector.cacheLimitGauge.WithLabelValues("ram")); got != 1<<20 {
		t.Errorf("cache limit = %v, want %v", got, 1<<20)
	}
	if got := testutil.ToFloat64(collector.tileFilesGauge); got != 3 {
		t.Errorf("tile files = %v, want 3", got)
	}
}

func TestRecordOperation(t *testing.T) {
	t.Parallel()

	collector, err := NewCollector(DefaultConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}

	collector.RecordOperation("flush", 10*time.Millisecond, true)
	collector.RecordOperation("flush", 30*time.Millisecond, false)

	ops := collector.GetOperations()
	flush, ok := ops["flush"]
	if !ok {
		t.Fatal("flush operation not tracked")
	}
	if flush.Count != 2 {
		t.Errorf("count = %d, want 2", flush.Count)
	}
	if flush.Errors != 1 {
		t.Errorf("errors = %d, want 1", flush.Errors)
	}
	if flush.AvgDuration != 20*time.Millisecond {
		t.Errorf("avg duration = %v, want 20ms", flush.AvgDuration)
	}

	collector.ResetMetrics()
	if len(collector.GetOperations()) != 0 {
		t.Error("ResetMetrics should clear operation tracking")
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	t.Parallel()

	collector, err := NewCollector(DefaultConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	collector.RecordRequest("wait")

	server := httptest.NewServer(collector.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), `tilecache_cache_requests_total{result="wait"} 1`) {
		t.Errorf("exposition missing request counter:\n%s", body)
	}
}

func TestHealthHandler(t *testing.T) {
	t.Parallel()

	collector, err := NewCollector(DefaultConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	collector.healthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "healthy") {
		t.Errorf("unexpected body %q", rec.Body.String())
	}
}
