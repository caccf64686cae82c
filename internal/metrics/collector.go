package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/objectfs/tilecache/pkg/utils"
)

// Collector exports tile cache activity as Prometheus metrics
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry
	logger   *utils.StructuredLogger

	// Prometheus metrics
	requestCounter    *prometheus.CounterVec
	collisionCounter  prometheus.Counter
	evictionCounter   *prometheus.CounterVec
	destroyedCounter  prometheus.Counter
	cacheSizeGauge    *prometheus.GaugeVec
	cacheLimitGauge   *prometheus.GaugeVec
	tileFilesGauge    prometheus.Gauge
	tocCounter        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec

	// Internal tracking
	operations map[string]*OperationMetrics
	lastReset  time.Time

	// HTTP server for metrics endpoint
	server *http.Server
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Port      int               `yaml:"port"`
	Path      string            `yaml:"path"`
	Labels    map[string]string `yaml:"labels"`
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`
}

// OperationMetrics tracks metrics for a specific operation type
type OperationMetrics struct {
	Count         int64         `json:"count"`
	TotalDuration time.Duration `json:"total_duration"`
	Errors        int64         `json:"errors"`
	LastOperation time.Time     `json:"last_operation"`
	AvgDuration   time.Duration `json:"avg_duration"`
}

// DefaultConfig returns a config with the endpoint on :9090/metrics
func DefaultConfig() *Config {
	return &Config{
		Enabled:   true,
		Port:      9090,
		Path:      "/metrics",
		Namespace: "tilecache",
		Labels:    make(map[string]string),
	}
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config, logger *utils.StructuredLogger) (*Collector, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}

	collector := &Collector{
		config:     config,
		logger:     logger.WithComponent("metrics"),
		operations: make(map[string]*OperationMetrics),
		lastReset:  time.Now(),
	}
	if !config.Enabled {
		return collector, nil
	}

	collector.registry = prometheus.NewRegistry()
	collector.initMetrics()

	if err := collector.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return collector, nil
}

// Registry returns the underlying registry, or nil when disabled
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns the exposition handler for the registry
func (c *Collector) Handler() http.Handler {
	if !c.config.Enabled {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Start starts the metrics HTTP server
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, c.Handler())
	mux.HandleFunc("/health", c.healthHandler)
	mux.HandleFunc("/debug/operations", c.debugOperationsHandler)

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.Error("Metrics server error", map[string]interface{}{"error": err.Error()})
		}
	}()

	go func() {
		<-ctx.Done()
		_ = c.Stop(context.Background())
	}()

	c.logger.Info("Metrics endpoint listening", map[string]interface{}{
		"addr": c.server.Addr,
		"path": c.config.Path,
	})
	return nil
}

// Stop stops the metrics HTTP server
func (c *Collector) Stop(ctx context.Context) error {
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

// RecordRequest counts one lookup outcome: "hit", "miss" or "wait".
func (c *Collector) RecordRequest(result string) {
	if !c.config.Enabled {
		return
	}
	c.requestCounter.WithLabelValues(result).Inc()
}

// RecordCollision counts one hash collision resolved by eviction
func (c *Collector) RecordCollision() {
	if !c.config.Enabled {
		return
	}
	c.collisionCounter.Inc()
}

// RecordEviction counts entries evicted from a storage class
func (c *Collector) RecordEviction(class string, count int) {
	if !c.config.Enabled || count <= 0 {
		return
	}
	c.evictionCounter.WithLabelValues(class).Add(float64(count))
}

// RecordDestroyed counts entries torn down by the background deleter
func (c *Collector) RecordDestroyed(count int) {
	if !c.config.Enabled || count <= 0 {
		return
	}
	c.destroyedCounter.Add(float64(count))
}

// UpdateCacheSize sets the ledger value for a storage class
func (c *Collector) UpdateCacheSize(class string, size int64) {
	if !c.config.Enabled {
		return
	}
	c.cacheSizeGauge.WithLabelValues(class).Set(float64(size))
}

// UpdateCacheLimit sets the configured ceiling for a storage class
func (c *Collector) UpdateCacheLimit(class string, size int64) {
	if !c.config.Enabled {
		return
	}
	c.cacheLimitGauge.WithLabelValues(class).Set(float64(size))
}

// UpdateTileFiles sets the number of mapped backing files
func (c *Collector) UpdateTileFiles(count int) {
	if !c.config.Enabled {
		return
	}
	c.tileFilesGauge.Set(float64(count))
}

// RecordTOC counts table-of-contents load outcomes
func (c *Collector) RecordTOC(outcome string) {
	if !c.config.Enabled {
		return
	}
	c.tocCounter.WithLabelValues(outcome).Inc()
}

// RecordOperation records a maintenance operation (flush, clear, purge)
func (c *Collector) RecordOperation(operation string, duration time.Duration, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	metrics, exists := c.operations[operation]
	if !exists {
		metrics = &OperationMetrics{}
		c.operations[operation] = metrics
	}
	metrics.Count++
	metrics.TotalDuration += duration
	if !success {
		metrics.Errors++
	}
	metrics.LastOperation = time.Now()
	metrics.AvgDuration = time.Duration(int64(metrics.TotalDuration) / metrics.Count)

	if c.config.Enabled {
		c.operationDuration.With(prometheus.Labels{
			"operation": operation,
			"status":    map[bool]string{true: "success", false: "error"}[success],
		}).Observe(duration.Seconds())
	}
}

// GetOperations returns a copy of the per-operation tracking
func (c *Collector) GetOperations() map[string]OperationMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	operations := make(map[string]OperationMetrics, len(c.operations))
	for k, v := range c.operations {
		operations[k] = *v
	}
	return operations
}

// ResetMetrics resets the internal operation tracking
func (c *Collector) ResetMetrics() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.operations = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()
}

func (c *Collector) initMetrics() {
	counter := func(name, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: c.config.Labels,
		}
	}
	gauge := func(name, help string) prometheus.GaugeOpts {
		return prometheus.GaugeOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: c.config.Labels,
		}
	}

	c.requestCounter = prometheus.NewCounterVec(
		counter("cache_requests_total", "Total number of cache lookups by result"),
		[]string{"result"},
	)
	c.collisionCounter = prometheus.NewCounter(
		counter("hash_collisions_total", "Entries evicted because a different key hashed identically"),
	)
	c.evictionCounter = prometheus.NewCounterVec(
		counter("evictions_total", "Entries evicted by the LRU policy"),
		[]string{"storage"},
	)
	c.destroyedCounter = prometheus.NewCounter(
		counter("entries_destroyed_total", "Entries torn down by the background deleter"),
	)
	c.cacheSizeGauge = prometheus.NewGaugeVec(
		gauge("cache_size_bytes", "Current ledger value in bytes"),
		[]string{"storage"},
	)
	c.cacheLimitGauge = prometheus.NewGaugeVec(
		gauge("cache_limit_bytes", "Configured maximum in bytes, 0 when unbounded"),
		[]string{"storage"},
	)
	c.tileFilesGauge = prometheus.NewGauge(
		gauge("tile_files", "Number of memory-mapped backing files"),
	)
	c.tocCounter = prometheus.NewCounterVec(
		counter("toc_loads_total", "Table of contents loads by outcome"),
		[]string{"outcome"},
	)
	c.operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "operation_duration_seconds",
			Help:        "Duration of maintenance operations in seconds",
			ConstLabels: c.config.Labels,
			Buckets:     prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
		},
		[]string{"operation", "status"},
	)
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.requestCounter,
		c.collisionCounter,
		c.evictionCounter,
		c.destroyedCounter,
		c.cacheSizeGauge,
		c.cacheLimitGauge,
		c.tileFilesGauge,
		c.tocCounter,
		c.operationDuration,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}

	return nil
}

// HTTP handlers

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy","service":"tilecache-metrics"}`))
}

func (c *Collector) debugOperationsHandler(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	w.Header().Set("Content-Type", "text/plain")

	writef := func(format string, args ...interface{}) { _, _ = fmt.Fprintf(w, format, args...) }

	writef("Tile Cache Operations Summary\n")
	writef("=============================\n\n")
	writef("Uptime: %v\n", time.Since(c.lastReset))
	writef("Last Reset: %v\n\n", c.lastReset)

	if len(c.operations) == 0 {
		writef("No operations recorded.\n")
		return
	}

	writef("%-20s %10s %10s %12s %10s\n", "Operation", "Count", "Errors", "Avg Duration", "Last Op")
	writef("%-20s %10s %10s %12s %10s\n", "---------", "-----", "------", "------------", "-------")

	for name, op := range c.operations {
		writef("%-20s %10d %10d %12v %10s\n",
			name, op.Count, op.Errors, op.AvgDuration, op.LastOperation.Format("15:04:05"))
	}
}
