/*
Package metrics exports tile cache activity to Prometheus.

The Collector owns a private registry and exposes counters and gauges for
cache lookups (hit, miss, wait), hash collisions, LRU evictions per storage
class, background teardown, ledger sizes and limits, the number of mapped
backing files and table-of-contents load outcomes. Maintenance operations
such as flush and clear are timed in a histogram.

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Port:      9090,
		Path:      "/metrics",
		Namespace: "tilecache",
	}, logger)
	if err != nil {
		return err
	}
	if err := collector.Start(ctx); err != nil {
		return err
	}
	defer collector.Stop(context.Background())

A disabled collector accepts every call and records nothing, so callers never
need to nil-check it.

# HTTP Endpoints

	/metrics           Prometheus exposition (OpenMetrics when negotiated)
	/health            liveness probe
	/debug/operations  plain-text maintenance operation summary
*/
package metrics
