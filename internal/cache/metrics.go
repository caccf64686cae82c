package cache

import (
	"sync/atomic"
	"time"
)

// MetricsRecorder receives cache activity. internal/metrics.Collector
// satisfies it.
type MetricsRecorder interface {
	RecordRequest(result string)
	RecordCollision()
	RecordEviction(class string, count int)
	RecordDestroyed(count int)
	UpdateCacheSize(class string, size int64)
	UpdateCacheLimit(class string, size int64)
	UpdateTileFiles(count int)
	RecordTOC(outcome string)
	RecordOperation(operation string, duration time.Duration, success bool)
}

// Lookup outcomes passed to RecordRequest
const (
	requestHit  = "hit"
	requestMiss = "miss"
	requestWait = "wait"
)

type nopMetrics struct{}

func (nopMetrics) RecordRequest(string) {}
func (nopMetrics) RecordCollision() {}
func (nopMetrics) RecordEviction(string, int) {}
func (nopMetrics) RecordDestroyed(int) {}
func (nopMetrics) UpdateCacheSize(string, int64) {}
func (nopMetrics) UpdateCacheLimit(string, int64) {}
func (nopMetrics) UpdateTileFiles(int) {}
func (nopMetrics) RecordTOC(string) {}
func (nopMetrics) RecordOperation(string, time.Duration, bool) {}

// counters mirrors the request metrics for Stats
type counters struct {
	hits       atomic.Uint64
	misses     atomic.Uint64
	waits      atomic.Uint64
	collisions atomic.Uint64
	evictions  atomic.Uint64
	destroyed  atomic.Uint64
}
