package memmon

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/objectfs/tilecache/pkg/utils"
)

// MonitorConfig configures memory monitoring behavior
type MonitorConfig struct {
	// SampleInterval is how often to read the resident set size
	SampleInterval time.Duration

	// Ceiling is the resident set size, in bytes, at or above which
	// OnPressure fires. Zero disables pressure detection.
	Ceiling uint64

	// MaxSamples is the number of samples to keep in history
	MaxSamples int

	// Probe reads memory figures; defaults to SystemProbe
	Probe Probe

	// OnPressure is invoked from the monitor goroutine for every sample at
	// or above Ceiling.
	OnPressure func(resident, ceiling uint64)

	// Logger for monitoring events
	Logger *utils.StructuredLogger
}

// DefaultMonitorConfig returns sensible defaults
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		SampleInterval: 5 * time.Second,
		MaxSamples:     120,
		Probe:          SystemProbe{},
	}
}

// MemorySample is one reading of the process resident set.
type MemorySample struct {
	Timestamp time.Time
	Resident  uint64
	Pressure  bool
}

// MemoryStats summarizes the monitor's history.
type MemoryStats struct {
	Current       MemorySample
	Peak          uint64
	SampleCount   int
	PressureCount int
	Ceiling       uint64
}

// MemoryMonitor samples the resident set size and reports memory pressure
type MemoryMonitor struct {
	config MonitorConfig
	logger *utils.StructuredLogger

	mu            sync.RWMutex
	samples       []MemorySample
	current       MemorySample
	peak          uint64
	pressureCount int

	stopCh chan struct{}
	wg     sync.WaitGroup
	active int32
}

// NewMemoryMonitor creates a new memory monitor
func NewMemoryMonitor(config MonitorConfig) *MemoryMonitor {
	defaults := DefaultMonitorConfig()
	if config.Logger == nil {
		config.Logger = utils.NewNopLogger()
	}
	if config.Probe == nil {
		config.Probe = defaults.Probe
	}
	if config.MaxSamples <= 0 {
		config.MaxSamples = defaults.MaxSamples
	}
	if config.SampleInterval <= 0 {
		config.SampleInterval = defaults.SampleInterval
	}

	return &MemoryMonitor{
		config:  config,
		logger:  config.Logger.WithComponent("memmon"),
		samples: make([]MemorySample, 0, config.MaxSamples),
		stopCh:  make(chan struct{}),
	}
}

// Start begins memory monitoring
func (mm *MemoryMonitor) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&mm.active, 0, 1) {
		return fmt.Errorf("monitor already running")
	}

	mm.logger.Info("Starting memory monitor", map[string]interface{}{
		"sample_interval": mm.config.SampleInterval,
		"ceiling":         utils.FormatBytes(int64(mm.config.Ceiling)),
	})

	mm.wg.Add(1)
	go mm.monitorLoop(ctx)

	return nil
}

// Stop stops memory monitoring
func (mm *MemoryMonitor) Stop() error {
	if !atomic.CompareAndSwapInt32(&mm.active, 1, 0) {
		return nil
	}

	close(mm.stopCh)
	mm.wg.Wait()
	mm.logger.Info("Stopped memory monitor", nil)
	return nil
}

func (mm *MemoryMonitor) monitorLoop(ctx context.Context) {
	defer mm.wg.Done()

	ticker := time.NewTicker(mm.config.SampleInterval)
	defer ticker.Stop()

	mm.takeSample()

	for {
		select {
		case <-ctx.Done():
			return
		case <-mm.stopCh:
			return
		case <-ticker.C:
			mm.takeSample()
		}
	}
}

// takeSample reads the resident set and fires OnPressure when over the ceiling
func (mm *MemoryMonitor) takeSample() {
	resident, err := mm.config.Probe.ResidentMemory()
	if err != nil {
		mm.logger.Debug("Resident memory unavailable", map[string]interface{}{"error": err.Error()})
		return
	}

	sample := MemorySample{
		Timestamp: time.Now(),
		Resident:  resident,
		Pressure:  mm.config.Ceiling > 0 && resident >= mm.config.Ceiling,
	}

	mm.mu.Lock()
	mm.current = sample
	if resident > mm.peak {
		mm.peak = resident
	}
	mm.samples = append(mm.samples, sample)
	if len(mm.samples) > mm.config.MaxSamples {
		mm.samples = mm.samples[1:]
	}
	if sample.Pressure {
		mm.pressureCount++
	}
	mm.mu.Unlock()

	if sample.Pressure {
		mm.logger.Warn("Resident memory at physical ceiling", map[string]interface{}{
			"resident": utils.FormatBytes(int64(resident)),
			"ceiling":  utils.FormatBytes(int64(mm.config.Ceiling)),
		})
		if mm.config.OnPressure != nil {
			mm.config.OnPressure(resident, mm.config.Ceiling)
		}
	}
}

// GetStats returns current memory statistics
func (mm *MemoryMonitor) GetStats() MemoryStats {
	mm.mu.RLock()
	defer mm.mu.RUnlock()

	return MemoryStats{
		Current:       mm.current,
		Peak:          mm.peak,
		SampleCount:   len(mm.samples),
		PressureCount: mm.pressureCount,
		Ceiling:       mm.config.Ceiling,
	}
}

// GetSamples returns memory sample history
func (mm *MemoryMonitor) GetSamples() []MemorySample {
	mm.mu.RLock()
	defer mm.mu.RUnlock()

	samples := make([]MemorySample, len(mm.samples))
	copy(samples, mm.samples)
	return samples
}
