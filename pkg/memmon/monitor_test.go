package memmon

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMemoryMonitor(t *testing.T) {
	monitor := NewMemoryMonitor(MonitorConfig{})

	require.NotNil(t, monitor)
	assert.Equal(t, 5*time.Second, monitor.config.SampleInterval)
	assert.Equal(t, 120, monitor.config.MaxSamples)
	assert.IsType(t, SystemProbe{}, monitor.config.Probe)
}

func TestDefaultMonitorConfig(t *testing.T) {
	cfg := DefaultMonitorConfig()
	cfg.Ceiling = 1 << 30

	monitor := NewMemoryMonitor(cfg)
	assert.Equal(t, cfg.SampleInterval, monitor.config.SampleInterval)
	assert.Equal(t, uint64(1<<30), monitor.config.Ceiling)
	assert.NotNil(t, monitor.logger)
}

func TestMemoryMonitor_StartStop(t *testing.T) {
	var rss atomic.Uint64
	rss.Store(1 << 20)

	monitor := NewMemoryMonitor(MonitorConfig{
		SampleInterval: 10 * time.Millisecond,
		Probe:          StaticProbe{Total: 1 << 30, Resident: rss.Load},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, monitor.Start(ctx))
	assert.Error(t, monitor.Start(ctx), "second start must fail")

	require.Eventually(t, func() bool {
		return monitor.GetStats().SampleCount >= 2
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, monitor.Stop())
	require.NoError(t, monitor.Stop(), "stop is idempotent")
}

func TestMemoryMonitor_PressureCallback(t *testing.T) {
	var mu sync.Mutex
	var got []uint64

	monitor := NewMemoryMonitor(MonitorConfig{
		Ceiling: 100,
		Probe:   StaticProbe{Total: 1000, Resident: func() uint64 { return 150 }},
		OnPressure: func(resident, ceiling uint64) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, resident, ceiling)
		},
	})

	monitor.takeSample()

	mu.Lock()
	assert.Equal(t, []uint64{150, 100}, got)
	mu.Unlock()

	stats := monitor.GetStats()
	assert.Equal(t, 1, stats.PressureCount)
	assert.Equal(t, uint64(150), stats.Peak)
	assert.True(t, stats.Current.Pressure)
}

func TestMemoryMonitor_NoPressureBelowCeiling(t *testing.T) {
	called := false
	monitor := NewMemoryMonitor(MonitorConfig{
		Ceiling:    100,
		Probe:      StaticProbe{Resident: func() uint64 { return 99 }},
		OnPressure: func(uint64, uint64) { called = true },
	})

	monitor.takeSample()
	assert.False(t, called)
	assert.Zero(t, monitor.GetStats().PressureCount)
}

func TestMemoryMonitor_SampleHistoryIsBounded(t *testing.T) {
	monitor := NewMemoryMonitor(MonitorConfig{
		MaxSamples: 3,
		Probe:      StaticProbe{Resident: func() uint64 { return 1 }},
	})

	for i := 0; i < 10; i++ {
		monitor.takeSample()
	}
	assert.Len(t, monitor.GetSamples(), 3)
}

func TestMaxAttainableRAM(t *testing.T) {
	ceiling, err := MaxAttainableRAM(StaticProbe{Total: 1000}, DefaultPhysicalRatio)
	require.NoError(t, err)
	assert.Equal(t, uint64(900), ceiling)

	_, err = MaxAttainableRAM(StaticProbe{Total: 1000}, 1.5)
	assert.Error(t, err)
}

func TestSystemProbe(t *testing.T) {
	rss, err := SystemProbe{}.ResidentMemory()
	require.NoError(t, err)
	assert.NotZero(t, rss)

	if runtime.GOOS == "linux" {
		total, err := SystemProbe{}.TotalMemory()
		require.NoError(t, err)
		assert.Greater(t, total, rss)
	}
}
