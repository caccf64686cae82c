// Package memmon probes physical memory and watches the process resident set
// against a ceiling derived from total system RAM.
package memmon

import "fmt"

// DefaultPhysicalRatio is the share of total system RAM the process may
// occupy before memory-pressure eviction starts.
const DefaultPhysicalRatio = 0.9

// Probe reports host memory figures in bytes.
type Probe interface {
	TotalMemory() (uint64, error)
	ResidentMemory() (uint64, error)
}

// SystemProbe reads the running host.
type SystemProbe struct{}

// MaxAttainableRAM returns ratio * total RAM, or 0 when the total cannot be
// determined. A zero ceiling disables the physical memory check.
func MaxAttainableRAM(p Probe, ratio float64) (uint64, error) {
	if ratio <= 0 || ratio > 1 {
		return 0, fmt.Errorf("physical memory ratio must be in (0, 1], got %v", ratio)
	}
	total, err := p.TotalMemory()
	if err != nil {
		return 0, err
	}
	return uint64(float64(total) * ratio), nil
}

// StaticProbe returns fixed figures. Useful when the host is not Linux or
// when a test needs to simulate memory pressure.
type StaticProbe struct {
	Total    uint64
	Resident func() uint64
}

// TotalMemory implements Probe.
func (s StaticProbe) TotalMemory() (uint64, error) {
	return s.Total, nil
}

// ResidentMemory implements Probe.
func (s StaticProbe) ResidentMemory() (uint64, error) {
	if s.Resident == nil {
		return 0, nil
	}
	return s.Resident(), nil
}
