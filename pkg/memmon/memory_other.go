//go:build !linux

package memmon

import (
	"errors"
	"runtime"
)

// TotalMemory is unknown off Linux; the physical ceiling is then disabled.
func (SystemProbe) TotalMemory() (uint64, error) {
	return 0, errors.New("total system memory is only available on linux")
}

// ResidentMemory approximates the resident set with the Go runtime's view of
// memory obtained from the OS.
func (SystemProbe) ResidentMemory() (uint64, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.Sys, nil
}
