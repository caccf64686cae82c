//go:build linux

package memmon

import (
	"fmt"

	"github.com/prometheus/procfs"
)

// TotalMemory returns MemTotal from /proc/meminfo.
func (SystemProbe) TotalMemory() (uint64, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return 0, fmt.Errorf("open procfs: %w", err)
	}
	info, err := fs.Meminfo()
	if err != nil {
		return 0, fmt.Errorf("read meminfo: %w", err)
	}
	if info.MemTotal == nil {
		return 0, fmt.Errorf("meminfo has no MemTotal")
	}
	return *info.MemTotal * 1024, nil
}

// ResidentMemory returns the resident set size of this process.
func (SystemProbe) ResidentMemory() (uint64, error) {
	self, err := procfs.Self()
	if err != nil {
		return 0, fmt.Errorf("open /proc/self: %w", err)
	}
	stat, err := self.Stat()
	if err != nil {
		return 0, fmt.Errorf("read /proc/self/stat: %w", err)
	}
	return uint64(stat.ResidentMemory()), nil
}
