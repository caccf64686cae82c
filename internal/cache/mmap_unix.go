//go:build unix

package cache

import (
	"os"

	"golang.org/x/sys/unix"
)

// mapFile maps size bytes of f read-write and shared, so writes reach the
// file without explicit I/O.
func mapFile(f *os.File, size int) ([]byte, error) {
	return unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

func unmapFile(_ *os.File, data []byte) error {
	return unix.Munmap(data)
}

// pageRange widens [off, off+n) to page boundaries inside data
func pageRange(data []byte, off, n int) []byte {
	page := unix.Getpagesize()
	start := off - off%page
	end := off + n
	if rem := end % page; rem != 0 {
		end += page - rem
	}
	if end > len(data) {
		end = len(data)
	}
	return data[start:end]
}

func syncRange(_ *os.File, data []byte, off, n int) error {
	return unix.Msync(pageRange(data, off, n), unix.MS_SYNC)
}

func invalidateRange(data []byte, off, n int) error {
	return unix.Msync(pageRange(data, off, n), unix.MS_INVALIDATE)
}
