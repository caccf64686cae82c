//go:build !unix

package cache

import (
	"io"
	"os"
)

// mapFile reads the file into memory. Writes reach the file on syncRange.
func mapFile(f *os.File, size int) ([]byte, error) {
	data := make([]byte, size)
	if _, err := f.ReadAt(data, 0); err != nil && err != io.EOF {
		return nil, err
	}
	return data, nil
}

func unmapFile(f *os.File, data []byte) error {
	_, err := f.WriteAt(data, 0)
	return err
}

func syncRange(f *os.File, data []byte, off, n int) error {
	if _, err := f.WriteAt(data[off:off+n], int64(off)); err != nil {
		return err
	}
	return f.Sync()
}

func invalidateRange(_ []byte, _, _ int) error {
	return nil
}
