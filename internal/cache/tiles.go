package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/objectfs/tilecache/pkg/errors"
	"github.com/objectfs/tilecache/pkg/utils"
)

// TileFilePrefix names every backing file in a cache directory
const TileFilePrefix = "CachePart"

// TileCacheFile is one memory-mapped backing file split into equal tiles.
// Occupancy is guarded by the owning allocator's lock.
type TileCacheFile struct {
	alloc    *TileAllocator
	path     string
	file     *os.File
	data     []byte
	tileSize int

	used      []bool
	usedCount int
	retired   bool
}

// Path returns the backing file path
func (f *TileCacheFile) Path() string {
	return f.path
}

// NumTiles returns the tile capacity of the file
func (f *TileCacheFile) NumTiles() int {
	return len(f.used)
}

// UsedTiles returns the number of occupied tiles
func (f *TileCacheFile) UsedTiles() int {
	f.alloc.mu.Lock()
	defer f.alloc.mu.Unlock()
	return f.usedCount
}

// Retired reports whether the file belongs to a previous tile size
func (f *TileCacheFile) Retired() bool {
	f.alloc.mu.Lock()
	defer f.alloc.mu.Unlock()
	return f.retired
}

// Sync flushes the whole mapping to disk
func (f *TileCacheFile) Sync() error {
	return syncRange(f.file, f.data, 0, len(f.data))
}

func (f *TileCacheFile) unmap() error {
	var firstErr error
	if f.data != nil {
		if err := unmapFile(f.file, f.data); err != nil {
			firstErr = err
		}
		f.data = nil
	}
	if f.file != nil {
		if err := f.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		f.file = nil
	}
	return firstErr
}

// Tile addresses one tile of a backing file
type Tile struct {
	File   *TileCacheFile
	Offset int64
}

// IsZero reports whether the tile is unset
func (t Tile) IsZero() bool {
	return t.File == nil
}

// Index returns the tile's position in its file
func (t Tile) Index() int {
	return int(t.Offset) / t.File.tileSize
}

// Data returns the mapped bytes of the tile. The slice is only valid until
// the tile is freed.
func (t Tile) Data() []byte {
	return t.File.data[t.Offset : t.Offset+int64(t.File.tileSize)]
}

// Sync flushes the tile's byte range to disk
func (t Tile) Sync() error {
	return syncRange(t.File.file, t.File.data, int(t.Offset), t.File.tileSize)
}

// Free returns the tile to its allocator
func (t Tile) Free() error {
	return t.File.alloc.FreeTile(t)
}

// TileAllocator hands out fixed-size tiles from a growable set of
// memory-mapped files
type TileAllocator struct {
	mu        sync.Mutex
	dir       string
	tileSize  int
	chunkSize int64
	logger    *utils.StructuredLogger

	files    []*TileCacheFile
	retired  []*TileCacheFile
	nextFile int
	closed   bool
	clearing bool

	// one-slot fast path for AllocTile
	hintFile  *TileCacheFile
	hintIndex int
}

// NewTileAllocator creates an allocator writing files into dir
func NewTileAllocator(dir string, tileSize int, chunkSize int64, logger *utils.StructuredLogger) *TileAllocator {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &TileAllocator{
		dir:       dir,
		tileSize:  tileSize,
		chunkSize: chunkSize,
		logger:    logger.WithComponent("tile-allocator"),
	}
}

// TileSize returns the byte size of one tile
func (a *TileAllocator) TileSize() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tileSize
}

// fileSize rounds the tile size up to a whole number of chunks
func (a *TileAllocator) fileSize() int64 {
	tile := int64(a.tileSize)
	return ((tile + a.chunkSize - 1) / a.chunkSize) * a.chunkSize
}

// AllocTile reserves a free tile, creating a new backing file when every
// existing one is full.
func (a *TileAllocator) AllocTile() (Tile, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return Tile{}, errors.NewError(errors.ErrCodeComponentStopped, "tile allocator is closed").
			WithComponent("tile-allocator").WithOperation("AllocTile")
	}

	if f := a.hintFile; f != nil && !f.retired && a.hintIndex < len(f.used) && !f.used[a.hintIndex] {
		idx := a.hintIndex
		a.hintFile = nil
		return a.markUsed(f, idx), nil
	}
	a.hintFile = nil

	for _, f := range a.files {
		if f.usedCount == len(f.used) {
			continue
		}
		for idx, used := range f.used {
			if !used {
				return a.markUsed(f, idx), nil
			}
		}
	}

	f, err := a.createFile()
	if err != nil {
		return Tile{}, err
	}
	if len(f.used) > 1 {
		a.hintFile = f
		a.hintIndex = 1
	}
	return a.markUsed(f, 0), nil
}

func (a *TileAllocator) markUsed(f *TileCacheFile, idx int) Tile {
	f.used[idx] = true
	f.usedCount++
	return Tile{File: f, Offset: int64(idx) * int64(a.tileSize)}
}

func (a *TileAllocator) createFile() (*TileCacheFile, error) {
	path := filepath.Join(a.dir, fmt.Sprintf("%s%d", TileFilePrefix, a.nextFile))
	size := a.fileSize()

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeCacheDirUnusable, "cannot create tile file").
			WithComponent("tile-allocator").WithOperation("AllocTile").WithDetail("path", path)
	}
	if err := file.Truncate(size); err != nil {
		_ = file.Close()
		_ = os.Remove(path)
		return nil, errors.Wrap(err, errors.ErrCodeStorageWrite, "cannot size tile file").
			WithComponent("tile-allocator").WithOperation("AllocTile").WithDetail("path", path)
	}

	f, err := a.mapFile(path, file, size)
	if err != nil {
		_ = os.Remove(path)
		return nil, err
	}
	a.nextFile++
	a.files = append(a.files, f)

	a.logger.Debug("Created tile file", map[string]interface{}{
		"path":  path,
		"size":  utils.FormatBytes(size),
		"tiles": len(f.used),
	})
	return f, nil
}

func (a *TileAllocator) mapFile(path string, file *os.File, size int64) (*TileCacheFile, error) {
	data, err := mapFile(file, int(size))
	if err != nil {
		_ = file.Close()
		return nil, errors.Wrap(err, errors.ErrCodeMmapFailed, "cannot map tile file").
			WithComponent("tile-allocator").WithDetail("path", path)
	}
	return &TileCacheFile{
		alloc:    a,
		path:     path,
		file:     file,
		data:     data,
		tileSize: a.tileSize,
		used:     make([]bool, size/int64(a.tileSize)),
	}, nil
}

// FreeTile releases a tile. When the file has no occupied tile left it is
// deleted if a clear is in progress or its tile size is obsolete, and its
// pages are invalidated otherwise.
func (a *TileAllocator) FreeTile(t Tile) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	f := t.File
	if f == nil || f.alloc != a {
		return errors.NewError(errors.ErrCodeTileInvalid, "tile does not belong to this allocator").
			WithComponent("tile-allocator").WithOperation("FreeTile")
	}
	if a.closed {
		return nil
	}

	idx := int(t.Offset / int64(f.tileSize))
	if t.Offset%int64(f.tileSize) != 0 || idx < 0 || idx >= len(f.used) || !f.used[idx] {
		return errors.NewError(errors.ErrCodeTileInvalid, "tile is not allocated").
			WithComponent("tile-allocator").WithOperation("FreeTile").
			WithDetail("path", f.path).WithDetail("offset", t.Offset)
	}
	f.used[idx] = false
	f.usedCount--

	if f.usedCount > 0 {
		if !f.retired {
			a.hintFile, a.hintIndex = f, idx
		}
		return nil
	}

	if a.clearing || f.retired {
		return a.deleteFile(f)
	}

	if err := invalidateRange(f.data, int(t.Offset), f.tileSize); err != nil {
		a.logger.Warn("Failed to invalidate tile pages", map[string]interface{}{
			"path":  f.path,
			"error": err.Error(),
		})
	}
	a.hintFile, a.hintIndex = f, idx
	return nil
}

// deleteFile unmaps f, removes it from disk and stops tracking it.
// Caller holds a.mu.
func (a *TileAllocator) deleteFile(f *TileCacheFile) error {
	a.files = removeFile(a.files, f)
	a.retired = removeFile(a.retired, f)
	if a.hintFile == f {
		a.hintFile = nil
	}

	unmapErr := f.unmap()
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "cannot remove tile file").
			WithComponent("tile-allocator").WithDetail("path", f.path)
	}
	a.logger.Debug("Removed tile file", map[string]interface{}{"path": f.path})
	return unmapErr
}

func removeFile(files []*TileCacheFile, f *TileCacheFile) []*TileCacheFile {
	for i, cur := range files {
		if cur == f {
			return append(files[:i], files[i+1:]...)
		}
	}
	return files
}

// GetTileCacheFile re-binds a persisted tile location. The file is opened
// and mapped if it is not tracked yet; the tile at offset must be free.
func (a *TileAllocator) GetTileCacheFile(path string, offset int64) (*TileCacheFile, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, f := range a.files {
		if f.path == path {
			return f, a.bindLocked(f, offset)
		}
	}

	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "cannot open tile file").
			WithComponent("tile-allocator").WithOperation("GetTileCacheFile").WithDetail("path", path)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "cannot stat tile file").
			WithComponent("tile-allocator").WithDetail("path", path)
	}
	size := info.Size()
	if size == 0 || size%int64(a.tileSize) != 0 {
		_ = file.Close()
		return nil, errors.Newf(errors.ErrCodeTileSizeMismatch,
			"file size %d is not a multiple of tile size %d", size, a.tileSize).
			WithComponent("tile-allocator").WithDetail("path", path)
	}

	f, err := a.mapFile(path, file, size)
	if err != nil {
		return nil, err
	}
	if err := a.bindLocked(f, offset); err != nil {
		_ = f.unmap()
		return nil, err
	}
	a.files = append(a.files, f)
	if n, ok := tileFileNumber(filepath.Base(path)); ok && n >= a.nextFile {
		a.nextFile = n + 1
	}
	return f, nil
}

func (a *TileAllocator) bindLocked(f *TileCacheFile, offset int64) error {
	if offset < 0 || offset%int64(f.tileSize) != 0 {
		return errors.Newf(errors.ErrCodeTileInvalid, "offset %d is not tile aligned", offset).
			WithComponent("tile-allocator").WithDetail("path", f.path)
	}
	idx := int(offset / int64(f.tileSize))
	if idx >= len(f.used) {
		return errors.Newf(errors.ErrCodeTileInvalid, "offset %d is past the end of the file", offset).
			WithComponent("tile-allocator").WithDetail("path", f.path)
	}
	if f.used[idx] {
		return errors.Newf(errors.ErrCodeTileInvalid, "tile at offset %d is already bound", offset).
			WithComponent("tile-allocator").WithDetail("path", f.path)
	}
	f.used[idx] = true
	f.usedCount++
	return nil
}

// tileFileNumber parses the N of CachePart<N>
func tileFileNumber(name string) (int, bool) {
	if !strings.HasPrefix(name, TileFilePrefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(name, TileFilePrefix))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// Files returns the tracked backing files
func (a *TileAllocator) Files() []*TileCacheFile {
	a.mu.Lock()
	defer a.mu.Unlock()
	files := make([]*TileCacheFile, len(a.files))
	copy(files, a.files)
	return files
}

// SetClearing marks whether an explicit cache clear is running
func (a *TileAllocator) SetClearing(clearing bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.clearing = clearing
}

// RemoveIdleFiles deletes every tracked file with no occupied tile
func (a *TileAllocator) RemoveIdleFiles() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	var idle []*TileCacheFile
	for _, f := range a.files {
		if f.usedCount == 0 {
			idle = append(idle, f)
		}
	}
	for _, f := range idle {
		if err := a.deleteFile(f); err != nil {
			a.logger.Warn("Failed to remove idle tile file", map[string]interface{}{
				"path":  f.path,
				"error": err.Error(),
			})
		}
	}
	return len(idle)
}

// Reset switches to a new tile size. Idle files are deleted; files still
// holding tiles are retired and deleted once their last tile is freed.
func (a *TileAllocator) Reset(tileSize int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	files := a.files
	a.files = nil
	a.hintFile = nil
	for _, f := range files {
		if f.usedCount == 0 {
			_ = f.unmap()
			_ = os.Remove(f.path)
			continue
		}
		f.retired = true
		a.retired = append(a.retired, f)
	}
	a.tileSize = tileSize
}

// Close unmaps every file. Tiles must not be used afterwards.
func (a *TileAllocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true
	a.hintFile = nil

	var firstErr error
	for _, f := range append(a.files, a.retired...) {
		if err := f.unmap(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.files = nil
	a.retired = nil
	return firstErr
}
