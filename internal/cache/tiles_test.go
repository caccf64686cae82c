package cache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/tilecache/pkg/errors"
)

const (
	testTileSize  = 4096
	testChunkSize = 16 << 10 // four tiles per file
)

func newTestAllocator(t *testing.T) (*TileAllocator, string) {
	t.Helper()
	dir := t.TempDir()
	a := NewTileAllocator(dir, testTileSize, testChunkSize, nil)
	t.Cleanup(func() { _ = a.Close() })
	return a, dir
}

func TestTileAllocator_GrowsFiles(t *testing.T) {
	a, dir := newTestAllocator(t)

	var tiles []Tile
	for i := 0; i < 5; i++ {
		tile, err := a.AllocTile()
		require.NoError(t, err)
		tiles = append(tiles, tile)
	}

	files := a.Files()
	require.Len(t, files, 2)
	assert.Equal(t, filepath.Join(dir, "CachePart0"), files[0].Path())
	assert.Equal(t, filepath.Join(dir, "CachePart1"), files[1].Path())
	assert.Equal(t, 4, files[0].NumTiles())
	assert.Equal(t, 4, files[0].UsedTiles())
	assert.Equal(t, 1, files[1].UsedTiles())

	info, err := os.Stat(files[0].Path())
	require.NoError(t, err)
	assert.Equal(t, int64(testChunkSize), info.Size())

	for i, tile := range tiles[:4] {
		assert.Same(t, files[0], tile.File)
		assert.Equal(t, i, tile.Index())
	}
	assert.Len(t, tiles[0].Data(), testTileSize)
}

func TestTileAllocator_ReusesFreedTile(t *testing.T) {
	a, _ := newTestAllocator(t)

	t0, err := a.AllocTile()
	require.NoError(t, err)
	t1, err := a.AllocTile()
	require.NoError(t, err)
	_, err = a.AllocTile()
	require.NoError(t, err)

	require.NoError(t, t1.Free())
	again, err := a.AllocTile()
	require.NoError(t, err)
	assert.Equal(t, t1.Offset, again.Offset)
	assert.Same(t, t0.File, again.File)
	assert.Len(t, a.Files(), 1)
}

func TestTileAllocator_FreeErrors(t *testing.T) {
	a, _ := newTestAllocator(t)
	tile, err := a.AllocTile()
	require.NoError(t, err)

	require.NoError(t, tile.Free())
	err = tile.Free()
	assert.True(t, errors.HasCode(err, errors.ErrCodeTileInvalid))

	err = a.FreeTile(Tile{})
	assert.True(t, errors.HasCode(err, errors.ErrCodeTileInvalid))

	other, _ := newTestAllocator(t)
	foreign, err := other.AllocTile()
	require.NoError(t, err)
	err = a.FreeTile(foreign)
	assert.True(t, errors.HasCode(err, errors.ErrCodeTileInvalid))
}

func TestTileAllocator_LastTileKeepsFileUnlessClearing(t *testing.T) {
	a, dir := newTestAllocator(t)
	path := filepath.Join(dir, "CachePart0")

	tile, err := a.AllocTile()
	require.NoError(t, err)
	require.NoError(t, tile.Free())
	assert.FileExists(t, path)
	assert.Len(t, a.Files(), 1)

	tile, err = a.AllocTile()
	require.NoError(t, err)
	a.SetClearing(true)
	require.NoError(t, tile.Free())
	a.SetClearing(false)
	assert.NoFileExists(t, path)
	assert.Empty(t, a.Files())
}

func TestTileAllocator_RemoveIdleFiles(t *testing.T) {
	a, _ := newTestAllocator(t)

	var tiles []Tile
	for i := 0; i < 5; i++ {
		tile, err := a.AllocTile()
		require.NoError(t, err)
		tiles = append(tiles, tile)
	}
	require.NoError(t, tiles[4].Free())

	assert.Equal(t, 1, a.RemoveIdleFiles())
	require.Len(t, a.Files(), 1)
	assert.FileExists(t, tiles[0].File.Path())
	assert.NoFileExists(t, tiles[4].File.Path())
}

func TestTileAllocator_RebindPersistedTile(t *testing.T) {
	dir := t.TempDir()
	a := NewTileAllocator(dir, testTileSize, testChunkSize, nil)

	var tile Tile
	for i := 0; i < 3; i++ {
		var err error
		tile, err = a.AllocTile()
		require.NoError(t, err)
	}
	copy(tile.Data(), []byte("persisted pixels"))
	require.NoError(t, tile.Sync())
	path, offset := tile.File.Path(), tile.Offset
	require.NoError(t, a.Close())

	b := NewTileAllocator(dir, testTileSize, testChunkSize, nil)
	defer b.Close()

	f, err := b.GetTileCacheFile(path, offset)
	require.NoError(t, err)
	assert.Equal(t, 1, f.UsedTiles())
	rebound := Tile{File: f, Offset: offset}
	assert.Equal(t, "persisted pixels", string(rebound.Data()[:16]))

	_, err = b.GetTileCacheFile(path, offset)
	assert.True(t, errors.HasCode(err, errors.ErrCodeTileInvalid), "a tile binds once")

	_, err = b.GetTileCacheFile(path, 3)
	assert.True(t, errors.HasCode(err, errors.ErrCodeTileInvalid))

	_, err = b.GetTileCacheFile(filepath.Join(dir, "CachePart9"), 0)
	assert.True(t, errors.HasCode(err, errors.ErrCodeStorageRead))

	fresh, err := b.AllocTile()
	require.NoError(t, err)
	assert.Same(t, f, fresh.File)
	assert.NotEqual(t, offset, fresh.Offset)
}

func TestTileAllocator_RebindRejectsWrongFileSize(t *testing.T) {
	a, dir := newTestAllocator(t)
	path := filepath.Join(dir, "CachePart0")
	require.NoError(t, os.WriteFile(path, make([]byte, testTileSize+1), 0600))

	_, err := a.GetTileCacheFile(path, 0)
	assert.True(t, errors.HasCode(err, errors.ErrCodeTileSizeMismatch))
}

func TestTileAllocator_NewFilesFollowRebound(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "CachePart4")
	require.NoError(t, os.WriteFile(path, make([]byte, testTileSize), 0600))

	a := NewTileAllocator(dir, testTileSize, testChunkSize, nil)
	defer a.Close()
	_, err := a.GetTileCacheFile(path, 0)
	require.NoError(t, err)

	tile, err := a.AllocTile()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "CachePart5"), tile.File.Path())
}

func TestTileAllocator_ResetRetiresBusyFiles(t *testing.T) {
	a, _ := newTestAllocator(t)

	var tiles []Tile
	for i := 0; i < 5; i++ {
		tile, err := a.AllocTile()
		require.NoError(t, err)
		tiles = append(tiles, tile)
	}
	for _, tile := range tiles[:4] {
		require.NoError(t, tile.Free())
	}
	busy := tiles[4]

	a.Reset(2 * testTileSize)
	assert.Equal(t, 2*testTileSize, a.TileSize())
	assert.Empty(t, a.Files())
	assert.NoFileExists(t, tiles[0].File.Path())
	assert.FileExists(t, busy.File.Path())
	assert.True(t, busy.File.Retired())

	fresh, err := a.AllocTile()
	require.NoError(t, err)
	assert.NotSame(t, busy.File, fresh.File)
	assert.Len(t, fresh.Data(), 2*testTileSize)

	require.NoError(t, busy.Free())
	assert.NoFileExists(t, busy.File.Path())
}

func TestTileAllocator_Closed(t *testing.T) {
	a, _ := newTestAllocator(t)
	tile, err := a.AllocTile()
	require.NoError(t, err)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	_, err = a.AllocTile()
	assert.True(t, errors.HasCode(err, errors.ErrCodeComponentStopped))
	assert.NoError(t, tile.Free(), "freeing after close is a no-op")
}

func TestTileFileNumber(t *testing.T) {
	tests := []struct {
		name string
		want int
		ok   bool
	}{
		{"CachePart0", 0, true},
		{"CachePart17", 17, true},
		{"CachePart", 0, false},
		{"CachePart-1", 0, false},
		{"toc.yaml", 0, false},
		{"CachePartx", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, ok := tileFileNumber(tt.name)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, n)
			}
		})
	}
}
