package cache

import (
	"encoding/binary"
	"math"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/objectfs/tilecache/pkg/errors"
)

// ImageTileKind names image tiles in the table of contents
const ImageTileKind = "image_tile"

// BitDepth is the per-channel depth of an image tile
type BitDepth int

const (
	BitDepth8  BitDepth = 8
	BitDepth16 BitDepth = 16
	BitDepth32 BitDepth = 32
)

// TileSizePx returns the width and height in pixels of a tile for the given
// exponent and depth. Deeper tiles cover fewer pixels so every depth has the
// same byte footprint.
func TileSizePx(po2 int, depth BitDepth) (int, int) {
	s := 1 << uint(po2)
	switch depth {
	case BitDepth8:
		return s, s
	case BitDepth16:
		return s, s / 2
	case BitDepth32:
		return s / 2, s / 2
	default:
		return 0, 0
	}
}

// ImageTileKey identifies one rendered tile of a node's output
type ImageTileKey struct {
	NodeHash    uint64
	Layer       string
	ScaleX      float64
	ScaleY      float64
	MipMapLevel int
	Draft       bool
	TileX       int
	TileY       int
	BitDepth    BitDepth
	Plugin      string
}

// Hash returns the xxhash of every key field
func (k ImageTileKey) Hash() uint64 {
	d := xxhash.New()
	var buf [8]byte
	put := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[:], v)
		_, _ = d.Write(buf[:])
	}

	put(k.NodeHash)
	_, _ = d.WriteString(k.Layer)
	_, _ = d.Write([]byte{0})
	put(math.Float64bits(k.ScaleX))
	put(math.Float64bits(k.ScaleY))
	put(uint64(int64(k.MipMapLevel)))
	if k.Draft {
		put(1)
	} else {
		put(0)
	}
	put(uint64(int64(k.TileX)))
	put(uint64(int64(k.TileY)))
	put(uint64(k.BitDepth))
	_, _ = d.WriteString(k.Plugin)
	return d.Sum64()
}

// Equal compares every field
func (k ImageTileKey) Equal(other Key) bool {
	o, ok := other.(ImageTileKey)
	if !ok {
		return false
	}
	// scales compare by bits, as Hash reads them
	if math.Float64bits(o.ScaleX) != math.Float64bits(k.ScaleX) ||
		math.Float64bits(o.ScaleY) != math.Float64bits(k.ScaleY) {
		return false
	}
	o.ScaleX, o.ScaleY = k.ScaleX, k.ScaleY
	return o == k
}

// PluginID returns the plugin that produced the tile
func (k ImageTileKey) PluginID() string {
	return k.Plugin
}

// ImageTileRecord holds the image tile fields of a table-of-contents record
type ImageTileRecord struct {
	NodeHash    string   `yaml:"node_hash"`
	Layer       string   `yaml:"layer"`
	ScaleX      float64  `yaml:"scale_x"`
	ScaleY      float64  `yaml:"scale_y"`
	MipMapLevel int      `yaml:"mipmap_level"`
	Draft       bool     `yaml:"draft"`
	TileX       int      `yaml:"tile_x"`
	TileY       int      `yaml:"tile_y"`
	BitDepth    BitDepth `yaml:"bit_depth"`
	Length      int      `yaml:"length"`
}

// ImageTileEntry is an image tile held in RAM or in a memory-mapped tile
type ImageTileEntry struct {
	EntryBase

	key    ImageTileKey
	class  StorageClass
	data   []byte // RAM only
	tile   Tile   // disk only
	length int
	signal bool

	destroyed atomic.Bool
}

var _ TileBacked = (*ImageTileEntry)(nil)

// NewRAMImageTile wraps pixels held in memory
func NewRAMImageTile(key ImageTileKey, data []byte) *ImageTileEntry {
	return &ImageTileEntry{
		key:    key,
		class:  StorageRAM,
		data:   data,
		length: len(data),
	}
}

// NewDiskImageTile reserves a tile in c's backing files for length bytes of
// pixels. Fill Data before inserting the entry.
func NewDiskImageTile(c *Cache, key ImageTileKey, length int) (*ImageTileEntry, error) {
	if length < 0 || length > c.TileSize() {
		return nil, errors.Newf(errors.ErrCodeEntryTooLarge, "%d bytes do not fit a %d byte tile", length, c.TileSize()).
			WithComponent("cache").WithOperation("NewDiskImageTile")
	}
	t, err := c.AllocTile()
	if err != nil {
		return nil, err
	}
	return &ImageTileEntry{
		key:    key,
		class:  StorageDisk,
		tile:   t,
		length: length,
	}, nil
}

// DecodeImageTile rebuilds a disk image tile from its record
func DecodeImageTile(rec TOCRecord, tile Tile) (TileBacked, error) {
	img := rec.Image
	if img == nil {
		return nil, errors.NewError(errors.ErrCodeTOCCorrupt, "record has no image fields")
	}
	nodeHash, err := parseHash(img.NodeHash)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeTOCCorrupt, "invalid node hash")
	}
	if img.Length < 0 || img.Length > tile.File.tileSize {
		return nil, errors.Newf(errors.ErrCodeTOCCorrupt, "length %d does not fit the tile", img.Length)
	}
	return &ImageTileEntry{
		key: ImageTileKey{
			NodeHash:    nodeHash,
			Layer:       img.Layer,
			ScaleX:      img.ScaleX,
			ScaleY:      img.ScaleY,
			MipMapLevel: img.MipMapLevel,
			Draft:       img.Draft,
			TileX:       img.TileX,
			TileY:       img.TileY,
			BitDepth:    img.BitDepth,
			Plugin:      rec.PluginID,
		},
		class:  StorageDisk,
		tile:   tile,
		length: img.Length,
	}, nil
}

func (e *ImageTileEntry) Key() Key {
	return e.key
}

// ImageKey returns the typed key
func (e *ImageTileEntry) ImageKey() ImageTileKey {
	return e.key
}

// Size is the pixel byte count for RAM tiles and the whole tile for disk
// tiles, since a partly filled tile still occupies a full slot.
func (e *ImageTileEntry) Size() uint64 {
	if e.class == StorageDisk {
		return uint64(e.tile.File.tileSize)
	}
	return uint64(len(e.data))
}

func (e *ImageTileEntry) StorageClass() StorageClass {
	return e.class
}

// Data returns the pixels. For disk tiles the slice aliases the mapping.
func (e *ImageTileEntry) Data() []byte {
	if e.class == StorageDisk {
		if e.destroyed.Load() {
			return nil
		}
		return e.tile.Data()[:e.length]
	}
	return e.data
}

// Tile returns the backing tile, zero for RAM tiles
func (e *ImageTileEntry) Tile() Tile {
	return e.tile
}

func (e *ImageTileEntry) Kind() string {
	return ImageTileKind
}

// SetCacheSignalRequired makes insertion and removal of this entry notify
// the host. Call it before Insert.
func (e *ImageTileEntry) SetCacheSignalRequired(v bool) {
	e.signal = v
}

func (e *ImageTileEntry) IsCacheSignalRequired() bool {
	return e.signal
}

func (e *ImageTileEntry) EncodeRecord(rec *TOCRecord) {
	rec.Image = &ImageTileRecord{
		NodeHash:    formatHash(e.key.NodeHash),
		Layer:       e.key.Layer,
		ScaleX:      e.key.ScaleX,
		ScaleY:      e.key.ScaleY,
		MipMapLevel: e.key.MipMapLevel,
		Draft:       e.key.Draft,
		TileX:       e.key.TileX,
		TileY:       e.key.TileY,
		BitDepth:    e.key.BitDepth,
		Length:      e.length,
	}
}

// Destroy frees the tile or drops the pixel buffer. Later calls are no-ops.
func (e *ImageTileEntry) Destroy() {
	if !e.destroyed.CompareAndSwap(false, true) {
		return
	}
	if e.class == StorageDisk && !e.tile.IsZero() {
		_ = e.tile.Free()
	}
	e.data = nil
}
