package cache

import (
	"fmt"
	"sync/atomic"
)

// StorageClass identifies the byte budget an entry is charged against
type StorageClass int

const (
	StorageNone StorageClass = iota
	StorageRAM
	StorageDisk // memory-mapped tile files
	StorageGLTexture

	numStorageClasses
)

var storageClassNames = [numStorageClasses]string{"none", "ram", "disk", "gl_texture"}

func (s StorageClass) String() string {
	if s < 0 || s >= numStorageClasses {
		return fmt.Sprintf("storage(%d)", int(s))
	}
	return storageClassNames[s]
}

// StorageClasses lists every storage class in ledger order
func StorageClasses() []StorageClass {
	return []StorageClass{StorageNone, StorageRAM, StorageDisk, StorageGLTexture}
}

// Key identifies a cacheable computation. Hash must be stable across
// processes; Equal must compare the full identity so that two keys with the
// same hash can be told apart.
type Key interface {
	Hash() uint64
	Equal(other Key) bool
	PluginID() string
}

// Entry is a cached value. Implementations embed EntryBase, which carries the
// reference count and bucket back-reference the cache maintains.
type Entry interface {
	Key() Key
	Size() uint64
	StorageClass() StorageClass

	// Destroy releases the payload. It runs once, after the last reference is
	// dropped, either on the deleter goroutine or on the goroutine that called
	// Cache.Release.
	Destroy()

	// IsCacheSignalRequired reports whether inserting or removing this entry
	// should notify Host.CacheChanged.
	IsCacheSignalRequired() bool

	base() *EntryBase
}

// EntryBase holds the bookkeeping every Entry shares. The zero value is a
// detached entry with no references.
type EntryBase struct {
	refs atomic.Int32

	// bucket is the owning bucket index plus one; zero when detached.
	bucket atomic.Int32

	// accounted is set while the entry's size is charged to the ledger.
	accounted atomic.Bool
}

func (b *EntryBase) base() *EntryBase { return b }

// RefCount returns the number of outstanding references, including the one
// held by the cache while the entry is stored.
func (b *EntryBase) RefCount() int32 {
	return b.refs.Load()
}

// BucketIndex returns the index of the bucket storing the entry, or -1.
func (b *EntryBase) BucketIndex() int {
	return int(b.bucket.Load()) - 1
}

func (b *EntryBase) setBucketIndex(idx int) {
	b.bucket.Store(int32(idx + 1))
}

// Retain adds a reference. Each Retain must be paired with Cache.Release.
func (b *EntryBase) Retain() {
	b.refs.Add(1)
}

// release drops one reference and returns the remaining count
func (b *EntryBase) release() int32 {
	return b.refs.Add(-1)
}

// TileBacked is implemented by entries stored in a memory-mapped tile. Only
// these entries are written to the table of contents.
type TileBacked interface {
	Entry
	Tile() Tile

	// Kind names the decoder used to rebuild the entry on load
	Kind() string

	// EncodeRecord fills the kind-specific fields of rec
	EncodeRecord(rec *TOCRecord)
}

// DecodeFunc rebuilds a tile-backed entry from its table-of-contents record
// and the tile it was re-bound to.
type DecodeFunc func(rec TOCRecord, tile Tile) (TileBacked, error)

// Host receives work the cache hands off to its owner
type Host interface {
	// DeleteCacheEntriesInSeparateThread must eventually call Destroy on
	// every entry, off the calling goroutine.
	DeleteCacheEntriesInSeparateThread(entries []Entry)

	// CacheChanged is called after the visible entry set changes
	CacheChanged()
}
