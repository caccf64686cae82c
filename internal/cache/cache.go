package cache

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/objectfs/tilecache/pkg/errors"
	"github.com/objectfs/tilecache/pkg/memmon"
	"github.com/objectfs/tilecache/pkg/utils"
)

const (
	DefaultCacheName     = "TileCache"
	DefaultTileSizePo2   = 9
	MinTileSizePo2       = 6
	MaxTileSizePo2       = 12
	DefaultFileChunkSize = 1 << 30
)

// Config holds the settings a Cache is created with. Zero sizes leave the
// corresponding storage class unbounded.
type Config struct {
	Name                 string
	DirectoryContaining  string
	MaximumDiskSize      uint64
	MaximumInMemorySize  uint64
	MaximumGLTextureSize uint64
	TileSizePo2          int
	FileChunkSize        uint64
	PhysicalMemoryRatio  float64
	MemorySampleInterval time.Duration
}

// DefaultConfig returns the stock limits: 10GiB of tiles on disk, 4GiB of
// RAM and 512x512 8-bit tiles.
func DefaultConfig() Config {
	return Config{
		Name:                DefaultCacheName,
		MaximumDiskSize:     10 << 30,
		MaximumInMemorySize: 4 << 30,
		TileSizePo2:         DefaultTileSizePo2,
		FileChunkSize:       DefaultFileChunkSize,
		PhysicalMemoryRatio: memmon.DefaultPhysicalRatio,
	}
}

// tileBytes is the byte footprint of one tile for every bit depth
func tileBytes(po2 int) int {
	return 1 << (2 * uint(po2))
}

const (
	stateCreated int32 = iota
	stateRunning
	stateClosed
)

// Option configures a Cache
type Option func(*Cache)

// WithLogger sets the logger
func WithLogger(logger *utils.StructuredLogger) Option {
	return func(c *Cache) { c.logger = logger }
}

// WithHost hands entry teardown and change notifications to host instead of
// the cache's own deleter.
func WithHost(host Host) Option {
	return func(c *Cache) { c.host = host }
}

// WithMetrics sets the metrics sink
func WithMetrics(m MetricsRecorder) Option {
	return func(c *Cache) { c.metrics = m }
}

// WithMemoryProbe replaces the system memory probe
func WithMemoryProbe(p memmon.Probe) Option {
	return func(c *Cache) { c.probe = p }
}

// WithGLTextureProbe supplies the texture budget used when the configured
// maximum is zero.
func WithGLTextureProbe(probe func() (uint64, error)) Option {
	return func(c *Cache) { c.glProbe = probe }
}

// WithDecoder registers a decoder for a table-of-contents record kind
func WithDecoder(kind string, fn DecodeFunc) Option {
	return func(c *Cache) { c.decoders[kind] = fn }
}

// Cache is a bounded content-addressed cache of computed values, sharded in
// NumBuckets buckets with single-flight computation per hash.
type Cache struct {
	config Config
	dir    string
	logger *utils.StructuredLogger

	host    Host
	deleter *Deleter // nil when a Host was injected
	cleaner *Cleaner
	metrics MetricsRecorder

	// tileMu serializes clears, tile size changes and TOC writes
	tileMu      sync.Mutex
	tiles       *TileAllocator
	tileSizePo2 atomic.Int32

	buckets  [NumBuckets]*bucket
	ledger   ledger
	counters counters

	probe          memmon.Probe
	maxPhysicalRAM uint64
	glProbe        func() (uint64, error)
	monitor        *memmon.MemoryMonitor
	decoders       map[string]DecodeFunc

	state atomic.Int32
}

// ownHost routes teardown to the cache's deleter
type ownHost struct {
	deleter *Deleter
}

func (h ownHost) DeleteCacheEntriesInSeparateThread(entries []Entry) {
	h.deleter.AppendToQueue(entries)
}

func (h ownHost) CacheChanged() {}

// New creates the cache directory if needed, restores the table of contents
// left by a previous run and starts the cache.
func New(cfg Config, opts ...Option) (*Cache, error) {
	if cfg.Name == "" {
		cfg.Name = DefaultCacheName
	}
	if cfg.TileSizePo2 == 0 {
		cfg.TileSizePo2 = DefaultTileSizePo2
	}
	if cfg.FileChunkSize == 0 {
		cfg.FileChunkSize = DefaultFileChunkSize
	}
	if cfg.PhysicalMemoryRatio == 0 {
		cfg.PhysicalMemoryRatio = memmon.DefaultPhysicalRatio
	}
	if cfg.TileSizePo2 < MinTileSizePo2 || cfg.TileSizePo2 > MaxTileSizePo2 {
		return nil, errors.Newf(errors.ErrCodeInvalidConfig,
			"tile size exponent %d outside %d..%d", cfg.TileSizePo2, MinTileSizePo2, MaxTileSizePo2).
			WithComponent("cache").WithOperation("New")
	}

	c := &Cache{
		config:   cfg,
		decoders: map[string]DecodeFunc{ImageTileKind: DecodeImageTile},
	}
	c.state.Store(stateCreated)
	c.tileSizePo2.Store(int32(cfg.TileSizePo2))
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = utils.NewNopLogger()
	}
	c.logger = c.logger.WithComponent("cache").WithFields(map[string]interface{}{"cache": cfg.Name})
	if c.metrics == nil {
		c.metrics = nopMetrics{}
	}
	if c.probe == nil {
		c.probe = memmon.SystemProbe{}
	}
	if c.host == nil {
		c.deleter = NewDeleter(c.logger, func(Entry) {
			c.counters.destroyed.Add(1)
			c.metrics.RecordDestroyed(1)
		})
		c.host = ownHost{deleter: c.deleter}
	}
	c.cleaner = NewCleaner(c.logger, c.purgePlugin)

	dir, err := resolveCacheDirectory(cfg.DirectoryContaining, cfg.Name)
	if err != nil {
		return nil, err
	}
	c.dir = dir

	tile := tileBytes(cfg.TileSizePo2)
	if cfg.FileChunkSize < uint64(tile) {
		return nil, errors.Newf(errors.ErrCodeInvalidConfig,
			"file chunk size %d is smaller than one tile (%d bytes)", cfg.FileChunkSize, tile).
			WithComponent("cache").WithOperation("New")
	}
	c.tiles = NewTileAllocator(dir, tile, int64(cfg.FileChunkSize), c.logger)

	for i := range c.buckets {
		c.buckets[i] = newBucket(i)
	}

	c.initLimits()

	if err := c.loadTOC(); err != nil {
		_ = c.tiles.Close()
		return nil, err
	}

	c.state.Store(stateRunning)
	c.startMemoryMonitor()

	c.logger.Info("Cache started", map[string]interface{}{
		"directory": c.dir,
		"tile_size": utils.FormatBytes(int64(tile)),
		"max_ram":   utils.FormatBytes(int64(c.MaximumSize(StorageRAM))),
		"max_disk":  utils.FormatBytes(int64(c.MaximumSize(StorageDisk))),
		"entries":   c.Len(),
	})
	return c, nil
}

func (c *Cache) initLimits() {
	c.ledger.setMaximum(StorageRAM, c.config.MaximumInMemorySize)
	c.ledger.setMaximum(StorageDisk, c.config.MaximumDiskSize)

	gl := c.config.MaximumGLTextureSize
	if gl == 0 && c.glProbe != nil {
		probed, err := c.glProbe()
		if err != nil {
			c.logger.Warn("Texture memory probe failed, texture cache is unbounded", map[string]interface{}{
				"error": err.Error(),
			})
		} else {
			gl = probed
		}
	}
	c.ledger.setMaximum(StorageGLTexture, gl)

	for _, class := range StorageClasses() {
		c.metrics.UpdateCacheLimit(class.String(), int64(c.ledger.maximum(class)))
	}

	ceiling, err := memmon.MaxAttainableRAM(c.probe, c.config.PhysicalMemoryRatio)
	if err != nil {
		c.logger.Debug("Physical memory ceiling disabled", map[string]interface{}{"error": err.Error()})
		ceiling = 0
	}
	c.maxPhysicalRAM = ceiling
}

func (c *Cache) startMemoryMonitor() {
	if c.config.MemorySampleInterval <= 0 || c.maxPhysicalRAM == 0 {
		return
	}
	mcfg := memmon.DefaultMonitorConfig()
	mcfg.SampleInterval = c.config.MemorySampleInterval
	mcfg.Ceiling = c.maxPhysicalRAM
	mcfg.Probe = c.probe
	mcfg.Logger = c.logger
	mcfg.OnPressure = func(uint64, uint64) {
		c.EvictLRUEntries(0, StorageRAM)
	}
	c.monitor = memmon.NewMemoryMonitor(mcfg)
	if err := c.monitor.Start(context.Background()); err != nil {
		c.logger.Warn("Memory monitor not started", map[string]interface{}{"error": err.Error()})
		c.monitor = nil
	}
}

// DirectoryFor returns <base>/<name>, falling back to the user cache
// directory when base is empty or missing. Nothing is created.
func DirectoryFor(base, name string) (string, error) {
	if base == "" || !dirExists(base) {
		userDir, err := os.UserCacheDir()
		if err != nil {
			userDir = os.TempDir()
		}
		base = userDir
	}

	dir, err := utils.SecureJoin(base, name)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeInvalidConfig, "invalid cache name").
			WithComponent("cache").WithDetail("name", name)
	}
	return dir, nil
}

func resolveCacheDirectory(base, name string) (string, error) {
	dir, err := DirectoryFor(base, name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", errors.Wrap(err, errors.ErrCodeCacheDirUnusable, "cannot create cache directory").
			WithComponent("cache").WithDetail("path", dir)
	}
	return dir, nil
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// Directory returns the cache directory
func (c *Cache) Directory() string {
	return c.dir
}

// Get looks key up. On a hit it returns the entry, pinned until Release. On
// a miss it returns a Locker: the caller must compute the value and Insert
// it, or Release the Locker to let a waiter take over. A Get for a hash that
// another goroutine is computing blocks until that Locker is released.
func (c *Cache) Get(key Key) (Entry, *Locker) {
	hash := key.Hash()
	b := c.buckets[BucketIndex(hash)]

	var stale []Entry
	waited := false

	b.mu.Lock()
	for {
		if e, ok := b.container.Find(hash); ok {
			if e.Key().Equal(key) {
				e.base().Retain()
				b.mu.Unlock()
				c.releaseStale(stale, hash)
				c.recordLookup(true, waited)
				return e, nil
			}
			b.detach(hash)
			stale = append(stale, e)
		}
		if _, locked := b.lockedHashes[hash]; !locked {
			break
		}
		waited = true
		b.cond.Wait()
	}
	locker := newLocker(b, hash)
	b.mu.Unlock()

	c.releaseStale(stale, hash)
	c.recordLookup(false, waited)
	return nil, locker
}

func (c *Cache) recordLookup(hit, waited bool) {
	switch {
	case hit && waited:
		c.counters.waits.Add(1)
		c.metrics.RecordRequest(requestWait)
	case hit:
		c.counters.hits.Add(1)
		c.metrics.RecordRequest(requestHit)
	default:
		c.counters.misses.Add(1)
		c.metrics.RecordRequest(requestMiss)
	}
}

// releaseStale drops entries evicted because another key shares their hash
func (c *Cache) releaseStale(stale []Entry, hash uint64) {
	if len(stale) == 0 {
		return
	}
	for _, e := range stale {
		c.counters.collisions.Add(1)
		c.metrics.RecordCollision()
		c.logger.Warn("Hash collision, evicting older entry", map[string]interface{}{
			"hash":   formatHash(hash),
			"plugin": e.Key().PluginID(),
		})
	}
	c.dropContainerRefs(stale, true)
}

// Insert stores entry under the hash reserved by locker and releases the
// Locker. Like a hit from Get, the entry stays pinned for the caller until
// Release.
func (c *Cache) Insert(entry Entry, locker *Locker) error {
	if entry == nil {
		return errors.NewError(errors.ErrCodeInvalidState, "nil entry").
			WithComponent("cache").WithOperation("Insert")
	}
	if c.state.Load() != stateRunning {
		return errors.NewError(errors.ErrCodeComponentStopped, "cache is closed").
			WithComponent("cache").WithOperation("Insert")
	}

	hash := entry.Key().Hash()
	b := c.buckets[BucketIndex(hash)]
	if locker == nil || locker.bucket != b || locker.hash != hash {
		return errors.NewError(errors.ErrCodeLockerInvalid, "locker does not reserve the entry's hash").
			WithComponent("cache").WithOperation("Insert").WithDetail("hash", formatHash(hash))
	}

	class := entry.StorageClass()
	size := entry.Size()
	if !validClass(class) {
		return errors.Newf(errors.ErrCodeInvalidState, "unknown storage class %d", int(class)).
			WithComponent("cache").WithOperation("Insert")
	}
	if class == StorageDisk {
		if tb, ok := entry.(TileBacked); ok && !tb.Tile().IsZero() && tb.Tile().File.Retired() {
			return errors.NewError(errors.ErrCodeTileSizeMismatch, "entry tile was allocated before a tile size change").
				WithComponent("cache").WithOperation("Insert")
		}
		if tileSize := uint64(c.TileSize()); size > tileSize {
			return errors.Newf(errors.ErrCodeEntryTooLarge, "entry of %d bytes exceeds the %d byte tile", size, tileSize).
				WithComponent("cache").WithOperation("Insert")
		}
	}
	eb := entry.base()
	if eb.BucketIndex() >= 0 || eb.accounted.Load() || eb.RefCount() != 0 {
		// stored, or detached but still held and charged
		return errors.NewError(errors.ErrCodeEntryExists, "entry is already stored").
			WithComponent("cache").WithOperation("Insert")
	}

	b.mu.Lock()
	if locker.released {
		b.mu.Unlock()
		return errors.NewError(errors.ErrCodeLockerInvalid, "locker was released").
			WithComponent("cache").WithOperation("Insert").WithDetail("hash", formatHash(hash))
	}
	if _, exists := b.container.Peek(hash); exists {
		b.mu.Unlock()
		return errors.NewError(errors.ErrCodeEntryExists, "hash is already cached").
			WithComponent("cache").WithOperation("Insert").WithDetail("hash", formatHash(hash))
	}
	b.container.Insert(hash, entry)
	eb.setBucketIndex(b.index)
	eb.refs.Add(2) // container and caller
	eb.accounted.Store(true)
	locker.releaseLocked()
	b.mu.Unlock()

	c.NotifyEntryAllocated(size, class)
	if entry.IsCacheSignalRequired() {
		c.host.CacheChanged()
	}
	return nil
}

// GetOrCompute returns the entry for key, computing and inserting it on a
// miss. The result is pinned until Release. A compute error is returned to
// this caller only; goroutines waiting on the same hash retry on their own.
// A computed entry that Insert rejects is destroyed here, which frees its
// tile. Callers driving Get and Insert themselves own that teardown.
func (c *Cache) GetOrCompute(key Key, compute func() (Entry, error)) (Entry, error) {
	e, locker := c.Get(key)
	if e != nil {
		return e, nil
	}
	defer locker.Release()

	e, err := compute()
	if err != nil {
		return nil, err
	}
	if err := c.Insert(e, locker); err != nil {
		if e != nil && e.base().BucketIndex() < 0 && e.base().RefCount() == 0 && !e.base().accounted.Load() {
			c.destroyEntry(e)
		}
		return nil, err
	}
	return e, nil
}

// Release drops a reference obtained from Get, Insert or GetOrCompute. When
// the cache no longer stores the entry and this was the last reference, the
// entry is destroyed on the calling goroutine.
func (c *Cache) Release(entry Entry) {
	if entry == nil {
		return
	}
	n := entry.base().release()
	switch {
	case n == 0:
		c.finalize(entry)
		c.destroyEntry(entry)
	case n < 0:
		entry.base().refs.Store(0)
		c.logger.Error("Entry released more times than it was retained", map[string]interface{}{
			"hash": formatHash(entry.Key().Hash()),
		})
	}
}

// dropContainerRefs releases the cache's reference on detached entries.
// Entries nobody else holds are destroyed, on the host's deleter when async.
func (c *Cache) dropContainerRefs(entries []Entry, async bool) {
	var dead []Entry
	signal := false
	for _, e := range entries {
		if e.IsCacheSignalRequired() {
			signal = true
		}
		if e.base().release() == 0 {
			c.finalize(e)
			dead = append(dead, e)
		}
	}

	if len(dead) > 0 {
		if async {
			c.host.DeleteCacheEntriesInSeparateThread(dead)
		} else {
			for _, e := range dead {
				c.destroyEntry(e)
			}
		}
	}
	if signal {
		c.host.CacheChanged()
	}
}

// finalize uncharges the entry from the ledger exactly once
func (c *Cache) finalize(e Entry) {
	if e.base().accounted.CompareAndSwap(true, false) {
		c.NotifyEntryDestroyed(e.Size(), e.StorageClass())
	}
}

func (c *Cache) destroyEntry(e Entry) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Entry teardown panicked", map[string]interface{}{
				"hash": formatHash(e.Key().Hash()),
			})
		}
	}()
	e.Destroy()
	c.counters.destroyed.Add(1)
	c.metrics.RecordDestroyed(1)
}

// HasEntry reports whether hash is cached, without touching LRU order
func (c *Cache) HasEntry(hash uint64) bool {
	b := c.buckets[BucketIndex(hash)]
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.container.Peek(hash)
	return ok
}

// RemoveEntry removes entry from its bucket. It returns false when the entry
// is not stored.
func (c *Cache) RemoveEntry(entry Entry) bool {
	idx := entry.base().BucketIndex()
	if idx < 0 {
		return false
	}
	hash := entry.Key().Hash()
	b := c.buckets[idx]

	b.mu.Lock()
	cur, ok := b.container.Peek(hash)
	if !ok || cur != entry {
		b.mu.Unlock()
		return false
	}
	b.detach(hash)
	b.mu.Unlock()

	c.dropContainerRefs([]Entry{entry}, true)
	return true
}

// Clear removes every entry. Entries only the cache holds are destroyed
// before Clear returns, and backing files left without tiles are deleted.
func (c *Cache) Clear() {
	start := time.Now()
	c.tileMu.Lock()
	defer c.tileMu.Unlock()

	removed := c.clearLocked()
	c.host.CacheChanged()
	c.metrics.RecordOperation("clear", time.Since(start), true)
	c.logger.Info("Cache cleared", map[string]interface{}{"entries": removed})
}

// clearLocked empties every bucket. Caller holds c.tileMu.
func (c *Cache) clearLocked() int {
	c.tiles.SetClearing(true)
	defer c.tiles.SetClearing(false)

	removed := 0
	for _, b := range c.buckets {
		b.mu.Lock()
		drained := b.drain()
		b.mu.Unlock()
		removed += len(drained)
		c.dropContainerRefs(drained, false)
	}
	if c.deleter != nil {
		c.deleter.Wait()
	}
	c.tiles.RemoveIdleFiles()
	c.metrics.UpdateTileFiles(len(c.tiles.Files()))
	return removed
}

// RemoveAllEntriesForPlugin schedules removal of every entry owned by
// pluginID on the cleaner goroutine.
func (c *Cache) RemoveAllEntriesForPlugin(pluginID string) {
	c.cleaner.AppendToQueue(pluginID)
}

func (c *Cache) purgePlugin(pluginID string) {
	start := time.Now()
	var removed []Entry
	for _, b := range c.buckets {
		b.mu.Lock()
		removed = append(removed, b.removePlugin(pluginID)...)
		b.mu.Unlock()
	}
	c.dropContainerRefs(removed, true)
	c.metrics.RecordOperation("purge_plugin", time.Since(start), true)
	c.logger.Debug("Purged plugin entries", map[string]interface{}{
		"plugin":  pluginID,
		"entries": len(removed),
	})
}

// Drain blocks until queued plugin purges and entry teardown have run
func (c *Cache) Drain() {
	c.cleaner.Wait()
	if c.deleter != nil {
		c.deleter.Wait()
	}
}

// TileSizePo2 returns the exponent of the 8-bit tile side
func (c *Cache) TileSizePo2() int {
	return int(c.tileSizePo2.Load())
}

// TileSize returns the byte size of one tile
func (c *Cache) TileSize() int {
	return tileBytes(c.TileSizePo2())
}

// SetTileSizePo2 changes the tile size. The whole cache is cleared first and
// files still holding pinned tiles are retired.
func (c *Cache) SetTileSizePo2(po2 int) error {
	if po2 < MinTileSizePo2 || po2 > MaxTileSizePo2 {
		return errors.Newf(errors.ErrCodeInvalidConfig, "tile size exponent %d outside %d..%d",
			po2, MinTileSizePo2, MaxTileSizePo2).WithComponent("cache").WithOperation("SetTileSizePo2")
	}
	if uint64(tileBytes(po2)) > c.config.FileChunkSize {
		return errors.Newf(errors.ErrCodeInvalidConfig, "tile of %d bytes does not fit a %d byte chunk",
			tileBytes(po2), c.config.FileChunkSize).WithComponent("cache").WithOperation("SetTileSizePo2")
	}
	if po2 == c.TileSizePo2() {
		return nil
	}

	c.tileMu.Lock()
	defer c.tileMu.Unlock()

	removed := c.clearLocked()
	c.tiles.Reset(tileBytes(po2))
	c.tileSizePo2.Store(int32(po2))
	c.host.CacheChanged()

	c.logger.Info("Tile size changed", map[string]interface{}{
		"tile_size_po2": po2,
		"entries":       removed,
	})
	return nil
}

// TileSizePx returns the tile width and height in pixels for a bit depth.
// Every depth has the same byte footprint.
func (c *Cache) TileSizePx(depth BitDepth) (int, int) {
	return TileSizePx(c.TileSizePo2(), depth)
}

// AllocTile reserves a tile for a new disk entry
func (c *Cache) AllocTile() (Tile, error) {
	if c.state.Load() == stateClosed {
		return Tile{}, errors.NewError(errors.ErrCodeComponentStopped, "cache is closed").
			WithComponent("cache").WithOperation("AllocTile")
	}
	t, err := c.tiles.AllocTile()
	if err != nil {
		return Tile{}, err
	}
	c.metrics.UpdateTileFiles(len(c.tiles.Files()))
	return t, nil
}

// Len returns the number of stored entries
func (c *Cache) Len() int {
	n := 0
	for _, b := range c.buckets {
		b.mu.Lock()
		n += b.container.Len()
		b.mu.Unlock()
	}
	return n
}

// PluginMemoryStats summarizes the entries of one plugin
type PluginMemoryStats struct {
	Entries        int
	RAMBytes       uint64
	DiskBytes      uint64
	GLTextureBytes uint64
}

// MemoryStats returns per-plugin entry counts and bytes
func (c *Cache) MemoryStats() map[string]PluginMemoryStats {
	stats := make(map[string]PluginMemoryStats)
	for _, b := range c.buckets {
		b.mu.Lock()
		b.container.Each(func(_ uint64, e Entry) bool {
			s := stats[e.Key().PluginID()]
			s.Entries++
			switch e.StorageClass() {
			case StorageRAM:
				s.RAMBytes += e.Size()
			case StorageDisk:
				s.DiskBytes += e.Size()
			case StorageGLTexture:
				s.GLTextureBytes += e.Size()
			}
			stats[e.Key().PluginID()] = s
			return true
		})
		b.mu.Unlock()
	}
	return stats
}

// ClassStats is the ledger state of one storage class
type ClassStats struct {
	Class StorageClass
	Used  uint64
	Max   uint64
}

// Stats is a point-in-time snapshot of the cache
type Stats struct {
	Entries        int
	Classes        []ClassStats
	TileSize       int
	TileFiles      int
	MaxPhysicalRAM uint64
	Hits           uint64
	Misses         uint64
	Waits          uint64
	Collisions     uint64
	Evictions      uint64
	Destroyed      uint64
}

// Stats returns counters and ledger values
func (c *Cache) Stats() Stats {
	s := Stats{
		Entries:        c.Len(),
		TileSize:       c.TileSize(),
		TileFiles:      len(c.tiles.Files()),
		MaxPhysicalRAM: c.maxPhysicalRAM,
		Hits:           c.counters.hits.Load(),
		Misses:         c.counters.misses.Load(),
		Waits:          c.counters.waits.Load(),
		Collisions:     c.counters.collisions.Load(),
		Evictions:      c.counters.evictions.Load(),
		Destroyed:      c.counters.destroyed.Load(),
	}
	for _, class := range StorageClasses() {
		s.Classes = append(s.Classes, ClassStats{
			Class: class,
			Used:  c.CurrentSize(class),
			Max:   c.MaximumSize(class),
		})
	}
	return s
}

// Flush writes the table of contents and syncs the backing files
func (c *Cache) Flush() error {
	if c.state.Load() == stateClosed {
		return errors.NewError(errors.ErrCodeComponentStopped, "cache is closed").
			WithComponent("cache").WithOperation("Flush")
	}
	return c.flush()
}

func (c *Cache) flush() error {
	start := time.Now()
	c.tileMu.Lock()
	n, err := c.saveTOC()
	c.tileMu.Unlock()

	c.metrics.RecordOperation("flush", time.Since(start), err == nil)
	if err != nil {
		return err
	}
	c.logger.Debug("Table of contents written", map[string]interface{}{"records": n})
	return nil
}

// Close persists the table of contents, stops the background workers and
// unmaps every backing file. Entries must not be used afterwards.
func (c *Cache) Close() error {
	if !c.state.CompareAndSwap(stateRunning, stateClosed) {
		return nil
	}

	if c.monitor != nil {
		_ = c.monitor.Stop()
	}
	c.cleaner.QuitThread()
	if c.deleter != nil {
		c.deleter.QuitThread()
	}

	flushErr := c.flush()

	for _, b := range c.buckets {
		b.mu.Lock()
		b.drain()
		b.mu.Unlock()
	}
	closeErr := c.tiles.Close()

	c.logger.Info("Cache closed", map[string]interface{}{"directory": c.dir})
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// PluginIDs lists the plugins that own at least one entry, sorted
func (c *Cache) PluginIDs() []string {
	stats := c.MemoryStats()
	ids := make([]string, 0, len(stats))
	for id := range stats {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *Cache) tocPath() string {
	return filepath.Join(c.dir, TOCFileName)
}
