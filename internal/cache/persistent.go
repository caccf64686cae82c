package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v2"

	"github.com/objectfs/tilecache/pkg/errors"
	"github.com/objectfs/tilecache/pkg/utils"
)

const (
	// TOCVersion is bumped whenever the record layout changes. A cache
	// directory written with another version is discarded.
	TOCVersion = 1

	// TOCFileName is the table of contents inside the cache directory
	TOCFileName = "toc.yaml"

	// maxParallelSyncs bounds concurrent msync calls during a flush
	maxParallelSyncs = 4
)

// TOCDocument is the persisted index of every disk-resident entry
type TOCDocument struct {
	Version  int         `yaml:"version"`
	TileSize int         `yaml:"tile_size"`
	Entries  []TOCRecord `yaml:"entries"`
}

// TOCRecord locates one entry in a backing file. File is relative to the
// cache directory and Hash is hexadecimal.
type TOCRecord struct {
	File       string            `yaml:"file"`
	Offset     int64             `yaml:"offset"`
	Hash       string            `yaml:"hash"`
	PluginID   string            `yaml:"plugin_id"`
	Kind       string            `yaml:"kind"`
	Image      *ImageTileRecord  `yaml:"image,omitempty"`
	Attributes map[string]string `yaml:"attributes,omitempty"`
}

func formatHash(hash uint64) string {
	return fmt.Sprintf("%016x", hash)
}

func parseHash(s string) (uint64, error) {
	return strconv.ParseUint(s, 16, 64)
}

// ReadTOC parses the table of contents of a cache directory without opening
// the cache.
func ReadTOC(dir string) (*TOCDocument, error) {
	path := filepath.Join(dir, TOCFileName)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "cannot read table of contents").
			WithComponent("cache").WithOperation("ReadTOC").WithDetail("path", path)
	}
	var doc TOCDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeTOCCorrupt, "cannot parse table of contents").
			WithComponent("cache").WithOperation("ReadTOC").WithDetail("path", path)
	}
	return &doc, nil
}

// saveTOC syncs every file holding a stored tile and then replaces the table
// of contents. Records are written bucket by bucket from least to most
// recently used, so loading them back keeps the eviction order.
// Caller holds c.tileMu.
func (c *Cache) saveTOC() (int, error) {
	doc := TOCDocument{Version: TOCVersion, TileSize: c.TileSize()}
	files := make(map[*TileCacheFile]struct{})

	for _, b := range c.buckets {
		b.mu.Lock()
		b.container.Each(func(hash uint64, e Entry) bool {
			tb, ok := e.(TileBacked)
			if !ok || e.StorageClass() != StorageDisk || tb.Tile().IsZero() {
				return true
			}
			t := tb.Tile()
			rec := TOCRecord{
				File:     filepath.Base(t.File.Path()),
				Offset:   t.Offset,
				Hash:     formatHash(hash),
				PluginID: e.Key().PluginID(),
				Kind:     tb.Kind(),
			}
			tb.EncodeRecord(&rec)
			doc.Entries = append(doc.Entries, rec)
			files[t.File] = struct{}{}
			return true
		})
		b.mu.Unlock()
	}

	var g errgroup.Group
	g.SetLimit(maxParallelSyncs)
	for f := range files {
		g.Go(func() error {
			if err := f.Sync(); err != nil {
				return errors.Wrap(err, errors.ErrCodeStorageWrite, "cannot sync tile file").
					WithComponent("cache").WithOperation("Flush").WithDetail("path", f.Path())
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	raw, err := yaml.Marshal(&doc)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternalError, "cannot encode table of contents").
			WithComponent("cache").WithOperation("Flush")
	}

	path := c.tocPath()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeStorageWrite, "cannot write table of contents").
			WithComponent("cache").WithOperation("Flush").WithDetail("path", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return 0, errors.Wrap(err, errors.ErrCodeStorageWrite, "cannot replace table of contents").
			WithComponent("cache").WithOperation("Flush").WithDetail("path", path)
	}
	return len(doc.Entries), nil
}

// loadTOC restores the entries recorded by a previous run. An unreadable
// document, a version or tile size mismatch, or any record that cannot be
// restored discards the whole directory. Backing files no record refers to
// are deleted.
func (c *Cache) loadTOC() error {
	path := c.tocPath()
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		c.removeOrphanFiles()
		c.metrics.RecordTOC("missing")
		return nil
	}
	if err != nil {
		return c.wipe("unreadable", err)
	}

	var doc TOCDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return c.wipe("corrupt", errors.Wrap(err, errors.ErrCodeTOCCorrupt, "cannot parse table of contents"))
	}
	if doc.Version != TOCVersion {
		return c.wipe("version_mismatch", errors.Newf(errors.ErrCodeTOCVersion,
			"table of contents version %d, expected %d", doc.Version, TOCVersion))
	}
	if doc.TileSize != c.TileSize() {
		return c.wipe("tile_size_mismatch", errors.Newf(errors.ErrCodeTileSizeMismatch,
			"table of contents tile size %d, configured %d", doc.TileSize, c.TileSize()))
	}

	entries, err := c.restoreRecords(doc.Entries)
	if err != nil {
		return c.wipe("corrupt", err)
	}

	for _, e := range entries {
		hash := e.Key().Hash()
		b := c.buckets[BucketIndex(hash)]
		b.mu.Lock()
		b.container.Insert(hash, e)
		eb := e.base()
		eb.setBucketIndex(b.index)
		eb.refs.Store(1)
		eb.accounted.Store(true)
		b.mu.Unlock()
		c.ledger.add(StorageDisk, e.Size())
	}
	c.metrics.UpdateCacheSize(StorageDisk.String(), int64(c.ledger.current(StorageDisk)))

	c.removeOrphanFiles()
	c.EvictLRUEntries(0, StorageDisk)

	c.metrics.RecordTOC("loaded")
	c.metrics.UpdateTileFiles(len(c.tiles.Files()))
	c.logger.Info("Restored table of contents", map[string]interface{}{
		"entries": len(entries),
		"files":   len(c.tiles.Files()),
	})
	return nil
}

// restoreRecords re-binds every record to its tile and decodes it. The
// first failure aborts the whole load.
func (c *Cache) restoreRecords(records []TOCRecord) ([]TileBacked, error) {
	tileSize := uint64(c.TileSize())
	seen := make(map[uint64]struct{}, len(records))
	entries := make([]TileBacked, 0, len(records))

	for i, rec := range records {
		fail := func(cause error, msg string) error {
			return errors.Wrap(cause, errors.ErrCodeTOCCorrupt, msg).
				WithDetail("record", i).WithDetail("file", rec.File)
		}

		hash, err := parseHash(rec.Hash)
		if err != nil {
			return nil, fail(err, "invalid hash")
		}
		if _, dup := seen[hash]; dup {
			return nil, fail(nil, "duplicate hash")
		}
		seen[hash] = struct{}{}

		if _, ok := tileFileNumber(rec.File); !ok || filepath.Base(rec.File) != rec.File {
			return nil, fail(nil, "invalid tile file name")
		}
		path, err := utils.SecureJoin(c.dir, rec.File)
		if err != nil {
			return nil, fail(err, "invalid tile file path")
		}
		f, err := c.tiles.GetTileCacheFile(path, rec.Offset)
		if err != nil {
			return nil, fail(err, "cannot bind tile")
		}

		decode, ok := c.decoders[rec.Kind]
		if !ok {
			return nil, fail(nil, "unknown entry kind "+strconv.Quote(rec.Kind))
		}
		e, err := decode(rec, Tile{File: f, Offset: rec.Offset})
		if err != nil {
			return nil, fail(err, "cannot decode entry")
		}
		if e.Key().Hash() != hash || e.Key().PluginID() != rec.PluginID {
			return nil, fail(nil, "entry key does not match record")
		}
		if e.StorageClass() != StorageDisk || e.Size() > tileSize {
			return nil, fail(nil, "entry does not fit a disk tile")
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// wipe discards the cache directory and starts over with an empty one
func (c *Cache) wipe(outcome string, cause error) error {
	c.logger.Warn("Discarding cache directory", map[string]interface{}{
		"directory": c.dir,
		"reason":    outcome,
		"error":     cause.Error(),
	})
	c.metrics.RecordTOC(outcome)

	_ = c.tiles.Close()
	if err := os.RemoveAll(c.dir); err != nil {
		return errors.Wrap(err, errors.ErrCodeCacheDirUnusable, "cannot remove cache directory").
			WithComponent("cache").WithDetail("path", c.dir)
	}
	if err := os.MkdirAll(c.dir, 0750); err != nil {
		return errors.Wrap(err, errors.ErrCodeCacheDirUnusable, "cannot recreate cache directory").
			WithComponent("cache").WithDetail("path", c.dir)
	}
	c.tiles = NewTileAllocator(c.dir, c.TileSize(), int64(c.config.FileChunkSize), c.logger)
	c.metrics.UpdateTileFiles(0)
	return nil
}

// removeOrphanFiles deletes backing files the allocator does not track and
// any leftover temporary table of contents.
func (c *Cache) removeOrphanFiles() {
	tracked := make(map[string]struct{})
	for _, f := range c.tiles.Files() {
		tracked[filepath.Base(f.Path())] = struct{}{}
	}

	dirEntries, err := os.ReadDir(c.dir)
	if err != nil {
		c.logger.Warn("Cannot list cache directory", map[string]interface{}{
			"directory": c.dir,
			"error":     err.Error(),
		})
		return
	}

	removed := 0
	for _, de := range dirEntries {
		name := de.Name()
		if name == TOCFileName+".tmp" {
			_ = os.Remove(filepath.Join(c.dir, name))
			continue
		}
		if de.IsDir() {
			continue
		}
		if _, ok := tileFileNumber(name); !ok {
			continue
		}
		if _, ok := tracked[name]; ok {
			continue
		}
		if err := os.Remove(filepath.Join(c.dir, name)); err != nil {
			c.logger.Warn("Cannot remove orphan tile file", map[string]interface{}{
				"file":  name,
				"error": err.Error(),
			})
			continue
		}
		removed++
	}
	if removed > 0 {
		c.logger.Info("Removed orphan tile files", map[string]interface{}{"files": removed})
	}
}
