/*
Package cache provides a bounded, content-addressed cache for expensive
computed values such as rendered image tiles.

The cache is sharded in 256 buckets selected by the top byte of an entry's
64-bit hash. Each bucket owns an LRU container and a set of hashes currently
being computed, so lookups on different hashes never contend and at most one
goroutine computes a given hash at a time.

# Lookup Protocol

	entry, locker := c.Get(key)
	if entry != nil {
		defer c.Release(entry)
		return use(entry)
	}
	defer locker.Release()

	tile := cache.NewRAMImageTile(key, render(key))
	if err := c.Insert(tile, locker); err != nil {
		return err
	}
	defer c.Release(tile)

A Get on a hash held by another goroutine's Locker blocks until that Locker
is released. If the holder inserted an entry the waiter gets a hit;
otherwise the waiter receives its own Locker and computes the value itself.
GetOrCompute wraps this sequence.

# Storage Classes

Every entry is charged against one of the byte budgets RAM, Disk or
GLTexture. A zero budget is unbounded. Growth of a class evicts least
recently used entries of that class until it fits again; entries with
outstanding references are never evicted. RAM is also trimmed while the
process resident set reaches a fraction (90% by default) of system memory.

# Disk Tiles

Disk entries live in fixed-size tiles of memory-mapped CachePart<N> files
inside the cache directory. The table of contents (toc.yaml) written by
Flush and Close lets the next process reopen the same tiles. A table of
contents with another format version or tile size, or with any record that
cannot be restored, causes the directory to be discarded.

# Background Work

Evicted entries are destroyed by a Deleter goroutine, or by the Host given
to WithHost. RemoveAllEntriesForPlugin is served by a Cleaner goroutine.
Drain waits for both.
*/
package cache
