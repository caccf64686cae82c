package cache

import "sync"

// NumBuckets is the number of independent shards. The top byte of a hash
// selects the bucket.
const NumBuckets = 256

// bucket is one shard of the cache. mu guards container and lockedHashes;
// cond is signalled whenever a hash leaves lockedHashes.
type bucket struct {
	index int

	mu           sync.Mutex
	cond         *sync.Cond
	container    *LRU[uint64, Entry]
	lockedHashes map[uint64]struct{}
}

func newBucket(index int) *bucket {
	b := &bucket{
		index:        index,
		container:    NewLRU[uint64, Entry](),
		lockedHashes: make(map[uint64]struct{}),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// BucketIndex returns the bucket a hash is routed to
func BucketIndex(hash uint64) int {
	return int(hash >> 56)
}

// unpinned reports whether the container holds the only reference. Entries
// can only gain references under the bucket lock, so the answer stays valid
// for as long as the caller holds b.mu.
func unpinned(e Entry) bool {
	return e.base().RefCount() <= 1
}

// evictOne removes the least recently used unpinned entry of the given class.
// Caller holds b.mu.
func (b *bucket) evictOne(class StorageClass) (Entry, bool) {
	_, e, ok := b.container.Evict(func(e Entry) bool {
		return !unpinned(e) || e.StorageClass() != class
	})
	if ok {
		e.base().setBucketIndex(-1)
	}
	return e, ok
}

// detach removes hash from the container. Caller holds b.mu.
func (b *bucket) detach(hash uint64) (Entry, bool) {
	e, ok := b.container.Erase(hash)
	if ok {
		e.base().setBucketIndex(-1)
	}
	return e, ok
}

// drain empties the container. Caller holds b.mu.
func (b *bucket) drain() []Entry {
	entries := b.container.Clear()
	for _, e := range entries {
		e.base().setBucketIndex(-1)
	}
	return entries
}

// removePlugin drops every entry owned by pluginID, keeping the others in
// their access order. Caller holds b.mu.
func (b *bucket) removePlugin(pluginID string) []Entry {
	entries := b.container.EvictMatching(func(_ uint64, e Entry) bool {
		return e.Key().PluginID() == pluginID
	})
	for _, e := range entries {
		e.base().setBucketIndex(-1)
	}
	return entries
}
