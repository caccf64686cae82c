package cache

import "sync"

// ledger tracks bytes per storage class. Its lock is never held while a
// bucket lock is being acquired.
type ledger struct {
	mu   sync.Mutex
	used [numStorageClasses]uint64
	max  [numStorageClasses]uint64
}

func (l *ledger) add(class StorageClass, size uint64) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.used[class] += size
	return l.used[class]
}

func (l *ledger) sub(class StorageClass, size uint64) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if size > l.used[class] {
		l.used[class] = 0
	} else {
		l.used[class] -= size
	}
	return l.used[class]
}

func (l *ledger) current(class StorageClass) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.used[class]
}

func (l *ledger) maximum(class StorageClass) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.max[class]
}

// setMaximum stores a new limit and returns the previous one
func (l *ledger) setMaximum(class StorageClass, size uint64) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	prev := l.max[class]
	l.max[class] = size
	return prev
}

func validClass(class StorageClass) bool {
	return class >= 0 && class < numStorageClasses
}

// NotifyEntryAllocated charges size to class and evicts until the class is
// back under its limit.
func (c *Cache) NotifyEntryAllocated(size uint64, class StorageClass) {
	if !validClass(class) {
		return
	}
	used := c.ledger.add(class, size)
	c.metrics.UpdateCacheSize(class.String(), int64(used))
	c.EvictLRUEntries(size, class)
}

// NotifyEntryDestroyed releases size from class
func (c *Cache) NotifyEntryDestroyed(size uint64, class StorageClass) {
	if !validClass(class) {
		return
	}
	used := c.ledger.sub(class, size)
	c.metrics.UpdateCacheSize(class.String(), int64(used))
}

// CurrentSize returns the bytes charged to class
func (c *Cache) CurrentSize(class StorageClass) uint64 {
	if !validClass(class) {
		return 0
	}
	return c.ledger.current(class)
}

// MaximumSize returns the limit for class; zero means unbounded
func (c *Cache) MaximumSize(class StorageClass) uint64 {
	if !validClass(class) {
		return 0
	}
	return c.ledger.maximum(class)
}

// SetMaximumSize changes the limit for class. Lowering it evicts right away.
func (c *Cache) SetMaximumSize(class StorageClass, size uint64) {
	if !validClass(class) {
		return
	}
	prev := c.ledger.setMaximum(class, size)
	c.metrics.UpdateCacheLimit(class.String(), int64(size))
	if size != 0 && (prev == 0 || size < prev) {
		c.EvictLRUEntries(0, class)
	}
}
