package cache

// EvictLRUEntries evicts least recently used entries of class until its usage
// fits under max-bytesToFree. For RAM it also keeps evicting while the
// process resident set is at the physical ceiling. It stops as soon as a full
// sweep over every bucket frees nothing, so pinned entries cannot make it spin.
func (c *Cache) EvictLRUEntries(bytesToFree uint64, class StorageClass) {
	if !validClass(class) {
		return
	}
	limit := c.ledger.maximum(class)
	if limit == 0 {
		return
	}

	var ceiling uint64
	if limit > bytesToFree {
		ceiling = limit - bytesToFree
	}

	for c.overCeiling(class, ceiling) {
		if c.sweep(class) == 0 {
			return
		}
	}
}

func (c *Cache) overCeiling(class StorageClass, ceiling uint64) bool {
	if c.ledger.current(class) > ceiling {
		return true
	}
	return class == StorageRAM && c.physicalPressure()
}

// physicalPressure reports whether the resident set reached the ceiling
// derived from total system RAM.
func (c *Cache) physicalPressure() bool {
	if c.maxPhysicalRAM == 0 || c.probe == nil {
		return false
	}
	rss, err := c.probe.ResidentMemory()
	if err != nil {
		return false
	}
	return rss >= c.maxPhysicalRAM
}

// sweep evicts at most one unpinned entry of class from every bucket and
// returns how many were evicted. Bucket locks are taken one at a time.
func (c *Cache) sweep(class StorageClass) int {
	var evicted []Entry
	for _, b := range c.buckets {
		b.mu.Lock()
		e, ok := b.evictOne(class)
		b.mu.Unlock()
		if ok {
			evicted = append(evicted, e)
		}
	}
	if len(evicted) == 0 {
		return 0
	}

	c.counters.evictions.Add(uint64(len(evicted)))
	c.metrics.RecordEviction(class.String(), len(evicted))
	c.dropContainerRefs(evicted, true)
	return len(evicted)
}
