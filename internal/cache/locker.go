package cache

// Locker grants the exclusive right to compute and insert one missing hash.
// While a Locker is outstanding every other Get for the same hash blocks.
// Release must be called on every path; it is idempotent and Insert calls it
// on success.
type Locker struct {
	bucket   *bucket
	hash     uint64
	released bool // guarded by bucket.mu
}

// newLocker reserves hash in b. Caller holds b.mu.
func newLocker(b *bucket, hash uint64) *Locker {
	b.lockedHashes[hash] = struct{}{}
	return &Locker{bucket: b, hash: hash}
}

// Hash returns the reserved hash
func (l *Locker) Hash() uint64 {
	return l.hash
}

// Release clears the reservation and wakes every waiter, whether or not an
// entry was inserted.
func (l *Locker) Release() {
	if l == nil {
		return
	}
	l.bucket.mu.Lock()
	defer l.bucket.mu.Unlock()
	l.releaseLocked()
}

func (l *Locker) releaseLocked() {
	if l.released {
		return
	}
	l.released = true
	delete(l.bucket.lockedHashes, l.hash)
	l.bucket.cond.Broadcast()
}
