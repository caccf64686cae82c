package cache

import "container/list"

// LRU is an ordered key/value container that tracks access order. It is not
// safe for concurrent use; every bucket guards its own instance.
type LRU[K comparable, V any] struct {
	items     map[K]*list.Element
	evictList *list.List
}

type lruItem[K comparable, V any] struct {
	key   K
	value V
}

// NewLRU creates an empty container
func NewLRU[K comparable, V any]() *LRU[K, V] {
	return &LRU[K, V]{
		items:     make(map[K]*list.Element),
		evictList: list.New(),
	}
}

// Find returns the value for key and marks it most recently used
func (l *LRU[K, V]) Find(key K) (V, bool) {
	elem, ok := l.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	l.evictList.MoveToFront(elem)
	return elem.Value.(*lruItem[K, V]).value, true
}

// Peek returns the value for key without touching the access order
func (l *LRU[K, V]) Peek(key K) (V, bool) {
	elem, ok := l.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	return elem.Value.(*lruItem[K, V]).value, true
}

// Insert adds key at the most recently used end. It returns false and leaves
// the container untouched when key is already present.
func (l *LRU[K, V]) Insert(key K, value V) bool {
	if _, ok := l.items[key]; ok {
		return false
	}
	l.items[key] = l.evictList.PushFront(&lruItem[K, V]{key: key, value: value})
	return true
}

// Erase removes key and returns its value
func (l *LRU[K, V]) Erase(key K) (V, bool) {
	elem, ok := l.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	l.evictList.Remove(elem)
	delete(l.items, key)
	return elem.Value.(*lruItem[K, V]).value, true
}

// Evict removes and returns the least recently used element for which pinned
// reports false. Pinned elements are skipped and keep their position. It
// returns false when every element is pinned or the container is empty.
func (l *LRU[K, V]) Evict(pinned func(V) bool) (K, V, bool) {
	for elem := l.evictList.Back(); elem != nil; elem = elem.Prev() {
		item := elem.Value.(*lruItem[K, V])
		if pinned != nil && pinned(item.value) {
			continue
		}
		l.evictList.Remove(elem)
		delete(l.items, item.key)
		return item.key, item.value, true
	}
	var (
		zeroK K
		zeroV V
	)
	return zeroK, zeroV, false
}

// EvictMatching removes every element for which match reports true and
// returns the removed values, least recently used first. The relative order
// of the survivors is preserved.
func (l *LRU[K, V]) EvictMatching(match func(K, V) bool) []V {
	var removed []V
	for elem := l.evictList.Back(); elem != nil; {
		prev := elem.Prev()
		item := elem.Value.(*lruItem[K, V])
		if match(item.key, item.value) {
			l.evictList.Remove(elem)
			delete(l.items, item.key)
			removed = append(removed, item.value)
		}
		elem = prev
	}
	return removed
}

// Clear drops every element and returns the values that were held
func (l *LRU[K, V]) Clear() []V {
	values := make([]V, 0, len(l.items))
	for elem := l.evictList.Back(); elem != nil; elem = elem.Prev() {
		values = append(values, elem.Value.(*lruItem[K, V]).value)
	}
	l.items = make(map[K]*list.Element)
	l.evictList.Init()
	return values
}

// Len returns the number of elements
func (l *LRU[K, V]) Len() int {
	return len(l.items)
}

// Each calls fn from the least to the most recently used element until fn
// returns false. fn must not modify the container.
func (l *LRU[K, V]) Each(fn func(K, V) bool) {
	for elem := l.evictList.Back(); elem != nil; elem = elem.Prev() {
		item := elem.Value.(*lruItem[K, V])
		if !fn(item.key, item.value) {
			return
		}
	}
}
