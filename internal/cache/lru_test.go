package cache

import (
	"reflect"
	"testing"
)

func keysLRUToMRU(l *LRU[uint64, string]) []uint64 {
	var keys []uint64
	l.Each(func(k uint64, _ string) bool {
		keys = append(keys, k)
		return true
	})
	return keys
}

// TestLRU_InsertFind tests basic Insert, Find and Peek operations
func TestLRU_InsertFind(t *testing.T) {
	l := NewLRU[uint64, string]()

	if !l.Insert(1, "one") {
		t.Fatal("first insert should succeed")
	}
	if l.Insert(1, "uno") {
		t.Error("duplicate insert should be rejected")
	}

	v, ok := l.Find(1)
	if !ok || v != "one" {
		t.Errorf("Find(1) = %q, %v; want one, true", v, ok)
	}
	if _, ok := l.Find(2); ok {
		t.Error("Find(2) should miss")
	}
	if v, ok := l.Peek(1); !ok || v != "one" {
		t.Errorf("Peek(1) = %q, %v; want one, true", v, ok)
	}
	if l.Len() != 1 {
		t.Errorf("Len() = %d, want 1", l.Len())
	}
}

// TestLRU_AccessOrder tests that Find touches and Peek does not
func TestLRU_AccessOrder(t *testing.T) {
	tests := []struct {
		name  string
		touch func(l *LRU[uint64, string])
		want  []uint64
	}{
		{
			name:  "insertion order",
			touch: func(l *LRU[uint64, string]) {},
			want:  []uint64{1, 2, 3},
		},
		{
			name:  "find moves to MRU",
			touch: func(l *LRU[uint64, string]) { l.Find(1) },
			want:  []uint64{2, 3, 1},
		},
		{
			name:  "peek keeps order",
			touch: func(l *LRU[uint64, string]) { l.Peek(1) },
			want:  []uint64{1, 2, 3},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLRU[uint64, string]()
			l.Insert(1, "a")
			l.Insert(2, "b")
			l.Insert(3, "c")
			tt.touch(l)
			if got := keysLRUToMRU(l); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("order = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestLRU_EvictUntouched checks that with K+1 inserts and touches on the
// first K-1, the untouched oldest entry is the one evicted.
func TestLRU_EvictUntouched(t *testing.T) {
	const k = 8
	l := NewLRU[uint64, string]()
	for i := uint64(0); i < k; i++ {
		l.Insert(i, "v")
	}
	for i := uint64(0); i < k-1; i++ {
		l.Find(i)
	}
	l.Insert(k, "new")

	key, _, ok := l.Evict(nil)
	if !ok {
		t.Fatal("Evict returned nothing")
	}
	if key != k-1 {
		t.Errorf("evicted %d, want %d", key, k-1)
	}
}

// TestLRU_EvictSkipsPinned tests that pinned values are never returned
func TestLRU_EvictSkipsPinned(t *testing.T) {
	l := NewLRU[uint64, string]()
	l.Insert(1, "pinned")
	l.Insert(2, "free")
	l.Insert(3, "pinned")

	pinned := func(v string) bool { return v == "pinned" }

	key, v, ok := l.Evict(pinned)
	if !ok || key != 2 || v != "free" {
		t.Fatalf("Evict = %d, %q, %v; want 2, free, true", key, v, ok)
	}

	if _, _, ok := l.Evict(pinned); ok {
		t.Error("Evict should find nothing once only pinned values remain")
	}
	if l.Len() != 2 {
		t.Errorf("Len() = %d, want 2", l.Len())
	}
	if got := keysLRUToMRU(l); !reflect.DeepEqual(got, []uint64{1, 3}) {
		t.Errorf("pinned order changed: %v", got)
	}
}

// TestLRU_EvictEmpty tests eviction on an empty container
func TestLRU_EvictEmpty(t *testing.T) {
	l := NewLRU[uint64, string]()
	if _, _, ok := l.Evict(nil); ok {
		t.Error("Evict on empty container should report false")
	}
}

// TestLRU_Erase tests explicit removal
func TestLRU_Erase(t *testing.T) {
	l := NewLRU[uint64, string]()
	l.Insert(1, "a")
	l.Insert(2, "b")

	if v, ok := l.Erase(1); !ok || v != "a" {
		t.Errorf("Erase(1) = %q, %v; want a, true", v, ok)
	}
	if _, ok := l.Erase(1); ok {
		t.Error("second Erase should miss")
	}
	if got := keysLRUToMRU(l); !reflect.DeepEqual(got, []uint64{2}) {
		t.Errorf("remaining = %v, want [2]", got)
	}
}

// TestLRU_EvictMatching tests bulk removal with order preservation
func TestLRU_EvictMatching(t *testing.T) {
	l := NewLRU[uint64, string]()
	for i, v := range []string{"blur", "grade", "blur", "merge", "blur"} {
		l.Insert(uint64(i), v)
	}

	removed := l.EvictMatching(func(_ uint64, v string) bool { return v == "blur" })
	if len(removed) != 3 {
		t.Errorf("removed %d values, want 3", len(removed))
	}
	if got := keysLRUToMRU(l); !reflect.DeepEqual(got, []uint64{1, 3}) {
		t.Errorf("survivors = %v, want [1 3]", got)
	}
}

// TestLRU_Clear tests that Clear returns every held value
func TestLRU_Clear(t *testing.T) {
	l := NewLRU[uint64, string]()
	l.Insert(1, "a")
	l.Insert(2, "b")

	values := l.Clear()
	if len(values) != 2 {
		t.Errorf("Clear returned %d values, want 2", len(values))
	}
	if l.Len() != 0 {
		t.Errorf("Len() after Clear = %d", l.Len())
	}
	if !l.Insert(1, "again") {
		t.Error("container should be reusable after Clear")
	}
}

// TestLRU_EachStops tests early termination of Each
func TestLRU_EachStops(t *testing.T) {
	l := NewLRU[uint64, string]()
	for i := uint64(0); i < 5; i++ {
		l.Insert(i, "v")
	}

	visited := 0
	l.Each(func(uint64, string) bool {
		visited++
		return visited < 2
	})
	if visited != 2 {
		t.Errorf("visited %d, want 2", visited)
	}
}
