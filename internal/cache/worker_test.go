package cache

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueWorker_FIFO(t *testing.T) {
	var mu sync.Mutex
	var order []int
	w := newQueueWorker("test", nil, func(n int) {
		mu.Lock()
		order = append(order, n)
		mu.Unlock()
	})
	defer w.quitThread()

	w.appendToQueue(1, 2, 3)
	w.appendToQueue(4)
	w.wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3, 4}, order)
}

func TestQueueWorker_StartsLazily(t *testing.T) {
	w := newQueueWorker("test", nil, func(int) {})
	assert.False(t, w.started)

	w.appendToQueue()
	assert.False(t, w.started, "an empty append does not start the goroutine")

	w.appendToQueue(1)
	assert.True(t, w.started)
	w.quitThread()
}

func TestQueueWorker_QuitDrainsQueue(t *testing.T) {
	var handled atomic.Int32
	release := make(chan struct{})
	w := newQueueWorker("test", nil, func(int) {
		<-release
		handled.Add(1)
	})

	w.appendToQueue(1, 2, 3)
	done := make(chan struct{})
	go func() {
		w.quitThread()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("quitThread returned before the queue drained")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("quitThread did not return")
	}
	assert.Equal(t, int32(3), handled.Load())

	// after quit, work runs on the caller
	w.appendToQueue(4)
	assert.Equal(t, int32(4), handled.Load())
	w.quitThread()
}

func TestQueueWorker_RecoversPanics(t *testing.T) {
	var handled atomic.Int32
	w := newQueueWorker("test", nil, func(n int) {
		if n == 2 {
			panic("boom")
		}
		handled.Add(1)
	})
	defer w.quitThread()

	w.appendToQueue(1, 2, 3)
	w.wait()
	assert.Equal(t, int32(2), handled.Load())
}

func TestDeleter(t *testing.T) {
	var callbacks atomic.Int32
	d := NewDeleter(nil, func(Entry) { callbacks.Add(1) })

	entries := []Entry{
		newTestEntry(testKey{hash: 1}, 1),
		newTestEntry(testKey{hash: 2}, 1),
	}
	d.AppendToQueue(entries)
	d.Wait()

	for _, e := range entries {
		assert.Equal(t, int32(1), e.(*testEntry).destroyed.Load())
	}
	assert.Equal(t, int32(2), callbacks.Load())
	d.QuitThread()
	d.QuitThread()
}

func TestCleaner(t *testing.T) {
	var mu sync.Mutex
	var purged []string
	c := NewCleaner(nil, func(id string) {
		mu.Lock()
		purged = append(purged, id)
		mu.Unlock()
	})

	c.AppendToQueue("a")
	c.AppendToQueue("b")
	c.Wait()
	c.QuitThread()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, purged, 2)
	assert.Equal(t, []string{"a", "b"}, purged)
}
