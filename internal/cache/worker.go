package cache

import (
	"fmt"
	"sync"

	"github.com/objectfs/tilecache/pkg/utils"
)

// queueWorker is a single-consumer FIFO served by one lazily started
// goroutine. Panics in handle are logged and swallowed.
type queueWorker[T any] struct {
	name   string
	logger *utils.StructuredLogger
	handle func(T)

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []T
	pending int // queued plus in flight
	started bool
	quit    bool
	done    chan struct{}
}

func newQueueWorker[T any](name string, logger *utils.StructuredLogger, handle func(T)) *queueWorker[T] {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	w := &queueWorker[T]{
		name:   name,
		logger: logger.WithComponent(name),
		handle: handle,
		done:   make(chan struct{}),
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// appendToQueue enqueues items, starting the goroutine on first use. After
// quit the items are handled on the calling goroutine.
func (w *queueWorker[T]) appendToQueue(items ...T) {
	if len(items) == 0 {
		return
	}

	w.mu.Lock()
	if w.quit {
		w.mu.Unlock()
		for _, item := range items {
			w.safeHandle(item)
		}
		return
	}
	w.queue = append(w.queue, items...)
	w.pending += len(items)
	if !w.started {
		w.started = true
		go w.run()
	} else {
		w.cond.Broadcast()
	}
	w.mu.Unlock()
}

func (w *queueWorker[T]) run() {
	defer close(w.done)

	for {
		w.mu.Lock()
		for len(w.queue) == 0 && !w.quit {
			w.cond.Wait()
		}
		if len(w.queue) == 0 {
			w.mu.Unlock()
			return
		}
		item := w.queue[0]
		var zero T
		w.queue[0] = zero
		w.queue = w.queue[1:]
		w.mu.Unlock()

		w.safeHandle(item)

		w.mu.Lock()
		w.pending--
		w.cond.Broadcast()
		w.mu.Unlock()
	}
}

func (w *queueWorker[T]) safeHandle(item T) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Worker task panicked", map[string]interface{}{
				"panic": fmt.Sprint(r),
			})
		}
	}()
	w.handle(item)
}

// wait blocks until every queued item has been handled
func (w *queueWorker[T]) wait() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.pending > 0 {
		w.cond.Wait()
	}
}

// quitThread drains the queue, stops the goroutine and waits for it to exit
func (w *queueWorker[T]) quitThread() {
	w.mu.Lock()
	if w.quit {
		w.mu.Unlock()
		return
	}
	w.quit = true
	started := w.started
	w.cond.Broadcast()
	w.mu.Unlock()

	if started {
		<-w.done
	}
	w.logger.Debug("Worker stopped", nil)
}

// Deleter destroys entries off the goroutines that evicted them
type Deleter struct {
	worker *queueWorker[Entry]
}

// NewDeleter creates a deleter. onDestroyed, if set, runs after each entry
// is destroyed.
func NewDeleter(logger *utils.StructuredLogger, onDestroyed func(Entry)) *Deleter {
	return &Deleter{
		worker: newQueueWorker("deleter", logger, func(e Entry) {
			e.Destroy()
			if onDestroyed != nil {
				onDestroyed(e)
			}
		}),
	}
}

// AppendToQueue schedules entries for destruction
func (d *Deleter) AppendToQueue(entries []Entry) {
	d.worker.appendToQueue(entries...)
}

// Wait blocks until the queue is empty
func (d *Deleter) Wait() {
	d.worker.wait()
}

// QuitThread destroys what is queued and stops the worker
func (d *Deleter) QuitThread() {
	d.worker.quitThread()
}

// Cleaner removes every entry of a plugin in the background
type Cleaner struct {
	worker *queueWorker[string]
}

// NewCleaner creates a cleaner that calls purge for each requested plugin
func NewCleaner(logger *utils.StructuredLogger, purge func(pluginID string)) *Cleaner {
	return &Cleaner{
		worker: newQueueWorker("cleaner", logger, purge),
	}
}

// AppendToQueue schedules a purge of pluginID
func (c *Cleaner) AppendToQueue(pluginID string) {
	c.worker.appendToQueue(pluginID)
}

// Wait blocks until every queued purge has run
func (c *Cleaner) Wait() {
	c.worker.wait()
}

// QuitThread runs what is queued and stops the worker
func (c *Cleaner) QuitThread() {
	c.worker.quitThread()
}
