package persist

import (
	"sync"
	"time"
)

// Batcher collects items and flushes them in batches by size or time
// threshold. Only one flush runs at a time — flushMu serializes them so
// CallEvent rows reach the store in the order they were buffered, even
// across retries.
type Batcher[T any] struct {
	mu       sync.Mutex
	items    []T
	maxSize  int
	interval time.Duration
	flushFn  func([]T)
	timer    *time.Timer
	stopped  bool

	flushMu sync.Mutex
	wg      sync.WaitGroup
}

// NewBatcher creates a batcher that calls flushFn when maxSize items
// accumulate or interval elapses since the first buffered item,
// whichever comes first.
func NewBatcher[T any](maxSize int, interval time.Duration, flushFn func([]T)) *Batcher[T] {
	return &Batcher[T]{
		maxSize:  maxSize,
		interval: interval,
		flushFn:  flushFn,
	}
}

// Add adds an item to the batch. May trigger a flush.
func (b *Batcher[T]) Add(item T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return
	}

	b.items = append(b.items, item)

	if len(b.items) >= b.maxSize {
		b.flushLocked()
		return
	}

	if len(b.items) == 1 {
		b.timer = time.AfterFunc(b.interval, func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if !b.stopped && len(b.items) > 0 {
				b.flushLocked()
			}
		})
	}
}

// Requeue prepends items back onto the pending buffer, for a flush that
// failed downstream. The order of a subsequent flush then matches the
// order the items were originally buffered in.
func (b *Batcher[T]) Requeue(items []T) {
	if len(items) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = append(items, b.items...)
	if b.timer == nil && !b.stopped {
		b.timer = time.AfterFunc(b.interval, func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if !b.stopped && len(b.items) > 0 {
				b.flushLocked()
			}
		})
	}
}

// Flush forces a flush of any pending items.
func (b *Batcher[T]) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) > 0 {
		b.flushLocked()
	}
}

// Stop flushes remaining items, waits for the in-flight flush, and
// prevents future adds. This is PersistBuffer's flush_pending: shutdown
// blocks here until the buffer drains.
func (b *Batcher[T]) Stop() {
	b.mu.Lock()
	b.stopped = true
	if b.timer != nil {
		b.timer.Stop()
	}
	if len(b.items) > 0 {
		b.flushLocked()
	}
	b.mu.Unlock()
	b.wg.Wait()
}

func (b *Batcher[T]) flushLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	items := b.items
	b.items = nil
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.flushMu.Lock()
		defer b.flushMu.Unlock()
		b.flushFn(items)
	}()
}
