package batch

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrFull is returned by Add when the pending buffer is at its limit.
var ErrFull = errors.New("batch buffer full")

// FlushFunc processes one batch. Items are not retried when it fails.
type FlushFunc[T any] func(ctx context.Context, items []T) error

// Batcher collects items from many goroutines and hands them to a FlushFunc
// in batches, either every interval or as soon as size items are pending.
type Batcher[T any] struct {
	size     int
	limit    int
	interval time.Duration
	flush    FlushFunc[T]
	onError  func(err error, lost int)

	mu      sync.Mutex
	pending []T
	kick    chan struct{}
}

// NewBatcher creates a batcher. limit caps pending items (0 means no cap);
// Run must be running for anything to be flushed.
func NewBatcher[T any](size, limit int, interval time.Duration, flush FlushFunc[T]) *Batcher[T] {
	if size <= 0 {
		size = 1
	}
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &Batcher[T]{
		size:     size,
		limit:    limit,
		interval: interval,
		flush:    flush,
		pending:  make([]T, 0, size),
		kick:     make(chan struct{}, 1),
	}
}

// OnError is called with the flush error and the number of items lost.
func (b *Batcher[T]) OnError(fn func(err error, lost int)) {
	b.onError = fn
}

// Add queues an item. It never blocks.
func (b *Batcher[T]) Add(item T) error {
	b.mu.Lock()
	if b.limit > 0 && len(b.pending) >= b.limit {
		b.mu.Unlock()
		return ErrFull
	}
	b.pending = append(b.pending, item)
	shouldFlush := len(b.pending) >= b.size
	b.mu.Unlock()

	if shouldFlush {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

// Flush immediately processes all pending items
func (b *Batcher[T]) Flush(ctx context.Context) error {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return nil
	}
	items := make([]T, len(b.pending))
	copy(items, b.pending)
	b.pending = b.pending[:0]
	b.mu.Unlock()

	if err := b.flush(ctx, items); err != nil {
		if b.onError != nil {
			b.onError(err, len(items))
		}
		return err
	}
	return nil
}

// Run flushes periodically until ctx is done, then once more with a short
// grace period.
func (b *Batcher[T]) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = b.Flush(ctx)
		case <-b.kick:
			_ = b.Flush(ctx)
		case <-ctx.Done():
			finalCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = b.Flush(finalCtx)
			cancel()
			return nil
		}
	}
}

// Pending returns the number of pending items
func (b *Batcher[T]) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
