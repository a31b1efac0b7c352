// Package optimize holds allocation helpers for the per-frame paths.
package optimize

import (
	"bytes"
	"sync"
)

// BufferPool recycles bytes.Buffers. Buffers that grew past maxSize are
// dropped instead of pinning the memory.
type BufferPool struct {
	pool    sync.Pool
	maxSize int
}

// NewBufferPool creates a pool whose fresh buffers start with initial bytes
// of capacity.
func NewBufferPool(initial, maxSize int) *BufferPool {
	return &BufferPool{
		maxSize: maxSize,
		pool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, initial))
			},
		},
	}
}

// Get returns an empty buffer
func (p *BufferPool) Get() *bytes.Buffer {
	return p.pool.Get().(*bytes.Buffer)
}

// Put resets b and returns it to the pool
func (p *BufferPool) Put(b *bytes.Buffer) {
	if b == nil || (p.maxSize > 0 && b.Cap() > p.maxSize) {
		return
	}
	b.Reset()
	p.pool.Put(b)
}
