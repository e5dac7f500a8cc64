// Package pool holds reusable copy buffers shared by the archiver and extractor.
package pool

import (
	"sync"
)

// DefaultBufferSize is used when a non-positive size is requested.
const DefaultBufferSize = 256 * 1024

// BufferPool hands out fixed-size byte slices for io.CopyBuffer.
// It is safe for concurrent use.
type BufferPool struct {
	size int
	pool sync.Pool
}

// NewBufferPool returns a pool of buffers of exactly size bytes.
func NewBufferPool(size int) *BufferPool {
	if size <= 0 {
		size = DefaultBufferSize
	}
	bp := &BufferPool{size: size}
	bp.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return bp
}

// Size returns the length of every buffer handed out by Get.
func (bp *BufferPool) Size() int { return bp.size }

// Get returns a buffer of full length.
func (bp *BufferPool) Get() *[]byte {
	return bp.pool.Get().(*[]byte)
}

// Put returns a buffer to the pool. Buffers of a foreign capacity are dropped.
func (bp *BufferPool) Put(b *[]byte) {
	if b == nil || cap(*b) != bp.size {
		return
	}
	*b = (*b)[:bp.size]
	bp.pool.Put(b)
}
