// Package common holds small utilities shared across the rudp packages.
package common

import "github.com/colega/zeropool"

// MaxBufferSize is the capacity of every pooled buffer. It matches the
// largest datagram the transport will ever frame (64 KiB - 1).
const MaxBufferSize = 65535

// BufferPool hands out max-datagram byte buffers without per-rent
// allocations. Buffers returned by Get have len == MaxBufferSize; GetSize
// re-slices a pooled buffer to the requested length. Oversized buffers are
// allocated directly and never pooled back.
type BufferPool struct {
	pool zeropool.Pool[[]byte]
}

// NewBufferPool creates an empty pool.
func NewBufferPool() *BufferPool {
	return &BufferPool{
		pool: zeropool.New(func() []byte {
			return make([]byte, MaxBufferSize)
		}),
	}
}

// Get rents a buffer of length MaxBufferSize.
func (p *BufferPool) Get() []byte {
	return p.pool.Get()
}

// GetSize rents a buffer re-sliced to length n. If n exceeds
// MaxBufferSize the buffer is heap-allocated and will not return to the
// pool on Put.
func (p *BufferPool) GetSize(n int) []byte {
	if n > MaxBufferSize {
		return make([]byte, n)
	}
	return p.pool.Get()[:n]
}

// Put returns a rented buffer to the pool. Buffers that did not come from
// the pool are dropped.
func (p *BufferPool) Put(buf []byte) {
	if cap(buf) != MaxBufferSize {
		return
	}
	p.pool.Put(buf[:MaxBufferSize])
}
