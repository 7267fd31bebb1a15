// File: pool/bytepool.go
// Author: momentics <momentics@gmail.com>

package pool

import (
	"sync"

	"github.com/momentics/hioload-http/api"
)

// BytePool recycles fixed-size read buffers through sync.Pool. Requests
// larger than the class size fall through to plain allocation.
type BytePool struct {
	size int
	pool sync.Pool
}

var _ api.BytePool = (*BytePool)(nil)

// NewBytePool creates a pool of size-byte buffers.
func NewBytePool(size int) *BytePool {
	bp := &BytePool{size: size}
	bp.pool.New = func() any {
		return make([]byte, size)
	}
	return bp
}

// Acquire returns a buffer of at least n bytes.
func (b *BytePool) Acquire(n int) []byte {
	if n > b.size {
		return make([]byte, n)
	}
	return b.pool.Get().([]byte)
}

// Release returns a buffer to the pool. Foreign-sized buffers are left to
// the garbage collector.
func (b *BytePool) Release(buf []byte) {
	if cap(buf) != b.size {
		return
	}
	b.pool.Put(buf[:b.size])
}
