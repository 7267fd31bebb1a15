// File: api/pool.go
// Author: momentics <momentics@gmail.com>
//
// Abstract pooling API: reusable byte buffers for the read paths.

package api

// BytePool provides reusable []byte buffers for all high-intensity
// operations.
type BytePool interface {
	// Acquire returns a slice of at least n bytes.
	Acquire(n int) []byte

	// Release returns a buffer to the pool.
	Release(buf []byte)
}
