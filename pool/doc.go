// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package pool manages the origin-keyed HTTP/1.1 connection pool: idle
// connection reuse, per-origin and global ceilings, FIFO acquirer
// queueing, periodic expiry sweeps, plus the byte-buffer pool backing the
// connection read paths.
package pool
