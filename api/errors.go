// Package api
// Author: momentics <momentics@gmail.com>
//
// Common error types and error handling utilities for hioload-http library.
//
// Callers classify failures with errors.Is against the sentinels below.
// Network failure, protocol failure, timeout and resource exhaustion are
// always distinguishable; the library never returns a generic failure.

package api

import "fmt"

// Connection establishment errors.
var (
	ErrConnectTimeout  = fmt.Errorf("connect timed out")
	ErrConnectFailed   = fmt.Errorf("connect failed")
	ErrHandshakeFailed = fmt.Errorf("tls handshake failed")
)

// Stream and protocol errors.
var (
	ErrReadTimeout     = fmt.Errorf("read timed out")
	ErrWriteTimeout    = fmt.Errorf("write timed out")
	ErrStreamClosed    = fmt.Errorf("stream is closed")
	ErrProtocolFraming = fmt.Errorf("malformed HTTP/1.1 framing")
)

// Connection, pool and reactor errors.
var (
	ErrConnBusy           = fmt.Errorf("connection already has a request in flight")
	ErrConnClosed         = fmt.Errorf("connection is closed")
	ErrConnReuseRejected  = fmt.Errorf("pooled connection no longer usable")
	ErrPoolExhausted      = fmt.Errorf("connection pool exhausted")
	ErrPoolClosed         = fmt.Errorf("connection pool is closed")
	ErrReactorClosed      = fmt.Errorf("reactor is closed")
	ErrWaiterAlreadySet   = fmt.Errorf("waiter already registered for descriptor interest")
	ErrUpgradeUnavailable = fmt.Errorf("connection has no upgraded stream to detach")
)
