// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package protocol binds one non-blocking stream to an HTTP/1.1 wire
// codec: it serializes one request/response exchange at a time, tracks
// the NEW/ACTIVE/IDLE/CLOSED lifecycle, enforces read and write timeouts
// on every suspension, and exposes response bodies as lazy single-pass
// streams whose completion drives keep-alive reuse.
package protocol
