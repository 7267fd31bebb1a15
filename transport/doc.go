// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package transport provides the non-blocking byte-stream abstraction over
// raw sockets and the dialer that produces them: TCP connection
// establishment driven by reactor write-readiness, plus optional TLS
// upgrade with ALPN negotiation.
package transport
