// File: api/interfaces.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

import (
	"io"
	"net"
	"time"
)

// Stream abstracts one non-blocking byte stream over a socket. It satisfies
// net.Conn so that crypto/tls can wrap it directly; deadlines feed the
// suspension points inside Read and Write.
//
// Read returns io.EOF on clean peer shutdown. Write never returns a short
// count without an error. Close is idempotent and fails any in-flight
// operation with ErrStreamClosed.
type Stream interface {
	net.Conn

	// NegotiatedProtocol returns the ALPN identifier agreed during a TLS
	// handshake, or "" for plaintext streams.
	NegotiatedProtocol() string
}

// Dialer produces connected Streams for an origin, performing the TLS
// upgrade when the origin's scheme requires it.
type Dialer interface {
	Connect(origin Origin, deadline time.Time) (Stream, error)
}

// BodyStream is a lazy, forward-only, single-pass sequence of byte chunks.
// Next returns io.EOF after the final chunk. A fully consumed or closed
// stream fails further reads with ErrStreamClosed. Close before exhaustion
// discards the remainder; the owning connection is notified exactly once
// either way.
type BodyStream interface {
	Next() ([]byte, error)
	Close() error
}

// ReadAll drains a BodyStream into one contiguous byte slice.
func ReadAll(bs BodyStream) ([]byte, error) {
	var out []byte
	for {
		chunk, err := bs.Next()
		out = append(out, chunk...)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
	}
}
