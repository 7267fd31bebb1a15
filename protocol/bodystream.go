// File: protocol/bodystream.go
// Author: momentics <momentics@gmail.com>
//
// Lazy single-pass body streams. ResponseStream pulls decoded chunks from
// the owning connection and notifies it exactly once on exhaustion, error
// or abandonment; that notification is what moves the connection to IDLE
// or CLOSED. Request-side streams adapt bytes, chunk lists and pull
// functions to the same contract.

package protocol

import (
	"fmt"
	"io"
	"sync"

	"github.com/momentics/hioload-http/api"
)

var errBodyAbandoned = fmt.Errorf("response body abandoned before end of message")

// ResponseStream is the inbound body of one response. Forward-only,
// single-pass, not restartable.
type ResponseStream struct {
	conn     *Conn
	declared int64 // from Content-Length, -1 when absent

	mu        sync.Mutex
	bytesRead int64
	exhausted bool
	closed    bool
	notified  bool
}

var _ api.BodyStream = (*ResponseStream)(nil)

func newResponseStream(conn *Conn, declared int64) *ResponseStream {
	return &ResponseStream{conn: conn, declared: declared}
}

// Next returns the following body chunk, io.EOF at end-of-message, and
// api.ErrStreamClosed once the stream was consumed or closed. Exceeding a
// declared Content-Length is a protocol error and retires the connection.
func (r *ResponseStream) Next() ([]byte, error) {
	r.mu.Lock()
	if r.closed || r.exhausted {
		r.mu.Unlock()
		return nil, api.ErrStreamClosed
	}
	r.mu.Unlock()

	chunk, err := r.conn.receiveBodyChunk()
	if err != nil {
		r.finish(err)
		return nil, err
	}
	if chunk == nil {
		r.mu.Lock()
		r.exhausted = true
		r.mu.Unlock()
		r.finish(nil)
		return nil, io.EOF
	}

	r.mu.Lock()
	r.bytesRead += int64(len(chunk))
	over := r.declared >= 0 && r.bytesRead > r.declared
	r.mu.Unlock()
	if over {
		ferr := fmt.Errorf("%w: body exceeds declared length %d", api.ErrProtocolFraming, r.declared)
		r.finish(ferr)
		return nil, ferr
	}
	return chunk, nil
}

// Close discards the stream. An abandoned, partially-read body forces the
// owning connection to CLOSED; a fully drained one has already notified.
// Idempotent.
func (r *ResponseStream) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()
	r.finish(errBodyAbandoned)
	return nil
}

// BytesRead reports how many body bytes were consumed so far.
func (r *ResponseStream) BytesRead() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bytesRead
}

// DeclaredLength returns the Content-Length value, or -1 when absent.
func (r *ResponseStream) DeclaredLength() int64 { return r.declared }

// finish delivers the exactly-once completion notification.
func (r *ResponseStream) finish(failure error) {
	r.mu.Lock()
	if r.notified {
		r.mu.Unlock()
		return
	}
	r.notified = true
	r.mu.Unlock()
	r.conn.responseComplete(failure)
}

// chunksBody iterates a fixed list of chunks. Used for both byte-slice
// and chunk-list request bodies.
type chunksBody struct {
	mu     sync.Mutex
	chunks [][]byte
	idx    int
	closed bool
}

var _ api.BodyStream = (*chunksBody)(nil)

// NewBytesBody wraps a byte slice as a one-chunk request body.
func NewBytesBody(b []byte) api.BodyStream {
	if len(b) == 0 {
		return &chunksBody{}
	}
	return &chunksBody{chunks: [][]byte{b}}
}

// NewChunksBody wraps a list of byte chunks as a request body.
func NewChunksBody(chunks [][]byte) api.BodyStream {
	kept := make([][]byte, 0, len(chunks))
	for _, c := range chunks {
		if len(c) > 0 {
			kept = append(kept, c)
		}
	}
	return &chunksBody{chunks: kept}
}

// BodyLength sums a chunk list, for callers filling Request.ContentLength.
func BodyLength(chunks [][]byte) int64 {
	var n int64
	for _, c := range chunks {
		n += int64(len(c))
	}
	return n
}

func (b *chunksBody) Next() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, api.ErrStreamClosed
	}
	if b.idx >= len(b.chunks) {
		b.closed = true // single pass: the next call fails
		return nil, io.EOF
	}
	chunk := b.chunks[b.idx]
	b.idx++
	return chunk, nil
}

func (b *chunksBody) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// funcBody adapts a pull function to a request body; the producer returns
// io.EOF when done. Used for streaming uploads of unknown length.
type funcBody struct {
	mu     sync.Mutex
	next   func() ([]byte, error)
	closed bool
}

var _ api.BodyStream = (*funcBody)(nil)

// NewFuncBody wraps a pull function as a request body.
func NewFuncBody(next func() ([]byte, error)) api.BodyStream {
	return &funcBody{next: next}
}

func (b *funcBody) Next() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, api.ErrStreamClosed
	}
	chunk, err := b.next()
	if err == io.EOF {
		b.closed = true
	}
	return chunk, err
}

func (b *funcBody) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
