// Package fake
// Author: momentics <momentics@gmail.com>
//
// Fake implementations for testing and development.
// Provides predictable, controllable behavior for the transport interfaces.

package fake

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/momentics/hioload-http/api"
)

// step is one scripted inbound event: a chunk, an error, or EOF.
type step struct {
	data []byte
	err  error
}

// Stream is a scripted api.Stream for testing. Reads serve queued chunks
// in order; writes are recorded. An empty script blocks Read until more
// data arrives or the stream closes.
type Stream struct {
	mu       sync.Mutex
	script   []step
	written  []byte
	closed   bool
	dataCh   chan struct{}
	alpn     string
	writeErr error
}

var _ api.Stream = (*Stream)(nil)

// NewStream creates an empty scripted stream.
func NewStream() *Stream {
	return &Stream{dataCh: make(chan struct{}, 1)}
}

// QueueRead appends a chunk that subsequent Read calls will serve.
func (s *Stream) QueueRead(data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)
	s.mu.Lock()
	s.script = append(s.script, step{data: cp})
	s.mu.Unlock()
	s.wake()
}

// QueueEOF scripts a clean peer shutdown after the queued chunks.
func (s *Stream) QueueEOF() {
	s.mu.Lock()
	s.script = append(s.script, step{err: io.EOF})
	s.mu.Unlock()
	s.wake()
}

// QueueError scripts a read error after the queued chunks.
func (s *Stream) QueueError(err error) {
	s.mu.Lock()
	s.script = append(s.script, step{err: err})
	s.mu.Unlock()
	s.wake()
}

// SetWriteError makes every subsequent Write fail with err.
func (s *Stream) SetWriteError(err error) {
	s.mu.Lock()
	s.writeErr = err
	s.mu.Unlock()
}

// SetNegotiatedProtocol sets the value NegotiatedProtocol reports.
func (s *Stream) SetNegotiatedProtocol(proto string) {
	s.mu.Lock()
	s.alpn = proto
	s.mu.Unlock()
}

// Written returns everything written to the stream so far.
func (s *Stream) Written() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.written))
	copy(out, s.written)
	return out
}

// Closed reports whether Close was called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Stream) wake() {
	select {
	case s.dataCh <- struct{}{}:
	default:
	}
}

// Read serves the next scripted chunk, splitting it when p is smaller.
func (s *Stream) Read(p []byte) (int, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return 0, api.ErrStreamClosed
		}
		if len(s.script) > 0 {
			st := s.script[0]
			if st.err != nil {
				s.script = s.script[1:]
				s.mu.Unlock()
				return 0, st.err
			}
			n := copy(p, st.data)
			if n == len(st.data) {
				s.script = s.script[1:]
			} else {
				s.script[0].data = st.data[n:]
			}
			s.mu.Unlock()
			return n, nil
		}
		s.mu.Unlock()

		select {
		case <-s.dataCh:
		case <-time.After(time.Second):
			return 0, api.ErrReadTimeout
		}
	}
}

// Write records p, honoring a configured write error.
func (s *Stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, api.ErrStreamClosed
	}
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	s.written = append(s.written, p...)
	return len(p), nil
}

// Close marks the stream closed; idempotent.
func (s *Stream) Close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
	}
	s.mu.Unlock()
	s.wake()
	return nil
}

// NegotiatedProtocol returns the configured ALPN identifier.
func (s *Stream) NegotiatedProtocol() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alpn
}

func (s *Stream) LocalAddr() net.Addr  { return fakeAddr("fake-local") }
func (s *Stream) RemoteAddr() net.Addr { return fakeAddr("fake-remote") }

func (s *Stream) SetDeadline(time.Time) error      { return nil }
func (s *Stream) SetReadDeadline(time.Time) error  { return nil }
func (s *Stream) SetWriteDeadline(time.Time) error { return nil }

type fakeAddr string

func (a fakeAddr) Network() string { return "tcp" }
func (a fakeAddr) String() string  { return string(a) }
