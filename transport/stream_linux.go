//go:build linux
// +build linux

// File: transport/stream_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Stream wraps one non-blocking socket descriptor. Read and Write suspend
// at would-block until the reactor delivers readiness; deadlines and Close
// both interrupt a pending suspension.

package transport

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-http/api"
	"github.com/momentics/hioload-http/reactor"
)

// Stream is a reactor-backed non-blocking socket stream. It satisfies
// net.Conn so crypto/tls can wrap it directly.
type Stream struct {
	fd int
	re *reactor.Reactor

	closeOnce sync.Once
	closedCh  chan struct{}

	mu        sync.Mutex
	closed    bool
	rdeadline time.Time
	wdeadline time.Time
	local     net.Addr
	remote    net.Addr

	log *zap.Logger
}

var _ api.Stream = (*Stream)(nil)

// newStream takes ownership of fd. The descriptor must already be in
// non-blocking mode.
func newStream(fd int, re *reactor.Reactor, log *zap.Logger) *Stream {
	if log == nil {
		log = zap.NewNop()
	}
	return &Stream{
		fd:       fd,
		re:       re,
		closedCh: make(chan struct{}),
		log:      log,
	}
}

// refreshAddrs caches peer and local addresses once the socket is
// connected.
func (s *Stream) refreshAddrs() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sa, err := unix.Getsockname(s.fd); err == nil {
		s.local = tcpAddrFromSockaddr(sa)
	}
	if sa, err := unix.Getpeername(s.fd); err == nil {
		s.remote = tcpAddrFromSockaddr(sa)
	}
}

// Read fills p with available bytes, suspending until the descriptor is
// readable. A clean peer shutdown yields (0, io.EOF).
func (s *Stream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		if s.isClosed() {
			return 0, api.ErrStreamClosed
		}
		n, err := unix.Read(s.fd, p)
		switch {
		case err == nil && n > 0:
			return n, nil
		case err == nil:
			return 0, io.EOF
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			if werr := s.suspend(reactor.InterestRead); werr != nil {
				return 0, werr
			}
		default:
			s.teardown()
			return 0, fmt.Errorf("read fd %d: %w", s.fd, err)
		}
	}
}

// Write sends all of p, suspending at would-block until the kernel buffer
// drains. Callers never observe a partial write without an error.
func (s *Stream) Write(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		if s.isClosed() {
			return total, api.ErrStreamClosed
		}
		n, err := unix.Write(s.fd, p[total:])
		switch {
		case err == nil:
			total += n
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			if werr := s.suspend(reactor.InterestWrite); werr != nil {
				return total, werr
			}
		default:
			s.teardown()
			return total, fmt.Errorf("write fd %d: %w", s.fd, err)
		}
	}
	return total, nil
}

// suspend registers a one-shot waiter for interest and blocks until
// readiness, deadline expiry, or Close. An expired or cancelled waiter is
// unregistered synchronously so no registration outlives its operation.
func (s *Stream) suspend(interest reactor.Interest) error {
	w := reactor.NewWaiter()
	if err := s.re.Register(s.fd, interest, w); err != nil {
		return err
	}

	var timeoutErr error
	var timerC <-chan time.Time
	deadline := s.deadlineFor(interest)
	if interest == reactor.InterestRead {
		timeoutErr = api.ErrReadTimeout
	} else {
		timeoutErr = api.ErrWriteTimeout
	}
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			_ = s.re.Unregister(s.fd, interest)
			return timeoutErr
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		timerC = timer.C
	}

	select {
	case err := <-w.Ready():
		if err != nil {
			if err == reactor.ErrDescriptorFault {
				// Fault conditions still leave readable data or a definite
				// syscall error behind; let the retry loop observe it.
				return nil
			}
			s.teardown()
			return err
		}
		return nil
	case <-timerC:
		_ = s.re.Unregister(s.fd, interest)
		return timeoutErr
	case <-s.closedCh:
		_ = s.re.Unregister(s.fd, interest)
		return api.ErrStreamClosed
	}
}

func (s *Stream) deadlineFor(interest reactor.Interest) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if interest == reactor.InterestRead {
		return s.rdeadline
	}
	return s.wdeadline
}

func (s *Stream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// teardown marks the stream closed after a hard I/O failure and releases
// the descriptor. Pending suspensions observe closedCh.
func (s *Stream) teardown() {
	_ = s.Close()
}

// Close is idempotent: it unregisters both interests, fails any in-flight
// operation with api.ErrStreamClosed and releases the descriptor exactly
// once.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.closedCh)
		_ = s.re.Unregister(s.fd, reactor.InterestRead)
		_ = s.re.Unregister(s.fd, reactor.InterestWrite)
		if err := unix.Close(s.fd); err != nil {
			s.log.Warn("stream: descriptor close failed", zap.Int("fd", s.fd), zap.Error(err))
		}
	})
	return nil
}

// LocalAddr returns the cached local address.
func (s *Stream) LocalAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

// RemoteAddr returns the cached peer address.
func (s *Stream) RemoteAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// SetDeadline applies t to both read and write suspensions.
func (s *Stream) SetDeadline(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rdeadline = t
	s.wdeadline = t
	return nil
}

// SetReadDeadline applies t to read suspensions.
func (s *Stream) SetReadDeadline(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rdeadline = t
	return nil
}

// SetWriteDeadline applies t to write suspensions.
func (s *Stream) SetWriteDeadline(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wdeadline = t
	return nil
}

// NegotiatedProtocol is empty for plaintext streams.
func (s *Stream) NegotiatedProtocol() string { return "" }

// tcpAddrFromSockaddr converts a kernel sockaddr into a net.TCPAddr.
func tcpAddrFromSockaddr(sa unix.Sockaddr) net.Addr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}
	default:
		return nil
	}
}
