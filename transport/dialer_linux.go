//go:build linux
// +build linux

// File: transport/dialer_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Dialer opens non-blocking TCP connections: initiate connect(2), suspend
// on write-readiness, then check SO_ERROR for the final verdict.

package transport

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-http/api"
	"github.com/momentics/hioload-http/reactor"
)

// Dialer produces reactor-backed Streams for origins.
type Dialer struct {
	re  *reactor.Reactor
	cfg DialerConfig
	log *zap.Logger
}

var _ api.Dialer = (*Dialer)(nil)

// NewDialer creates a Dialer bound to one reactor instance.
func NewDialer(re *reactor.Reactor, cfg DialerConfig, log *zap.Logger) *Dialer {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultDialerConfig().ConnectTimeout
	}
	return &Dialer{re: re, cfg: cfg, log: log}
}

// Connect dials the origin and performs the TLS upgrade when its scheme
// requires one. Satisfies api.Dialer for the connection pool.
func (d *Dialer) Connect(origin api.Origin, deadline time.Time) (api.Stream, error) {
	st, err := d.ConnectTCP(origin.Host, origin.Port, deadline)
	if err != nil {
		return nil, err
	}
	if !origin.TLS() {
		return st, nil
	}
	upgraded, err := d.UpgradeTLS(st, origin.Host, d.cfg.ALPNProtocols, deadline)
	if err != nil {
		return nil, err
	}
	return upgraded, nil
}

// ConnectTCP establishes a TCP connection without ever blocking the
// calling goroutine in the kernel: connect(2) on a non-blocking socket,
// suspend on write-readiness, then read SO_ERROR.
func (d *Dialer) ConnectTCP(host string, port int, deadline time.Time) (*Stream, error) {
	if deadline.IsZero() {
		deadline = time.Now().Add(d.cfg.ConnectTimeout)
	}
	ip, err := resolveHost(host)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %s: %v", api.ErrConnectFailed, host, err)
	}

	sa, family := sockaddrFor(ip, port)
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("%w: socket create: %v", api.ErrConnectFailed, err)
	}
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)

	st := newStream(fd, d.re, d.log)
	if err := unix.Connect(fd, sa); err != nil && err != unix.EINPROGRESS {
		_ = st.Close()
		return nil, fmt.Errorf("%w: connect %s:%d: %v", api.ErrConnectFailed, host, port, err)
	}

	_ = st.SetWriteDeadline(deadline)
	if err := st.suspend(reactor.InterestWrite); err != nil {
		_ = st.Close()
		if err == api.ErrWriteTimeout {
			return nil, fmt.Errorf("%w: %s:%d", api.ErrConnectTimeout, host, port)
		}
		return nil, fmt.Errorf("%w: %s:%d: %v", api.ErrConnectFailed, host, port, err)
	}
	_ = st.SetWriteDeadline(time.Time{})

	soerr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("%w: so_error query: %v", api.ErrConnectFailed, err)
	}
	if soerr != 0 {
		_ = st.Close()
		return nil, fmt.Errorf("%w: %s:%d: %v", api.ErrConnectFailed, host, port, unix.Errno(soerr))
	}

	st.refreshAddrs()
	d.log.Debug("transport: connected",
		zap.String("host", host), zap.Int("port", port),
		zap.Int("fd", fd))
	return st, nil
}

// UpgradeTLS wraps stream in a client-side TLS session for host, offering
// alpn. Handshake suspensions interleave read- and write-readiness through
// the stream's own deadline machinery. Failure closes the raw stream and
// is reported distinctly from connect failures.
func (d *Dialer) UpgradeTLS(stream api.Stream, host string, alpn []string, deadline time.Time) (api.Stream, error) {
	cfg := d.cfg.TLSConfig.Clone()
	if cfg == nil {
		cfg = &tls.Config{}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	if len(alpn) > 0 {
		cfg.NextProtos = alpn
	}

	if deadline.IsZero() {
		deadline = time.Now().Add(d.cfg.ConnectTimeout)
	}
	_ = stream.SetDeadline(deadline)
	tc := tls.Client(stream, cfg)
	if err := tc.Handshake(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("%w: %s: %v", api.ErrHandshakeFailed, host, err)
	}
	_ = stream.SetDeadline(time.Time{})

	negotiated := tc.ConnectionState().NegotiatedProtocol
	d.log.Debug("transport: tls established",
		zap.String("host", host), zap.String("alpn", negotiated))
	return newTLSStream(tc, stream, negotiated), nil
}

// resolveHost prefers a literal IP and otherwise takes the first resolved
// address, IPv4 first.
func resolveHost(host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, err
	}
	for _, ip := range ips {
		if ip.To4() != nil {
			return ip, nil
		}
	}
	if len(ips) > 0 {
		return ips[0], nil
	}
	return nil, fmt.Errorf("no addresses for %s", host)
}

func sockaddrFor(ip net.IP, port int) (unix.Sockaddr, int) {
	if v4 := ip.To4(); v4 != nil {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], v4)
		return sa, unix.AF_INET
	}
	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], ip.To16())
	return sa, unix.AF_INET6
}
