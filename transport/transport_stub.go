//go:build !linux
// +build !linux

// File: transport/transport_stub.go
// Author: momentics <momentics@gmail.com>
//
// Stubs for unsupported platforms; the dialer requires the Linux reactor.

package transport

import (
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/momentics/hioload-http/api"
	"github.com/momentics/hioload-http/reactor"
)

var errUnsupported = fmt.Errorf("transport: platform not supported, linux epoll required")

// Stream is unavailable on this platform.
type Stream struct{}

func (s *Stream) Read([]byte) (int, error)        { return 0, errUnsupported }
func (s *Stream) Write([]byte) (int, error)       { return 0, errUnsupported }
func (s *Stream) Close() error                    { return nil }
func (s *Stream) LocalAddr() net.Addr             { return nil }
func (s *Stream) RemoteAddr() net.Addr            { return nil }
func (s *Stream) SetDeadline(time.Time) error     { return errUnsupported }
func (s *Stream) SetReadDeadline(time.Time) error { return errUnsupported }
func (s *Stream) SetWriteDeadline(time.Time) error {
	return errUnsupported
}
func (s *Stream) NegotiatedProtocol() string { return "" }

// Dialer is unavailable on this platform.
type Dialer struct{}

func NewDialer(_ *reactor.Reactor, _ DialerConfig, _ *zap.Logger) *Dialer { return &Dialer{} }

func (d *Dialer) Connect(api.Origin, time.Time) (api.Stream, error) {
	return nil, errUnsupported
}

func (d *Dialer) ConnectTCP(string, int, time.Time) (*Stream, error) {
	return nil, errUnsupported
}

func (d *Dialer) UpgradeTLS(api.Stream, string, []string, time.Time) (api.Stream, error) {
	return nil, errUnsupported
}
