// File: transport/tls.go
// Author: momentics <momentics@gmail.com>
//
// TLS-wrapped stream produced by Dialer.UpgradeTLS. Carries the ALPN
// verdict so callers can select HTTP/1.1 versus future protocol handling.

package transport

import (
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/momentics/hioload-http/api"
)

// tlsStream layers a TLS session over a raw non-blocking stream.
type tlsStream struct {
	tc         *tls.Conn
	raw        api.Stream
	negotiated string
	closeOnce  sync.Once
}

var _ api.Stream = (*tlsStream)(nil)

func newTLSStream(tc *tls.Conn, raw api.Stream, negotiated string) *tlsStream {
	return &tlsStream{tc: tc, raw: raw, negotiated: negotiated}
}

func (t *tlsStream) Read(p []byte) (int, error)  { return t.tc.Read(p) }
func (t *tlsStream) Write(p []byte) (int, error) { return t.tc.Write(p) }

// Close sends the TLS close alert and releases the underlying descriptor.
// Idempotent like the raw stream's Close.
func (t *tlsStream) Close() error {
	t.closeOnce.Do(func() {
		// Bound the close-notify write so shutdown cannot hang on a dead
		// peer.
		_ = t.tc.SetWriteDeadline(time.Now().Add(time.Second))
		_ = t.tc.Close()
		_ = t.raw.Close()
	})
	return nil
}

func (t *tlsStream) LocalAddr() net.Addr                 { return t.raw.LocalAddr() }
func (t *tlsStream) RemoteAddr() net.Addr                { return t.raw.RemoteAddr() }
func (t *tlsStream) SetDeadline(tm time.Time) error      { return t.tc.SetDeadline(tm) }
func (t *tlsStream) SetReadDeadline(tm time.Time) error  { return t.tc.SetReadDeadline(tm) }
func (t *tlsStream) SetWriteDeadline(tm time.Time) error { return t.tc.SetWriteDeadline(tm) }
func (t *tlsStream) NegotiatedProtocol() string          { return t.negotiated }
