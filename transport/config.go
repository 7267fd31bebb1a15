// File: transport/config.go
// Author: momentics <momentics@gmail.com>

package transport

import (
	"crypto/tls"
	"time"
)

// DialerConfig holds connection establishment parameters.
type DialerConfig struct {
	ConnectTimeout time.Duration // used when the caller passes a zero deadline
	TLSConfig      *tls.Config   // optional base config, cloned per upgrade
	ALPNProtocols  []string      // protocols offered when the origin needs TLS
}

// DefaultDialerConfig returns sensible defaults.
func DefaultDialerConfig() DialerConfig {
	return DialerConfig{
		ConnectTimeout: 30 * time.Second,
		ALPNProtocols:  []string{"http/1.1"},
	}
}
