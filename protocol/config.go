// File: protocol/config.go
// Author: momentics <momentics@gmail.com>

package protocol

import (
	"time"

	"go.uber.org/zap"

	"github.com/momentics/hioload-http/api"
)

// Config holds per-connection parameters.
type Config struct {
	ReadTimeout      time.Duration // per read suspension inside Send
	WriteTimeout     time.Duration // per write suspension inside Send
	KeepAliveTimeout time.Duration // idle age after which the connection expires
	MaxRequests      int64         // exchanges before the connection is retired
	ReadBufferSize   int           // size of the inbound read buffer
	Buffers          api.BytePool  // optional buffer pool for the read buffer
	Logger           *zap.Logger
}

// DefaultConfig mirrors the defaults of the connection pool.
func DefaultConfig() Config {
	return Config{
		ReadTimeout:      30 * time.Second,
		WriteTimeout:     30 * time.Second,
		KeepAliveTimeout: 300 * time.Second,
		MaxRequests:      100,
		ReadBufferSize:   64 * 1024,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ReadTimeout == 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.KeepAliveTimeout == 0 {
		c.KeepAliveTimeout = def.KeepAliveTimeout
	}
	if c.MaxRequests == 0 {
		c.MaxRequests = def.MaxRequests
	}
	if c.ReadBufferSize == 0 {
		c.ReadBufferSize = def.ReadBufferSize
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}
