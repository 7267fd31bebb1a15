// File: protocol/connection.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Conn is one reusable HTTP/1.1 channel over a non-blocking stream.
// Lifecycle: NEW -> ACTIVE -> IDLE -> ACTIVE -> ... -> CLOSED. A
// connection returns to IDLE only after its response body is fully
// drained and the peer permitted reuse; every error path is terminal.

package protocol

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/momentics/hioload-http/api"
	"github.com/momentics/hioload-http/internal/http1"
)

// State is the connection lifecycle stage.
type State int32

const (
	StateNew State = iota
	StateActive
	StateIdle
	StateClosed
)

// String returns the lifecycle stage name.
func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateActive:
		return "active"
	case StateIdle:
		return "idle"
	default:
		return "closed"
	}
}

// Conn manages a single HTTP/1.1 connection over an api.Stream.
type Conn struct {
	id     string
	origin api.Origin
	stream api.Stream
	codec  *http1.ClientCodec
	cfg    Config
	log    *zap.Logger

	readBuf   []byte
	closeOnce sync.Once

	mu          sync.Mutex
	state       State
	idleSince   time.Time
	upgraded    bool
	detachTaken bool

	requestCount  atomic.Int64
	bytesSent     atomic.Int64
	bytesReceived atomic.Int64
	errorCount    atomic.Int64
	latencyTotal  atomic.Int64 // nanoseconds
	lastRequestAt atomic.Int64 // unix nanoseconds
}

// New binds stream to a fresh HTTP/1.1 codec. The connection takes
// ownership of the stream.
func New(origin api.Origin, stream api.Stream, cfg Config) *Conn {
	cfg = cfg.withDefaults()
	var buf []byte
	if cfg.Buffers != nil {
		buf = cfg.Buffers.Acquire(cfg.ReadBufferSize)
	} else {
		buf = make([]byte, cfg.ReadBufferSize)
	}
	id := uuid.NewString()
	return &Conn{
		id:      id,
		origin:  origin,
		stream:  stream,
		codec:   http1.NewClientCodec(),
		cfg:     cfg,
		log:     cfg.Logger.With(zap.String("conn", id), zap.String("origin", origin.String())),
		readBuf: buf,
	}
}

// ID returns the connection identifier used in logs and metrics.
func (c *Conn) ID() string { return c.id }

// Origin returns the pool partition key this connection serves.
func (c *Conn) Origin() api.Origin { return c.origin }

// State returns the current lifecycle stage.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IdleSince reports when the connection last became idle.
func (c *Conn) IdleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.idleSince
}

// Expired reports whether an idle connection has outlived the keep-alive
// timeout at the given instant.
func (c *Conn) Expired(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle || c.cfg.KeepAliveTimeout <= 0 {
		return false
	}
	return now.Sub(c.idleSince) > c.cfg.KeepAliveTimeout
}

// Send performs one request/response exchange. It fails fast with
// api.ErrConnBusy when an exchange is already in flight and with
// api.ErrConnClosed on a retired connection. The returned response body
// must be drained or closed before the connection can be reused.
func (c *Conn) Send(req *api.Request) (*api.Response, error) {
	if err := c.activate(); err != nil {
		return nil, err
	}

	start := time.Now()
	c.requestCount.Add(1)
	c.lastRequestAt.Store(start.UnixNano())

	resp, err := c.roundTrip(req)
	if err != nil {
		c.errorCount.Add(1)
		c.log.Debug("exchange failed",
			zap.String("method", req.Method), zap.String("target", req.Target),
			zap.Duration("elapsed", time.Since(start)), zap.Error(err))
		c.Close()
		return nil, err
	}

	elapsed := time.Since(start)
	c.latencyTotal.Add(elapsed.Nanoseconds())
	c.log.Debug("response head received",
		zap.String("method", req.Method), zap.String("target", req.Target),
		zap.Int("status", resp.Status), zap.Duration("elapsed", elapsed))
	return resp, nil
}

func (c *Conn) activate() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateClosed:
		return api.ErrConnClosed
	case StateActive:
		return api.ErrConnBusy
	default:
		c.state = StateActive
		return nil
	}
}

func (c *Conn) roundTrip(req *api.Request) (*api.Response, error) {
	head, err := c.codec.EncodeRequestHead(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", api.ErrProtocolFraming, err)
	}
	if err := c.writeAll(head); err != nil {
		return nil, err
	}

	if req.Body != nil {
		for {
			chunk, berr := req.Body.Next()
			if len(chunk) > 0 {
				if err := c.writeAll(c.codec.EncodeData(chunk)); err != nil {
					return nil, err
				}
			}
			if berr == io.EOF {
				break
			}
			if berr != nil {
				return nil, fmt.Errorf("request body: %w", berr)
			}
		}
	}
	if err := c.writeAll(c.codec.EncodeEnd()); err != nil {
		return nil, err
	}

	for {
		ev, err := c.codec.Next()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", api.ErrProtocolFraming, err)
		}
		switch e := ev.(type) {
		case http1.NeedData:
			if err := c.fill(); err != nil {
				return nil, err
			}
		case *http1.ResponseHead:
			if e.Status == 101 {
				c.mu.Lock()
				c.upgraded = true
				c.mu.Unlock()
			}
			resp := &api.Response{
				Status:  e.Status,
				Reason:  e.Reason,
				Proto:   e.Proto,
				Headers: e.Headers,
				Body:    newResponseStream(c, c.codec.DeclaredLength()),
			}
			return resp, nil
		case http1.ConnectionClosed:
			return nil, fmt.Errorf("%w: connection closed before response head", api.ErrProtocolFraming)
		default:
			return nil, fmt.Errorf("%w: unexpected event %T before response head", api.ErrProtocolFraming, ev)
		}
	}
}

// writeAll pushes one serialized block through the stream under the write
// timeout. The stream retries partial writes internally.
func (c *Conn) writeAll(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if c.cfg.WriteTimeout > 0 {
		_ = c.stream.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	n, err := c.stream.Write(p)
	c.bytesSent.Add(int64(n))
	if err != nil {
		return err
	}
	return nil
}

// fill reads one block from the stream into the codec under the read
// timeout. Clean peer shutdown is recorded as end-of-stream in the codec
// rather than surfaced here.
func (c *Conn) fill() error {
	if c.cfg.ReadTimeout > 0 {
		_ = c.stream.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	}
	n, err := c.stream.Read(c.readBuf)
	if n > 0 {
		c.bytesReceived.Add(int64(n))
		c.codec.ReceiveData(c.readBuf[:n])
	}
	if err == io.EOF {
		c.codec.ReceiveData(nil)
		return nil
	}
	return err
}

// receiveBodyChunk pulls the next decoded body chunk; a nil chunk with nil
// error marks end-of-message.
func (c *Conn) receiveBodyChunk() ([]byte, error) {
	for {
		ev, err := c.codec.Next()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", api.ErrProtocolFraming, err)
		}
		switch e := ev.(type) {
		case http1.NeedData:
			if err := c.fill(); err != nil {
				return nil, err
			}
		case *http1.Data:
			return e.Chunk, nil
		case http1.EndOfMessage:
			return nil, nil
		case http1.ConnectionClosed:
			return nil, fmt.Errorf("%w: connection closed mid-body", api.ErrProtocolFraming)
		}
	}
}

// responseComplete is the exactly-once notification from the response
// body stream. failure nil means the body was fully drained.
func (c *Conn) responseComplete(failure error) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	if failure == nil && c.upgraded {
		// Stream ownership moves to the caller through Detach; the pool
		// must simply drop this connection.
		c.state = StateClosed
		c.mu.Unlock()
		return
	}
	if failure == nil && c.codec.Reusable() && c.requestCount.Load() < c.cfg.MaxRequests {
		if err := c.codec.StartNextCycle(); err == nil {
			c.state = StateIdle
			c.idleSince = time.Now()
			c.mu.Unlock()
			return
		}
	}
	c.mu.Unlock()
	c.Close()
}

// Detach hands the underlying raw stream to the caller after a 101-class
// response, permanently removing it from HTTP/1.1 framing. The connection
// is retired but the stream stays open. Bytes the peer sent behind the
// response head were already pulled into the parse buffer; the returned
// stream replays them before touching the socket so nothing is lost in
// the handoff.
func (c *Conn) Detach() (api.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.upgraded || c.detachTaken {
		return nil, api.ErrUpgradeUnavailable
	}
	c.detachTaken = true
	c.state = StateClosed
	residual := c.codec.TakeResidual()
	c.log.Debug("stream detached after protocol upgrade",
		zap.Int("residual_bytes", len(residual)))
	if len(residual) > 0 {
		return &detachedStream{Stream: c.stream, residual: residual}, nil
	}
	return c.stream, nil
}

// detachedStream serves the bytes buffered past the 101 response head
// before delegating to the raw stream.
type detachedStream struct {
	api.Stream

	mu       sync.Mutex
	residual []byte
}

func (d *detachedStream) Read(p []byte) (int, error) {
	d.mu.Lock()
	if len(d.residual) > 0 {
		n := copy(p, d.residual)
		d.residual = d.residual[n:]
		d.mu.Unlock()
		return n, nil
	}
	d.mu.Unlock()
	return d.Stream.Read(p)
}

// Close retires the connection and releases the stream exactly once.
// Idempotent; a detached stream is left to its new owner.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		detached := c.detachTaken
		c.state = StateClosed
		c.mu.Unlock()
		if !detached {
			_ = c.stream.Close()
		}
		if c.cfg.Buffers != nil {
			c.cfg.Buffers.Release(c.readBuf)
		}
		c.log.Debug("connection closed", zap.Int64("requests", c.requestCount.Load()))
	})
	return nil
}

// Metrics is a point-in-time snapshot of connection counters. Counters
// are monotonic for the lifetime of the connection.
type Metrics struct {
	ID             string
	Origin         string
	State          string
	RequestCount   int64
	BytesSent      int64
	BytesReceived  int64
	ErrorCount     int64
	TotalLatency   time.Duration
	AverageLatency time.Duration
	IdleSince      time.Time
	LastRequestAt  time.Time
}

// Metrics returns the current counter snapshot.
func (c *Conn) Metrics() Metrics {
	m := Metrics{
		ID:            c.id,
		Origin:        c.origin.String(),
		State:         c.State().String(),
		RequestCount:  c.requestCount.Load(),
		BytesSent:     c.bytesSent.Load(),
		BytesReceived: c.bytesReceived.Load(),
		ErrorCount:    c.errorCount.Load(),
		TotalLatency:  time.Duration(c.latencyTotal.Load()),
		IdleSince:     c.IdleSince(),
	}
	if m.RequestCount > 0 {
		m.AverageLatency = m.TotalLatency / time.Duration(m.RequestCount)
	}
	if ns := c.lastRequestAt.Load(); ns != 0 {
		m.LastRequestAt = time.Unix(0, ns)
	}
	return m
}
