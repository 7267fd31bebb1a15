// File: client/client.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Client is the high-level facade: reactor, dialer and connection pool
// assembled behind a Do/Get surface. Connections are borrowed from the
// pool per request and handed back automatically once the response body
// finishes, so callers only ever touch Request and Response.

package client

import (
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/momentics/hioload-http/api"
	"github.com/momentics/hioload-http/pool"
	"github.com/momentics/hioload-http/protocol"
	"github.com/momentics/hioload-http/reactor"
	"github.com/momentics/hioload-http/transport"
)

// Config holds the facade parameters. Zero values fall back to the
// library defaults.
type Config struct {
	Dialer transport.DialerConfig
	Pool   pool.Config
	Logger *zap.Logger
}

// DefaultConfig returns the stock facade configuration.
func DefaultConfig() Config {
	return Config{
		Dialer: transport.DefaultDialerConfig(),
		Pool:   pool.DefaultConfig(),
	}
}

// Client is a pooled HTTP/1.1 client over the non-blocking transport.
// Protocol upgrades are not supported through the facade; use
// protocol.Conn and Detach directly for that.
type Client struct {
	re   *reactor.Reactor
	pool *pool.ConnPool
	log  *zap.Logger
}

// New assembles a client: one reactor, one dialer, one pool. The reactor
// event loop and the pool sweeper start immediately.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	re, err := reactor.New(cfg.Logger)
	if err != nil {
		return nil, err
	}
	re.Start()

	cfg.Pool.Logger = cfg.Logger
	if cfg.Pool.Conn.Logger == nil {
		cfg.Pool.Conn.Logger = cfg.Logger
	}
	dialer := transport.NewDialer(re, cfg.Dialer, cfg.Logger)
	p := pool.NewConnPool(dialer, cfg.Pool)
	p.Start()

	return &Client{re: re, pool: p, log: cfg.Logger}, nil
}

// NewWithDialer assembles a client over a caller-provided dialer, leaving
// reactor ownership to the caller. Used in tests and embeddings.
func NewWithDialer(dialer api.Dialer, cfg pool.Config) *Client {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	p := pool.NewConnPool(dialer, cfg)
	p.Start()
	return &Client{pool: p, log: log}
}

// Do performs one request. The connection behind the response returns to
// the pool as soon as the body is drained or closed; an abandoned or
// failed body retires it instead.
func (c *Client) Do(req *api.Request) (*api.Response, error) {
	conn, err := c.pool.Acquire(req.Origin, 0)
	if err != nil {
		return nil, err
	}

	resp, err := conn.Send(req)
	if err != nil {
		c.pool.Release(conn)
		return nil, err
	}

	// The response body signals the connection exactly once; piggyback the
	// pool release on that same signal.
	resp.Body = &releasingBody{inner: resp.Body, pool: c.pool, conn: conn}
	return resp, nil
}

// Get performs a GET against an absolute URL and returns the response.
func (c *Client) Get(url string) (*api.Response, error) {
	req, err := api.NewRequest("GET", url, nil, nil, 0)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// Post performs a POST with the given body bytes.
func (c *Client) Post(url, contentType string, body []byte) (*api.Response, error) {
	headers := api.Headers{}
	if contentType != "" {
		headers = headers.With("Content-Type", contentType)
	}
	req, err := api.NewRequest("POST", url, headers,
		protocol.NewBytesBody(body), int64(len(body)))
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// PoolMetrics returns the connection pool snapshot.
func (c *Client) PoolMetrics() pool.Metrics {
	return c.pool.Metrics()
}

// Close drains the pool and stops the reactor. Idempotent.
func (c *Client) Close() error {
	err := c.pool.Close()
	if c.re != nil {
		if cerr := c.re.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// releasingBody forwards to the response body and releases the borrowed
// connection exactly once, after the body has delivered its completion.
type releasingBody struct {
	inner api.BodyStream
	pool  *pool.ConnPool
	conn  *protocol.Conn
	once  sync.Once
}

var _ api.BodyStream = (*releasingBody)(nil)

func (b *releasingBody) Next() ([]byte, error) {
	chunk, err := b.inner.Next()
	if err != nil && err != io.EOF {
		b.release()
		return chunk, err
	}
	if err == io.EOF {
		b.release()
	}
	return chunk, err
}

func (b *releasingBody) Close() error {
	err := b.inner.Close()
	b.release()
	return err
}

// release may race between a final Next and a concurrent Close; the Once
// keeps the pool handback single-shot.
func (b *releasingBody) release() {
	b.once.Do(func() {
		b.pool.Release(b.conn)
	})
}

// WaitIdle is a test helper that polls until the pool holds n idle
// connections or the timeout elapses.
func (c *Client) WaitIdle(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.pool.Metrics().IdleConnections >= n {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}
