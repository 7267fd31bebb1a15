// File: pool/connpool.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// ConnPool multiplexes many logical requests over a bounded set of
// reusable HTTP/1.1 connections. All pool-state mutation (idle sets,
// counts, waiter queues) happens under one mutex; acquire and release
// never interleave partially.

package pool

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"go.uber.org/zap"

	"github.com/momentics/hioload-http/api"
	"github.com/momentics/hioload-http/control"
	"github.com/momentics/hioload-http/protocol"
)

// Config holds pool-level parameters.
type Config struct {
	MaxConnections  int           // global ceiling, idle plus active
	MaxPerOrigin    int           // per-origin ceiling, idle plus active
	ConnectTimeout  time.Duration // budget for dialing a new connection
	AcquireTimeout  time.Duration // default Acquire budget when caller passes zero
	SweepInterval   time.Duration // period of the background expiry sweep
	AcquireAttempts int           // bounded internal retries on reuse rejection
	Conn            protocol.Config
	Metrics         *control.MetricsRegistry
	Logger          *zap.Logger
}

// DefaultConfig mirrors the library defaults.
func DefaultConfig() Config {
	return Config{
		MaxConnections:  10,
		MaxPerOrigin:    5,
		ConnectTimeout:  30 * time.Second,
		AcquireTimeout:  30 * time.Second,
		SweepInterval:   60 * time.Second,
		AcquireAttempts: 3,
		Conn:            protocol.DefaultConfig(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxConnections <= 0 {
		c.MaxConnections = def.MaxConnections
	}
	if c.MaxPerOrigin <= 0 {
		c.MaxPerOrigin = def.MaxPerOrigin
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = def.AcquireTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.AcquireAttempts <= 0 {
		c.AcquireAttempts = def.AcquireAttempts
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// acquireWaiter is one queued acquirer. A non-nil delivery is an idle
// connection for the waiter's origin; nil means capacity freed, retry.
// The done flag is a one-shot claim: exactly one of delivery or timeout
// wins it, so a handed-over connection can never be stranded.
type acquireWaiter struct {
	ch   chan *protocol.Conn
	done atomic.Bool
}

// deliver hands payload to the waiter. False means the waiter already
// timed out and the payload stays with the caller. The channel is
// 1-buffered and the claim is exclusive, so the send never blocks.
func (w *acquireWaiter) deliver(conn *protocol.Conn) bool {
	if !w.done.CompareAndSwap(false, true) {
		return false
	}
	w.ch <- conn
	return true
}

// ConnPool is an origin-keyed pool of protocol connections.
type ConnPool struct {
	dialer api.Dialer
	cfg    Config
	log    *zap.Logger

	mu      sync.Mutex
	idle    map[api.Origin][]*protocol.Conn // most-recently-idle at the tail
	counts  map[api.Origin]int              // idle plus active per origin
	total   int
	waiters map[api.Origin]*queue.Queue
	closed  bool

	sweepStop chan struct{}
	sweepDone chan struct{}

	createdTotal atomic.Int64
	closedTotal  atomic.Int64
	reusedTotal  atomic.Int64
}

// NewConnPool creates a pool over the given dialer. Call Start to launch
// the background sweep.
func NewConnPool(dialer api.Dialer, cfg Config) *ConnPool {
	cfg = cfg.withDefaults()
	return &ConnPool{
		dialer:  dialer,
		cfg:     cfg,
		log:     cfg.Logger,
		idle:    make(map[api.Origin][]*protocol.Conn),
		counts:  make(map[api.Origin]int),
		waiters: make(map[api.Origin]*queue.Queue),
	}
}

// Acquire returns a connection for origin: an unexpired idle one when
// available (most-recently-idle first), a fresh one while the per-origin
// and global ceilings allow, otherwise it queues FIFO until a release or
// the timeout. A picked-up connection that turned out dead is retried
// internally up to the configured attempt bound.
func (p *ConnPool) Acquire(origin api.Origin, timeout time.Duration) (*protocol.Conn, error) {
	if timeout <= 0 {
		timeout = p.cfg.AcquireTimeout
	}
	deadline := time.Now().Add(timeout)
	rejections := 0

	for {
		w := &acquireWaiter{ch: make(chan *protocol.Conn, 1)}
		conn, created, queued, err := p.tryAcquire(origin, w)
		if err != nil {
			return nil, err
		}

		var got *protocol.Conn
		switch {
		case queued:
			var delivered bool
			if remaining := time.Until(deadline); remaining > 0 {
				timer := time.NewTimer(remaining)
				select {
				case got = <-w.ch:
					timer.Stop()
					delivered = true
				case <-timer.C:
				}
			}
			if !delivered {
				if w.done.CompareAndSwap(false, true) {
					return nil, api.ErrPoolExhausted
				}
				// A delivery claimed the waiter before the timeout did;
				// the handoff is already in flight, take it.
				got = <-w.ch
			}
			if got == nil {
				continue // capacity freed, retry acquisition
			}
		case created:
			return conn, nil
		default:
			got = conn
		}

		if got.State() == protocol.StateIdle && !got.Expired(time.Now()) {
			p.reusedTotal.Add(1)
			return got, nil
		}
		// Selected connection died between selection and handoff.
		p.discard(got)
		rejections++
		if rejections >= p.cfg.AcquireAttempts {
			return nil, api.ErrConnReuseRejected
		}
	}
}

// tryAcquire performs one locked acquisition pass. It returns a reused
// idle connection, or dials a new one after reserving a slot, or — with
// queued set — enqueues w inside the same critical section that ruled
// out idle reuse and capacity, so a concurrent release cannot slip
// between the check and the enqueue.
func (p *ConnPool) tryAcquire(origin api.Origin, w *acquireWaiter) (conn *protocol.Conn, created, queued bool, err error) {
	now := time.Now()
	var expired []*protocol.Conn

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, false, false, api.ErrPoolClosed
	}

	// Most-recently-idle first, dropping expired entries on the way.
	stack := p.idle[origin]
	for len(stack) > 0 {
		candidate := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if candidate.Expired(now) || candidate.State() != protocol.StateIdle {
			p.dropLocked(origin, candidate)
			expired = append(expired, candidate)
			continue
		}
		p.idle[origin] = stack
		p.mu.Unlock()
		p.closeAll(expired)
		return candidate, false, false, nil
	}
	p.idle[origin] = stack

	if p.counts[origin] < p.cfg.MaxPerOrigin && p.total < p.cfg.MaxConnections {
		// Reserve the slot before dialing so ceilings hold while the
		// connect is in flight.
		p.counts[origin]++
		p.total++
		p.mu.Unlock()
		p.closeAll(expired)

		stream, derr := p.dialer.Connect(origin, time.Now().Add(p.cfg.ConnectTimeout))
		if derr != nil {
			p.mu.Lock()
			p.releaseSlotLocked(origin)
			p.wakeAnyLocked()
			p.mu.Unlock()
			return nil, false, false, derr
		}

		c := protocol.New(origin, stream, p.cfg.Conn)
		p.createdTotal.Add(1)
		p.updateMetrics()
		p.log.Debug("pool: connection created",
			zap.String("origin", origin.String()), zap.String("conn", c.ID()))
		return c, true, false, nil
	}

	// Both ceilings reached: queue behind earlier acquirers before the
	// lock drops.
	q, ok := p.waiters[origin]
	if !ok {
		q = queue.New()
		p.waiters[origin] = q
	}
	q.Add(w)
	p.mu.Unlock()
	p.closeAll(expired)
	return nil, false, true, nil
}

// Release returns a connection to the pool. Idle connections go back to
// the origin's idle set or straight to the longest-waiting acquirer;
// dead ones free their slot and wake a queued acquirer somewhere.
func (p *ConnPool) Release(conn *protocol.Conn) {
	origin := conn.Origin()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = conn.Close()
		return
	}

	if conn.State() == protocol.StateIdle && !conn.Expired(time.Now()) {
		for {
			w := p.dequeueOriginLocked(origin)
			if w == nil {
				break
			}
			if w.deliver(conn) {
				p.mu.Unlock()
				return
			}
			// Waiter timed out after dequeue; try the next one.
		}
		p.idle[origin] = append(p.idle[origin], conn)
		p.mu.Unlock()
		return
	}

	p.dropLocked(origin, conn)
	p.wakeAnyLocked()
	p.mu.Unlock()

	_ = conn.Close()
	p.updateMetrics()
}

// discard removes a connection that failed post-selection validation.
func (p *ConnPool) discard(conn *protocol.Conn) {
	p.mu.Lock()
	p.dropLocked(conn.Origin(), conn)
	p.wakeAnyLocked()
	p.mu.Unlock()
	_ = conn.Close()
}

// wakeAnyLocked hands freed capacity to one live queued acquirer.
func (p *ConnPool) wakeAnyLocked() {
	for {
		w := p.dequeueAnyLocked()
		if w == nil {
			return
		}
		if w.deliver(nil) {
			return
		}
	}
}

// dropLocked frees the accounting slot for conn.
func (p *ConnPool) dropLocked(origin api.Origin, conn *protocol.Conn) {
	// The connection may still sit in the idle stack when dropped by
	// Release or the sweep; remove it so it cannot be handed out again.
	stack := p.idle[origin]
	for i, c := range stack {
		if c == conn {
			p.idle[origin] = append(stack[:i], stack[i+1:]...)
			break
		}
	}
	p.releaseSlotLocked(origin)
	p.closedTotal.Add(1)
}

func (p *ConnPool) releaseSlotLocked(origin api.Origin) {
	if p.counts[origin] > 0 {
		p.counts[origin]--
	}
	if p.counts[origin] == 0 {
		delete(p.counts, origin)
	}
	if p.total > 0 {
		p.total--
	}
}

// dequeueOriginLocked pops the longest-waiting live acquirer for origin.
func (p *ConnPool) dequeueOriginLocked(origin api.Origin) *acquireWaiter {
	q, ok := p.waiters[origin]
	if !ok {
		return nil
	}
	for q.Length() > 0 {
		w := q.Remove().(*acquireWaiter)
		if w.done.Load() {
			continue
		}
		return w
	}
	delete(p.waiters, origin)
	return nil
}

// dequeueAnyLocked pops a live acquirer for any origin that still has
// per-origin headroom; used when global capacity frees up.
func (p *ConnPool) dequeueAnyLocked() *acquireWaiter {
	for origin, q := range p.waiters {
		if p.counts[origin] >= p.cfg.MaxPerOrigin {
			continue
		}
		for q.Length() > 0 {
			w := q.Remove().(*acquireWaiter)
			if w.done.Load() {
				continue
			}
			return w
		}
		delete(p.waiters, origin)
	}
	return nil
}

// Sweep evicts and closes idle connections that outlived the keep-alive
// timeout. It runs periodically once Start was called and may also be
// invoked directly.
func (p *ConnPool) Sweep() {
	now := time.Now()
	var evicted []*protocol.Conn

	p.mu.Lock()
	for origin, stack := range p.idle {
		kept := stack[:0]
		for _, c := range stack {
			if c.Expired(now) {
				p.releaseSlotLocked(origin)
				p.closedTotal.Add(1)
				evicted = append(evicted, c)
				continue
			}
			kept = append(kept, c)
		}
		if len(kept) == 0 {
			delete(p.idle, origin)
		} else {
			p.idle[origin] = kept
		}
	}
	p.mu.Unlock()

	p.closeAll(evicted)
	if len(evicted) > 0 {
		p.updateMetrics()
		p.log.Debug("pool: swept expired connections", zap.Int("count", len(evicted)))
	}
}

// Start launches the periodic sweep, independent of request traffic.
func (p *ConnPool) Start() {
	p.mu.Lock()
	if p.closed || p.sweepStop != nil {
		p.mu.Unlock()
		return
	}
	p.sweepStop = make(chan struct{})
	p.sweepDone = make(chan struct{})
	stop, done := p.sweepStop, p.sweepDone
	p.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(p.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.Sweep()
			case <-stop:
				return
			}
		}
	}()
}

// Close drains the pool: stops the sweeper, fails queued acquirers with
// api.ErrPoolClosed and closes every idle connection. Idempotent.
func (p *ConnPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	stop, done := p.sweepStop, p.sweepDone
	p.sweepStop, p.sweepDone = nil, nil

	var toClose []*protocol.Conn
	for origin, stack := range p.idle {
		toClose = append(toClose, stack...)
		delete(p.idle, origin)
	}
	var pending []*acquireWaiter
	for origin, q := range p.waiters {
		for q.Length() > 0 {
			w := q.Remove().(*acquireWaiter)
			if !w.done.Load() {
				pending = append(pending, w)
			}
		}
		delete(p.waiters, origin)
	}
	p.counts = make(map[api.Origin]int)
	p.total = 0
	p.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	for _, c := range toClose {
		p.closedTotal.Add(1)
		_ = c.Close()
	}
	for _, w := range pending {
		w.deliver(nil) // the retry loop observes the closed pool
	}
	p.log.Debug("pool: closed", zap.Int("evicted", len(toClose)))
	return nil
}

func (p *ConnPool) closeAll(conns []*protocol.Conn) {
	for _, c := range conns {
		_ = c.Close()
	}
}

// Metrics is a point-in-time snapshot of pool state.
type Metrics struct {
	TotalConnections int
	PerOrigin        map[string]int
	IdleConnections  int
	WaitingAcquirers int
	Created          int64
	Closed           int64
	Reused           int64
}

// Metrics returns the current snapshot.
func (p *ConnPool) Metrics() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := Metrics{
		TotalConnections: p.total,
		PerOrigin:        make(map[string]int, len(p.counts)),
		Created:          p.createdTotal.Load(),
		Closed:           p.closedTotal.Load(),
		Reused:           p.reusedTotal.Load(),
	}
	for origin, n := range p.counts {
		m.PerOrigin[origin.String()] = n
	}
	for _, stack := range p.idle {
		m.IdleConnections += len(stack)
	}
	for _, q := range p.waiters {
		m.WaitingAcquirers += q.Length()
	}
	return m
}

// updateMetrics mirrors headline counters into the shared registry.
func (p *ConnPool) updateMetrics() {
	if p.cfg.Metrics == nil {
		return
	}
	p.mu.Lock()
	total := p.total
	p.mu.Unlock()
	p.cfg.Metrics.Set("pool.connections.total", int64(total))
	p.cfg.Metrics.Set("pool.connections.created", p.createdTotal.Load())
	p.cfg.Metrics.Set("pool.connections.closed", p.closedTotal.Load())
	p.cfg.Metrics.Set("pool.connections.reused", p.reusedTotal.Load())
}
