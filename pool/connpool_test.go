// File: pool/connpool_test.go
// Author: momentics <momentics@gmail.com>

package pool

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-http/api"
	"github.com/momentics/hioload-http/fake"
	"github.com/momentics/hioload-http/protocol"
)

var (
	originA = api.Origin{Scheme: "http", Host: "a.test", Port: 80}
	originB = api.Origin{Scheme: "http", Host: "b.test", Port: 80}
)

// newServedDialer manufactures streams preloaded with n identical
// 200/Content-Length:2 responses each, enough for n exchanges per
// connection.
func newServedDialer(n int) *fake.Dialer {
	d := fake.NewDialer()
	d.SetFactory(func(api.Origin) *fake.Stream {
		st := fake.NewStream()
		for i := 0; i < n; i++ {
			st.QueueRead([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
		}
		return st
	})
	return d
}

// exchange runs one request over conn and drains the body, leaving the
// connection idle.
func exchange(t *testing.T, conn *protocol.Conn, origin api.Origin) {
	t.Helper()
	req := &api.Request{Method: "GET", Origin: origin, Target: "/"}
	resp, err := conn.Send(req)
	require.NoError(t, err)
	_, err = api.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, protocol.StateIdle, conn.State())
}

func TestAcquireReleaseReuse(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPerOrigin = 1
	p := NewConnPool(newServedDialer(3), cfg)
	defer p.Close()

	conn, err := p.Acquire(originA, time.Second)
	require.NoError(t, err)
	exchange(t, conn, originA)
	p.Release(conn)

	again, err := p.Acquire(originA, time.Second)
	require.NoError(t, err)
	assert.Equal(t, conn.ID(), again.ID())
	exchange(t, again, originA)
	assert.Equal(t, int64(2), again.Metrics().RequestCount)
	p.Release(again)

	m := p.Metrics()
	assert.Equal(t, int64(1), m.Created)
	assert.Equal(t, int64(1), m.Reused)
	assert.Equal(t, 1, m.IdleConnections)
}

func TestMostRecentlyIdleFirst(t *testing.T) {
	cfg := DefaultConfig()
	p := NewConnPool(newServedDialer(3), cfg)
	defer p.Close()

	first, err := p.Acquire(originA, time.Second)
	require.NoError(t, err)
	second, err := p.Acquire(originA, time.Second)
	require.NoError(t, err)
	exchange(t, first, originA)
	exchange(t, second, originA)

	p.Release(first)
	p.Release(second) // most recently idle

	got, err := p.Acquire(originA, time.Second)
	require.NoError(t, err)
	assert.Equal(t, second.ID(), got.ID())
}

func TestPerOriginCeiling(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPerOrigin = 1
	p := NewConnPool(newServedDialer(1), cfg)
	defer p.Close()

	held, err := p.Acquire(originA, time.Second)
	require.NoError(t, err)

	_, err = p.Acquire(originA, 30*time.Millisecond)
	assert.ErrorIs(t, err, api.ErrPoolExhausted)

	// Another origin is unaffected by A's ceiling.
	other, err := p.Acquire(originB, time.Second)
	require.NoError(t, err)
	p.Release(other)
	p.Release(held)
}

func TestGlobalCeiling(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConnections = 1
	cfg.MaxPerOrigin = 1
	p := NewConnPool(newServedDialer(1), cfg)
	defer p.Close()

	held, err := p.Acquire(originA, time.Second)
	require.NoError(t, err)

	_, err = p.Acquire(originB, 30*time.Millisecond)
	assert.ErrorIs(t, err, api.ErrPoolExhausted)
	p.Release(held)
}

func TestWaiterReceivesReleasedConn(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPerOrigin = 1
	p := NewConnPool(newServedDialer(3), cfg)
	defer p.Close()

	held, err := p.Acquire(originA, time.Second)
	require.NoError(t, err)
	exchange(t, held, originA)

	type result struct {
		conn *protocol.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		c, aerr := p.Acquire(originA, 2*time.Second)
		done <- result{c, aerr}
	}()

	// Give the acquirer time to queue, then hand the connection back.
	time.Sleep(20 * time.Millisecond)
	p.Release(held)

	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, held.ID(), r.conn.ID())
	p.Release(r.conn)
}

func TestAcquireReleaseContention(t *testing.T) {
	// Many acquirers funnel through one slot. A release landing in the
	// window between an acquirer ruling out capacity and parking as a
	// waiter must still reach that acquirer, not strand it until timeout.
	cfg := DefaultConfig()
	cfg.MaxConnections = 1
	cfg.MaxPerOrigin = 1
	cfg.Conn.MaxRequests = 1000
	p := NewConnPool(newServedDialer(400), cfg)
	defer p.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				c, err := p.Acquire(originA, 5*time.Second)
				if err != nil {
					errs <- err
					return
				}
				resp, err := c.Send(&api.Request{Method: "GET", Origin: originA, Target: "/"})
				if err == nil {
					_, err = api.ReadAll(resp.Body)
				}
				p.Release(c)
				if err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	m := p.Metrics()
	assert.Equal(t, 1, m.TotalConnections)
	assert.Equal(t, 0, m.WaitingAcquirers)
}

func TestTimedOutAcquirerDoesNotLeakCapacity(t *testing.T) {
	// Short-timeout acquirers race releases into the same slot. When a
	// release and a timeout collide, exactly one side wins the handoff:
	// either the acquirer gets the connection or the connection goes back
	// idle. Neither the slot nor the connection may be stranded.
	cfg := DefaultConfig()
	cfg.MaxConnections = 1
	cfg.MaxPerOrigin = 1
	cfg.Conn.MaxRequests = 10000
	cfg.Conn.ReadTimeout = 2 * time.Second
	cfg.Conn.WriteTimeout = 2 * time.Second
	p := NewConnPool(newServedDialer(2000), cfg)
	defer p.Close()

	held, err := p.Acquire(originA, time.Second)
	require.NoError(t, err)
	exchange(t, held, originA)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				c, aerr := p.Acquire(originA, time.Millisecond)
				if aerr != nil {
					continue
				}
				resp, serr := c.Send(&api.Request{Method: "GET", Origin: originA, Target: "/"})
				if serr == nil {
					_, _ = api.ReadAll(resp.Body)
				}
				p.Release(c)
			}
		}()
	}

	for i := 0; i < 25; i++ {
		p.Release(held)
		held, err = p.Acquire(originA, time.Second)
		require.NoError(t, err)
		exchange(t, held, originA)
	}
	close(stop)
	wg.Wait()
	p.Release(held)

	// Every handoff resolved: the one slot is still usable.
	final, err := p.Acquire(originA, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Metrics().TotalConnections)
	p.Release(final)
}

func TestDeadReleaseFreesSlotForWaiter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPerOrigin = 1
	p := NewConnPool(newServedDialer(1), cfg)
	defer p.Close()

	held, err := p.Acquire(originA, time.Second)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		c, aerr := p.Acquire(originA, 2*time.Second)
		if c != nil {
			p.Release(c)
		}
		done <- aerr
	}()

	time.Sleep(20 * time.Millisecond)
	held.Close() // retire without an exchange
	p.Release(held)

	require.NoError(t, <-done)
	m := p.Metrics()
	assert.GreaterOrEqual(t, m.Created, int64(2))
}

func TestExpiredIdleSkippedOnAcquire(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Conn.KeepAliveTimeout = 10 * time.Millisecond
	p := NewConnPool(newServedDialer(1), cfg)
	defer p.Close()

	conn, err := p.Acquire(originA, time.Second)
	require.NoError(t, err)
	exchange(t, conn, originA)
	p.Release(conn)

	time.Sleep(25 * time.Millisecond)

	fresh, err := p.Acquire(originA, time.Second)
	require.NoError(t, err)
	assert.NotEqual(t, conn.ID(), fresh.ID())
	assert.Equal(t, protocol.StateClosed, conn.State())
	p.Release(fresh)
}

func TestSweepEvictsExpired(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Conn.KeepAliveTimeout = 10 * time.Millisecond
	p := NewConnPool(newServedDialer(1), cfg)
	defer p.Close()

	conn, err := p.Acquire(originA, time.Second)
	require.NoError(t, err)
	exchange(t, conn, originA)
	p.Release(conn)
	require.Equal(t, 1, p.Metrics().IdleConnections)

	time.Sleep(25 * time.Millisecond)
	p.Sweep()

	m := p.Metrics()
	assert.Equal(t, 0, m.IdleConnections)
	assert.Equal(t, 0, m.TotalConnections)
	assert.Equal(t, protocol.StateClosed, conn.State())
}

func TestDialFailurePropagates(t *testing.T) {
	d := fake.NewDialer()
	d.SetError(api.ErrConnectFailed)
	p := NewConnPool(d, DefaultConfig())
	defer p.Close()

	_, err := p.Acquire(originA, time.Second)
	assert.ErrorIs(t, err, api.ErrConnectFailed)

	// The reserved slot was returned on failure.
	assert.Equal(t, 0, p.Metrics().TotalConnections)
}

func TestCloseFailsAcquirers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPerOrigin = 1
	p := NewConnPool(newServedDialer(1), cfg)

	held, err := p.Acquire(originA, time.Second)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, aerr := p.Acquire(originA, 2*time.Second)
		done <- aerr
	}()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, p.Close())
	assert.ErrorIs(t, <-done, api.ErrPoolClosed)

	_, err = p.Acquire(originA, 30*time.Millisecond)
	assert.ErrorIs(t, err, api.ErrPoolClosed)

	p.Release(held) // post-close release just closes the connection
	assert.Equal(t, protocol.StateClosed, held.State())
	require.NoError(t, p.Close())
}

func TestCloseEvictsIdle(t *testing.T) {
	p := NewConnPool(newServedDialer(1), DefaultConfig())

	conn, err := p.Acquire(originA, time.Second)
	require.NoError(t, err)
	exchange(t, conn, originA)
	p.Release(conn)

	require.NoError(t, p.Close())
	assert.Equal(t, protocol.StateClosed, conn.State())
}
