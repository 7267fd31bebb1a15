//go:build linux
// +build linux

// File: reactor/reactor_linux_test.go
// Author: momentics <momentics@gmail.com>

package reactor

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-http/api"
)

// pair returns a connected non-blocking socketpair, closed on test end.
func pair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func newReactor(t *testing.T) *Reactor {
	t.Helper()
	r, err := New(nil)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func await(t *testing.T, w *Waiter) error {
	t.Helper()
	select {
	case err := <-w.Ready():
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never fired")
		return nil
	}
}

func TestWriteReadiness(t *testing.T) {
	r := newReactor(t)
	a, _ := pair(t)

	// A fresh socket has send buffer space, so write readiness is immediate.
	w := NewWaiter()
	require.NoError(t, r.Register(a, InterestWrite, w))
	require.Equal(t, 1, r.Registrations())

	require.NoError(t, r.RunOnce(time.Second))
	assert.NoError(t, await(t, w))
	assert.Equal(t, 0, r.Registrations(), "fired waiters leave the table")
}

func TestReadReadinessAfterPeerWrite(t *testing.T) {
	r := newReactor(t)
	a, b := pair(t)
	r.Start()

	w := NewWaiter()
	require.NoError(t, r.Register(a, InterestRead, w))

	_, err := unix.Write(b, []byte("ping"))
	require.NoError(t, err)

	assert.NoError(t, await(t, w))
	assert.Equal(t, 0, r.Registrations())

	buf := make([]byte, 16)
	n, err := unix.Read(a, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))
}

func TestDuplicateRegistrationFailsFast(t *testing.T) {
	r := newReactor(t)
	a, _ := pair(t)

	require.NoError(t, r.Register(a, InterestRead, NewWaiter()))
	err := r.Register(a, InterestRead, NewWaiter())
	assert.ErrorIs(t, err, api.ErrWaiterAlreadySet)

	// The other interest on the same fd is independent.
	require.NoError(t, r.Register(a, InterestWrite, NewWaiter()))
	assert.Equal(t, 2, r.Registrations())
}

func TestUnregisterIdempotent(t *testing.T) {
	r := newReactor(t)
	a, _ := pair(t)

	w := NewWaiter()
	require.NoError(t, r.Register(a, InterestRead, w))
	require.NoError(t, r.Unregister(a, InterestRead))
	assert.Equal(t, 0, r.Registrations())

	// Cancel paths call Unregister unconditionally.
	require.NoError(t, r.Unregister(a, InterestRead))
	require.NoError(t, r.Unregister(a, InterestWrite))
}

func TestBothInterestsFireIndependently(t *testing.T) {
	r := newReactor(t)
	a, b := pair(t)
	r.Start()

	rw, ww := NewWaiter(), NewWaiter()
	require.NoError(t, r.Register(a, InterestRead, rw))
	require.NoError(t, r.Register(a, InterestWrite, ww))

	// Write readiness is immediate; read needs peer data.
	assert.NoError(t, await(t, ww))

	_, err := unix.Write(b, []byte("x"))
	require.NoError(t, err)
	assert.NoError(t, await(t, rw))
	assert.Equal(t, 0, r.Registrations())
}

func TestPeerHangupDeliversFault(t *testing.T) {
	r := newReactor(t)
	a, b := pair(t)
	r.Start()

	w := NewWaiter()
	require.NoError(t, r.Register(a, InterestRead, w))

	require.NoError(t, unix.Close(b))
	err := await(t, w)
	// Hangup may surface as EPOLLHUP or as plain readability with EOF
	// behind it; both wake the waiter.
	if err != nil {
		assert.ErrorIs(t, err, ErrDescriptorFault)
	}
}

func TestCloseFailsPendingWaiters(t *testing.T) {
	r := newReactor(t)
	a, _ := pair(t)
	r.Start()

	w := NewWaiter()
	require.NoError(t, r.Register(a, InterestRead, w))

	require.NoError(t, r.Close())
	assert.ErrorIs(t, await(t, w), api.ErrReactorClosed)

	err := r.Register(a, InterestRead, NewWaiter())
	assert.ErrorIs(t, err, api.ErrReactorClosed)
}

func TestStopAndRestart(t *testing.T) {
	r := newReactor(t)
	a, b := pair(t)

	r.Start()
	r.Stop()
	r.Start()

	w := NewWaiter()
	require.NoError(t, r.Register(a, InterestRead, w))
	_, err := unix.Write(b, []byte("x"))
	require.NoError(t, err)
	assert.NoError(t, await(t, w))
}

// TestRegistrationInvariantRandomized interleaves register, readiness,
// cancellation and timeout paths across goroutines; whatever the order,
// no registration may outlive its operation.
func TestRegistrationInvariantRandomized(t *testing.T) {
	r := newReactor(t)
	r.Start()

	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(seed int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(seed)))
			fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
			if err != nil {
				t.Error(err)
				return
			}
			defer unix.Close(fds[0])
			defer unix.Close(fds[1])

			for iter := 0; iter < 50; iter++ {
				w := NewWaiter()
				if err := r.Register(fds[0], InterestRead, w); err != nil {
					t.Error(err)
					return
				}
				switch rng.Intn(3) {
				case 0: // readiness path
					unix.Write(fds[1], []byte{1})
					<-w.Ready()
					buf := make([]byte, 8)
					for {
						if _, rerr := unix.Read(fds[0], buf); rerr == unix.EAGAIN {
							break
						}
					}
				case 1: // cancel path
					r.Unregister(fds[0], InterestRead)
				case 2: // timeout path
					select {
					case <-w.Ready():
					case <-time.After(time.Duration(rng.Intn(3)) * time.Millisecond):
						r.Unregister(fds[0], InterestRead)
					}
				}
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, r.Registrations())
}

func TestManyConcurrentWaiters(t *testing.T) {
	r := newReactor(t)
	r.Start()

	const pairs = 16
	type endpoints struct{ a, b int }
	eps := make([]endpoints, pairs)
	waiters := make([]*Waiter, pairs)
	for i := 0; i < pairs; i++ {
		a, b := pair(t)
		eps[i] = endpoints{a, b}
		waiters[i] = NewWaiter()
		require.NoError(t, r.Register(a, InterestRead, waiters[i]))
	}

	for i := 0; i < pairs; i++ {
		_, err := unix.Write(eps[i].b, []byte{byte(i)})
		require.NoError(t, err)
	}
	for i := 0; i < pairs; i++ {
		assert.NoError(t, await(t, waiters[i]))
	}
	assert.Equal(t, 0, r.Registrations())
}
