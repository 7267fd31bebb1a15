//go:build linux
// +build linux

// File: reactor/reactor_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux epoll(7)-based reactor: edge-triggered registration table mapping
// (fd, interest) to one-shot waiters, plus the wait-and-dispatch loop.

package reactor

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-http/api"
)

// loopInterval bounds a single blocking wait so Stop and Close are
// observed promptly even with no descriptor traffic.
const loopInterval = 100 * time.Millisecond

// fdEntry holds the at-most-one waiter per interest for a descriptor.
type fdEntry struct {
	read  *Waiter
	write *Waiter
}

func (e *fdEntry) mask() uint32 {
	var m uint32 = unix.EPOLLET
	if e.read != nil {
		m |= unix.EPOLLIN
	}
	if e.write != nil {
		m |= unix.EPOLLOUT
	}
	return m
}

func (e *fdEntry) empty() bool {
	return e.read == nil && e.write == nil
}

// Reactor owns one epoll instance and its fd-to-waiter registration table.
// Registration and dispatch may run on different goroutines; the table is
// guarded by a single mutex.
type Reactor struct {
	mu      sync.Mutex
	epfd    int
	entries map[int]*fdEntry
	closed  bool
	fatal   error

	stopCh   chan struct{}
	loopDone chan struct{}
	started  bool

	log *zap.Logger
}

// New creates a Reactor backed by a fresh epoll instance.
func New(log *zap.Logger) (*Reactor, error) {
	if log == nil {
		log = zap.NewNop()
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	return &Reactor{
		epfd:    epfd,
		entries: make(map[int]*fdEntry),
		stopCh:  make(chan struct{}),
		log:     log,
	}, nil
}

// Register arms a one-shot waiter for (fd, interest). Exactly one waiter
// may be pending per (fd, interest); a second registration fails fast with
// api.ErrWaiterAlreadySet.
func (r *Reactor) Register(fd int, interest Interest, w *Waiter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return api.ErrReactorClosed
	}
	if r.fatal != nil {
		return r.fatal
	}

	entry, exists := r.entries[fd]
	if !exists {
		entry = &fdEntry{}
	}
	switch interest {
	case InterestRead:
		if entry.read != nil {
			return api.ErrWaiterAlreadySet
		}
		entry.read = w
	case InterestWrite:
		if entry.write != nil {
			return api.ErrWaiterAlreadySet
		}
		entry.write = w
	default:
		return fmt.Errorf("register fd %d: unknown interest %v", fd, interest)
	}

	ev := unix.EpollEvent{Events: entry.mask(), Fd: int32(fd)}
	op := unix.EPOLL_CTL_MOD
	if !exists {
		op = unix.EPOLL_CTL_ADD
	}
	if err := unix.EpollCtl(r.epfd, op, fd, &ev); err != nil {
		if interest == InterestRead {
			entry.read = nil
		} else {
			entry.write = nil
		}
		return fmt.Errorf("epoll ctl fd %d: %w", fd, err)
	}
	r.entries[fd] = entry
	return nil
}

// Unregister removes the pending waiter for (fd, interest), if any. It is
// a no-op when the waiter already fired or was never registered, so
// timeout and cancel paths may call it unconditionally.
func (r *Reactor) Unregister(fd int, interest Interest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unregisterLocked(fd, interest)
}

func (r *Reactor) unregisterLocked(fd int, interest Interest) error {
	entry, ok := r.entries[fd]
	if !ok {
		return nil
	}
	switch interest {
	case InterestRead:
		entry.read = nil
	case InterestWrite:
		entry.write = nil
	}
	return r.syncEntryLocked(fd, entry)
}

// syncEntryLocked reconciles the kernel interest set with the entry state,
// deleting the registration once no waiter remains.
func (r *Reactor) syncEntryLocked(fd int, entry *fdEntry) error {
	if entry.empty() {
		delete(r.entries, fd)
		if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil && err != unix.ENOENT && err != unix.EBADF {
			return fmt.Errorf("epoll ctl del fd %d: %w", fd, err)
		}
		return nil
	}
	ev := unix.EpollEvent{Events: entry.mask(), Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("epoll ctl mod fd %d: %w", fd, err)
	}
	return nil
}

// Registrations reports the number of pending waiters. Test code uses it
// to assert the no-leaked-registrations invariant.
func (r *Reactor) Registrations() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.read != nil {
			n++
		}
		if e.write != nil {
			n++
		}
	}
	return n
}

// RunOnce blocks until at least one registered descriptor is ready or the
// timeout elapses, then fires and removes the corresponding waiters.
// timeout < 0 blocks indefinitely. EINTR is retried transparently; any
// other wait failure is fatal to the reactor and propagates to all
// pending waiters.
func (r *Reactor) RunOnce(timeout time.Duration) error {
	timeoutMs := -1
	if timeout >= 0 {
		timeoutMs = int(timeout / time.Millisecond)
	}

	var events [128]unix.EpollEvent
	n, err := unix.EpollWait(r.epfd, events[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		werr := fmt.Errorf("epoll wait: %w", err)
		r.failAll(werr)
		return werr
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 0; i < n; i++ {
		ev := events[i]
		fd := int(ev.Fd)
		entry, ok := r.entries[fd]
		if !ok {
			continue
		}

		var waitErr error
		if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			waitErr = ErrDescriptorFault
		}

		if entry.read != nil && (waitErr != nil || ev.Events&unix.EPOLLIN != 0) {
			entry.read.complete(waitErr)
			entry.read = nil
		}
		if entry.write != nil && (waitErr != nil || ev.Events&unix.EPOLLOUT != 0) {
			entry.write.complete(waitErr)
			entry.write = nil
		}
		if err := r.syncEntryLocked(fd, entry); err != nil {
			r.log.Warn("reactor: interest resync failed", zap.Int("fd", fd), zap.Error(err))
		}
	}
	return nil
}

// failAll delivers err to every pending waiter and poisons the reactor.
func (r *Reactor) failAll(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fatal = err
	for fd, entry := range r.entries {
		if entry.read != nil {
			entry.read.complete(err)
		}
		if entry.write != nil {
			entry.write.complete(err)
		}
		delete(r.entries, fd)
	}
}

// Start launches the wait-and-dispatch loop on its own goroutine. The loop
// wakes at loopInterval so Stop is observed without descriptor traffic.
func (r *Reactor) Start() {
	r.mu.Lock()
	if r.started || r.closed {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.loopDone = make(chan struct{})
	stop := r.stopCh
	done := r.loopDone
	r.mu.Unlock()

	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
			}
			if err := r.RunOnce(loopInterval); err != nil {
				r.log.Error("reactor: fatal wait failure, loop stopped", zap.Error(err))
				return
			}
		}
	}()
}

// Stop halts the dispatch loop. Pending waiters stay registered; use Close
// to fail and release them.
func (r *Reactor) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	done := r.loopDone
	r.mu.Unlock()

	close(r.stopCh)
	<-done

	r.mu.Lock()
	r.stopCh = make(chan struct{})
	r.mu.Unlock()
}

// Close stops the loop, fails every pending waiter with
// api.ErrReactorClosed and releases the epoll descriptor. Idempotent.
func (r *Reactor) Close() error {
	r.Stop()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	for fd, entry := range r.entries {
		if entry.read != nil {
			entry.read.complete(api.ErrReactorClosed)
		}
		if entry.write != nil {
			entry.write.complete(api.ErrReactorClosed)
		}
		delete(r.entries, fd)
	}
	epfd := r.epfd
	r.epfd = -1
	r.mu.Unlock()

	return unix.Close(epfd)
}
