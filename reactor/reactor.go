// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral reactor types: readiness interests and one-shot waiters.

package reactor

import "fmt"

// Interest selects the readiness condition a waiter suspends on.
type Interest uint8

const (
	// InterestRead fires when the descriptor becomes readable.
	InterestRead Interest = 1 << iota
	// InterestWrite fires when the descriptor becomes writable.
	InterestWrite
)

// String returns a short human-readable interest name for logs.
func (i Interest) String() string {
	switch i {
	case InterestRead:
		return "read"
	case InterestWrite:
		return "write"
	default:
		return fmt.Sprintf("interest(%d)", i)
	}
}

// ErrDescriptorFault is delivered to waiters when the kernel reports an
// error or hangup condition (EPOLLERR/EPOLLHUP) on their descriptor.
var ErrDescriptorFault = fmt.Errorf("descriptor error or peer hangup")

// Waiter is one suspended operation awaiting descriptor readiness. The
// completion slot is a one-slot channel: the reactor delivers nil on
// readiness or an error on descriptor fault, reactor shutdown, or a fatal
// wait failure. A waiter is one-shot; it is removed from the registration
// table the moment it fires.
type Waiter struct {
	ready chan error
}

// NewWaiter allocates a waiter ready for registration.
func NewWaiter() *Waiter {
	return &Waiter{ready: make(chan error, 1)}
}

// Ready returns the completion channel the suspended operation selects on.
func (w *Waiter) Ready() <-chan error {
	return w.ready
}

// complete fires the waiter at most once; late duplicates are dropped.
func (w *Waiter) complete(err error) {
	select {
	case w.ready <- err:
	default:
	}
}
