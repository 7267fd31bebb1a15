// Package fake
// Author: momentics <momentics@gmail.com>

package fake

import (
	"sync"
	"time"

	"github.com/momentics/hioload-http/api"
)

// Dialer is a scripted api.Dialer. Each Connect hands out the next queued
// stream; StreamFactory, when set, manufactures streams on demand instead.
type Dialer struct {
	mu      sync.Mutex
	queued  []*Stream
	dialErr error
	dials   []api.Origin
	factory func(api.Origin) *Stream
}

var _ api.Dialer = (*Dialer)(nil)

// NewDialer creates an empty scripted dialer.
func NewDialer() *Dialer {
	return &Dialer{}
}

// QueueStream appends a stream the next Connect call will return.
func (d *Dialer) QueueStream(s *Stream) {
	d.mu.Lock()
	d.queued = append(d.queued, s)
	d.mu.Unlock()
}

// SetFactory installs a stream factory used when the queue is empty.
func (d *Dialer) SetFactory(f func(api.Origin) *Stream) {
	d.mu.Lock()
	d.factory = f
	d.mu.Unlock()
}

// SetError makes subsequent Connect calls fail with err.
func (d *Dialer) SetError(err error) {
	d.mu.Lock()
	d.dialErr = err
	d.mu.Unlock()
}

// Dials returns the origins Connect was called with, in order.
func (d *Dialer) Dials() []api.Origin {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]api.Origin, len(d.dials))
	copy(out, d.dials)
	return out
}

// Connect implements api.Dialer.
func (d *Dialer) Connect(origin api.Origin, _ time.Time) (api.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials = append(d.dials, origin)
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	if len(d.queued) > 0 {
		s := d.queued[0]
		d.queued = d.queued[1:]
		return s, nil
	}
	if d.factory != nil {
		return d.factory(origin), nil
	}
	return nil, api.ErrConnectFailed
}
