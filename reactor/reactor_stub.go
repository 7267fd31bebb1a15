//go:build !linux
// +build !linux

// File: reactor/reactor_stub.go
// Author: momentics <momentics@gmail.com>
//
// Stub reactor for unsupported platforms. Every operation fails; the
// library currently targets Linux epoll only.

package reactor

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Reactor is unavailable on this platform.
type Reactor struct{}

var errUnsupported = fmt.Errorf("reactor: platform not supported, linux epoll required")

// New always fails on non-Linux platforms.
func New(_ *zap.Logger) (*Reactor, error) {
	return nil, errUnsupported
}

func (r *Reactor) Register(int, Interest, *Waiter) error { return errUnsupported }
func (r *Reactor) Unregister(int, Interest) error        { return errUnsupported }
func (r *Reactor) Registrations() int                    { return 0 }
func (r *Reactor) RunOnce(time.Duration) error           { return errUnsupported }
func (r *Reactor) Start()                                {}
func (r *Reactor) Stop()                                 {}
func (r *Reactor) Close() error                          { return nil }
