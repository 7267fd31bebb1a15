// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor provides the core poll-mode readiness reactor: an
// edge-triggered epoll(7) wrapper that maps file descriptors to one-shot
// waiters and drives a blocking wait-and-dispatch loop.
package reactor
