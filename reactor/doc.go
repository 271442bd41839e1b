// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor provides the single-threaded readiness reactor used by the
// event loop: descriptor interest sets, one-shot timers and explicit
// processing passes, backed by epoll on Linux.
package reactor
