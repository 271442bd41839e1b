// Package concurrency
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Cross-goroutine plumbing for the event loop: an unbounded lock-free MPSC
// queue and the Handoff channel that pairs it with an eventfd so the reactor
// can poll for pending work the same way it polls sockets. Also pins the
// loop thread to a CPU when asked to.
package concurrency
