// File: internal/concurrency/handoff.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Handoff couples a lock-free queue with a pollable wake descriptor so a
// reactor can wait on it next to sockets. Producers count an item before
// enqueueing it and signal afterwards; the consumer clears the signal then
// drains, so an item pushed during a drain always leaves the descriptor
// readable for the next pass.

package concurrency

import (
	"sync/atomic"

	"github.com/momentics/hioload-http/api"
)

// Handoff transfers ownership of values between goroutines.
type Handoff[T any] struct {
	q        *LockFreeQueue[T]
	wake     *wakeFD
	pending  atomic.Int64
	draining atomic.Bool
	closed   atomic.Bool
}

// NewHandoff allocates the queue and its wake descriptor.
func NewHandoff[T any]() (*Handoff[T], error) {
	w, err := newWakeFD()
	if err != nil {
		return nil, err
	}
	return &Handoff[T]{q: NewLockFreeQueue[T](), wake: w}, nil
}

// FD returns the descriptor that turns readable while items are pending.
func (h *Handoff[T]) FD() int { return h.wake.fd }

// Len is an approximate number of pending items, never negative.
func (h *Handoff[T]) Len() int {
	if n := h.pending.Load(); n > 0 {
		return int(n)
	}
	return 0
}

// Push hands v to the consumer. The sender must not touch v afterwards.
func (h *Handoff[T]) Push(v T) error {
	if h.closed.Load() {
		return api.ErrQueueClosed
	}
	h.pending.Add(1)
	h.q.Enqueue(v)
	return h.wake.signal()
}

// Give pushes *p and clears the sender's reference, making the
// no-touch-after-send rule structural.
func Give[T any](h *Handoff[*T], p **T) error {
	v := *p
	*p = nil
	return h.Push(v)
}

// Drain clears the readiness signal and passes every pending item to fn in
// FIFO order. Concurrent drains are serialized by returning early: a second
// caller sees zero items rather than blocking.
func (h *Handoff[T]) Drain(fn func(T)) int {
	if !h.draining.CompareAndSwap(false, true) {
		return 0
	}
	defer h.draining.Store(false)

	h.wake.clear()
	n := 0
	for {
		v, ok := h.q.Dequeue()
		if !ok {
			return n
		}
		h.pending.Add(-1)
		n++
		fn(v)
	}
}

// Close rejects further pushes and releases the descriptor. Items still
// queued are dropped.
func (h *Handoff[T]) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	return h.wake.close()
}
