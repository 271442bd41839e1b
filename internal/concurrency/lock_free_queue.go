// File: internal/concurrency/lock_free_queue.go
// Package concurrency provides the lock-free queues behind the handoff channels.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Unbounded multi-producer/single-consumer linked queue.

package concurrency

import "sync/atomic"

const cacheLinePad = 64

type node[T any] struct {
	next atomic.Pointer[node[T]]
	val  T
}

// LockFreeQueue is an unbounded MPSC queue following Dmitry Vyukov's
// intrusive design with a stub node. Enqueue is wait-free and safe from any
// number of goroutines; Dequeue must only be called by one consumer at a time.
type LockFreeQueue[T any] struct {
	head atomic.Pointer[node[T]] // producers swap here
	_    [cacheLinePad]byte
	tail *node[T] // consumer only
}

// NewLockFreeQueue creates an empty queue.
func NewLockFreeQueue[T any]() *LockFreeQueue[T] {
	q := &LockFreeQueue[T]{}
	stub := &node[T]{}
	q.head.Store(stub)
	q.tail = stub
	return q
}

// Enqueue appends val. It never fails.
func (q *LockFreeQueue[T]) Enqueue(val T) {
	n := &node[T]{val: val}
	prev := q.head.Swap(n)
	prev.next.Store(n)
}

// Dequeue removes the oldest element. It reports false when the queue is
// empty or when a producer is between its swap and link steps; the element
// becomes visible as soon as that producer finishes.
func (q *LockFreeQueue[T]) Dequeue() (T, bool) {
	var zero T
	next := q.tail.next.Load()
	if next == nil {
		return zero, false
	}
	val := next.val
	next.val = zero
	q.tail = next
	return val, true
}
