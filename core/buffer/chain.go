// Package buffer accumulates transfer payloads as a chain of chunks.
//
// Chain is append-only while a transfer runs and read-only once handed to the
// caller. Chunk boundaries are kept exactly as the engine delivered them.
// Designed for single-goroutine use; no locks for minimal overhead.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package buffer

type chunk struct {
	data []byte
	next *chunk
}

// Chain is a singly linked list of immutable byte chunks with O(1) append.
type Chain struct {
	head  *chunk
	tail  *chunk
	count int
	size  int
}

// NewChain returns an empty chain.
func NewChain() *Chain {
	return &Chain{}
}

// Append copies p into a new chunk at the end of the chain. It returns the
// number of bytes accepted, which is always len(p). Empty input adds nothing.
func (c *Chain) Append(p []byte) int {
	if len(p) == 0 {
		return 0
	}
	n := &chunk{data: append([]byte(nil), p...)}
	if c.tail == nil {
		c.head = n
	} else {
		c.tail.next = n
	}
	c.tail = n
	c.count++
	c.size += len(p)
	return len(p)
}

// Len reports the number of chunks.
func (c *Chain) Len() int {
	if c == nil {
		return 0
	}
	return c.count
}

// Size reports the total number of bytes.
func (c *Chain) Size() int {
	if c == nil {
		return 0
	}
	return c.size
}

// Chunks materializes the chain, one element per appended chunk, in order.
// The returned slices alias the chain; callers must not modify them.
func (c *Chain) Chunks() [][]byte {
	if c == nil {
		return [][]byte{}
	}
	out := make([][]byte, 0, c.count)
	for n := c.head; n != nil; n = n.next {
		out = append(out, n.data)
	}
	return out
}

// Bytes concatenates every chunk into one slice.
func (c *Chain) Bytes() []byte {
	if c == nil {
		return nil
	}
	out := make([]byte, 0, c.size)
	for n := c.head; n != nil; n = n.next {
		out = append(out, n.data...)
	}
	return out
}

// Release drops every chunk. The chain is empty and reusable afterwards.
func (c *Chain) Release() {
	if c == nil {
		return
	}
	for n := c.head; n != nil; {
		next := n.next
		n.data = nil
		n.next = nil
		n = next
	}
	c.head, c.tail = nil, nil
	c.count, c.size = 0, 0
}
