// File: api/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Defines the abstract interface for the single-threaded readiness reactor
// driving the transfer engine: file events keyed by descriptor plus one-shot
// timers, processed in explicit passes.

package api

import "time"

// EventMask selects readiness classes for a descriptor.
type EventMask uint32

const (
	EventNone     EventMask = 0
	EventReadable EventMask = 1 << 0
	EventWritable EventMask = 1 << 1
	EventBoth               = EventReadable | EventWritable
)

func (m EventMask) String() string {
	switch m {
	case EventNone:
		return "none"
	case EventReadable:
		return "readable"
	case EventWritable:
		return "writable"
	case EventBoth:
		return "readable|writable"
	default:
		return "invalid"
	}
}

// ProcessFlags selects what a single reactor pass handles.
type ProcessFlags int

const (
	FileEvents ProcessFlags = 1 << iota
	TimeEvents
	DontWait

	AllEvents = FileEvents | TimeEvents
)

// FileProc is invoked on the reactor goroutine with the fired readiness.
type FileProc func(fd int, fired EventMask)

// TimeProc is invoked once when a timer expires.
type TimeProc func(id int64)

// Reactor multiplexes descriptor readiness and timers onto one goroutine.
// Implementations are not safe for concurrent use; every method except
// Close must be called from the goroutine that runs ProcessEvents.
type Reactor interface {
	// CreateFileEvent adds mask to the interest set of fd and installs proc
	// as its handler.
	CreateFileEvent(fd int, mask EventMask, proc FileProc) error

	// DeleteFileEvent removes mask from the interest set of fd. Removing the
	// last class drops the descriptor from the poller.
	DeleteFileEvent(fd int, mask EventMask) error

	// FileEvents returns the current interest set of fd.
	FileEvents(fd int) EventMask

	// CreateTimeEvent schedules proc once after the given delay.
	CreateTimeEvent(after time.Duration, proc TimeProc) (int64, error)

	// DeleteTimeEvent cancels a pending timer.
	DeleteTimeEvent(id int64) error

	// ProcessEvents runs one pass and returns the number of handlers called.
	ProcessEvents(flags ProcessFlags) (int, error)

	// Close must cleanup the internal poller backend.
	Close() error
}
