// File: api/engine.go
// Author: momentics <momentics@gmail.com>
//
// Callback contract between the multiplexed transfer engine and whoever owns
// the reactor. The engine never polls by itself: it announces the interest it
// needs per socket and the single timeout it wants, and is driven back through
// socket actions.

package api

import "time"

// PollAction is the socket interest requested by the engine. Every call fully
// replaces the previous interest for that descriptor.
type PollAction int

const (
	PollNone PollAction = iota
	PollIn
	PollOut
	PollInOut
	PollRemove
)

func (a PollAction) String() string {
	switch a {
	case PollNone:
		return "none"
	case PollIn:
		return "in"
	case PollOut:
		return "out"
	case PollInOut:
		return "inout"
	case PollRemove:
		return "remove"
	default:
		return "invalid"
	}
}

// SocketTimeout is passed as descriptor to drive the engine after a timer
// fires instead of socket readiness.
const SocketTimeout = -1

// SocketFunc registers interest for fd. A non-nil error fails the transfer
// that owns the descriptor.
type SocketFunc func(fd int, what PollAction) error

// TimerFunc asks for a single one-shot timeout. A negative duration cancels
// the pending timeout; zero asks to be driven on the next reactor pass. A
// non-nil error fails the transfers waiting on that timeout.
type TimerFunc func(timeout time.Duration) error
