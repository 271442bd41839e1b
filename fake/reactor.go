// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: MIT

package fake

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/momentics/hioload-http/api"
)

// ErrTimerRefused is returned by Reactor.CreateTimeEvent while timers fail.
var ErrTimerRefused = errors.New("fake: timer refused")

// Reactor decorates a real reactor so tests can make timer creation fail.
type Reactor struct {
	api.Reactor

	failTimers atomic.Bool
	refused    atomic.Int64
}

// NewReactor wraps inner.
func NewReactor(inner api.Reactor) *Reactor {
	return &Reactor{Reactor: inner}
}

// FailTimers switches timer creation failures on or off.
func (r *Reactor) FailTimers(fail bool) { r.failTimers.Store(fail) }

// Refused reports how many timers were refused so far.
func (r *Reactor) Refused() int64 { return r.refused.Load() }

// CreateTimeEvent fails with ErrTimerRefused while FailTimers is on.
func (r *Reactor) CreateTimeEvent(after time.Duration, proc api.TimeProc) (int64, error) {
	if r.failTimers.Load() {
		r.refused.Add(1)
		return -1, ErrTimerRefused
	}
	return r.Reactor.CreateTimeEvent(after, proc)
}
