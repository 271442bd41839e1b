// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral reactor configuration and the one-shot timer queue shared
// by the poller backends.

package reactor

import (
	"container/heap"
	"time"

	"github.com/go-logr/logr"
)

// Config tunes a reactor instance.
type Config struct {
	// MaxEvents bounds how many readiness events one pass collects.
	MaxEvents int
	// Logger receives recovered handler panics.
	Logger logr.Logger
}

// DefaultConfig returns the settings used by the event loop.
func DefaultConfig() Config {
	return Config{
		MaxEvents: 128,
		Logger:    logr.Discard(),
	}
}

type timer struct {
	id        int64
	when      time.Time
	proc      func(id int64)
	index     int
	cancelled bool
}

type timerHeap []*timer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].id < h[j].id
	}
	return h[i].when.Before(h[j].when)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x any) {
	t := x.(*timer)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// timerQueue orders one-shot timers by deadline. Not safe for concurrent use.
type timerQueue struct {
	h      timerHeap
	byID   map[int64]*timer
	nextID int64
}

func newTimerQueue() *timerQueue {
	return &timerQueue{byID: make(map[int64]*timer)}
}

func (q *timerQueue) add(after time.Duration, proc func(int64)) int64 {
	if after < 0 {
		after = 0
	}
	t := &timer{id: q.nextID, when: time.Now().Add(after), proc: proc}
	q.nextID++
	heap.Push(&q.h, t)
	q.byID[t.id] = t
	return t.id
}

func (q *timerQueue) remove(id int64) bool {
	t, ok := q.byID[id]
	if !ok {
		return false
	}
	delete(q.byID, id)
	t.cancelled = true
	if t.index >= 0 {
		heap.Remove(&q.h, t.index)
	}
	return true
}

func (q *timerQueue) len() int { return len(q.byID) }

// untilNext reports the delay before the earliest timer, if any.
func (q *timerQueue) untilNext(now time.Time) (time.Duration, bool) {
	if len(q.h) == 0 {
		return 0, false
	}
	d := q.h[0].when.Sub(now)
	if d < 0 {
		d = 0
	}
	return d, true
}

// runDue fires every timer due at now that existed when the pass started.
// Timers created by the handlers wait for the next pass.
func (q *timerQueue) runDue(now time.Time, call func(*timer)) int {
	maxID := q.nextID - 1
	var deferred []*timer
	n := 0
	for len(q.h) > 0 {
		t := q.h[0]
		if t.when.After(now) {
			break
		}
		heap.Pop(&q.h)
		if t.id > maxID {
			deferred = append(deferred, t)
			continue
		}
		delete(q.byID, t.id)
		call(t)
		n++
	}
	for _, t := range deferred {
		if !t.cancelled {
			heap.Push(&q.h, t)
		}
	}
	return n
}

// durationToMillis rounds up so a timer never fires early.
func durationToMillis(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Millisecond - 1) / time.Millisecond)
}
