//go:build linux
// +build linux

// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor - Linux epoll implementation.

package reactor

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-http/api"
)

type fileEvent struct {
	mask api.EventMask
	proc api.FileProc
}

// epollReactor implements api.Reactor using level-triggered epoll.
type epollReactor struct {
	epfd   int
	files  map[int]*fileEvent
	timers *timerQueue
	events []unix.EpollEvent
	log    logr.Logger
	closed bool
}

// New creates an epoll-backed reactor.
func New(cfg Config) (api.Reactor, error) {
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = DefaultConfig().MaxEvents
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	return &epollReactor{
		epfd:   epfd,
		files:  make(map[int]*fileEvent),
		timers: newTimerQueue(),
		events: make([]unix.EpollEvent, cfg.MaxEvents),
		log:    cfg.Logger,
	}, nil
}

func toEpoll(mask api.EventMask) uint32 {
	var ev uint32
	if mask&api.EventReadable != 0 {
		ev |= unix.EPOLLIN
	}
	if mask&api.EventWritable != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

// CreateFileEvent adds mask to the interest set of fd.
func (r *epollReactor) CreateFileEvent(fd int, mask api.EventMask, proc api.FileProc) error {
	if r.closed {
		return api.ErrLoopClosed
	}
	if fd < 0 || mask&^api.EventBoth != 0 || proc == nil {
		return api.ErrInvalidArgument
	}
	fe := r.files[fd]
	op := unix.EPOLL_CTL_MOD
	old := api.EventNone
	if fe == nil {
		op = unix.EPOLL_CTL_ADD
	} else {
		old = fe.mask
	}
	ev := unix.EpollEvent{Events: toEpoll(old | mask), Fd: int32(fd)}
	err := unix.EpollCtl(r.epfd, op, fd, &ev)
	if err == unix.ENOENT && op == unix.EPOLL_CTL_MOD {
		// The descriptor number was closed and reused behind our back.
		err = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
	}
	if err != nil {
		return fmt.Errorf("epoll ctl fd %d: %w", fd, err)
	}
	if fe == nil {
		fe = &fileEvent{}
		r.files[fd] = fe
	}
	fe.mask = old | mask
	fe.proc = proc
	return nil
}

// DeleteFileEvent removes mask from the interest set of fd.
func (r *epollReactor) DeleteFileEvent(fd int, mask api.EventMask) error {
	fe := r.files[fd]
	if fe == nil || r.closed {
		return nil
	}
	left := fe.mask &^ mask
	if left == fe.mask {
		return nil
	}
	if left == api.EventNone {
		delete(r.files, fd)
		err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		// A descriptor closed before deregistration is already gone.
		if err != nil && !errors.Is(err, unix.EBADF) && !errors.Is(err, unix.ENOENT) {
			return fmt.Errorf("epoll ctl del fd %d: %w", fd, err)
		}
		return nil
	}
	ev := unix.EpollEvent{Events: toEpoll(left), Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("epoll ctl mod fd %d: %w", fd, err)
	}
	fe.mask = left
	return nil
}

// FileEvents returns the registered interest of fd.
func (r *epollReactor) FileEvents(fd int) api.EventMask {
	if fe := r.files[fd]; fe != nil {
		return fe.mask
	}
	return api.EventNone
}

// CreateTimeEvent schedules a one-shot timer.
func (r *epollReactor) CreateTimeEvent(after time.Duration, proc api.TimeProc) (int64, error) {
	if r.closed {
		return -1, api.ErrLoopClosed
	}
	if proc == nil {
		return -1, api.ErrInvalidArgument
	}
	return r.timers.add(after, proc), nil
}

// DeleteTimeEvent cancels a pending timer.
func (r *epollReactor) DeleteTimeEvent(id int64) error {
	if !r.timers.remove(id) {
		return fmt.Errorf("timer %d: %w", id, api.ErrInvalidArgument)
	}
	return nil
}

// ProcessEvents waits for readiness (unless DontWait) bounded by the nearest
// timer, dispatches file handlers and then due timers.
func (r *epollReactor) ProcessEvents(flags api.ProcessFlags) (int, error) {
	if r.closed {
		return 0, api.ErrLoopClosed
	}
	if flags&api.AllEvents == 0 {
		return 0, nil
	}

	timeout := -1
	if flags&api.DontWait != 0 {
		timeout = 0
	} else if flags&api.TimeEvents != 0 {
		if d, ok := r.timers.untilNext(time.Now()); ok {
			timeout = durationToMillis(d)
		}
	}

	n, err := unix.EpollWait(r.epfd, r.events, timeout)
	if err != nil {
		if err != unix.EINTR {
			return 0, fmt.Errorf("epoll wait: %w", err)
		}
		n = 0
	}

	processed := 0
	if flags&api.FileEvents != 0 {
		for i := 0; i < n; i++ {
			ev := r.events[i]
			fd := int(ev.Fd)
			// Look the handler up per event: an earlier handler in this
			// batch may have changed or dropped the registration.
			fe := r.files[fd]
			if fe == nil {
				continue
			}
			var fired api.EventMask
			if ev.Events&unix.EPOLLIN != 0 {
				fired |= api.EventReadable
			}
			if ev.Events&unix.EPOLLOUT != 0 {
				fired |= api.EventWritable
			}
			if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				fired |= api.EventBoth
			}
			fired &= fe.mask
			if fired == 0 {
				continue
			}
			r.safeFile(fe.proc, fd, fired)
			processed++
		}
	}

	if flags&api.TimeEvents != 0 {
		processed += r.timers.runDue(time.Now(), func(t *timer) {
			r.safeTimer(t.proc, t.id)
		})
	}
	return processed, nil
}

// Use deferred recover to ensure reactor continuity on panics.
func (r *epollReactor) safeFile(proc api.FileProc, fd int, fired api.EventMask) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error(fmt.Errorf("panic: %v", p), "File event handler panicked", "fd", fd)
		}
	}()
	proc(fd, fired)
}

func (r *epollReactor) safeTimer(proc api.TimeProc, id int64) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error(fmt.Errorf("panic: %v", p), "Timer handler panicked", "id", id)
		}
	}()
	proc(id)
}

// Close releases the epoll file descriptor.
func (r *epollReactor) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.files = nil
	return unix.Close(r.epfd)
}
