//go:build linux

// File: internal/concurrency/wakefd_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// eventfd-backed wake descriptor.

package concurrency

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

type wakeFD struct {
	fd int
}

func newWakeFD() (*wakeFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	return &wakeFD{fd: fd}, nil
}

func (w *wakeFD) signal() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	for {
		_, err := unix.Write(w.fd, buf[:])
		switch err {
		case nil, unix.EAGAIN:
			// EAGAIN means the counter is saturated, which is still readable.
			return nil
		case unix.EINTR:
			continue
		default:
			return fmt.Errorf("eventfd write: %w", err)
		}
	}
}

func (w *wakeFD) clear() {
	var buf [8]byte
	for {
		_, err := unix.Read(w.fd, buf[:])
		if err != unix.EINTR {
			return
		}
	}
}

func (w *wakeFD) close() error {
	return unix.Close(w.fd)
}
