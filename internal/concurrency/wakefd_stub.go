//go:build !linux

// File: internal/concurrency/wakefd_stub.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package concurrency

import "github.com/momentics/hioload-http/api"

type wakeFD struct {
	fd int
}

func newWakeFD() (*wakeFD, error) { return nil, api.ErrNotSupported }

func (w *wakeFD) signal() error { return api.ErrNotSupported }
func (w *wakeFD) clear()        {}
func (w *wakeFD) close() error  { return nil }
