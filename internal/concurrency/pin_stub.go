//go:build !linux

// File: internal/concurrency/pin_stub.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package concurrency

import "github.com/momentics/hioload-http/api"

// PinCurrentThread is not supported on this platform.
func PinCurrentThread(int) (func(), error) { return nil, api.ErrNotSupported }

// AllowedCPUs is not supported on this platform.
func AllowedCPUs() []int { return nil }
