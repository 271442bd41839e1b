//go:build linux

// File: transfer/sys_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transfer

import "golang.org/x/sys/unix"

// sendFlags keeps a write to a reset peer from raising SIGPIPE.
const sendFlags = unix.MSG_NOSIGNAL
