//go:build unix && !linux

// File: transfer/sys_unix.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transfer

// sendFlags is empty where MSG_NOSIGNAL is unavailable; the Go runtime
// already turns SIGPIPE on non-standard descriptors into EPIPE.
const sendFlags = 0
