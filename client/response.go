// File: client/response.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package client

import (
	"fmt"
	"sync"
	"time"

	"github.com/momentics/hioload-http/api"
	"github.com/momentics/hioload-http/core/buffer"
	"github.com/momentics/hioload-http/internal/concurrency"
	"github.com/momentics/hioload-http/transfer"
)

// Outcome is the single result of a submitted request. Exactly one of Err
// and Response is set.
type Outcome struct {
	Err      error
	Response *Response
	Token    any
}

// completion travels from the loop goroutine to DrainCompletions.
type completion struct {
	token   any
	session *Session
	err     *api.TransferError
	dummy   bool
	headers *buffer.Chain
	body    *buffer.Chain
	easy    *transfer.Easy
	info    transfer.Info
}

// Response is a finished transfer. It is not safe for concurrent use.
type Response struct {
	loop    *EventLoop
	headers *buffer.Chain
	body    *buffer.Chain
	easy    *transfer.Easy
	info    transfer.Info
	closed  bool
	once    sync.Once
}

func newResponse(l *EventLoop, c *completion) *Response {
	return &Response{
		loop:    l,
		headers: c.headers,
		body:    c.body,
		easy:    c.easy,
		info:    c.info,
	}
}

// Headers returns the raw header lines in arrival order, status line and
// terminating blank line included.
func (r *Response) Headers() [][]byte {
	if r.closed {
		return nil
	}
	return r.headers.Chunks()
}

// Body returns the body as received, one element per delivered chunk.
func (r *Response) Body() [][]byte {
	if r.closed {
		return nil
	}
	return r.body.Chunks()
}

// EffectiveURL is the URL last used by the transfer.
func (r *Response) EffectiveURL() (string, bool) { return r.optional(r.info.EffectiveURL) }

// ResponseCode is the HTTP status, zero when no response was read.
func (r *Response) ResponseCode() int { return r.info.ResponseCode }

// TotalTime is the duration of the whole transfer.
func (r *Response) TotalTime() time.Duration { return r.info.TotalTime }

// NameLookupTime is the time until name resolution finished.
func (r *Response) NameLookupTime() time.Duration { return r.info.NameLookupTime }

// ConnectTime is the time until the TCP connection was established.
func (r *Response) ConnectTime() time.Duration { return r.info.ConnectTime }

// AppConnectTime is the time until the TLS handshake finished, zero for
// plain HTTP.
func (r *Response) AppConnectTime() time.Duration { return r.info.AppConnectTime }

// PreTransferTime is the time until the request started going out.
func (r *Response) PreTransferTime() time.Duration { return r.info.PreTransferTime }

// StartTransferTime is the time until the first response byte.
func (r *Response) StartTransferTime() time.Duration { return r.info.StartTransferTime }

// UploadSize is the number of body bytes sent.
func (r *Response) UploadSize() int64 { return r.info.SizeUpload }

// DownloadSize is the number of body bytes received.
func (r *Response) DownloadSize() int64 { return r.info.SizeDownload }

// PrimaryIP is the address of the peer the transfer talked to.
func (r *Response) PrimaryIP() (string, bool) { return r.optional(r.info.PrimaryIP) }

// RedirectURL is the resolved Location of a redirect response.
func (r *Response) RedirectURL() (string, bool) { return r.optional(r.info.RedirectURL) }

// CookieList returns the cookies known to the transfer in Netscape format.
func (r *Response) CookieList() []string {
	if r.closed {
		return nil
	}
	return append([]string(nil), r.info.Cookies...)
}

// Close releases the buffers and hands the transfer handle back to the loop
// for teardown. Later accessor calls return zero values.
func (r *Response) Close() error {
	var err error
	r.once.Do(func() {
		r.closed = true
		r.headers.Release()
		r.body.Release()
		r.info = transfer.Info{}
		if r.easy == nil {
			return
		}
		if perr := concurrency.Give(r.loop.teardown, &r.easy); perr != nil {
			err = fmt.Errorf("schedule handle teardown: %w", perr)
		}
	})
	return err
}

func (r *Response) optional(v string) (string, bool) {
	if r.closed || v == "" {
		return "", false
	}
	return v, true
}
