// File: transfer/easy.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Easy is one transfer handle: its options, data callbacks and the
// statistics gathered while it runs. Handles belong to the reactor goroutine;
// none of their methods are safe for concurrent use.

package transfer

import (
	"context"
	"net/url"
	"time"

	"github.com/valyala/bytebufferpool"

	"github.com/momentics/hioload-http/api"
)

// DefaultConnectTimeout bounds connection establishment.
const DefaultConnectTimeout = 300 * time.Second

// DataFunc receives a piece of the response. Returning anything other than
// len(p) aborts the transfer with ResultWriteError.
type DataFunc func(p []byte) int

// Info holds what a finished transfer reports about itself.
type Info struct {
	EffectiveURL      string
	ResponseCode      int
	TotalTime         time.Duration
	NameLookupTime    time.Duration
	ConnectTime       time.Duration
	AppConnectTime    time.Duration
	PreTransferTime   time.Duration
	StartTransferTime time.Duration
	SizeUpload        int64
	SizeDownload      int64
	PrimaryIP         string
	RedirectURL       string
	Cookies           []string
}

type options struct {
	method         string
	url            string
	headers        []string
	userpwd        string
	hasUserpwd     bool
	body           []byte
	tls            TLSOptions
	cookieEngine   bool
	timeout        time.Duration
	connectTimeout time.Duration
}

type easyState int

const (
	easyIdle easyState = iota
	easyPending
	easyConnecting
	easySending
	easyReceiving
	easyDone
	easyFree
)

// Easy is a transfer handle obtained from Multi.NewEasy.
type Easy struct {
	multi    *Multi
	opts     options
	share    *Share
	jar      *CookieJar
	headerFn DataFunc
	writeFn  DataFunc
	private  any

	id       uint64
	state    easyState
	target   *requestTarget
	conn     *conn
	watching api.PollAction
	cancel   context.CancelFunc
	req      *bytebufferpool.ByteBuffer
	reqOff   int
	parser   responseParser
	start    time.Time
	retried  bool
	info     Info
	result   api.ResultCode
}

// SetMethod sets the request method verbatim.
func (e *Easy) SetMethod(m string) { e.opts.method = m }

// SetURL sets the request URL.
func (e *Easy) SetURL(u string) { e.opts.url = u }

// SetHeaders replaces the caller header lines. "Name: value" overrides an
// internal header, "Name:" removes it and "Name;" sends it empty.
func (e *Easy) SetHeaders(h []string) { e.opts.headers = append(e.opts.headers[:0], h...) }

// SetUserPwd enables basic authentication.
func (e *Easy) SetUserPwd(user, password string) {
	e.opts.userpwd = user + ":" + password
	e.opts.hasUserpwd = true
}

// SetBody sets the request body. A nil body sends none; the handle takes
// ownership of b.
func (e *Easy) SetBody(b []byte) { e.opts.body = b }

// SetTLS configures client certificates and peer verification.
func (e *Easy) SetTLS(o TLSOptions) { e.opts.tls = o }

// SetShare attaches shared cookie, DNS and TLS session state.
func (e *Easy) SetShare(s *Share) { e.share = s }

// SetTimeout bounds the whole transfer. Zero means no limit.
func (e *Easy) SetTimeout(d time.Duration) { e.opts.timeout = d }

// SetConnectTimeout bounds connection establishment. Zero selects
// DefaultConnectTimeout.
func (e *Easy) SetConnectTimeout(d time.Duration) { e.opts.connectTimeout = d }

// EnableCookieEngine makes the transfer send matching cookies and store the
// ones it receives.
func (e *Easy) EnableCookieEngine() { e.opts.cookieEngine = true }

// AddCookie applies one cookie-list line (see CookieJar.Add) and enables the
// cookie engine. The line goes to the shared jar when a Share is attached.
func (e *Easy) AddCookie(line string) error {
	e.opts.cookieEngine = true
	var u *url.URL
	if t, _, err := parseTarget(e.opts.url); err == nil {
		u = t.u
	}
	return e.cookieJar().Add(line, u)
}

func (e *Easy) cookieJar() *CookieJar {
	if e.share != nil {
		return e.share.Cookies()
	}
	if e.jar == nil {
		e.jar = NewCookieJar()
	}
	return e.jar
}

// SetHeaderFunc installs the callback receiving each raw header line.
func (e *Easy) SetHeaderFunc(fn DataFunc) { e.headerFn = fn }

// SetWriteFunc installs the callback receiving decoded body segments.
func (e *Easy) SetWriteFunc(fn DataFunc) { e.writeFn = fn }

// SetPrivate stores an opaque caller value.
func (e *Easy) SetPrivate(v any) { e.private = v }

// Private returns the value stored by SetPrivate.
func (e *Easy) Private() any { return e.private }

// Info returns the transfer statistics. The pointer stays valid until the
// handle is cleaned up.
func (e *Easy) Info() *Info { return &e.info }

// Result returns the terminal code of the last transfer.
func (e *Easy) Result() api.ResultCode { return e.result }

// MarkComplete records a successful result without performing a transfer.
func (e *Easy) MarkComplete() {
	e.result = api.ResultOK
	e.state = easyDone
}

// ReleaseRequestData drops the header list and body once they are no longer
// needed by the engine.
func (e *Easy) ReleaseRequestData() {
	e.opts.headers = e.opts.headers[:0]
	e.opts.body = nil
}

func (e *Easy) reset() {
	*e = Easy{
		multi: e.multi,
		opts:  options{headers: e.opts.headers[:0]},
		state: easyFree,
	}
}

func (e *Easy) since() time.Duration { return time.Since(e.start) }

func (e *Easy) connectTimeout() time.Duration {
	if e.opts.connectTimeout > 0 {
		return e.opts.connectTimeout
	}
	return DefaultConnectTimeout
}

// headerLine, headersDone and bodySegment implement responseSink.

func (e *Easy) headerLine(line []byte) error {
	if e.headerFn != nil && e.headerFn(line) != len(line) {
		return errCallbackAbort
	}
	return nil
}

func (e *Easy) headersDone(p *responseParser) error {
	e.info.ResponseCode = p.status
	if e.opts.cookieEngine {
		jar := e.cookieJar()
		for _, v := range p.cookies {
			if err := jar.SetFromHeader(e.target.u, v); err != nil && e.multi != nil {
				e.multi.log.V(traceLevel).Info("Ignoring cookie", "id", e.id, "err", err.Error())
			}
		}
	}
	if p.status >= 300 && p.status < 400 && p.location != "" {
		if loc, err := e.target.u.Parse(p.location); err == nil {
			e.info.RedirectURL = loc.String()
		}
	}
	return nil
}

func (e *Easy) bodySegment(seg []byte) error {
	e.info.SizeDownload += int64(len(seg))
	if e.writeFn != nil && e.writeFn(seg) != len(seg) {
		return errCallbackAbort
	}
	return nil
}
