// File: client/session.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Session scopes connection reuse state (cookies, resolved names, TLS
// sessions) across the requests submitted through it.

package client

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/momentics/hioload-http/api"
	"github.com/momentics/hioload-http/internal/concurrency"
	"github.com/momentics/hioload-http/transfer"
)

// sessionClosed marks the state word once Close was called; the low bits
// count requests whose outcome has not been delivered yet.
const sessionClosed = int64(1) << 62

// Session submits requests to one EventLoop. It is safe for concurrent use.
type Session struct {
	loop  *EventLoop
	cfg   SessionConfig
	share *transfer.Share

	state       atomic.Int64
	releaseOnce sync.Once
}

// NewSession creates a session on loop. A nil cfg selects
// DefaultSessionConfig.
func NewSession(loop *EventLoop, cfg *SessionConfig) (*Session, error) {
	if loop == nil {
		return nil, fmt.Errorf("nil event loop: %w", api.ErrInvalidArgument)
	}
	if loop.closed.Load() {
		return nil, api.ErrLoopClosed
	}
	if cfg == nil {
		cfg = DefaultSessionConfig()
	}
	s := &Session{
		loop: loop,
		cfg:  *cfg,
		share: transfer.NewShare(transfer.ShareConfig{
			DNSCacheTimeout: cfg.DNSCacheTimeout,
		}),
	}
	return s, nil
}

// Request validates req and submits it. token is returned untouched with
// the Outcome. A malformed request yields an *api.ValidationError and
// nothing is submitted.
func (s *Session) Request(token any, req Request) error {
	if s.state.Load()&sessionClosed != 0 {
		return api.ErrSessionClosed
	}
	if err := req.validate(); err != nil {
		s.loop.metrics.ValidationErrors.Inc()
		return err
	}
	if !s.acquire() {
		return api.ErrSessionClosed
	}
	p := req.pending(token, s)
	s.loop.metrics.RequestsSubmitted.Inc()
	s.loop.metrics.InFlight.Inc()
	if err := concurrency.Give(s.loop.reqIn, &p); err != nil {
		s.loop.metrics.InFlight.Dec()
		s.done()
		return fmt.Errorf("submit request: %w", api.ErrLoopClosed)
	}
	return nil
}

// Close rejects further requests. Shared state is released once every
// submitted request has delivered its outcome. Close is idempotent.
func (s *Session) Close() error {
	for {
		cur := s.state.Load()
		if cur&sessionClosed != 0 {
			return nil
		}
		if s.state.CompareAndSwap(cur, cur|sessionClosed) {
			if cur == 0 {
				s.release()
			}
			return nil
		}
	}
}

// InFlight reports requests submitted through s whose outcome has not been
// drained yet.
func (s *Session) InFlight() int {
	return int(s.state.Load() &^ sessionClosed)
}

func (s *Session) acquire() bool {
	for {
		cur := s.state.Load()
		if cur&sessionClosed != 0 {
			return false
		}
		if s.state.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// done is called once per outcome delivered or discarded.
func (s *Session) done() {
	if s.state.Add(-1) == sessionClosed {
		s.release()
	}
}

func (s *Session) release() {
	s.releaseOnce.Do(s.share.Close)
}

// tlsOptions combines the session settings with a request certificate.
func (s *Session) tlsOptions(cert *ClientCert) transfer.TLSOptions {
	o := transfer.TLSOptions{
		CAFile:             s.cfg.CAFile,
		InsecureSkipVerify: s.cfg.InsecureSkipVerify,
	}
	if cert != nil {
		o.CertFile = cert.CertFile
		o.KeyFile = cert.KeyFile
	}
	return o
}
