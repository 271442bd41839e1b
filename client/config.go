// File: client/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package client

import (
	"time"

	"github.com/go-logr/logr"

	"github.com/momentics/hioload-http/api"
	"github.com/momentics/hioload-http/control"
	"github.com/momentics/hioload-http/reactor"
	"github.com/momentics/hioload-http/transfer"
)

// Config holds EventLoop parameters.
type Config struct {
	Logger logr.Logger
	// Metrics receives loop counters. When nil the loop creates its own
	// unregistered set, reachable through EventLoop.Metrics.
	Metrics *control.Metrics
	// MaxConnects bounds the idle connection cache of the engine.
	MaxConnects int
	// MaxEvents is the number of readiness events handled per pass.
	MaxEvents int
	// NewReactor builds the reactor. Defaults to reactor.New.
	NewReactor func(reactor.Config) (api.Reactor, error)
	// PinCPU restricts the thread running Run to CPU.
	PinCPU bool
	CPU    int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Logger:      logr.Discard(),
		MaxConnects: transfer.DefaultMaxConnects,
		MaxEvents:   reactor.DefaultConfig().MaxEvents,
		NewReactor:  reactor.New,
	}
}

// SessionConfig holds the transport settings shared by the requests of one
// Session.
type SessionConfig struct {
	// InsecureSkipVerify disables peer certificate and host name checks.
	InsecureSkipVerify bool
	// CAFile replaces the system roots used to verify peers.
	CAFile string
	// CookieEngine stores received cookies and sends matching ones on every
	// request of the session, not only on requests that carry cookies.
	CookieEngine bool
	// DNSCacheTimeout is how long resolved addresses are reused. Negative
	// disables the cache.
	DNSCacheTimeout time.Duration
	// ConnectTimeout bounds connection establishment.
	ConnectTimeout time.Duration
	// Timeout bounds a whole transfer. Zero means no limit.
	Timeout time.Duration
}

// DefaultSessionConfig returns a verifying configuration with the engine
// default timeouts.
func DefaultSessionConfig() *SessionConfig {
	return &SessionConfig{
		DNSCacheTimeout: transfer.DefaultDNSCacheTimeout,
		ConnectTimeout:  transfer.DefaultConnectTimeout,
	}
}
