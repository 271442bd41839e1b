// File: transfer/share.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Share carries the state several transfers may reuse: cookies, resolved
// addresses and TLS session tickets.

package transfer

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// DefaultDNSCacheTimeout is how long resolved addresses are reused.
const DefaultDNSCacheTimeout = 60 * time.Second

// ShareConfig tunes a Share.
type ShareConfig struct {
	// DNSCacheTimeout is the lifetime of cached lookups. Zero selects
	// DefaultDNSCacheTimeout, a negative value disables the cache.
	DNSCacheTimeout time.Duration
	// TLSSessionCacheSize bounds the number of cached TLS sessions.
	TLSSessionCacheSize int
	// Resolver overrides net.DefaultResolver.
	Resolver *net.Resolver
}

// Share is safe for concurrent use: the DNS cache is read by connection
// goroutines while the reactor goroutine owns the transfers.
type Share struct {
	cookies  *CookieJar
	dns      *ttlcache.Cache[string, []net.IPAddr]
	sessions tls.ClientSessionCache
	resolver *net.Resolver

	closeOnce sync.Once
}

// NewShare creates a Share and starts the DNS cache janitor.
func NewShare(cfg ShareConfig) *Share {
	s := &Share{
		cookies:  NewCookieJar(),
		sessions: tls.NewLRUClientSessionCache(cfg.TLSSessionCacheSize),
		resolver: cfg.Resolver,
	}
	if s.resolver == nil {
		s.resolver = net.DefaultResolver
	}
	ttl := cfg.DNSCacheTimeout
	if ttl == 0 {
		ttl = DefaultDNSCacheTimeout
	}
	if ttl > 0 {
		s.dns = ttlcache.New(
			ttlcache.WithTTL[string, []net.IPAddr](ttl),
			ttlcache.WithDisableTouchOnHit[string, []net.IPAddr](),
		)
		go s.dns.Start()
	}
	return s
}

// Cookies returns the shared cookie jar.
func (s *Share) Cookies() *CookieJar { return s.cookies }

// TLSSessionCache returns the shared TLS session cache.
func (s *Share) TLSSessionCache() tls.ClientSessionCache { return s.sessions }

// Resolve returns the addresses of host, consulting the cache first.
func (s *Share) Resolve(ctx context.Context, host string) ([]net.IPAddr, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IPAddr{{IP: ip}}, nil
	}
	if s.dns != nil {
		if item := s.dns.Get(host); item != nil {
			return item.Value(), nil
		}
	}
	addrs, err := s.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	if s.dns != nil && len(addrs) > 0 {
		s.dns.Set(host, addrs, ttlcache.DefaultTTL)
	}
	return addrs, nil
}

// CachedHosts reports how many hosts have live DNS entries.
func (s *Share) CachedHosts() int {
	if s.dns == nil {
		return 0
	}
	return s.dns.Len()
}

// Close stops the janitor and drops every cached entry. It is idempotent.
func (s *Share) Close() {
	s.closeOnce.Do(func() {
		if s.dns != nil {
			s.dns.Stop()
			s.dns.DeleteAll()
		}
		s.cookies.Clear()
	})
}
