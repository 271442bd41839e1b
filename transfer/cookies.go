// File: transfer/cookies.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Cookie engine: accepts Set-Cookie values and Netscape cookie-file lines,
// matches cookies to outgoing requests and exports the jar in Netscape format.

package transfer

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const httpOnlyPrefix = "#HttpOnly_"

var errCookieLine = errors.New("malformed cookie line")

// Cookie is one stored cookie. An empty Domain matches every host.
type Cookie struct {
	Domain   string
	HostOnly bool
	Path     string
	Secure   bool
	HTTPOnly bool
	Expires  time.Time // zero for session cookies
	Name     string
	Value    string
}

func (c *Cookie) expired(now time.Time) bool {
	return !c.Expires.IsZero() && !now.Before(c.Expires)
}

func (c *Cookie) matches(u *url.URL, now time.Time) bool {
	if c.expired(now) {
		return false
	}
	if c.Secure && u.Scheme != "https" {
		return false
	}
	return domainMatch(c.Domain, c.HostOnly, u.Hostname()) && pathMatch(c.Path, u.EscapedPath())
}

// Netscape renders the cookie as a cookie-file line.
func (c *Cookie) Netscape() string {
	domain := c.Domain
	if !c.HostOnly && domain != "" {
		domain = "." + domain
	}
	if c.HTTPOnly {
		domain = httpOnlyPrefix + domain
	}
	var expires int64
	if !c.Expires.IsZero() {
		expires = c.Expires.Unix()
	}
	return strings.Join([]string{
		domain,
		boolField(!c.HostOnly),
		c.Path,
		boolField(c.Secure),
		strconv.FormatInt(expires, 10),
		c.Name,
		c.Value,
	}, "\t")
}

func boolField(b bool) string {
	if b {
		return "TRUE"
	}
	return "FALSE"
}

func domainMatch(domain string, hostOnly bool, host string) bool {
	if domain == "" {
		return true
	}
	host = strings.ToLower(host)
	if host == domain {
		return true
	}
	return !hostOnly && strings.HasSuffix(host, "."+domain)
}

func pathMatch(cookiePath, reqPath string) bool {
	if reqPath == "" {
		reqPath = "/"
	}
	if cookiePath == "" || cookiePath == reqPath {
		return true
	}
	if !strings.HasPrefix(reqPath, cookiePath) {
		return false
	}
	return strings.HasSuffix(cookiePath, "/") || reqPath[len(cookiePath)] == '/'
}

func defaultPath(u *url.URL) string {
	if u == nil {
		return "/"
	}
	p := u.EscapedPath()
	if p == "" || p[0] != '/' {
		return "/"
	}
	i := strings.LastIndex(p, "/")
	if i == 0 {
		return "/"
	}
	return p[:i]
}

// CookieJar stores cookies. It is safe for concurrent use.
type CookieJar struct {
	mu      sync.Mutex
	cookies []*Cookie
	now     func() time.Time
}

// NewCookieJar returns an empty jar.
func NewCookieJar() *CookieJar {
	return &CookieJar{now: time.Now}
}

// Add applies one cookie-list line. Accepted forms:
//
//	ALL                      erase every cookie
//	SESS                     erase session cookies
//	FLUSH, RELOAD            accepted, no effect (there is no cookie file)
//	Set-Cookie: n=v; ...     header format
//	domain<TAB>...<TAB>value Netscape format
//	n=v; ...                 header format without the field name
//
// u supplies the default domain and path for header-format lines and may be
// nil.
func (j *CookieJar) Add(line string, u *url.URL) error {
	line = strings.TrimSpace(line)
	switch strings.ToUpper(line) {
	case "ALL":
		j.Clear()
		return nil
	case "SESS":
		j.RemoveSession()
		return nil
	case "FLUSH", "RELOAD":
		return nil
	}
	if strings.Contains(line, "\t") {
		c, err := parseNetscape(line)
		if err != nil {
			return err
		}
		j.store(c)
		return nil
	}
	if len(line) > len("set-cookie:") && strings.EqualFold(line[:len("set-cookie:")], "set-cookie:") {
		line = strings.TrimSpace(line[len("set-cookie:"):])
	}
	return j.SetFromHeader(u, line)
}

// SetFromHeader stores the cookie carried by a Set-Cookie value received for
// u. Cookies whose Domain attribute does not cover the host of u are
// rejected.
func (j *CookieJar) SetFromHeader(u *url.URL, value string) error {
	hc, err := http.ParseSetCookie(value)
	if err != nil {
		return fmt.Errorf("%w: %v", errCookieLine, err)
	}
	c := &Cookie{
		Name:     hc.Name,
		Value:    hc.Value,
		Path:     hc.Path,
		Secure:   hc.Secure,
		HTTPOnly: hc.HttpOnly,
		HostOnly: true,
	}
	host := ""
	if u != nil {
		host = strings.ToLower(u.Hostname())
	}
	if d := strings.ToLower(strings.TrimPrefix(hc.Domain, ".")); d != "" {
		if host != "" && !domainMatch(d, false, host) {
			return fmt.Errorf("%w: domain %q does not cover host %q", errCookieLine, d, host)
		}
		c.Domain = d
		c.HostOnly = false
	} else {
		c.Domain = host
	}
	if c.Path == "" || c.Path[0] != '/' {
		c.Path = defaultPath(u)
	}
	now := j.now()
	switch {
	case hc.MaxAge < 0:
		c.Expires = time.Unix(1, 0)
	case hc.MaxAge > 0:
		c.Expires = now.Add(time.Duration(hc.MaxAge) * time.Second)
	case !hc.Expires.IsZero():
		c.Expires = hc.Expires
	}
	j.store(c)
	return nil
}

func parseNetscape(line string) (*Cookie, error) {
	c := &Cookie{}
	if strings.HasPrefix(line, httpOnlyPrefix) {
		c.HTTPOnly = true
		line = line[len(httpOnlyPrefix):]
	}
	f := strings.Split(line, "\t")
	if len(f) == 6 {
		// A cookie with an empty value may lose its trailing field.
		f = append(f, "")
	}
	if len(f) != 7 {
		return nil, fmt.Errorf("%w: want 7 tab-separated fields, got %d", errCookieLine, len(f))
	}
	tail := strings.EqualFold(f[1], "TRUE")
	c.Domain = strings.ToLower(strings.TrimPrefix(f[0], "."))
	c.HostOnly = !tail && !strings.HasPrefix(f[0], ".")
	c.Path = f[2]
	if c.Path == "" {
		c.Path = "/"
	}
	c.Secure = strings.EqualFold(f[3], "TRUE")
	exp, err := strconv.ParseInt(f[4], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: expiry %q", errCookieLine, f[4])
	}
	if exp != 0 {
		c.Expires = time.Unix(exp, 0)
	}
	c.Name = f[5]
	c.Value = f[6]
	if c.Name == "" {
		return nil, fmt.Errorf("%w: empty name", errCookieLine)
	}
	return c, nil
}

// store replaces a cookie with the same name, domain and path. An already
// expired cookie only deletes its predecessor.
func (j *CookieJar) store(c *Cookie) {
	j.mu.Lock()
	defer j.mu.Unlock()
	now := j.now()
	for i, old := range j.cookies {
		if old.Name == c.Name && old.Domain == c.Domain && old.Path == c.Path {
			if c.expired(now) {
				j.cookies = append(j.cookies[:i], j.cookies[i+1:]...)
			} else {
				j.cookies[i] = c
			}
			return
		}
	}
	if !c.expired(now) {
		j.cookies = append(j.cookies, c)
	}
}

// Header returns the Cookie request header value for u, or "".
func (j *CookieJar) Header(u *url.URL) string {
	j.mu.Lock()
	now := j.now()
	var matched []*Cookie
	for _, c := range j.cookies {
		if c.matches(u, now) {
			matched = append(matched, c)
		}
	}
	j.mu.Unlock()
	if len(matched) == 0 {
		return ""
	}
	// Longer paths first.
	sort.SliceStable(matched, func(a, b int) bool {
		return len(matched[a].Path) > len(matched[b].Path)
	})
	var sb strings.Builder
	for i, c := range matched {
		if i > 0 {
			sb.WriteString("; ")
		}
		sb.WriteString(c.Name)
		sb.WriteByte('=')
		sb.WriteString(c.Value)
	}
	return sb.String()
}

// Netscape exports every live cookie, one cookie-file line each.
func (j *CookieJar) Netscape() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	now := j.now()
	out := make([]string, 0, len(j.cookies))
	for _, c := range j.cookies {
		if !c.expired(now) {
			out = append(out, c.Netscape())
		}
	}
	return out
}

// Len reports the number of stored cookies, including expired ones not yet
// purged.
func (j *CookieJar) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.cookies)
}

// Clear erases every cookie.
func (j *CookieJar) Clear() {
	j.mu.Lock()
	j.cookies = nil
	j.mu.Unlock()
}

// RemoveSession erases cookies without an expiry.
func (j *CookieJar) RemoveSession() {
	j.mu.Lock()
	defer j.mu.Unlock()
	kept := j.cookies[:0]
	for _, c := range j.cookies {
		if !c.Expires.IsZero() {
			kept = append(kept, c)
		}
	}
	j.cookies = kept
}
