// File: transfer/request.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Request target parsing and HTTP/1.1 request serialization.

package transfer

import (
	"encoding/base64"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/valyala/bytebufferpool"

	"github.com/momentics/hioload-http/api"
)

// requestTarget is the parsed form of a transfer URL.
type requestTarget struct {
	u          *url.URL
	https      bool
	host       string // without brackets
	port       string
	hostHeader string
}

// addr is host:port for dialing.
func (t *requestTarget) addr() string { return net.JoinHostPort(t.host, t.port) }

func parseTarget(raw string) (*requestTarget, api.ResultCode, error) {
	if raw == "" {
		return nil, api.ResultURLMalformat, fmt.Errorf("no URL set")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, api.ResultURLMalformat, err
	}
	t := &requestTarget{u: u}
	switch strings.ToLower(u.Scheme) {
	case "http":
		t.port = "80"
	case "https":
		t.https = true
		t.port = "443"
	default:
		return nil, api.ResultUnsupportedProtocol, fmt.Errorf("protocol %q not supported", u.Scheme)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	t.host = u.Hostname()
	if t.host == "" {
		return nil, api.ResultURLMalformat, fmt.Errorf("no host part in URL %q", raw)
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return nil, api.ResultURLMalformat, fmt.Errorf("port %q out of range", p)
		}
		t.port = p
	}
	t.hostHeader = u.Host
	if i := strings.LastIndex(t.hostHeader, "@"); i >= 0 {
		t.hostHeader = t.hostHeader[i+1:]
	}
	return t, api.ResultOK, nil
}

// headerOverride is a caller supplied header line after classification.
type headerOverride struct {
	name   string
	line   string // empty when the line only removes an internal header
	remove bool
}

// parseHeaderLine classifies "Name: value", "Name:" (remove) and "Name;"
// (send empty).
func parseHeaderLine(h string) (headerOverride, bool) {
	if i := strings.IndexByte(h, ':'); i > 0 {
		name := strings.TrimSpace(h[:i])
		if strings.TrimSpace(h[i+1:]) == "" {
			return headerOverride{name: name, remove: true}, true
		}
		return headerOverride{name: name, line: h}, true
	}
	if strings.HasSuffix(h, ";") && len(h) > 1 {
		name := strings.TrimSpace(h[:len(h)-1])
		return headerOverride{name: name, line: name + ":"}, true
	}
	return headerOverride{}, false
}

// ValidHeaderLine reports whether h is accepted as a request header line.
func ValidHeaderLine(h string) bool {
	if strings.ContainsAny(h, "\r\n") {
		return false
	}
	o, ok := parseHeaderLine(h)
	return ok && validToken(o.name)
}

func validToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c <= ' ' || c >= 0x7f || strings.IndexByte("\"(),/:;<=>?@[\\]{}", c) >= 0 {
			return false
		}
	}
	return true
}

// ValidMethod reports whether m is an HTTP token.
func ValidMethod(m string) bool { return validToken(m) }

func basicAuth(userpwd string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(userpwd))
}

// writeRequest serializes the request head and body into buf.
func writeRequest(buf *bytebufferpool.ByteBuffer, o *options, t *requestTarget, cookie string) {
	method := o.method
	if method == "" {
		method = "GET"
		if o.body != nil {
			method = "POST"
		}
	}
	target := t.u.RequestURI()
	if target == "" {
		target = "/"
	}

	overrides := make(map[string]bool, len(o.headers))
	var user []string
	for _, h := range o.headers {
		ov, ok := parseHeaderLine(h)
		if !ok {
			continue
		}
		overrides[strings.ToLower(ov.name)] = true
		if !ov.remove {
			user = append(user, ov.line)
		}
	}
	internal := func(name, value string) {
		if overrides[strings.ToLower(name)] {
			return
		}
		buf.WriteString(name)
		buf.WriteString(": ")
		buf.WriteString(value)
		buf.WriteString("\r\n")
	}

	buf.WriteString(method)
	buf.WriteString(" ")
	buf.WriteString(target)
	buf.WriteString(" HTTP/1.1\r\n")
	internal("Host", t.hostHeader)
	switch {
	case o.hasUserpwd:
		internal("Authorization", basicAuth(o.userpwd))
	case t.u.User != nil:
		pw, _ := t.u.User.Password()
		internal("Authorization", basicAuth(t.u.User.Username()+":"+pw))
	}
	internal("Accept", "*/*")
	if cookie != "" {
		internal("Cookie", cookie)
	}
	if o.body != nil {
		internal("Content-Length", strconv.Itoa(len(o.body)))
		internal("Content-Type", "application/x-www-form-urlencoded")
	}
	for _, line := range user {
		buf.WriteString(line)
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")
	buf.Write(o.body)
}
