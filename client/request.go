// File: client/request.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package client

import (
	"strings"

	"github.com/momentics/hioload-http/api"
	"github.com/momentics/hioload-http/transfer"
)

// Credentials enable HTTP basic authentication.
type Credentials struct {
	Username string
	Password string
}

// ClientCert names the PEM files of a client certificate and its key.
type ClientCert struct {
	CertFile string
	KeyFile  string
}

// Request describes one transfer.
type Request struct {
	Method string
	URL    string
	// Headers are raw header lines. "Name: value" adds or overrides a
	// header, "Name:" suppresses a header the engine would add and "Name;"
	// sends the header with an empty value.
	Headers []string
	Auth    *Credentials
	// Cookies are cookie-list lines: Set-Cookie values, Netscape lines or
	// the commands ALL, SESS, FLUSH and RELOAD.
	Cookies []string
	// Body is sent as is. Nil sends no body; an empty non-nil slice sends
	// an empty one.
	Body []byte
	// Dummy completes the request successfully without any network
	// activity.
	Dummy bool
	Cert  *ClientCert
}

// pendingRequest is the validated copy that travels to the loop goroutine.
// Its reference fields are cleared once they are applied to a handle.
type pendingRequest struct {
	method  string
	url     string
	headers []string
	auth    *Credentials
	cert    *ClientCert
	cookies []string
	body    []byte
	dummy   bool
	token   any
	session *Session
}

func (r *Request) validate() error {
	if !transfer.ValidMethod(r.Method) {
		return api.NewValidationError("method", "must be a non-empty HTTP token")
	}
	for _, h := range r.Headers {
		if !transfer.ValidHeaderLine(h) {
			return api.NewValidationError("headers", "must hold single header lines like \"Name: value\", \"Name:\" or \"Name;\"")
		}
	}
	if r.Auth != nil {
		if r.Auth.Username == "" || strings.Contains(r.Auth.Username, ":") {
			return api.NewValidationError("auth", "username must be non-empty and must not contain ':'")
		}
		if strings.ContainsAny(r.Auth.Username+r.Auth.Password, "\r\n") {
			return api.NewValidationError("auth", "must not contain line breaks")
		}
	}
	if r.Cert != nil && (r.Cert.CertFile == "" || r.Cert.KeyFile == "") {
		return api.NewValidationError("cert", "needs both a certificate and a key path")
	}
	for _, c := range r.Cookies {
		if strings.TrimSpace(c) == "" || strings.ContainsAny(c, "\r\n") {
			return api.NewValidationError("cookies", "must hold non-empty single-line cookie strings")
		}
	}
	return nil
}

// pending copies r so the caller may reuse its slices after submission.
func (r *Request) pending(token any, s *Session) *pendingRequest {
	p := &pendingRequest{
		method:  r.Method,
		url:     r.URL,
		dummy:   r.Dummy,
		token:   token,
		session: s,
	}
	if r.Headers != nil {
		p.headers = append([]string(nil), r.Headers...)
	}
	if r.Cookies != nil {
		p.cookies = append([]string(nil), r.Cookies...)
	}
	if r.Body != nil {
		p.body = append(make([]byte, 0, len(r.Body)), r.Body...)
	}
	if r.Auth != nil {
		a := *r.Auth
		p.auth = &a
	}
	if r.Cert != nil {
		c := *r.Cert
		p.cert = &c
	}
	return p
}
