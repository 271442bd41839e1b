// Package fake
// Author: momentics <momentics@gmail.com>
//
// Plain HTTP fixtures built on net/http/httptest.

package fake

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

// Server is an httptest server that counts accepted connections.
type Server struct {
	*httptest.Server

	conns atomic.Int64
}

// NewServer starts h on a loopback port and stops it when the test ends.
func NewServer(tb testing.TB, h http.Handler) *Server {
	tb.Helper()
	s := &Server{Server: httptest.NewUnstartedServer(h)}
	s.Config.ConnState = func(_ net.Conn, st http.ConnState) {
		if st == http.StateNew {
			s.conns.Add(1)
		}
	}
	s.Start()
	tb.Cleanup(s.Close)
	return s
}

// Connections reports how many TCP connections the server accepted.
func (s *Server) Connections() int64 { return s.conns.Load() }

// ChunkedHandler answers 200 with the body split into exactly the given
// chunks, flushing after each so every chunk travels as its own chunk frame.
func ChunkedHandler(chunks ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		f, _ := w.(http.Flusher)
		for _, c := range chunks {
			_, _ = io.WriteString(w, c)
			if f != nil {
				f.Flush()
			}
		}
	})
}

// EchoHandler describes the request back as plain text: the method and URI
// on the first line, one "Name: value" line per header value, a blank line
// and the body.
func EchoHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var b strings.Builder
		b.WriteString(r.Method + " " + r.RequestURI + "\n")
		if r.Host != "" {
			b.WriteString("Host: " + r.Host + "\n")
		}
		for name, values := range r.Header {
			for _, v := range values {
				b.WriteString(name + ": " + v + "\n")
			}
		}
		b.WriteString("\n")
		b.Write(body)
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, b.String())
	})
}

// RefusedURL returns an http URL on a loopback port nothing listens on.
func RefusedURL(tb testing.TB) string {
	tb.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	_ = l.Close()
	return "http://" + addr + "/"
}
