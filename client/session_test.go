//go:build linux

package client

import (
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-http/api"
	"github.com/momentics/hioload-http/fake"
)

func TestRequestValidation(t *testing.T) {
	tests := []struct {
		name string
		req  Request
	}{
		{"empty method", Request{URL: "http://x/"}},
		{"method with space", Request{Method: "GET /", URL: "http://x/"}},
		{"header without separator", Request{Method: "GET", Headers: []string{"X-A"}}},
		{"header with line break", Request{Method: "GET", Headers: []string{"X-A: b\r\nX-B: c"}}},
		{"header without name", Request{Method: "GET", Headers: []string{": b"}}},
		{"empty username", Request{Method: "GET", Auth: &Credentials{Password: "p"}}},
		{"colon in username", Request{Method: "GET", Auth: &Credentials{Username: "a:b", Password: "p"}}},
		{"certificate without key", Request{Method: "GET", Cert: &ClientCert{CertFile: "c.pem"}}},
		{"key without certificate", Request{Method: "GET", Cert: &ClientCert{KeyFile: "k.pem"}}},
		{"empty cookie", Request{Method: "GET", Cookies: []string{" "}}},
		{"cookie with line break", Request{Method: "GET", Cookies: []string{"a=1\nb=2"}}},
	}
	rl := startLoop(t, testConfig())
	s := rl.session(nil)

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := s.Request(test.name, test.req)
			var verr *api.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.ErrorIs(t, err, api.ErrInvalidArgument)
			assert.NotEmpty(t, verr.Field)
		})
	}
	assert.Zero(t, s.InFlight())
	assert.Equal(t, float64(len(tests)), testutil.ToFloat64(rl.loop.Metrics().ValidationErrors))

	// Only the valid request reaches the completion queue.
	require.NoError(t, s.Request("valid", Request{
		Method:  "GET",
		URL:     "http://example.invalid/",
		Headers: []string{"X-A: b", "Accept:", "X-Empty;"},
		Cookies: []string{"a=1"},
		Auth:    &Credentials{Username: "u", Password: "p:w"},
		Dummy:   true,
	}))
	outs := await(t, rl.loop, 1)
	closeResponses(t, outs)
	require.Len(t, outs, 1)
	assert.Equal(t, "valid", outs[0].Token)
	assert.Empty(t, rl.loop.DrainCompletions())
	assert.Equal(t, 1.0, testutil.ToFloat64(rl.loop.Metrics().RequestsSubmitted))
}

func TestRequestCopiesCallerSlices(t *testing.T) {
	req := Request{Method: "POST", Headers: []string{"X-A: 1"}, Body: []byte("abc"), Auth: &Credentials{Username: "u"}}
	p := req.pending("t", nil)
	req.Headers[0] = "X-A: 2"
	req.Body[0] = 'z'
	req.Auth.Username = "other"

	assert.Equal(t, []string{"X-A: 1"}, p.headers)
	assert.Equal(t, []byte("abc"), p.body)
	assert.Equal(t, "u", p.auth.Username)

	empty := Request{Method: "POST", Body: []byte{}}
	assert.NotNil(t, empty.pending(nil, nil).body)
	assert.Nil(t, (&Request{Method: "GET"}).pending(nil, nil).body)
}

func TestSessionClose(t *testing.T) {
	rl := startLoop(t, testConfig())
	s, err := NewSession(rl.loop, nil)
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Request("x", Request{Method: "GET", Dummy: true}), api.ErrSessionClosed)

	_, err = NewSession(nil, nil)
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
}

func TestSessionCloseWaitsForOutcomes(t *testing.T) {
	srv := fake.NewServer(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("late"))
	}))
	rl := startLoop(t, testConfig())
	s, err := NewSession(rl.loop, nil)
	require.NoError(t, err)

	require.NoError(t, s.Request("pending", Request{Method: "GET", URL: srv.URL}))
	require.NoError(t, s.Close())

	outs := await(t, rl.loop, 1)
	defer closeResponses(t, outs)
	require.NoError(t, outs[0].Err)
	assert.Equal(t, "late", bodyString(outs[0].Response))
	assert.Zero(t, s.InFlight())
}

func TestClientCertificateWithoutAuth(t *testing.T) {
	srv := fake.NewTLSServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(r.TLS.PeerCertificates[0].Subject.CommonName))
	}), true)
	rl := startLoop(t, testConfig())
	cfg := DefaultSessionConfig()
	cfg.CAFile = srv.CAFile
	s := rl.session(cfg)

	require.NoError(t, s.Request("cert", Request{
		Method: "GET",
		URL:    srv.URL,
		Cert:   &ClientCert{CertFile: srv.ClientCertFile, KeyFile: srv.ClientKeyFile},
	}))
	outs := await(t, rl.loop, 1)
	defer closeResponses(t, outs)
	require.NoError(t, outs[0].Err)
	resp := outs[0].Response
	assert.Equal(t, 200, resp.ResponseCode())
	assert.Equal(t, "fake client", bodyString(resp))
	assert.Positive(t, resp.AppConnectTime())
}

func TestSessionVerifiesPeersByDefault(t *testing.T) {
	srv := fake.NewTLSServer(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("secret"))
	}), false)
	rl := startLoop(t, testConfig())
	strict := rl.session(nil)
	cfg := DefaultSessionConfig()
	cfg.InsecureSkipVerify = true
	lax := rl.session(cfg)

	require.NoError(t, strict.Request("strict", Request{Method: "GET", URL: srv.URL}))
	require.NoError(t, lax.Request("lax", Request{Method: "GET", URL: srv.URL}))
	outs := await(t, rl.loop, 2)
	defer closeResponses(t, outs)

	for _, o := range outs {
		switch o.Token {
		case "strict":
			var terr *api.TransferError
			require.ErrorAs(t, o.Err, &terr)
			assert.Equal(t, api.ResultPeerFailedVerification, terr.Code)
		case "lax":
			require.NoError(t, o.Err)
			assert.Equal(t, "secret", bodyString(o.Response))
		default:
			t.Fatalf("unexpected token %v", o.Token)
		}
	}
}
