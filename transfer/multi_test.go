//go:build linux

package transfer

import (
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/momentics/hioload-http/api"
	"github.com/momentics/hioload-http/fake"
	"github.com/momentics/hioload-http/internal/logging"
	"github.com/momentics/hioload-http/reactor"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// driver wires a Multi to a reactor the way an event loop does and runs it
// on the test goroutine.
type driver struct {
	t       *testing.T
	r       *fake.Reactor
	m       *Multi
	timerID int64
	msgs    []*Message
}

func newDriver(t *testing.T) *driver {
	t.Helper()
	inner, err := reactor.New(reactor.DefaultConfig())
	require.NoError(t, err)
	cfg := DefaultMultiConfig()
	cfg.Logger = logging.NewTestLogger()
	m, err := NewMulti(cfg)
	require.NoError(t, err)

	d := &driver{t: t, r: fake.NewReactor(inner), m: m, timerID: -1}
	m.SetSocketFunc(d.socket)
	m.SetTimerFunc(d.timer)
	t.Cleanup(func() {
		assert.NoError(t, m.Close())
		assert.NoError(t, inner.Close())
	})
	return d
}

func (d *driver) onFile(fd int, fired api.EventMask) {
	_, err := d.m.SocketAction(fd, fired)
	assert.NoError(d.t, err)
	d.collect()
}

func (d *driver) socket(fd int, what api.PollAction) error {
	switch what {
	case api.PollIn:
		if err := d.r.CreateFileEvent(fd, api.EventReadable, d.onFile); err != nil {
			return err
		}
		return d.r.DeleteFileEvent(fd, api.EventWritable)
	case api.PollOut:
		if err := d.r.CreateFileEvent(fd, api.EventWritable, d.onFile); err != nil {
			return err
		}
		return d.r.DeleteFileEvent(fd, api.EventReadable)
	case api.PollInOut:
		return d.r.CreateFileEvent(fd, api.EventBoth, d.onFile)
	case api.PollRemove:
		return d.r.DeleteFileEvent(fd, api.EventBoth)
	}
	return nil
}

func (d *driver) timer(timeout time.Duration) error {
	if d.timerID >= 0 {
		_ = d.r.DeleteTimeEvent(d.timerID)
		d.timerID = -1
	}
	if timeout < 0 {
		return nil
	}
	id, err := d.r.CreateTimeEvent(timeout, func(int64) {
		d.timerID = -1
		_, err := d.m.SocketAction(api.SocketTimeout, api.EventNone)
		assert.NoError(d.t, err)
		d.collect()
	})
	if err != nil {
		return err
	}
	d.timerID = id
	return nil
}

func (d *driver) collect() {
	for {
		msg, ok := d.m.InfoRead()
		if !ok {
			return
		}
		d.msgs = append(d.msgs, msg)
	}
}

func (d *driver) add(e *Easy) {
	d.t.Helper()
	require.NoError(d.t, d.m.Add(e))
	d.collect()
}

// wait runs reactor passes until n messages arrived in total.
func (d *driver) wait(n int) []*Message {
	d.t.Helper()
	expired := false
	guard, err := d.r.Reactor.CreateTimeEvent(10*time.Second, func(int64) { expired = true })
	require.NoError(d.t, err)
	defer func() {
		if !expired {
			_ = d.r.Reactor.DeleteTimeEvent(guard)
		}
	}()
	for len(d.msgs) < n {
		require.False(d.t, expired, "transfers did not finish in time")
		_, err := d.r.ProcessEvents(api.AllEvents)
		require.NoError(d.t, err)
	}
	return d.msgs
}

// fetch runs one transfer to completion and returns its message plus the
// collected header lines and body segments.
func (d *driver) fetch(e *Easy) (*Message, []string, []string) {
	d.t.Helper()
	var headers, body []string
	e.SetHeaderFunc(func(p []byte) int {
		headers = append(headers, string(p))
		return len(p)
	})
	e.SetWriteFunc(func(p []byte) int {
		body = append(body, string(p))
		return len(p)
	})
	d.add(e)
	msgs := d.wait(len(d.msgs) + 1)
	msg := msgs[len(msgs)-1]
	require.Same(d.t, e, msg.Easy)
	require.NoError(d.t, d.m.Remove(e))
	return msg, headers, body
}

func TestMultiGet(t *testing.T) {
	srv := fake.NewServer(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-Test", "1")
		_, _ = w.Write([]byte("hello"))
	}))
	d := newDriver(t)

	e := d.m.NewEasy()
	e.SetURL(srv.URL + "/path?q=1")
	msg, headers, body := d.fetch(e)

	require.Equal(t, api.ResultOK, msg.Result, msg.Detail)
	assert.Equal(t, "hello", strings.Join(body, ""))
	require.NotEmpty(t, headers)
	assert.Equal(t, "HTTP/1.1 200 OK\r\n", headers[0])
	assert.Equal(t, "\r\n", headers[len(headers)-1])
	assert.Contains(t, headers, "X-Test: 1\r\n")

	info := e.Info()
	assert.Equal(t, 200, info.ResponseCode)
	assert.Equal(t, srv.URL+"/path?q=1", info.EffectiveURL)
	assert.Equal(t, "127.0.0.1", info.PrimaryIP)
	assert.Equal(t, int64(5), info.SizeDownload)
	assert.Positive(t, info.TotalTime)
	assert.LessOrEqual(t, info.ConnectTime, info.TotalTime)
	assert.Empty(t, info.RedirectURL)
	assert.Zero(t, d.m.Running())
}

func TestMultiReusesConnections(t *testing.T) {
	srv := fake.NewServer(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	d := newDriver(t)

	for i := 0; i < 3; i++ {
		e := d.m.NewEasy()
		e.SetURL(srv.URL)
		msg, _, body := d.fetch(e)
		require.Equal(t, api.ResultOK, msg.Result, msg.Detail)
		assert.Equal(t, []string{"ok"}, body)
		d.m.Cleanup(e)
	}
	assert.Equal(t, int64(1), srv.Connections())
	assert.Equal(t, 1, d.m.IdleConnections())
}

func TestMultiPostWithHeaderOverrides(t *testing.T) {
	srv := fake.NewServer(t, fake.EchoHandler())
	d := newDriver(t)

	e := d.m.NewEasy()
	e.SetMethod("POST")
	e.SetURL(srv.URL + "/submit")
	e.SetHeaders([]string{"Accept:", "X-Empty;", "X-Custom: yes", "Content-Type: text/plain"})
	e.SetBody([]byte("a=1&b=2"))
	msg, _, body := d.fetch(e)

	require.Equal(t, api.ResultOK, msg.Result, msg.Detail)
	echo := strings.Join(body, "")
	assert.True(t, strings.HasPrefix(echo, "POST /submit\n"), echo)
	assert.Contains(t, echo, "Content-Type: text/plain\n")
	assert.Contains(t, echo, "X-Custom: yes\n")
	assert.Contains(t, echo, "X-Empty: \n")
	assert.NotContains(t, echo, "Accept:")
	assert.True(t, strings.HasSuffix(echo, "\n\na=1&b=2"), echo)
	assert.Equal(t, int64(7), e.Info().SizeUpload)
}

func TestMultiBasicAuth(t *testing.T) {
	srv := fake.NewServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		_, _ = fmt.Fprintf(w, "%s/%s/%t", user, pass, ok)
	}))
	d := newDriver(t)

	e := d.m.NewEasy()
	e.SetURL(srv.URL)
	e.SetUserPwd("alice", "s3cret")
	msg, _, body := d.fetch(e)
	require.Equal(t, api.ResultOK, msg.Result, msg.Detail)
	assert.Equal(t, "alice/s3cret/true", strings.Join(body, ""))
}

func TestMultiConnectionRefused(t *testing.T) {
	d := newDriver(t)
	e := d.m.NewEasy()
	e.SetURL(fake.RefusedURL(t))
	msg, headers, body := d.fetch(e)

	assert.Equal(t, api.ResultCouldntConnect, msg.Result)
	assert.Equal(t, "Couldn't connect to server", msg.Result.String())
	assert.Contains(t, msg.Detail, "failed to connect")
	assert.Empty(t, headers)
	assert.Empty(t, body)
}

func TestMultiMalformedURL(t *testing.T) {
	d := newDriver(t)
	e := d.m.NewEasy()
	e.SetURL("gopher://example.com/")
	msg, _, _ := d.fetch(e)
	assert.Equal(t, api.ResultUnsupportedProtocol, msg.Result)
}

func TestMultiTimeout(t *testing.T) {
	srv := fake.NewServer(t, http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	d := newDriver(t)

	e := d.m.NewEasy()
	e.SetURL(srv.URL)
	e.SetTimeout(100 * time.Millisecond)
	start := time.Now()
	msg, _, _ := d.fetch(e)

	assert.Equal(t, api.ResultOperationTimedout, msg.Result)
	assert.Contains(t, msg.Detail, "timed out")
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.Zero(t, d.m.IdleConnections())
}

func TestMultiTimerFailureFailsPendingTransfers(t *testing.T) {
	srv := fake.NewServer(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	d := newDriver(t)

	d.r.FailTimers(true)
	e := d.m.NewEasy()
	e.SetURL(srv.URL)
	d.add(e)
	require.Len(t, d.msgs, 1)
	assert.Equal(t, api.ResultResourceExhausted, d.msgs[0].Result)
	assert.Contains(t, d.msgs[0].Detail, fake.ErrTimerRefused.Error())
	assert.Positive(t, d.r.Refused())
	assert.Zero(t, d.m.Running())
	require.NoError(t, d.m.Remove(e))

	d.r.FailTimers(false)
	msg, _, body := d.fetch(e)
	require.Equal(t, api.ResultOK, msg.Result, msg.Detail)
	assert.Equal(t, []string{"ok"}, body)
}

func TestMultiChunkedSegments(t *testing.T) {
	srv := fake.NewServer(t, fake.ChunkedHandler("ab", "cd", "e"))
	d := newDriver(t)

	e := d.m.NewEasy()
	e.SetURL(srv.URL)
	msg, headers, body := d.fetch(e)
	require.Equal(t, api.ResultOK, msg.Result, msg.Detail)
	assert.Equal(t, []string{"ab", "cd", "e"}, body)
	assert.Contains(t, headers, "Transfer-Encoding: chunked\r\n")
	assert.Equal(t, int64(5), e.Info().SizeDownload)
}

func TestMultiWriteCallbackAbort(t *testing.T) {
	srv := fake.NewServer(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("refused body"))
	}))
	d := newDriver(t)

	e := d.m.NewEasy()
	e.SetURL(srv.URL)
	e.SetWriteFunc(func([]byte) int { return 0 })
	d.add(e)
	msgs := d.wait(1)
	assert.Equal(t, api.ResultWriteError, msgs[0].Result)
}

func TestMultiRemovePendingTransfer(t *testing.T) {
	d := newDriver(t)
	e := d.m.NewEasy()
	e.SetURL("http://127.0.0.1:1/")
	d.add(e)
	require.Equal(t, 1, d.m.Running())
	require.NoError(t, d.m.Remove(e))
	assert.Zero(t, d.m.Running())

	_, err := d.r.ProcessEvents(api.AllEvents | api.DontWait)
	require.NoError(t, err)
	assert.Empty(t, d.msgs)
	assert.ErrorIs(t, d.m.Add(&Easy{}), api.ErrInvalidArgument)
}

func TestMultiTLS(t *testing.T) {
	srv := fake.NewTLSServer(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("secure"))
	}), false)
	d := newDriver(t)

	e := d.m.NewEasy()
	e.SetURL(srv.URL)
	msg, _, _ := d.fetch(e)
	assert.Equal(t, api.ResultPeerFailedVerification, msg.Result, msg.Detail)

	e.SetTLS(TLSOptions{CAFile: srv.CAFile})
	msg, _, body := d.fetch(e)
	require.Equal(t, api.ResultOK, msg.Result, msg.Detail)
	assert.Equal(t, "secure", strings.Join(body, ""))
	assert.Positive(t, e.Info().AppConnectTime)

	e.SetTLS(TLSOptions{InsecureSkipVerify: true})
	msg, _, body = d.fetch(e)
	require.Equal(t, api.ResultOK, msg.Result, msg.Detail)
	assert.Equal(t, "secure", strings.Join(body, ""))
}

func TestMultiClientCertificate(t *testing.T) {
	srv := fake.NewTLSServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(r.TLS.PeerCertificates[0].Subject.CommonName))
	}), true)
	d := newDriver(t)

	e := d.m.NewEasy()
	e.SetURL(srv.URL)
	e.SetTLS(TLSOptions{CertFile: srv.ClientCertFile, KeyFile: srv.ClientKeyFile, CAFile: srv.CAFile})
	msg, _, body := d.fetch(e)
	require.Equal(t, api.ResultOK, msg.Result, msg.Detail)
	assert.Equal(t, "fake client", strings.Join(body, ""))

	e.SetTLS(TLSOptions{CertFile: "/nonexistent/cert.pem", KeyFile: "/nonexistent/key.pem", CAFile: srv.CAFile})
	msg, _, _ = d.fetch(e)
	assert.Equal(t, api.ResultSSLCertProblem, msg.Result)
}

func TestMultiSharedCookies(t *testing.T) {
	srv := fake.NewServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/set" {
			http.SetCookie(w, &http.Cookie{Name: "sid", Value: "42", Path: "/"})
		}
		_, _ = w.Write([]byte(r.Header.Get("Cookie")))
	}))
	share := NewShare(ShareConfig{})
	t.Cleanup(share.Close)
	d := newDriver(t)

	first := d.m.NewEasy()
	first.SetShare(share)
	first.EnableCookieEngine()
	first.SetURL(srv.URL + "/set")
	msg, _, _ := d.fetch(first)
	require.Equal(t, api.ResultOK, msg.Result, msg.Detail)
	assert.Equal(t, []string{"127.0.0.1\tFALSE\t/\tFALSE\t0\tsid\t42"}, first.Info().Cookies)

	second := d.m.NewEasy()
	second.SetShare(share)
	second.EnableCookieEngine()
	second.SetURL(srv.URL + "/get")
	msg, _, body := d.fetch(second)
	require.Equal(t, api.ResultOK, msg.Result, msg.Detail)
	assert.Equal(t, "sid=42", strings.Join(body, ""))
}
