//go:build linux

package client

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-http/fake"
)

func TestResponseStatistics(t *testing.T) {
	srv := fake.NewServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/old" {
			http.Redirect(w, r, "/new", http.StatusFound)
			return
		}
		body, _ := io.ReadAll(r.Body)
		user, pass, _ := r.BasicAuth()
		_, _ = fmt.Fprintf(w, "%s %s %s:%s %s", r.Method, r.Header.Get("Content-Type"), user, pass, body)
	}))
	rl := startLoop(t, testConfig())
	s := rl.session(nil)

	require.NoError(t, s.Request("post", Request{
		Method: "POST",
		URL:    srv.URL + "/form",
		Auth:   &Credentials{Username: "bob", Password: "pw"},
		Body:   []byte("k=v"),
	}))
	require.NoError(t, s.Request("redirect", Request{Method: "GET", URL: srv.URL + "/old"}))
	outs := await(t, rl.loop, 2)
	defer closeResponses(t, outs)

	byToken := map[any]*Response{}
	for _, o := range outs {
		require.NoError(t, o.Err)
		byToken[o.Token] = o.Response
	}

	post := byToken["post"]
	require.NotNil(t, post)
	assert.Equal(t, 200, post.ResponseCode())
	assert.Equal(t, "POST application/x-www-form-urlencoded bob:pw k=v", bodyString(post))
	assert.Equal(t, int64(3), post.UploadSize())
	assert.Equal(t, int64(len(bodyString(post))), post.DownloadSize())
	u, ok := post.EffectiveURL()
	assert.True(t, ok)
	assert.Equal(t, srv.URL+"/form", u)
	ip, ok := post.PrimaryIP()
	assert.True(t, ok)
	assert.Equal(t, "127.0.0.1", ip)
	_, ok = post.RedirectURL()
	assert.False(t, ok)
	assert.Positive(t, post.TotalTime())
	assert.LessOrEqual(t, post.NameLookupTime(), post.ConnectTime())
	assert.LessOrEqual(t, post.ConnectTime(), post.PreTransferTime())
	assert.LessOrEqual(t, post.PreTransferTime(), post.StartTransferTime())
	assert.LessOrEqual(t, post.StartTransferTime(), post.TotalTime())
	assert.Zero(t, post.AppConnectTime())

	redirect := byToken["redirect"]
	require.NotNil(t, redirect)
	assert.Equal(t, http.StatusFound, redirect.ResponseCode())
	loc, ok := redirect.RedirectURL()
	assert.True(t, ok)
	assert.Equal(t, srv.URL+"/new", loc)
}

func TestResponseCookieList(t *testing.T) {
	srv := fake.NewServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "srv", Value: "2", Path: "/"})
		_, _ = io.WriteString(w, r.Header.Get("Cookie"))
	}))
	rl := startLoop(t, testConfig())
	s := rl.session(nil)

	require.NoError(t, s.Request("c", Request{Method: "GET", URL: srv.URL + "/", Cookies: []string{"Set-Cookie: pre=1; Path=/"}}))
	outs := await(t, rl.loop, 1)
	defer closeResponses(t, outs)
	require.NoError(t, outs[0].Err)

	resp := outs[0].Response
	assert.Equal(t, "pre=1", bodyString(resp))
	assert.ElementsMatch(t, []string{
		"127.0.0.1\tFALSE\t/\tFALSE\t0\tpre\t1",
		"127.0.0.1\tFALSE\t/\tFALSE\t0\tsrv\t2",
	}, resp.CookieList())
}

func TestSessionCookieEngine(t *testing.T) {
	srv := fake.NewServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/login" {
			http.SetCookie(w, &http.Cookie{Name: "sid", Value: "s1", Path: "/"})
		}
		_, _ = io.WriteString(w, r.Header.Get("Cookie"))
	}))
	rl := startLoop(t, testConfig())
	cfg := DefaultSessionConfig()
	cfg.CookieEngine = true
	s := rl.session(cfg)

	require.NoError(t, s.Request("login", Request{Method: "GET", URL: srv.URL + "/login"}))
	closeResponses(t, await(t, rl.loop, 1))
	require.NoError(t, s.Request("next", Request{Method: "GET", URL: srv.URL + "/next"}))
	outs := await(t, rl.loop, 1)
	defer closeResponses(t, outs)
	require.NoError(t, outs[0].Err)
	assert.Equal(t, "sid=s1", bodyString(outs[0].Response))
}

func TestResponseCloseSchedulesTeardown(t *testing.T) {
	srv := fake.NewServer(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, strings.Repeat("x", 10))
	}))
	rl := startLoop(t, testConfig())
	s := rl.session(nil)

	require.NoError(t, s.Request("r", Request{Method: "GET", URL: srv.URL}))
	outs := await(t, rl.loop, 1)
	require.NoError(t, outs[0].Err)
	resp := outs[0].Response
	released := rl.loop.Metrics().HandlesReleased
	assert.Zero(t, testutil.ToFloat64(released))

	require.NoError(t, resp.Close())
	require.NoError(t, resp.Close())
	assert.Nil(t, resp.Body())
	assert.Nil(t, resp.Headers())
	assert.Nil(t, resp.CookieList())
	assert.Zero(t, resp.ResponseCode())
	assert.Zero(t, resp.DownloadSize())
	_, ok := resp.EffectiveURL()
	assert.False(t, ok)

	require.Eventually(t, func() bool { return testutil.ToFloat64(released) == 1 }, 5*time.Second, time.Millisecond)
	// The handle went back to the engine exactly once.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(released))
}
