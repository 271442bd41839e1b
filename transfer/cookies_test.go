package transfer

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestCookieJarSetCookieAndMatch(t *testing.T) {
	j := NewCookieJar()
	origin := mustURL(t, "http://www.example.com/shop/cart")

	require.NoError(t, j.SetFromHeader(origin, "sid=abc; Path=/; HttpOnly"))
	require.NoError(t, j.SetFromHeader(origin, "pref=dark; Domain=example.com"))
	require.NoError(t, j.SetFromHeader(origin, "tok=1; Secure"))
	assert.Error(t, j.SetFromHeader(origin, "evil=1; Domain=other.com"))

	assert.Equal(t, "sid=abc", j.Header(mustURL(t, "http://www.example.com/")))
	assert.Equal(t, "pref=dark; tok=1; sid=abc", j.Header(mustURL(t, "https://www.example.com/shop/x")))
	assert.Equal(t, "pref=dark", j.Header(mustURL(t, "http://api.example.com/shop")))
	assert.Empty(t, j.Header(mustURL(t, "http://example.org/")))
}

func TestCookieJarExpiryAndReplacement(t *testing.T) {
	j := NewCookieJar()
	now := time.Unix(1700000000, 0)
	j.now = func() time.Time { return now }
	u := mustURL(t, "http://example.com/")

	require.NoError(t, j.SetFromHeader(u, "a=1; Max-Age=60"))
	require.NoError(t, j.SetFromHeader(u, "a=2; Max-Age=60"))
	assert.Equal(t, "a=2", j.Header(u))
	assert.Equal(t, 1, j.Len())

	require.NoError(t, j.SetFromHeader(u, "a=gone; Max-Age=-1"))
	assert.Empty(t, j.Header(u))
	assert.Zero(t, j.Len())

	require.NoError(t, j.SetFromHeader(u, "b=1; Max-Age=10"))
	now = now.Add(11 * time.Second)
	assert.Empty(t, j.Header(u))
	assert.Empty(t, j.Netscape())
}

func TestCookieJarCommandsAndNetscape(t *testing.T) {
	j := NewCookieJar()
	u := mustURL(t, "http://example.com/")

	require.NoError(t, j.Add("Set-Cookie: s=1", u))
	require.NoError(t, j.Add(".example.com\tTRUE\t/\tFALSE\t4102444800\tp\t2", nil))
	require.NoError(t, j.Add("#HttpOnly_example.com\tFALSE\t/\tTRUE\t0\th\t3", nil))
	require.NoError(t, j.Add("FLUSH", nil))
	assert.Error(t, j.Add("a\tb", nil))

	assert.ElementsMatch(t, []string{
		"example.com\tFALSE\t/\tFALSE\t0\ts\t1",
		".example.com\tTRUE\t/\tFALSE\t4102444800\tp\t2",
		"#HttpOnly_example.com\tFALSE\t/\tTRUE\t0\th\t3",
	}, j.Netscape())

	require.NoError(t, j.Add("SESS", nil))
	assert.Equal(t, []string{".example.com\tTRUE\t/\tFALSE\t4102444800\tp\t2"}, j.Netscape())

	require.NoError(t, j.Add("all", nil))
	assert.Zero(t, j.Len())
}

func TestPathMatch(t *testing.T) {
	assert.True(t, pathMatch("/", "/anything"))
	assert.True(t, pathMatch("/docs", "/docs/a"))
	assert.True(t, pathMatch("/docs/", "/docs/a"))
	assert.False(t, pathMatch("/docs", "/docsx"))
	assert.Equal(t, "/shop", defaultPath(mustURL(t, "http://h/shop/cart")))
	assert.Equal(t, "/", defaultPath(mustURL(t, "http://h/cart")))
}
