// File: transfer/connector.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Connection establishment. Name resolution, TCP connect and the TLS
// handshake block, so they run on a helper goroutine per attempt; the result
// comes back to the reactor goroutine through a handoff queue. The helper only
// touches its own dialJob and the thread-safe Share.

package transfer

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-http/api"
)

// TLSOptions configures the client side of a TLS connection.
type TLSOptions struct {
	CertFile           string
	KeyFile            string
	CAFile             string
	InsecureSkipVerify bool
}

type dialJob struct {
	xfer    uint64
	target  *requestTarget
	tls     TLSOptions
	share   *Share
	start   time.Time
	key     string
	timeout time.Duration
}

type dialResult struct {
	xfer       uint64
	conn       *conn
	nameLookup time.Duration
	connect    time.Duration
	appConnect time.Duration
	code       api.ResultCode
	err        error
}

// connKey groups connections that may be reused for one another.
func connKey(t *requestTarget, o TLSOptions) string {
	if !t.https {
		return "http://" + t.addr()
	}
	return fmt.Sprintf("https://%s|%s|%s|%s|%t", t.addr(), o.CertFile, o.KeyFile, o.CAFile, o.InsecureSkipVerify)
}

// dial runs on a helper goroutine.
func dial(ctx context.Context, job *dialJob, bridges *sync.WaitGroup) *dialResult {
	res := &dialResult{xfer: job.xfer}
	fail := func(code api.ResultCode, err error) *dialResult {
		res.code, res.err = code, err
		return res
	}

	if job.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.timeout)
		defer cancel()
	}

	addrs, err := job.share.Resolve(ctx, job.target.host)
	if err != nil {
		return fail(api.ResultCouldntResolveHost, fmt.Errorf("could not resolve host %s: %w", job.target.host, err))
	}
	res.nameLookup = time.Since(job.start)

	var (
		nc      net.Conn
		lastErr error
		d       net.Dialer
	)
	for _, a := range addrs {
		nc, lastErr = d.DialContext(ctx, "tcp", net.JoinHostPort(a.IP.String(), job.target.port))
		if lastErr == nil {
			break
		}
	}
	if nc == nil {
		if lastErr == nil {
			lastErr = errors.New("no addresses")
		}
		return fail(api.ResultCouldntConnect, fmt.Errorf("failed to connect to %s: %w", job.target.addr(), lastErr))
	}
	res.connect = time.Since(job.start)
	c := &conn{key: job.key, fd: -1}
	if ta, ok := nc.RemoteAddr().(*net.TCPAddr); ok {
		c.primaryIP = ta.IP.String()
	}

	if !job.target.https {
		fd, err := detachFD(nc)
		_ = nc.Close()
		if err != nil {
			return fail(api.ResultCouldntConnect, err)
		}
		c.fd = fd
		res.conn = c
		return res
	}

	conf, code, err := clientTLSConfig(job)
	if err != nil {
		_ = nc.Close()
		return fail(code, err)
	}
	tc := tls.Client(nc, conf)
	if err := tc.HandshakeContext(ctx); err != nil {
		_ = tc.Close()
		return fail(classifyTLSError(err), fmt.Errorf("TLS handshake with %s: %w", job.target.host, err))
	}
	res.appConnect = time.Since(job.start)
	fd, err := bridgeTLS(tc, bridges)
	if err != nil {
		_ = tc.Close()
		return fail(api.ResultSSLConnectError, err)
	}
	c.fd = fd
	res.conn = c
	return res
}

func clientTLSConfig(job *dialJob) (*tls.Config, api.ResultCode, error) {
	conf := &tls.Config{
		ServerName:         job.target.host,
		InsecureSkipVerify: job.tls.InsecureSkipVerify,
		NextProtos:         []string{"http/1.1"},
		MinVersion:         tls.VersionTLS12,
	}
	if job.share != nil {
		conf.ClientSessionCache = job.share.TLSSessionCache()
	}
	if job.tls.CAFile != "" {
		pem, err := os.ReadFile(job.tls.CAFile)
		if err != nil {
			return nil, api.ResultSSLCertProblem, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, api.ResultSSLCertProblem, fmt.Errorf("no certificates in CA file %s", job.tls.CAFile)
		}
		conf.RootCAs = pool
	}
	if job.tls.CertFile != "" || job.tls.KeyFile != "" {
		keyFile := job.tls.KeyFile
		if keyFile == "" {
			keyFile = job.tls.CertFile
		}
		cert, err := tls.LoadX509KeyPair(job.tls.CertFile, keyFile)
		if err != nil {
			return nil, api.ResultSSLCertProblem, fmt.Errorf("unable to use client certificate: %w", err)
		}
		conf.Certificates = []tls.Certificate{cert}
	}
	return conf, api.ResultOK, nil
}

func classifyTLSError(err error) api.ResultCode {
	var (
		verr     *tls.CertificateVerificationError
		unknown  x509.UnknownAuthorityError
		hostname x509.HostnameError
		invalid  x509.CertificateInvalidError
	)
	switch {
	case errors.As(err, &verr), errors.As(err, &unknown), errors.As(err, &hostname), errors.As(err, &invalid):
		return api.ResultPeerFailedVerification
	case errors.Is(err, context.DeadlineExceeded):
		return api.ResultOperationTimedout
	default:
		return api.ResultSSLConnectError
	}
}

// detachFD duplicates the socket behind nc so the reactor can own it
// directly. The caller closes nc.
func detachFD(nc net.Conn) (int, error) {
	sc, ok := nc.(syscall.Conn)
	if !ok {
		return -1, fmt.Errorf("%T exposes no descriptor", nc)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1, err
	}
	fd := -1
	var dupErr error
	if err := raw.Control(func(s uintptr) {
		fd, dupErr = unix.Dup(int(s))
	}); err != nil {
		return -1, err
	}
	if dupErr != nil {
		return -1, fmt.Errorf("dup: %w", dupErr)
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// bridgeTLS returns the engine end of a socketpair whose other end is copied
// to and from tc by two goroutines. Closing the engine end tears both down.
func bridgeTLS(tc *tls.Conn, wg *sync.WaitGroup) (int, error) {
	pair, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("socketpair: %w", err)
	}
	unix.CloseOnExec(pair[0])
	unix.CloseOnExec(pair[1])
	if err := unix.SetNonblock(pair[0], true); err != nil {
		_ = unix.Close(pair[0])
		_ = unix.Close(pair[1])
		return -1, err
	}
	f := os.NewFile(uintptr(pair[1]), "tls-bridge")
	local, err := net.FileConn(f)
	_ = f.Close()
	if err != nil {
		_ = unix.Close(pair[0])
		return -1, fmt.Errorf("bridge conn: %w", err)
	}

	var once sync.Once
	shut := func() {
		once.Do(func() {
			_ = local.Close()
			_ = tc.Close()
		})
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(tc, local)
		shut()
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(local, tc)
		shut()
	}()
	return pair[0], nil
}
