// Package fake
// Author: momentics <momentics@gmail.com>
//
// TLS fixtures: an httptest TLS server whose certificate is written to a CA
// file and, optionally, a client certificate the server insists on.

package fake

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TLSServer is a started TLS server plus the files a client needs.
type TLSServer struct {
	*httptest.Server

	// CAFile verifies the server certificate.
	CAFile string
	// ClientCertFile and ClientKeyFile are set when client certificates are
	// required.
	ClientCertFile string
	ClientKeyFile  string
}

// NewTLSServer starts h over TLS. With requireClientCert the server rejects
// peers that do not present a certificate issued by its private CA.
func NewTLSServer(tb testing.TB, h http.Handler, requireClientCert bool) *TLSServer {
	tb.Helper()
	dir := tb.TempDir()
	s := &TLSServer{Server: httptest.NewUnstartedServer(h)}

	if requireClientCert {
		caCert, caKey := newCA(tb)
		s.ClientCertFile, s.ClientKeyFile = issueClientCert(tb, dir, caCert, caKey)
		pool := x509.NewCertPool()
		pool.AddCert(caCert)
		s.TLS = &tls.Config{
			ClientAuth: tls.RequireAndVerifyClientCert,
			ClientCAs:  pool,
		}
	}
	s.StartTLS()
	tb.Cleanup(s.Close)

	s.CAFile = filepath.Join(dir, "server-ca.pem")
	writePEM(tb, s.CAFile, "CERTIFICATE", s.Certificate().Raw)
	return s
}

func newCA(tb testing.TB) (*x509.Certificate, *ecdsa.PrivateKey) {
	tb.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		tb.Fatalf("ca key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "fake client CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		tb.Fatalf("ca cert: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		tb.Fatalf("parse ca cert: %v", err)
	}
	return cert, key
}

func issueClientCert(tb testing.TB, dir string, ca *x509.Certificate, caKey *ecdsa.PrivateKey) (string, string) {
	tb.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		tb.Fatalf("client key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "fake client"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca, &key.PublicKey, caKey)
	if err != nil {
		tb.Fatalf("client cert: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		tb.Fatalf("marshal client key: %v", err)
	}
	certFile := filepath.Join(dir, "client.pem")
	keyFile := filepath.Join(dir, "client-key.pem")
	writePEM(tb, certFile, "CERTIFICATE", der)
	writePEM(tb, keyFile, "EC PRIVATE KEY", keyDER)
	return certFile, keyFile
}

func writePEM(tb testing.TB, path, kind string, der []byte) {
	tb.Helper()
	data := pem.EncodeToMemory(&pem.Block{Type: kind, Bytes: der})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		tb.Fatalf("write %s: %v", path, err)
	}
}
