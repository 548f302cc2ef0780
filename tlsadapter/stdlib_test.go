package tlsadapter

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// writeSelfSignedCert generates an ECDSA self-signed certificate/key pair
// and writes them as PEM files under t.TempDir(), for exercising
// NewStdlibAdapter without any externally provisioned material.
func writeSelfSignedCert(t *testing.T) (certPath, keyPath string) {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "httpd1-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)

	keyDER, err := x509.MarshalECPrivateKey(priv)
	require.NoError(t, err)

	dir := t.TempDir()
	certPath = filepath.Join(dir, "cert.pem")
	keyPath = filepath.Join(dir, "key.pem")

	require.NoError(t, os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return certPath, keyPath
}

func TestStdlibAdapterWrapCompletesHandshake(t *testing.T) {
	certPath, keyPath := writeSelfSignedCert(t)
	a, err := NewStdlibAdapter(certPath, keyPath, "", nil, nil)
	require.NoError(t, err)

	client, server := net.Pipe()
	defer client.Close()

	type result struct {
		conn net.Conn
		env  map[string]string
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		conn, env, err := a.Wrap(server)
		resCh <- result{conn, env, err}
	}()

	cconn := tls.Client(client, &tls.Config{InsecureSkipVerify: true})
	require.NoError(t, cconn.Handshake())
	defer cconn.Close()

	res := <-resCh
	require.NoError(t, res.err)
	require.NotNil(t, res.conn)
	require.Equal(t, "TLSv1.3", res.env["SSL_PROTOCOL"])
	require.Equal(t, "NONE", res.env["SSL_CLIENT_VERIFY"])
}

func TestStdlibAdapterWrapReportsPlainHTTPAsNonError(t *testing.T) {
	certPath, keyPath := writeSelfSignedCert(t)
	a, err := NewStdlibAdapter(certPath, keyPath, "", nil, nil)
	require.NoError(t, err)

	client, server := net.Pipe()
	defer client.Close()

	go func() {
		_, _ = client.Write([]byte("GET / HTTP/1.1\r\nHost: localhost\r\n\r\n"))
	}()

	conn, env, err := a.Wrap(server)
	require.NoError(t, err)
	require.Nil(t, conn)
	require.Nil(t, env)
}

func TestStdlibAdapterBindIsPassthrough(t *testing.T) {
	certPath, keyPath := writeSelfSignedCert(t)
	a, err := NewStdlibAdapter(certPath, keyPath, "", nil, nil)
	require.NoError(t, err)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	bound, err := a.Bind(l)
	require.NoError(t, err)
	require.Same(t, l, bound)
}

func TestNewStdlibAdapterInvokesPasswordFuncAtMostTwice(t *testing.T) {
	certPath, keyPath := writeSelfSignedCert(t)
	calls := 0
	pw := func() ([]byte, error) {
		calls++
		return []byte("unused"), nil
	}
	_, err := NewStdlibAdapter(certPath, keyPath, "", nil, pw)
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}
