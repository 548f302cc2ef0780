//go:build openssl

package tlsadapter

import (
	"fmt"
	"net"

	"github.com/spacemonkeygo/openssl"
)

// OpenSSLAdapter binds github.com/spacemonkeygo/openssl, the Go analogue
// of cheroot's ssl/pyopenssl.py adapter. Built only with -tags openssl
// since it requires cgo and libssl-dev at build time, the same opt-in
// cheroot gives pyOpenSSL (an extras_require, not a core dependency).
type OpenSSLAdapter struct {
	ctx *openssl.Ctx
}

func NewOpenSSLAdapter(certPath, keyPath, chainPath string, ciphers string) (*OpenSSLAdapter, error) {
	ctx, err := openssl.NewCtx()
	if err != nil {
		return nil, fmt.Errorf("tlsadapter: creating OpenSSL context: %w", err)
	}
	if err := ctx.UseCertificateFile(certPath); err != nil {
		return nil, fmt.Errorf("tlsadapter: loading certificate: %w", err)
	}
	if err := ctx.UsePrivateKeyFile(keyPath); err != nil {
		return nil, fmt.Errorf("tlsadapter: loading private key: %w", err)
	}
	if chainPath != "" {
		if err := ctx.LoadVerifyLocations(chainPath, ""); err != nil {
			return nil, fmt.Errorf("tlsadapter: loading certificate chain: %w", err)
		}
	}
	if ciphers != "" {
		if err := ctx.SetCipherList(ciphers); err != nil {
			return nil, fmt.Errorf("tlsadapter: setting cipher list: %w", err)
		}
	}
	return &OpenSSLAdapter{ctx: ctx}, nil
}

func (a *OpenSSLAdapter) Bind(l net.Listener) (net.Listener, error) {
	return l, nil
}

// Wrap performs the OpenSSL server handshake. OpenSSL's "wrong version
// number"/short-read errors on a plaintext client are matched the same
// way as StdlibAdapter's, ground: cheroot pyopenssl.py's own NoSSLError
// translation of SSL.SysCallError/SSL.Error.
func (a *OpenSSLAdapter) Wrap(conn net.Conn) (net.Conn, map[string]string, error) {
	sslConn, err := openssl.Server(conn, a.ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("tlsadapter: creating OpenSSL server conn: %w", err)
	}
	if err := sslConn.Handshake(); err != nil {
		if looksLikePlainHTTP(err) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	return sslConn, a.GetEnviron(sslConn), nil
}

func (a *OpenSSLAdapter) GetEnviron(conn net.Conn) map[string]string {
	env := map[string]string{
		"SSL_VERSION_INTERFACE": "spacemonkeygo/openssl",
		"SSL_VERSION_LIBRARY":   openssl.OpenSSLVersion(openssl.OPENSSL_VERSION),
	}
	sslConn, ok := conn.(*openssl.Conn)
	if !ok {
		return env
	}
	peer, err := sslConn.PeerCertificate()
	if err != nil || peer == nil {
		env["SSL_CLIENT_VERIFY"] = "NONE"
		return env
	}
	env["SSL_CLIENT_VERIFY"] = "SUCCESS"
	subject, _ := peer.GetSubjectName()
	if subject != nil {
		if cn, ok := subject.GetEntry(openssl.NID_commonName); ok {
			env["SSL_CLIENT_S_DN_CN"] = cn
		}
	}
	return env
}
