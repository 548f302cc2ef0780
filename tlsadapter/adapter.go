// Package tlsadapter wraps accepted sockets in TLS and builds the
// certificate-derived environment a Gateway sees for a secured request.
// Grounded on cheroot's ssl.Adapter base class (ssl/__init__.py) and its
// two concrete subclasses, ssl/builtin.py (crypto/tls here) and
// ssl/pyopenssl.py (github.com/spacemonkeygo/openssl here).
package tlsadapter

import "net"

// Adapter is the capability set the Connection Manager needs from a TLS
// implementation: prepare a listener, wrap an accepted socket, and expose
// the per-connection certificate fields as a WSGI-style environ map.
type Adapter interface {
	// Bind prepares l for TLS use before Serve starts accepting (the
	// builtin adapter is a no-op here; an adapter needing SNI callbacks
	// or ALPN setup would configure them here instead).
	Bind(l net.Listener) (net.Listener, error)

	// Wrap performs the server-side handshake on conn. A client that
	// spoke plain HTTP to a TLS port yields (nil, nil, nil) — not an
	// error — so the caller can answer with the fixed plain-text 400
	// cheroot's NoSSLError handling produces, rather than a generic
	// connection-killing failure.
	Wrap(conn net.Conn) (net.Conn, map[string]string, error)

	// GetEnviron returns the certificate-derived environ for an already
	// wrapped connection. Never errors; an absent client cert yields an
	// empty map.
	GetEnviron(conn net.Conn) map[string]string
}
