// Package gateway defines the boundary between the connection engine and
// the application it serves. It stands in for the "generic application
// gateway (e.g. a WSGI-like callable contract)" spec.md calls an external
// collaborator: this module owns sockets, parsing and response framing;
// everything about what a request means belongs on the other side of this
// interface.
package gateway

import (
	"context"

	"github.com/halfpipe-labs/httpd1/protocol"
)

// Gateway is implemented by the application. Serve is invoked once per
// request cycle, on the worker goroutine currently servicing the
// connection; it must not retain req, req.Body or w past return.
type Gateway interface {
	Serve(ctx context.Context, req *protocol.Request, w ResponseWriter) error
}

// ResponseWriter is the push-based response surface handed to a Gateway.
// Unlike net/http's ResponseWriter, WriteHeader takes the full header list
// at once because protocol.Request needs to decide chunked-vs-known-length
// framing before the first byte goes out, not after.
type ResponseWriter interface {
	// WriteHeader sets the status and response headers. It does not write
	// anything to the wire by itself; the first Write (or
	// EnsureHeadersSent) flushes status+headers exactly once.
	WriteHeader(status int, headers protocol.HeaderList)

	// Write appends a body chunk. The first call flushes any pending
	// header write first.
	Write([]byte) (int, error)

	// EnsureHeadersSent flushes status+headers immediately even if no body
	// has been written yet (used for empty-body responses).
	EnsureHeadersSent()
}

// Func adapts a plain function to the Gateway interface, the same pattern
// net/http.HandlerFunc uses.
type Func func(ctx context.Context, req *protocol.Request, w ResponseWriter) error

func (f Func) Serve(ctx context.Context, req *protocol.Request, w ResponseWriter) error {
	return f(ctx, req, w)
}
