// Package errtax collects the sentinel errors this module's connection
// engine can raise, and the socket-error tables used to decide whether a
// transport error is worth logging or should be swallowed silently.
package errtax

import (
	"errors"
	"net"

	"golang.org/x/sys/unix"
)

var (
	// ErrRequestEntityTooLarge is raised when a size-capped reader would
	// exceed its configured limit (413).
	ErrRequestEntityTooLarge = errors.New("errtax: request entity too large")
	// ErrRequestURITooLong is raised when the request line exceeds
	// MaxRequestHeaderSize before a method/target/version could be parsed
	// (414).
	ErrRequestURITooLong = errors.New("errtax: request-uri too long")
	// ErrMalformedRequest covers a bad request line, bad headers, a bad
	// Content-Length, or a non-absolute path in origin form (400).
	ErrMalformedRequest = errors.New("errtax: malformed request")
	// ErrMalformedChunk is raised by the chunked body reader on an invalid
	// hex size line or a missing chunk-terminating CRLF (400).
	ErrMalformedChunk = errors.New("errtax: malformed chunked encoding")
	// ErrClientDisconnect is raised when the peer closes the connection
	// before a known-length body has been fully delivered.
	ErrClientDisconnect = errors.New("errtax: client disconnected mid-body")
	// ErrRequestTimeout is raised when no bytes are read within the
	// configured inactivity timeout (408).
	ErrRequestTimeout = errors.New("errtax: request timeout")
	// ErrMethodNotAllowed covers CONNECT outside proxy mode and any method
	// disallowed by configuration (405).
	ErrMethodNotAllowed = errors.New("errtax: method not allowed")
	// ErrVersionNotSupported is raised for an HTTP major version this
	// server does not implement (505).
	ErrVersionNotSupported = errors.New("errtax: http version not supported")
	// ErrServiceUnavailable is raised when the worker pool's ready queue is
	// saturated at max workers (503).
	ErrServiceUnavailable = errors.New("errtax: service unavailable")
	// ErrInternal covers an uncaught gateway panic/error before headers
	// were sent (500).
	ErrInternal = errors.New("errtax: internal server error")
	// ErrPeerCredsUnavailable is raised by the peer-credential resolver on
	// non-local sockets or unsupported platforms. Never surfaced as an
	// HTTP error; only ever logged.
	ErrPeerCredsUnavailable = errors.New("errtax: peer credentials unavailable")
)

// StatusFor maps a sentinel from this package to the HTTP status code the
// connection engine should answer with. Returns 0 for errors that have no
// HTTP response associated with them (fatal, connection-killing errors).
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrRequestEntityTooLarge):
		return 413
	case errors.Is(err, ErrRequestURITooLong):
		return 414
	case errors.Is(err, ErrMalformedRequest), errors.Is(err, ErrMalformedChunk):
		return 400
	case errors.Is(err, ErrRequestTimeout):
		return 408
	case errors.Is(err, ErrMethodNotAllowed):
		return 405
	case errors.Is(err, ErrVersionNotSupported):
		return 505
	case errors.Is(err, ErrServiceUnavailable):
		return 503
	case errors.Is(err, ErrInternal):
		return 500
	default:
		return 0
	}
}

// ignorableErrno are the errno values a connection teardown can legitimately
// raise on either side of the wire. Transcribed from cheroot's
// errors.socket_errors_to_ignore / socket_errors_nonblocking tables; these
// are logged at debug level (if at all) rather than treated as failures.
var ignorableErrno = map[unix.Errno]struct{}{
	unix.EPIPE:      {},
	unix.EBADF:      {},
	unix.ENOTSOCK:   {},
	unix.ETIMEDOUT:  {},
	unix.ECONNREFUSED: {},
	unix.ECONNRESET: {},
	unix.ECONNABORTED: {},
	unix.ENETRESET:  {},
	unix.EHOSTDOWN:  {},
	unix.EHOSTUNREACH: {},
	unix.ENOTCONN:   {},
	unix.ESHUTDOWN:  {},
}

// nonblockingErrno signal "try again", not a failure.
var nonblockingErrno = map[unix.Errno]struct{}{
	unix.EAGAIN: {},
}

// IgnorableSocketError reports whether err represents a benign connection
// teardown (broken pipe, reset, already-closed) that should be swallowed
// rather than logged as a server fault.
func IgnorableSocketError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		if _, ok := ignorableErrno[errno]; ok {
			return true
		}
	}
	return false
}

// WouldBlock reports whether err is EAGAIN/EWOULDBLOCK, i.e. a nonblocking
// socket op should simply be retried once the descriptor is ready again.
func WouldBlock(err error) bool {
	var errno unix.Errno
	if errors.As(err, &errno) {
		_, ok := nonblockingErrno[errno]
		return ok
	}
	return false
}

// IsTimeout reports whether err was produced by a net.Conn deadline expiring
// (net.Conn.SetReadDeadline/SetWriteDeadline), the trigger for converting a
// stalled header or body read into ErrRequestTimeout.
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
