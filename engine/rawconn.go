package engine

import (
	"io"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// rawConn is a net.Conn backed directly by a nonblocking socket file
// descriptor, read/written via golang.org/x/sys/unix rather than Go's
// runtime netpoller. This is the generalized, x/sys/unix-based form of the
// teacher's direct syscall.Read/syscall.Write/syscall.Accept calls
// (server/engine/epoll.go, pool.go): the Connection Manager's epoll loop
// needs the raw fd to register with epoll_wait itself, which is
// incompatible with handing the same fd to Go's net package (it would
// install its own netpoller registration on the same descriptor).
//
// Exposing a net.Conn here — rather than a bare fd — lets the rest of the
// engine (bufio, the TLS Adapter contract, iostreams) work with it exactly
// as they would with a *net.TCPConn.
type rawConn struct {
	fd         int
	localAddr  net.Addr
	remoteAddr net.Addr
}

func newRawConn(fd int, local, remote net.Addr) *rawConn {
	return &rawConn{fd: fd, localAddr: local, remoteAddr: remote}
}

func (c *rawConn) Fd() int { return c.fd }

func (c *rawConn) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(c.fd, p)
		if err == nil {
			if n == 0 {
				return 0, io.EOF
			}
			return n, nil
		}
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return 0, &net.OpError{Op: "read", Net: "tcp", Err: errTimeoutOrBlock{}}
		}
		return 0, &net.OpError{Op: "read", Net: "tcp", Err: err}
	}
}

func (c *rawConn) Write(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		n, err := unix.Write(c.fd, p[total:])
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return total, &net.OpError{Op: "write", Net: "tcp", Err: errTimeoutOrBlock{}}
		}
		if err != nil {
			return total, &net.OpError{Op: "write", Net: "tcp", Err: err}
		}
		total += n
	}
	return total, nil
}

func (c *rawConn) Close() error {
	return unix.Close(c.fd)
}

func (c *rawConn) LocalAddr() net.Addr  { return c.localAddr }
func (c *rawConn) RemoteAddr() net.Addr { return c.remoteAddr }

func (c *rawConn) SetDeadline(t time.Time) error {
	if err := c.SetReadDeadline(t); err != nil {
		return err
	}
	return c.SetWriteDeadline(t)
}

func (c *rawConn) SetReadDeadline(t time.Time) error {
	return setSocketTimeout(c.fd, unix.SO_RCVTIMEO, t)
}

func (c *rawConn) SetWriteDeadline(t time.Time) error {
	return setSocketTimeout(c.fd, unix.SO_SNDTIMEO, t)
}

func setSocketTimeout(fd, opt int, t time.Time) error {
	var tv unix.Timeval
	if !t.IsZero() {
		d := time.Until(t)
		if d < 0 {
			d = 0
		}
		tv = unix.NsecToTimeval(d.Nanoseconds())
	}
	return unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, opt, &tv)
}

// errTimeoutOrBlock satisfies net.Error so a nonblocking EAGAIN on a
// deadline-bearing socket is indistinguishable from a real timeout to
// callers using errtax.IsTimeout, matching spec.md §4.4's request-timeout
// behavior.
type errTimeoutOrBlock struct{}

func (errTimeoutOrBlock) Error() string   { return "i/o timeout" }
func (errTimeoutOrBlock) Timeout() bool   { return true }
func (errTimeoutOrBlock) Temporary() bool { return true }
