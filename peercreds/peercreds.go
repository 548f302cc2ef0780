// Package peercreds resolves the Unix-domain-socket peer credentials of a
// connection, grounded on cheroot's HTTPRequest.get_peer_creds (server.py)
// which reads SO_PEERCRED and caches the result on the request's
// connection for the lifetime of that connection.
package peercreds

import (
	"net"
	"os/user"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/halfpipe-labs/httpd1/errtax"
)

// ErrUnavailable is returned for any connection that is not a Unix domain
// socket, or on a platform without SO_PEERCRED support. Per spec.md §4.3
// this is never translated into an HTTP error status — only logged.
var ErrUnavailable = errtax.ErrPeerCredsUnavailable

// Creds holds the resolved identity of the process on the other end of a
// Unix domain socket.
type Creds struct {
	PID int32
	UID uint32
	GID uint32

	// Username/Groupname are populated only when ResolveNames is true on
	// the Resolver; they are left empty otherwise so a caller that does
	// not want name-service lookups never pays for one.
	Username  string
	Groupname string
}

// Resolver resolves and caches peer credentials. One Resolver instance is
// meant to be shared by all connections; the cache lives on the
// connection, not here (matching cheroot's one-cache-per-HTTPConnection
// instance rather than one cache per server).
type Resolver struct {
	ResolveNames bool
}

func NewResolver(resolveNames bool) *Resolver {
	return &Resolver{ResolveNames: resolveNames}
}

// Resolve reads SO_PEERCRED for conn. Call at most once per connection and
// cache the result on the caller's side (engine.Connection), mirroring
// cheroot's per-instance cache-of-one.
func (r *Resolver) Resolve(conn net.Conn) (Creds, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return Creds{}, ErrUnavailable
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return Creds{}, ErrUnavailable
	}

	var ucred *unix.Ucred
	var sockErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		ucred, sockErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if ctrlErr != nil || sockErr != nil {
		return Creds{}, ErrUnavailable
	}

	creds := Creds{PID: ucred.Pid, UID: ucred.Uid, GID: ucred.Gid}
	if r.ResolveNames {
		r.resolveNames(&creds)
	}
	return creds, nil
}

func (r *Resolver) resolveNames(c *Creds) {
	if u, err := user.LookupId(strconv.FormatUint(uint64(c.UID), 10)); err == nil {
		c.Username = u.Username
	}
	if g, err := user.LookupGroupId(strconv.FormatUint(uint64(c.GID), 10)); err == nil {
		c.Groupname = g.Name
	}
}

// Environ renders creds into the WSGI-style environ keys cheroot's
// get_peer_creds produces, for handing to the Gateway via
// protocol.Request.Env.
func Environ(c Creds) map[string]string {
	env := map[string]string{
		"X_REMOTE_PID": strconv.FormatInt(int64(c.PID), 10),
		"X_REMOTE_UID": strconv.FormatUint(uint64(c.UID), 10),
		"X_REMOTE_GID": strconv.FormatUint(uint64(c.GID), 10),
	}
	if c.Username != "" {
		env["X_REMOTE_USER"] = c.Username
	}
	if c.Groupname != "" {
		env["X_REMOTE_GROUP"] = c.Groupname
	}
	return env
}
