package httpd1

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// bindPlan is the result of parsing spec.md §6's three bind address forms,
// ground: cheroot server.py prepare_socket's bind_addr dispatch (tuple vs.
// str vs. leading-NUL-byte str).
type bindPlan struct {
	family  int
	sotype  int
	sockadr unix.Sockaddr
	addr    net.Addr
	path    string // non-empty only for a filesystem UNIX path, for the chmod/unlink steps
}

// resolveBindAddr parses bindAddr into everything prepareSocket needs to
// create, bind, and listen on a raw socket.
//
//   - "host:port" (IPv4, IPv6 in brackets, or hostname) — a TCP socket.
//   - a leading "/" — a filesystem UNIX domain socket.
//   - a leading NUL byte — a Linux abstract-namespace UNIX domain socket.
func resolveBindAddr(bindAddr string) (bindPlan, error) {
	if strings.HasPrefix(bindAddr, "\x00") {
		// Abstract-namespace socket: no filesystem path exists to unlink
		// or chmod.
		return bindPlan{
			family:  unix.AF_UNIX,
			sotype:  unix.SOCK_STREAM,
			sockadr: &unix.SockaddrUnix{Name: bindAddr},
			addr:    &net.UnixAddr{Name: bindAddr, Net: "unix"},
		}, nil
	}
	if strings.HasPrefix(bindAddr, "/") {
		return bindPlan{
			family:  unix.AF_UNIX,
			sotype:  unix.SOCK_STREAM,
			sockadr: &unix.SockaddrUnix{Name: bindAddr},
			addr:    &net.UnixAddr{Name: bindAddr, Net: "unix"},
			path:    bindAddr,
		}, nil
	}

	host, portStr, err := net.SplitHostPort(bindAddr)
	if err != nil {
		return bindPlan{}, fmt.Errorf("httpd1: invalid bind address %q: %w", bindAddr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return bindPlan{}, fmt.Errorf("httpd1: invalid port in %q: %w", bindAddr, err)
	}

	ip, err := resolveHost(host)
	if err != nil {
		return bindPlan{}, err
	}

	if ip4 := ip.To4(); ip4 != nil {
		var addr [4]byte
		copy(addr[:], ip4)
		return bindPlan{
			family:  unix.AF_INET,
			sotype:  unix.SOCK_STREAM,
			sockadr: &unix.SockaddrInet4{Port: port, Addr: addr},
			addr:    &net.TCPAddr{IP: ip4, Port: port},
		}, nil
	}

	var addr [16]byte
	copy(addr[:], ip.To16())
	return bindPlan{
		family:  unix.AF_INET6,
		sotype:  unix.SOCK_STREAM,
		sockadr: &unix.SockaddrInet6{Port: port, Addr: addr},
		addr:    &net.TCPAddr{IP: ip.To16(), Port: port},
	}, nil
}

func resolveHost(host string) (net.IP, error) {
	if host == "" {
		return net.IPv4zero, nil
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, fmt.Errorf("httpd1: resolving host %q: %w", host, err)
	}
	return ips[0], nil
}

// prepareSocket creates, configures, binds, and listens on a raw socket per
// spec.md §4.8's prepare() contract, returning the non-blocking listening
// fd and the address actually bound (ephemeral-port discovery for port=0).
func prepareSocket(bindAddr string, cfg Config) (fd int, bound net.Addr, unlinkPath string, err error) {
	plan, err := resolveBindAddr(bindAddr)
	if err != nil {
		return -1, nil, "", err
	}

	fd, err = unix.Socket(plan.family, plan.sotype|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return -1, nil, "", fmt.Errorf("httpd1: creating socket: %w", err)
	}

	if plan.family != unix.AF_UNIX {
		// SO_REUSEADDR is POSIX-portable; Windows gives it different
		// (exclusive-bind-bypassing) semantics, so spec.md §4.8 scopes this
		// to POSIX only. This module only builds for POSIX targets (the
		// epoll-based Manager has no Windows path at all), so no build-tag
		// guard is needed here.
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			unix.Close(fd)
			return -1, nil, "", fmt.Errorf("httpd1: SO_REUSEADDR: %w", err)
		}
		if cfg.ReusePort {
			if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
				unix.Close(fd)
				return -1, nil, "", fmt.Errorf("httpd1: SO_REUSEPORT: %w", err)
			}
		}
		if cfg.NoDelay {
			if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
				unix.Close(fd)
				return -1, nil, "", fmt.Errorf("httpd1: TCP_NODELAY: %w", err)
			}
		}
	} else if plan.path != "" {
		// A stale socket file from a previous, uncleanly stopped run would
		// otherwise make bind fail with EADDRINUSE.
		_ = os.Remove(plan.path)
	}

	if err := unix.Bind(fd, plan.sockadr); err != nil {
		unix.Close(fd)
		return -1, nil, "", fmt.Errorf("httpd1: bind %s: %w", bindAddr, err)
	}

	if plan.path != "" && cfg.UnixSocketMode != 0 {
		if err := os.Chmod(plan.path, cfg.UnixSocketMode); err != nil {
			unix.Close(fd)
			return -1, nil, "", fmt.Errorf("httpd1: chmod %s: %w", plan.path, err)
		}
	}

	backlog := cfg.RequestQueueSize
	if backlog <= 0 {
		backlog = 128
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, nil, "", fmt.Errorf("httpd1: listen: %w", err)
	}

	bound = plan.addr
	if tcpAddr, ok := plan.addr.(*net.TCPAddr); ok && tcpAddr.Port == 0 {
		sa, err := unix.Getsockname(fd)
		if err == nil {
			if bound = sockaddrToAddr(sa); bound == nil {
				bound = plan.addr
			}
		}
	}

	return fd, bound, plan.path, nil
}

func sockaddrToAddr(sa unix.Sockaddr) net.Addr {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(v.Addr[:]), Port: v.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(v.Addr[:]), Port: v.Port}
	case *unix.SockaddrUnix:
		return &net.UnixAddr{Name: v.Name, Net: "unix"}
	default:
		return nil
	}
}
