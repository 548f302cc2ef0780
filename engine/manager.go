package engine

import (
	"bufio"
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/halfpipe-labs/httpd1/gateway"
	"github.com/halfpipe-labs/httpd1/internal/iostreams"
	"github.com/halfpipe-labs/httpd1/peercreds"
	"github.com/halfpipe-labs/httpd1/protocol"
	"github.com/halfpipe-labs/httpd1/stats"
	"github.com/halfpipe-labs/httpd1/tlsadapter"
)

const maxEpollEvents = 128

// ManagerConfig carries every per-server knob the Connection Manager and
// the Connections/workers it creates need. One ManagerConfig is shared,
// read-only, across the lifetime of a Manager.
type ManagerConfig struct {
	Gateway      gateway.Gateway
	HeaderReader protocol.HeaderReader
	TLSAdapter   tlsadapter.Adapter // nil ⇒ plain HTTP
	PeerCreds    *peercreds.Resolver // nil ⇒ no SO_PEERCRED resolution

	ServerName string

	MinWorkers    int
	MaxWorkers    int
	QueueCapacity int

	KeepAliveConnLimit   int
	ExpirationInterval   time.Duration
	AcceptedQueueTimeout time.Duration
	ShutdownTimeout      time.Duration
	ReadTimeout          time.Duration
	KeepAliveTimeout     int // seconds, echoed in the Keep-Alive: timeout= response header

	MaxRequestHeaderSize int64
	MaxRequestBodySize   int64
	RBufSize             int
	WBufSize             int

	Stats  *stats.Server
	Logger *zap.Logger
}

// Manager is the single-threaded epoll_wait loop owning the listener(s)
// and every idle keep-alive Connection, handing readable connections to a
// workerPool. Ground: cheroot connections.py's ConnectionManager +
// _SelectorManager, generalized from select.selectors to
// golang.org/x/sys/unix.EpollWait per spec.md §4.7's explicit mandate.
type Manager struct {
	cfg ManagerConfig

	listenerFd int
	epfd       int

	pool     *workerPool
	returnCh chan *Connection

	mu        sync.Mutex
	connsByFD map[int32]*Connection
	idleCount int

	serving   atomic.Bool
	stopOnce  sync.Once
	interrupt atomic.Pointer[error]
}

// NewManager wraps an already bound-and-listening, non-blocking socket
// descriptor. httpd1.Server owns socket creation (SO_REUSEADDR/
// SO_REUSEPORT/TCP_NODELAY/bind/listen per spec.md §4.8); the Manager only
// ever accepts from it.
func NewManager(listenerFd int, cfg ManagerConfig) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Stats == nil {
		cfg.Stats = &stats.Server{}
	}
	if cfg.HeaderReader == nil {
		cfg.HeaderReader = protocol.DefaultHeaderReader{}
	}
	m := &Manager{
		cfg:        cfg,
		listenerFd: listenerFd,
		connsByFD:  make(map[int32]*Connection),
	}
	m.returnCh = make(chan *Connection, cfg.QueueCapacity)
	m.pool = newWorkerPool(cfg.MinWorkers, cfg.MaxWorkers, cfg.QueueCapacity, m.returnCh, cfg.Logger)
	return m
}

// SetInterrupt records err so the next Manager tick re-raises it after
// cleanup, ground: cheroot's interrupt property setter (server.py).
func (m *Manager) SetInterrupt(err error) {
	m.interrupt.Store(&err)
}

func (m *Manager) Serving() bool { return m.serving.Load() }

// Stats snapshots the shared counters plus current pool occupancy, ground:
// cheroot HTTPServer.stats property assembling counters and Worker Threads
// state on demand.
func (m *Manager) Stats() stats.Snapshot {
	return m.cfg.Stats.Snapshot(m.pool.Size(), m.pool.Idle(), m.pool.QueueLen())
}

// WorkerStats exposes the per-worker-goroutine counters the pool has
// accumulated, keyed by worker id.
func (m *Manager) WorkerStats() map[int]stats.WorkerSnapshot {
	return m.pool.WorkerStats()
}

// Serve runs the accept/dispatch loop until ctx is cancelled or Stop is
// called. It returns any error stashed via SetInterrupt after cleanup has
// completed, matching cheroot's re-raise-after-cleanup contract.
func (m *Manager) Serve(ctx context.Context) error {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return err
	}
	m.epfd = epfd
	defer unix.Close(epfd)

	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, m.listenerFd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(m.listenerFd),
	}); err != nil {
		return err
	}

	m.serving.Store(true)

	var expireTicker *time.Ticker
	if m.cfg.ExpirationInterval > 0 {
		expireTicker = time.NewTicker(m.cfg.ExpirationInterval)
		defer expireTicker.Stop()
	}

	resizeTicker := time.NewTicker(m.pool.shrinkFreq)
	defer resizeTicker.Stop()

	// epoll_wait always runs with a bounded timeout — cheroot's
	// select(timeout=expiration_interval) has the same property — so the
	// returnCh drain and resize tick below are never starved by a fully
	// idle listener with no ExpirationInterval configured.
	events := make([]unix.EpollEvent, maxEpollEvents)
	epollTimeout := m.cfg.ExpirationInterval
	if epollTimeout <= 0 {
		epollTimeout = time.Second
	}
	epollTimeoutMs := int(epollTimeout / time.Millisecond)

	for m.serving.Load() {
		if ip := m.interrupt.Load(); ip != nil && *ip != nil {
			m.Stop()
			continue
		}
		select {
		case <-ctx.Done():
			m.Stop()
			continue
		case conn := <-m.returnCh:
			m.handleReturnedConnection(conn)
		default:
		}

		n, err := unix.EpollWait(epfd, events, epollTimeoutMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			continue
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == m.listenerFd {
				m.acceptAll(epfd)
				continue
			}
			m.onReadable(fd)
		}

		if expireTicker != nil {
			select {
			case <-expireTicker.C:
				m.expireIdle()
			default:
			}
		}
		select {
		case <-resizeTicker.C:
			m.pool.resizeTick()
		default:
		}
	}

	m.pool.Stop(m.cfg.ShutdownTimeout)

	if ip := m.interrupt.Load(); ip != nil && *ip != nil {
		return *ip
	}
	return nil
}

// acceptAll drains every pending connection on the listener in one tick,
// matching cheroot's loop-until-EAGAIN accept pattern.
func (m *Manager) acceptAll(epfd int) {
	for {
		if m.cfg.KeepAliveConnLimit > 0 && m.idleConnCount() >= m.cfg.KeepAliveConnLimit {
			return
		}
		nfd, sa, err := unix.Accept4(m.listenerFd, unix.SOCK_NONBLOCK)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			if err == unix.EINTR {
				continue
			}
			m.cfg.Logger.Debug("accept failed", zap.Error(err))
			return
		}
		m.cfg.Stats.Accepts.Add(1)

		remote := sockaddrToAddr(sa)
		rc := newRawConn(nfd, nil, remote)

		var conn net.Conn = rc
		var tlsEnv map[string]string
		if m.cfg.TLSAdapter != nil {
			wrapped, env, err := m.cfg.TLSAdapter.Wrap(rc)
			if err != nil {
				m.cfg.Logger.Debug("tls handshake failed", zap.Error(err))
				_ = rc.Close()
				continue
			}
			if wrapped == nil {
				// Plain HTTP on a TLS port: cheroot's _handle_no_ssl answers
				// the fixed 400 before closing rather than dropping silently.
				m.respondNoSSLAndClose(rc)
				continue
			}
			conn = wrapped
			tlsEnv = env
		}

		c := NewConnection(conn, m.cfg.RBufSize, m.cfg.WBufSize, m.cfg.Gateway, m.cfg.HeaderReader,
			m.cfg.ServerName, m.cfg.ReadTimeout, m.cfg.KeepAliveTimeout,
			m.cfg.MaxRequestHeaderSize, m.cfg.MaxRequestBodySize, m.cfg.Stats, m.cfg.Logger)

		env := map[string]string{}
		for k, v := range tlsEnv {
			env[k] = v
		}
		if m.cfg.PeerCreds != nil {
			if creds, err := m.cfg.PeerCreds.Resolve(conn); err == nil {
				for k, v := range peercreds.Environ(creds) {
					env[k] = v
				}
			} else if err != peercreds.ErrUnavailable {
				m.cfg.Logger.Warn("peer credential resolution failed", zap.Error(err))
			}
		}
		c.SetEnv(env)

		m.enqueueReadable(c) // a freshly accepted connection is always submitted immediately
	}
}

// respondNoSSLAndClose writes the fixed 400 cheroot's _handle_no_ssl sends
// when a plain-HTTP client connects to a TLS port, then closes the socket.
// Built directly from rc's own iostreams rather than via NewConnection,
// since TLSAdapter.Wrap already determined there is no usable connection
// to service further (ground: engine/connection.go's RespondUnavailableAndClose).
func (m *Manager) respondNoSSLAndClose(rc net.Conn) {
	reader := bufio.NewReaderSize(rc, m.cfg.RBufSize)
	sizeReader := iostreams.NewSizeCappedReader(reader, m.cfg.MaxRequestHeaderSize)
	writer := iostreams.NewBufferedWriterSize(rc, m.cfg.WBufSize)
	req := protocol.AcquireRequest(sizeReader, writer, m.cfg.HeaderReader, m.cfg.ServerName, m.cfg.KeepAliveTimeout)
	defer protocol.Release(req)
	if err := req.SimpleResponse(400, "The client sent a plain HTTP request, but this server speaks HTTPS on this port"); err != nil {
		m.cfg.Logger.Debug("no-ssl response write failed", zap.Error(err))
	}
	_ = rc.Close()
}

func (m *Manager) onReadable(fd int) {
	m.mu.Lock()
	c, ok := m.connsByFD[int32(fd)]
	if ok {
		delete(m.connsByFD, int32(fd))
		m.idleCount--
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	_ = unix.EpollCtl(m.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	m.enqueueReadable(c)
}

// enqueueReadable hands c to the worker pool with a bounded, timeout
// guarded send; on timeout, 503-and-close (spec.md §4.7's overload
// policy for the accept→dispatch path specifically).
func (m *Manager) enqueueReadable(c *Connection) {
	if m.pool.Submit(c, m.cfg.AcceptedQueueTimeout) {
		return
	}
	m.cfg.Stats.Rejected503.Add(1)
	c.RespondUnavailableAndClose()
}

// handleReturnedConnection re-registers a kept-alive connection for
// read-readiness, unless its buffered reader already holds unread bytes
// from request pipelining — in which case it is resubmitted immediately
// without waiting for the next epoll_wait, per spec.md §4.7's pipelining
// clause (ground: cheroot connections.py's _readable_conns deque).
func (m *Manager) handleReturnedConnection(c *Connection) {
	if c.HasData() {
		m.enqueueReadable(c)
		return
	}
	fd, ok := c.Fd()
	if !ok {
		// No raw fd (e.g. net.Pipe in tests): poll it back onto the
		// ready queue directly rather than dropping it.
		m.enqueueReadable(c)
		return
	}
	m.mu.Lock()
	m.connsByFD[int32(fd)] = c
	m.idleCount++
	m.mu.Unlock()
	_ = unix.EpollCtl(m.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(fd),
	})
}

func (m *Manager) idleConnCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.idleCount
}

// expireIdle closes every idle connection whose inactivity exceeds
// ExpirationInterval, ground: cheroot ConnectionManager.expire.
func (m *Manager) expireIdle() {
	now := time.Now()
	m.mu.Lock()
	var expired []*Connection
	for fd, c := range m.connsByFD {
		if now.Sub(c.LastUsed()) > m.cfg.ExpirationInterval {
			expired = append(expired, c)
			delete(m.connsByFD, fd)
			m.idleCount--
		}
	}
	m.mu.Unlock()
	for _, c := range expired {
		if fd, ok := c.Fd(); ok {
			_ = unix.EpollCtl(m.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		}
		_ = c.Close()
	}
}

// Stop halts accepting and closes every idle connection; the Serve loop
// then exits and joins the worker pool within ShutdownTimeout. Idempotent
// via sync.Once, per spec.md §4.7's shutdown contract.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.serving.Store(false)
		_ = unix.Close(m.listenerFd)

		m.mu.Lock()
		idle := make([]*Connection, 0, len(m.connsByFD))
		for fd, c := range m.connsByFD {
			idle = append(idle, c)
			delete(m.connsByFD, fd)
		}
		m.idleCount = 0
		m.mu.Unlock()
		for _, c := range idle {
			_ = c.Close()
		}
	})
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
