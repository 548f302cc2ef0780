package httpd1

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/halfpipe-labs/httpd1/engine"
	"github.com/halfpipe-labs/httpd1/gateway"
	"github.com/halfpipe-labs/httpd1/peercreds"
	"github.com/halfpipe-labs/httpd1/stats"
)

// Server is the top-level coordinator named in spec.md §3's "HTTP Server"
// entity: bind address, Gateway, pool sizing, Connection Manager, TLS
// Adapter, and every construction-time knob, wired into a single
// engine.Manager at Prepare()/Serve() time.
type Server struct {
	bindAddr string
	gw       gateway.Gateway
	cfg      Config
	stats    *stats.Server
	logger   *zap.Logger

	mu         sync.Mutex
	listenerFd int
	unlinkPath string
	boundAddr  net.Addr
	manager    *engine.Manager
	done       chan struct{}

	ready    atomic.Bool
	prepared atomic.Bool
}

// New builds a Server for bindAddr (see resolveBindAddr for the accepted
// forms) dispatching every request cycle to gw. Options override
// defaultConfig()'s spec.md §6 defaults.
func New(bindAddr string, gw gateway.Gateway, opts ...Option) *Server {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Server{
		bindAddr: bindAddr,
		gw:       gw,
		cfg:      cfg,
		stats:    &stats.Server{},
		logger:   cfg.Logger,
		done:     make(chan struct{}),
	}
}

// Prepare resolves the bind address, creates the listening socket, and
// applies every socket-level option (SO_REUSEADDR, optional SO_REUSEPORT,
// TCP_NODELAY, UNIX-path chmod), then binds and listens. Ground: cheroot
// server.py's prepare()/prepare_socket(). Safe to call from a goroutine
// other than the one that will later call Serve.
func (s *Server) Prepare() error {
	if s.prepared.Swap(true) {
		return nil
	}
	fd, bound, unlinkPath, err := prepareSocket(s.bindAddr, s.cfg)
	if err != nil {
		s.prepared.Store(false)
		return err
	}

	s.mu.Lock()
	s.listenerFd = fd
	s.boundAddr = bound
	s.unlinkPath = unlinkPath
	s.mu.Unlock()
	return nil
}

// BoundAddr reports the address actually bound, resolving an ephemeral
// port=0 request to the port the kernel assigned. Valid only after Prepare.
func (s *Server) BoundAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundAddr
}

func (s *Server) Ready() bool { return s.ready.Load() }

// Serve builds the Connection Manager from the prepared listening socket
// and runs its accept/dispatch loop until ctx is cancelled or Stop is
// called, returning any error assigned via the Manager's interrupt. Prepare
// must have been called first.
func (s *Server) Serve(ctx context.Context) error {
	if !s.prepared.Load() {
		return fmt.Errorf("httpd1: Serve called before a successful Prepare")
	}
	s.mu.Lock()
	fd := s.listenerFd
	s.mu.Unlock()

	var peerCreds *peercreds.Resolver
	if s.cfg.PeercredsEnabled {
		peerCreds = peercreds.NewResolver(s.cfg.PeercredsResolveEnabled)
	}

	mgr := engine.NewManager(fd, engine.ManagerConfig{
		Gateway:      s.gw,
		HeaderReader: s.cfg.HeaderReader,
		TLSAdapter:   s.cfg.TLSAdapter,
		PeerCreds:    peerCreds,
		ServerName:   s.cfg.ServerName,

		MinWorkers:    s.cfg.MinThreads,
		MaxWorkers:    s.cfg.MaxThreads,
		QueueCapacity: s.cfg.AcceptedQueueSize,

		KeepAliveConnLimit:   s.cfg.KeepAliveConnLimit,
		ExpirationInterval:   s.cfg.ExpirationInterval,
		AcceptedQueueTimeout: s.cfg.AcceptedQueueTimeout,
		ShutdownTimeout:      s.cfg.ShutdownTimeout,
		ReadTimeout:          s.cfg.Timeout,
		KeepAliveTimeout:     int(s.cfg.Timeout / time.Second),

		MaxRequestHeaderSize: s.cfg.MaxRequestHeaderSize,
		MaxRequestBodySize:   s.cfg.MaxRequestBodySize,
		RBufSize:             s.cfg.RBufSize,
		WBufSize:             s.cfg.WBufSize,

		Stats:  s.stats,
		Logger: s.logger,
	})

	s.mu.Lock()
	s.manager = mgr
	s.mu.Unlock()

	s.ready.Store(true)
	err := mgr.Serve(ctx)
	close(s.done)

	if s.unlinkPath != "" {
		_ = os.Remove(s.unlinkPath)
	}
	return err
}

// Start is Prepare() followed by Serve(ctx), matching spec.md §4.8's
// start() convenience wrapper. Callers that need BoundAddr() (e.g. to
// discover an ephemeral port) before Serve begins accepting should call
// Prepare() and Serve() separately instead.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Prepare(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Stop signals the Manager to stop accepting and to close every idle and
// in-flight connection within ShutdownTimeout, then blocks until Serve
// returns or that same timeout elapses. Idempotent.
func (s *Server) Stop() {
	s.mu.Lock()
	mgr := s.manager
	s.mu.Unlock()
	if mgr == nil {
		return
	}
	mgr.Stop()

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	select {
	case <-s.done:
	case <-time.After(timeout):
		s.logger.Warn("httpd1: Stop timed out waiting for Serve to return")
	}
}

// SetInterrupt assigns err to be re-raised from Serve after cleanup
// completes, ground: cheroot's interrupt property (server.py).
func (s *Server) SetInterrupt(err error) {
	s.mu.Lock()
	mgr := s.manager
	s.mu.Unlock()
	if mgr != nil {
		mgr.SetInterrupt(err)
	}
}

// Stats snapshots the server-wide counters plus current worker pool
// occupancy. Returns a zero Snapshot before Serve has built the Manager.
func (s *Server) Stats() stats.Snapshot {
	s.mu.Lock()
	mgr := s.manager
	s.mu.Unlock()
	if mgr == nil {
		return s.stats.Snapshot(0, 0, 0)
	}
	return mgr.Stats()
}
