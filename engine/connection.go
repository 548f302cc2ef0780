package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/halfpipe-labs/httpd1/errtax"
	"github.com/halfpipe-labs/httpd1/gateway"
	"github.com/halfpipe-labs/httpd1/internal/iostreams"
	"github.com/halfpipe-labs/httpd1/protocol"
	"github.com/halfpipe-labs/httpd1/stats"
)

type connState int32

const (
	stateIdle connState = iota
	stateReady
	stateInService
)

// Connection owns one accepted socket, a buffered reader/writer pair over
// it, and the bookkeeping needed to hand it between the Connection Manager
// and a worker. Exclusively owned by exactly one of {Manager's idle
// selector set, Manager's ready queue, a worker-in-service} at any time,
// per spec.md §3's central ownership invariant — enforced here with a CAS
// so a double-hand-off bug fails loudly instead of silently racing.
type Connection struct {
	conn net.Conn
	fder interface{ Fd() int }

	lastUsed     time.Time
	requestsSeen uint64
	env          map[string]string

	lastCycleBytesRead    int64
	lastCycleBytesWritten int64
	lastCycleWorkTime     time.Duration

	reader     *bufio.Reader
	sizeReader *iostreams.SizeCappedReader
	writer     *iostreams.BufferedWriter

	state atomic.Int32

	// config, shared read-only across all connections.
	gw                  gateway.Gateway
	headerReader        protocol.HeaderReader
	serverName          string
	readTimeout         time.Duration
	keepAliveTimeout    int
	maxRequestHeaderSize int64
	maxRequestBodySize   int64

	stats  *stats.Server
	logger *zap.Logger
}

// NewConnection wraps conn (a *rawConn from the Manager's accept path, or
// any net.Conn the TLS Adapter produced by wrapping one) for servicing.
func NewConnection(conn net.Conn, rbufsize, wbufsize int, gw gateway.Gateway, headerReader protocol.HeaderReader, serverName string, readTimeout time.Duration, keepAliveTimeout int, maxHeaderSize, maxBodySize int64, st *stats.Server, logger *zap.Logger) *Connection {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Connection{
		conn:                 conn,
		reader:               bufio.NewReaderSize(conn, rbufsize),
		gw:                   gw,
		headerReader:         headerReader,
		serverName:           serverName,
		readTimeout:          readTimeout,
		keepAliveTimeout:     keepAliveTimeout,
		maxRequestHeaderSize: maxHeaderSize,
		maxRequestBodySize:   maxBodySize,
		stats:                st,
		logger:               logger,
		lastUsed:             time.Now(),
	}
	c.sizeReader = iostreams.NewSizeCappedReader(c.reader, maxHeaderSize)
	c.writer = iostreams.NewBufferedWriterSize(conn, wbufsize)
	if fdr, ok := conn.(interface{ Fd() int }); ok {
		c.fder = fdr
	}
	return c
}

// Fd returns the underlying raw file descriptor for epoll registration. Not
// all net.Conn implementations expose one (e.g. net.Pipe, used in tests);
// callers that need epoll support must check ok.
func (c *Connection) Fd() (int, bool) {
	if c.fder == nil {
		return 0, false
	}
	return c.fder.Fd(), true
}

// HasData reports whether the buffered reader already holds unconsumed
// bytes — spec.md §3's "a Connection registered with the selector always
// has has_data() == False at registration time" invariant is enforced by
// the Manager checking this before registering, and skipping registration
// (immediate re-enqueue) when it is true.
func (c *Connection) HasData() bool {
	return c.reader.Buffered() > 0
}

func (c *Connection) LastUsed() time.Time { return c.lastUsed }

func (c *Connection) SetEnv(env map[string]string) { c.env = env }

// LastCycleStats reports the bytes read, bytes written, and wall time spent
// servicing the most recently completed request cycle, for the worker pool
// to fold into its per-worker stats.Worker counters.
func (c *Connection) LastCycleStats() (bytesRead, bytesWritten int64, workTime time.Duration) {
	return c.lastCycleBytesRead, c.lastCycleBytesWritten, c.lastCycleWorkTime
}

// tryAcquire performs the single CAS ownership check spec.md §5 requires:
// a Connection transitions idle → in-service exactly once per hand-off.
func (c *Connection) tryAcquire() bool {
	return c.state.CompareAndSwap(int32(stateIdle), int32(stateInService))
}

func (c *Connection) release() {
	c.state.Store(int32(stateIdle))
}

func (c *Connection) Close() error {
	return c.conn.Close()
}

// Communicate runs exactly one request cycle, returning true if the
// connection may be returned to the Manager for reuse; the next request on a
// kept-alive connection is serviced by a later Communicate call.
// Ground: cheroot HTTPConnection.communicate. An uncaught gateway error
// (panic or non-nil error) is recovered here and converted to a 500 if
// headers were not yet sent, otherwise it forces a close — there is no
// exception-propagation model to borrow from Python, so recover() plays
// that role.
func (c *Connection) Communicate(ctx context.Context) (keepAlive bool) {
	if !c.tryAcquire() {
		c.logger.Error("connection acquired twice", zap.String("conn", fmt.Sprint(c.conn.RemoteAddr())))
		return false
	}
	defer c.release()

	keepAlive = c.runOneRequest(ctx)
	c.lastUsed = time.Now()
	return keepAlive
}

func (c *Connection) runOneRequest(ctx context.Context) (keepAlive bool) {
	start := time.Now()
	bytesReadBefore := c.sizeReader.BytesRead()
	bytesWrittenBefore := c.writer.BytesWritten()

	if c.readTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	}

	req := protocol.AcquireRequest(c.sizeReader, c.writer, c.headerReader, c.serverName, c.keepAliveTimeout)
	defer protocol.Release(req)
	req.Env = c.env

	// Tallies this cycle's byte counts into c.stats and into
	// lastCycleBytesRead/Written/WorkTime for the worker pool to fold into
	// its per-worker stats.Worker, matching spec.md §3's bytesRead/
	// bytesWritten-monotonic invariant. Chunked bodies bypass sizeReader
	// (they read straight off its Underlying() bufio.Reader, see
	// Request.SelectBody), so their bytes are added separately here.
	defer func() {
		var bodyBytes int64
		if cr, ok := req.Body.(*iostreams.ChunkedReader); ok {
			bodyBytes = cr.BytesRead()
		}
		readDelta := c.sizeReader.BytesRead() - bytesReadBefore + bodyBytes
		writtenDelta := c.writer.BytesWritten() - bytesWrittenBefore
		c.stats.BytesRead.Add(readDelta)
		c.stats.BytesWritten.Add(writtenDelta)
		c.lastCycleBytesRead = readDelta
		c.lastCycleBytesWritten = writtenDelta
		c.lastCycleWorkTime = time.Since(start)
	}()

	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error("gateway panic", zap.Any("recover", rec))
			if !req.Sent() {
				_ = req.SimpleResponse(500, "internal server error")
			}
			keepAlive = false
		}
	}()

	if err := req.ReadRequestLine(); err != nil {
		return c.respondAndClose(req, err)
	}
	c.requestsSeen++
	c.stats.Requests.Add(1)

	if err := req.ReadHeaders(c.maxRequestBodySize); err != nil {
		return c.respondAndClose(req, err)
	}
	req.SelectBody(c.maxRequestBodySize)

	if err := c.gw.Serve(ctx, req, req); err != nil {
		if !req.Sent() {
			_ = req.SimpleResponse(errtax.StatusFor(errtax.ErrInternal), "internal server error")
		}
		return false
	}

	if err := req.Finish(); err != nil {
		return false
	}

	if req.CloseConnection() {
		return false
	}
	return true
}

// RespondUnavailableAndClose writes the fixed 503 body directly, bypassing
// the request-cycle bookkeeping in runOneRequest, then closes the socket.
// Used by the Manager when the worker pool's ready queue is saturated at
// max size (spec.md §4.6's overload policy) before any Request for this
// connection has even been read.
func (c *Connection) RespondUnavailableAndClose() {
	req := protocol.AcquireRequest(c.sizeReader, c.writer, c.headerReader, c.serverName, c.keepAliveTimeout)
	defer protocol.Release(req)
	_ = req.SimpleResponse(errtax.StatusFor(errtax.ErrServiceUnavailable), "service unavailable")
	_ = c.Close()
}

func (c *Connection) respondAndClose(req *protocol.Request, err error) bool {
	if errtax.IsTimeout(err) {
		err = errtax.ErrRequestTimeout
	}
	status := errtax.StatusFor(err)
	if status == 0 {
		c.logger.Debug("fatal connection error", zap.Error(err))
		return false
	}
	if errors.Is(err, errtax.ErrRequestTimeout) {
		c.stats.SocketErrors.Add(1)
	}
	msg := err.Error()
	if werr := req.SimpleResponse(status, msg); werr != nil {
		c.logger.Debug("error response write failed", zap.Error(werr))
	}
	return false
}
