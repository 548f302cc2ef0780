// Package httpd1 is the top-level coordinator: it owns the bind address,
// the Gateway, the TLS Adapter, and every configuration knob, and wires
// them into an engine.Manager. Ground: cheroot server.py's HTTPServer
// prepare()/serve()/start()/stop() three-way split (server.md §4.8).
package httpd1

import (
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/halfpipe-labs/httpd1/protocol"
	"github.com/halfpipe-labs/httpd1/tlsadapter"
)

// Config carries every construction-time knob named in spec.md §6 under
// "Configuration options (server construction)". Zero value is never used
// directly — New() always starts from defaultConfig() and applies Options
// on top of it.
type Config struct {
	MinThreads int
	MaxThreads int // <=0 means unbounded, matching the teacher's workerPool max<=0 convention

	RequestQueueSize int // OS listen backlog

	Timeout         time.Duration // per-request inactivity limit
	ShutdownTimeout time.Duration // worker-join limit

	ExpirationInterval time.Duration // selector tick / idle sweep period

	MaxRequestHeaderSize int64
	MaxRequestBodySize   int64

	NoDelay   bool
	ReusePort bool

	PeercredsEnabled        bool
	PeercredsResolveEnabled bool

	AcceptedQueueSize    int
	AcceptedQueueTimeout time.Duration

	KeepAliveConnLimit int

	RBufSize int
	WBufSize int

	ServerName string

	UnixSocketMode os.FileMode // 0 skips the chmod, for UNIX-path bind addresses

	HeaderReader protocol.HeaderReader
	TLSAdapter   tlsadapter.Adapter
	Logger       *zap.Logger
}

// defaultConfig mirrors spec.md §6's literal defaults: minthreads=10,
// maxthreads=-1 (unbounded, represented here as 0 to match workerPool's own
// convention).
func defaultConfig() Config {
	return Config{
		MinThreads:           10,
		MaxThreads:           0,
		RequestQueueSize:     128,
		Timeout:              10 * time.Second,
		ShutdownTimeout:      5 * time.Second,
		ExpirationInterval:   500 * time.Millisecond,
		MaxRequestHeaderSize: 64 * 1024,
		MaxRequestBodySize:   100 * 1024 * 1024,
		AcceptedQueueSize:    128,
		AcceptedQueueTimeout: time.Second,
		KeepAliveConnLimit:   1024,
		RBufSize:             8 * 1024,
		WBufSize:             8 * 1024,
		ServerName:           "httpd1",
	}
}
