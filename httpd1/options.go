package httpd1

import (
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/halfpipe-labs/httpd1/protocol"
	"github.com/halfpipe-labs/httpd1/tlsadapter"
)

// Option configures a Server at construction time, ground:
// z5labs-bedrock/http.NewRuntime(opts ...RuntimeOption)'s functional-options
// constructor idiom (spec.md §4.8 "(added)").
type Option func(*Config)

func WithThreadPool(min, max int) Option {
	return func(c *Config) { c.MinThreads, c.MaxThreads = min, max }
}

func WithRequestQueueSize(n int) Option {
	return func(c *Config) { c.RequestQueueSize = n }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Config) { c.Timeout = d }
}

func WithShutdownTimeout(d time.Duration) Option {
	return func(c *Config) { c.ShutdownTimeout = d }
}

func WithExpirationInterval(d time.Duration) Option {
	return func(c *Config) { c.ExpirationInterval = d }
}

func WithMaxRequestSizes(header, body int64) Option {
	return func(c *Config) { c.MaxRequestHeaderSize, c.MaxRequestBodySize = header, body }
}

func WithNoDelay(enabled bool) Option {
	return func(c *Config) { c.NoDelay = enabled }
}

func WithReusePort(enabled bool) Option {
	return func(c *Config) { c.ReusePort = enabled }
}

func WithPeerCreds(enabled, resolveNames bool) Option {
	return func(c *Config) {
		c.PeercredsEnabled = enabled
		c.PeercredsResolveEnabled = resolveNames
	}
}

func WithAcceptedQueue(size int, timeout time.Duration) Option {
	return func(c *Config) {
		c.AcceptedQueueSize = size
		c.AcceptedQueueTimeout = timeout
	}
}

func WithKeepAliveConnLimit(n int) Option {
	return func(c *Config) { c.KeepAliveConnLimit = n }
}

func WithBufferSizes(rbuf, wbuf int) Option {
	return func(c *Config) { c.RBufSize, c.WBufSize = rbuf, wbuf }
}

func WithServerName(name string) Option {
	return func(c *Config) { c.ServerName = name }
}

func WithUnixSocketMode(mode os.FileMode) Option {
	return func(c *Config) { c.UnixSocketMode = mode }
}

func WithHeaderReader(hr protocol.HeaderReader) Option {
	return func(c *Config) { c.HeaderReader = hr }
}

func WithTLSAdapter(a tlsadapter.Adapter) Option {
	return func(c *Config) { c.TLSAdapter = a }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Config) { c.Logger = l }
}
