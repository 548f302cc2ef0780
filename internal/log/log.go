// Package log is the thin zap wrapper shared by every package in this
// module. The teacher's engine never logs anything; the default logger
// here is a no-op for the same reason z5labs-bedrock's HTTP runtime
// defaults to a noop slog.Handler: a library should be silent until an
// embedder opts in.
package log

import "go.uber.org/zap"

// Nop returns a logger that discards everything, used whenever a
// constructor isn't given an explicit *zap.Logger.
func Nop() *zap.Logger {
	return zap.NewNop()
}
