// Package stats holds the atomic counters the connection engine updates as
// it runs, mirroring the table cheroot builds in HTTPServer.clear_stats().
package stats

import "sync/atomic"

// Server is the process-wide counter block for one httpd1.Server. All
// fields are updated with atomic ops only; there is no lock.
type Server struct {
	Accepts      atomic.Int64
	SocketErrors atomic.Int64
	Requests     atomic.Int64
	BytesRead    atomic.Int64
	BytesWritten atomic.Int64
	Rejected503  atomic.Int64
}

// Snapshot is a point-in-time copy of Server, safe to hand to a caller
// without exposing the atomics themselves.
type Snapshot struct {
	Accepts      int64
	SocketErrors int64
	Requests     int64
	BytesRead    int64
	BytesWritten int64
	Rejected503  int64
	Workers      int
	WorkersIdle  int
	QueueLen     int
}

// Snapshot copies the current counter values. workers/idle/queueLen are
// supplied by the caller (the worker pool), since Server itself has no
// view into pool occupancy.
func (s *Server) Snapshot(workers, idle, queueLen int) Snapshot {
	return Snapshot{
		Accepts:      s.Accepts.Load(),
		SocketErrors: s.SocketErrors.Load(),
		Requests:     s.Requests.Load(),
		BytesRead:    s.BytesRead.Load(),
		BytesWritten: s.BytesWritten.Load(),
		Rejected503:  s.Rejected503.Load(),
		Workers:      workers,
		WorkersIdle:  idle,
		QueueLen:     queueLen,
	}
}

// Worker is the per-worker-goroutine counter block. Its counters are not
// summed into Server or its Snapshot: the worker pool keeps one Worker per
// goroutine id (retained after that goroutine exits) and exposes them
// through Manager.WorkerStats.
type Worker struct {
	Requests     atomic.Int64
	BytesRead    atomic.Int64
	BytesWritten atomic.Int64
	WorkTimeNs   atomic.Int64
}

// WorkerSnapshot is a point-in-time copy of Worker, safe to hand to a
// caller without exposing the atomics themselves.
type WorkerSnapshot struct {
	Requests     int64
	BytesRead    int64
	BytesWritten int64
	WorkTimeNs   int64
}

func (w *Worker) Snapshot() WorkerSnapshot {
	return WorkerSnapshot{
		Requests:     w.Requests.Load(),
		BytesRead:    w.BytesRead.Load(),
		BytesWritten: w.BytesWritten.Load(),
		WorkTimeNs:   w.WorkTimeNs.Load(),
	}
}
