package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/halfpipe-labs/httpd1/stats"
)

// shutdownSentinel is the distinguished value enqueued to tell a worker to
// exit, mirroring spec.md §3's "signal sentinel (a distinguished shutdown
// token)". A nil *Connection plays that role here.
var shutdownSentinel *Connection

// workerPool is a bounded, elastic group of goroutines each processing one
// HTTP request cycle at a time, grounded on the teacher's
// startWorkerPool/workerEpoll (server/engine/pool.go) generalized from a
// fixed runtime.NumCPU() count into the min/max-bounded, dynamically
// resized pool spec.md §4.6 requires.
type workerPool struct {
	min, max int

	readyQueue chan *Connection
	returnCh   chan<- *Connection

	mu      sync.Mutex
	size    int
	idle    atomic.Int32
	nextID  int
	active  map[int]*Connection  // worker id -> connection currently in service
	workers map[int]*stats.Worker // worker id -> cumulative per-goroutine counters, kept past exit

	shrinkFreq time.Duration
	minSpare   int
	maxSpare   int
	lastShrink time.Time

	logger *zap.Logger

	wg sync.WaitGroup
}

// newWorkerPool starts with min workers already running, handing completed
// (kept-alive) connections to returnCh for the Manager to re-register.
func newWorkerPool(min, max, queueCapacity int, returnCh chan<- *Connection, logger *zap.Logger) *workerPool {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &workerPool{
		min:        min,
		max:        max,
		readyQueue: make(chan *Connection, queueCapacity),
		returnCh:   returnCh,
		active:     make(map[int]*Connection),
		workers:    make(map[int]*stats.Worker),
		shrinkFreq: 5 * time.Second,
		minSpare:   min,
		maxSpare:   min * 2,
		logger:     logger,
	}
	p.grow(min)
	return p
}

// Submit attempts a non-blocking, then bounded, send onto the ready queue.
// Returns false if the queue is saturated and the pool is already at max
// size — the caller (Manager) must answer 503 and close in that case, per
// spec.md §4.6's overload policy.
func (p *workerPool) Submit(conn *Connection, timeout time.Duration) bool {
	select {
	case p.readyQueue <- conn:
		return true
	default:
	}

	p.mu.Lock()
	saturated := p.max > 0 && p.size >= p.max
	p.mu.Unlock()
	if saturated {
		select {
		case p.readyQueue <- conn:
			return true
		case <-time.After(timeout):
			return false
		}
	}

	// Not saturated: grow eagerly rather than block, mirroring dynpool's
	// "idle == 0 and queued > 0" branch firing ahead of the next resize
	// tick.
	p.growBy(1)
	select {
	case p.readyQueue <- conn:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (p *workerPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

func (p *workerPool) Idle() int { return int(p.idle.Load()) }
func (p *workerPool) QueueLen() int { return len(p.readyQueue) }

// WorkerStats snapshots every worker goroutine's cumulative counters,
// including goroutines shrink has since stopped — entries are never
// removed from p.workers, matching stats.Worker's doc comment on
// accumulating past exit. Ground: cheroot HTTPServer.stats' "Worker
// Threads" table.
func (p *workerPool) WorkerStats() map[int]stats.WorkerSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[int]stats.WorkerSnapshot, len(p.workers))
	for id, w := range p.workers {
		out[id] = w.Snapshot()
	}
	return out
}

// grow spawns n fresh worker goroutines, bounded by max.
func (p *workerPool) grow(n int) {
	p.mu.Lock()
	if p.max > 0 && p.size+n > p.max {
		n = p.max - p.size
	}
	if n <= 0 {
		p.mu.Unlock()
		return
	}
	p.size += n
	ids := make([]int, n)
	for i := 0; i < n; i++ {
		p.nextID++
		ids[i] = p.nextID
		p.workers[p.nextID] = &stats.Worker{}
	}
	p.mu.Unlock()

	for _, id := range ids {
		p.wg.Add(1)
		go p.runWorker(id)
	}
}

func (p *workerPool) growBy(n int) { p.grow(n) }

// shrink enqueues n shutdown sentinels, bounded so size never drops below
// min.
func (p *workerPool) shrink(n int) {
	p.mu.Lock()
	if p.size-n < p.min {
		n = p.size - p.min
	}
	p.mu.Unlock()
	if n <= 0 {
		return
	}
	for i := 0; i < n; i++ {
		p.readyQueue <- shutdownSentinel
	}
}

func (p *workerPool) runWorker(id int) {
	defer p.wg.Done()

	p.mu.Lock()
	w := p.workers[id]
	p.mu.Unlock()

	for {
		p.idle.Add(1)
		conn := <-p.readyQueue
		p.idle.Add(-1)

		if conn == shutdownSentinel {
			p.mu.Lock()
			p.size--
			delete(p.active, id)
			p.mu.Unlock()
			return
		}

		p.mu.Lock()
		p.active[id] = conn
		p.mu.Unlock()

		ctx := context.Background()
		keepAlive := conn.Communicate(ctx)

		bytesRead, bytesWritten, workTime := conn.LastCycleStats()
		w.Requests.Add(1)
		w.BytesRead.Add(bytesRead)
		w.BytesWritten.Add(bytesWritten)
		w.WorkTimeNs.Add(workTime.Nanoseconds())

		p.mu.Lock()
		delete(p.active, id)
		p.mu.Unlock()

		if keepAlive {
			select {
			case p.returnCh <- conn:
			default:
				// Manager's return channel is unexpectedly full; drop the
				// connection rather than block a worker forever.
				_ = conn.Close()
			}
		} else {
			_ = conn.Close()
		}
	}
}

// resizeTick runs one pass of cheroot's DynamicPoolResizer.run(), ported
// verbatim from workers/dynpool.py's grow_value/shrink_value arithmetic
// (spec.md §4.6 "dynamic resizing... ported verbatim").
func (p *workerPool) resizeTick() {
	p.mu.Lock()
	size := p.size
	min := p.min
	max := p.max
	idle := int(p.idle.Load())
	qsize := len(p.readyQueue)
	minSpare := p.minSpare
	maxSpare := p.maxSpare
	p.mu.Unlock()

	if g := growValue(size, min, max, idle, qsize, minSpare, maxSpare); g > 0 {
		p.grow(g)
		return
	}

	if p.shrinkFreq <= 0 {
		return
	}
	now := time.Now()
	if !p.lastShrink.IsZero() && now.Sub(p.lastShrink) <= p.shrinkFreq {
		return
	}
	if s := shrinkValue(size, min, idle, qsize, minSpare, maxSpare); s > 0 {
		p.shrink(s)
		p.lastShrink = now
	}
}

// growValue is cheroot dynpool.DynamicPoolResizer.grow_value, unchanged.
func growValue(size, min, max, idle, qsize, minSpare, maxSpare int) int {
	if (max > 0 && size >= max) || idle > maxSpare {
		return 0
	}
	if idle == 0 && qsize > 0 {
		if max > 0 {
			g := qsize + minSpare
			if room := max - size; g > room {
				g = room
			}
			return g
		}
		return qsize + minSpare
	}
	g := min - size
	if s := minSpare - idle; s > g {
		g = s
	}
	if g < 0 {
		g = 0
	}
	return g
}

// shrinkValue is cheroot dynpool.DynamicPoolResizer.shrink_value, unchanged.
func shrinkValue(size, min, idle, qsize, minSpare, maxSpare int) int {
	switch {
	case size <= min:
		return 0
	case size == idle && qsize == 0:
		s := size - min
		if alt := idle - minSpare; alt < s {
			s = alt
		}
		return s
	case idle > maxSpare:
		return idle - maxSpare
	case idle > minSpare+1 && qsize == 0:
		return (idle - minSpare + 1) / 2
	default:
		return 0
	}
}

// Stop enqueues size shutdown sentinels and joins every worker within
// timeout using an errgroup-backed wait, interrupting stragglers by
// closing their current connection's socket (spec.md §4.6's stop()).
func (p *workerPool) Stop(timeout time.Duration) {
	p.mu.Lock()
	n := p.size
	p.mu.Unlock()
	for i := 0; i < n; i++ {
		p.readyQueue <- shutdownSentinel
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-done:
			return nil
		case <-gctx.Done():
			return gctx.Err()
		}
	})

	if err := g.Wait(); err != nil {
		p.logger.Warn("worker pool stop timed out; interrupting stragglers")
		p.mu.Lock()
		stragglers := make([]*Connection, 0, len(p.active))
		for _, c := range p.active {
			stragglers = append(stragglers, c)
		}
		p.mu.Unlock()
		for _, c := range stragglers {
			_ = c.Close()
		}
		<-done
	}
}
