package engine

import (
	"net"
	"testing"
	"time"

	"github.com/halfpipe-labs/httpd1/stats"
)

// TestGrowValueMatchesCheroot checks the transcribed dynpool.grow_value
// arithmetic against a handful of cases drawn directly from the Python
// original's own branches (queue-driven growth, minSpare top-up, the
// max/maxSpare stop conditions).
func TestGrowValueMatchesCheroot(t *testing.T) {
	cases := []struct {
		name                            string
		size, min, max, idle, qsize     int
		minSpare, maxSpare, want        int
	}{
		{"at max size", 10, 5, 10, 0, 3, 2, 4, 0},
		{"idle above maxSpare", 6, 5, 0, 5, 0, 2, 4, 0},
		{"queue with no idle, unbounded max", 3, 2, 0, 0, 4, 1, 4, 5},
		{"queue with no idle, bounded by max room", 8, 2, 10, 0, 10, 1, 4, 2},
		{"below min, short on spare", 2, 5, 0, 0, 0, 2, 4, 3},
		{"steady state", 5, 5, 10, 2, 0, 2, 4, 0},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := growValue(c.size, c.min, c.max, c.idle, c.qsize, c.minSpare, c.maxSpare)
			if got != c.want {
				t.Errorf("growValue(%d,%d,%d,%d,%d,%d,%d) = %d, want %d",
					c.size, c.min, c.max, c.idle, c.qsize, c.minSpare, c.maxSpare, got, c.want)
			}
		})
	}
}

func TestShrinkValueMatchesCheroot(t *testing.T) {
	cases := []struct {
		name                         string
		size, min, idle, qsize       int
		minSpare, maxSpare, want     int
	}{
		{"at min, no shrink", 5, 5, 5, 0, 2, 4, 0},
		{"fully idle, queue empty, shrink to min", 10, 4, 10, 0, 2, 4, 6},
		{"idle above maxSpare", 10, 2, 8, 1, 2, 4, 4},
		{"idle above maxSpare, queue empty", 10, 2, 8, 0, 2, 4, 4},
		{"no shrink needed", 6, 4, 2, 1, 2, 4, 0},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := shrinkValue(c.size, c.min, c.idle, c.qsize, c.minSpare, c.maxSpare)
			if got != c.want {
				t.Errorf("shrinkValue(%d,%d,%d,%d,%d,%d) = %d, want %d",
					c.size, c.min, c.idle, c.qsize, c.minSpare, c.maxSpare, got, c.want)
			}
		})
	}
}

func TestWorkerPoolGrowShrinkRespectsBounds(t *testing.T) {
	returnCh := make(chan *Connection, 8)
	p := newWorkerPool(2, 4, 8, returnCh, nil)
	defer p.Stop(time.Second)

	if got := p.Size(); got != 2 {
		t.Fatalf("initial size = %d, want 2 (min)", got)
	}

	p.grow(10)
	if got := p.Size(); got != 4 {
		t.Fatalf("size after overgrow = %d, want capped at max 4", got)
	}

	p.shrink(10)
	// shrink enqueues sentinels; give the workers a moment to drain them.
	deadline := time.Now().Add(time.Second)
	for p.Size() > 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := p.Size(); got != 2 {
		t.Fatalf("size after overshrink = %d, want floored at min 2", got)
	}
}

func TestWorkerPoolSubmitAndCommunicate(t *testing.T) {
	returnCh := make(chan *Connection, 8)
	p := newWorkerPool(1, 1, 1, returnCh, nil)
	defer p.Stop(time.Second)

	client, server := net.Pipe()
	defer client.Close()

	c := NewConnection(server, 4096, 4096, echoGateway(), nil, "httpd1-test",
		time.Second, 5, 1<<16, 1<<20, &stats.Server{}, nil)

	if !p.Submit(c, time.Second) {
		t.Fatal("Submit should have succeeded against an empty queue")
	}

	if _, err := client.Write([]byte("GET /x HTTP/1.0\r\n\r\n")); err != nil {
		t.Fatalf("writing request: %v", err)
	}

	buf := make([]byte, 512)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	if n == 0 {
		t.Fatal("expected a non-empty response")
	}

	select {
	case got := <-returnCh:
		t.Fatalf("HTTP/1.0 connection should not be returned for reuse, got %v", got)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWorkerPoolStopInterruptsStragglers(t *testing.T) {
	returnCh := make(chan *Connection, 1)
	p := newWorkerPool(1, 1, 1, returnCh, nil)

	client, server := net.Pipe()
	defer client.Close()

	// No request bytes are ever written by the client, so the worker
	// servicing c blocks forever inside ReadRequestLine — a straggler
	// Stop must interrupt by closing the socket out from under it.
	c := NewConnection(server, 4096, 4096, echoGateway(), nil, "httpd1-test",
		0, 5, 1<<16, 1<<20, &stats.Server{}, nil)
	p.Submit(c, time.Second)

	start := time.Now()
	p.Stop(100 * time.Millisecond)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Stop took %v, expected to return promptly after interrupting stragglers", elapsed)
	}
}
