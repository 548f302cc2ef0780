package engine

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/halfpipe-labs/httpd1/gateway"
	"github.com/halfpipe-labs/httpd1/protocol"
	"github.com/halfpipe-labs/httpd1/stats"
)

func echoGateway() gateway.Gateway {
	return gateway.Func(func(ctx context.Context, req *protocol.Request, w gateway.ResponseWriter) error {
		body := []byte("hello " + req.Path)
		w.WriteHeader(200, protocol.HeaderList{{Name: "Content-Length", Value: strconv.Itoa(len(body))}})
		_, err := w.Write(body)
		return err
	})
}

func newTestConnection(t *testing.T, server net.Conn, gw gateway.Gateway) *Connection {
	t.Helper()
	return NewConnection(server, 4096, 4096, gw, protocol.DefaultHeaderReader{}, "httpd1-test",
		time.Second, 5, 1<<16, 1<<20, &stats.Server{}, nil)
}

// runCommunicate drives conn's Communicate on its own goroutine so a
// net.Pipe's synchronous, unbuffered writes (the response) can be drained
// by the test's client reader concurrently rather than deadlocking.
func runCommunicate(c *Connection) <-chan bool {
	done := make(chan bool, 1)
	go func() { done <- c.Communicate(context.Background()) }()
	return done
}

func TestConnectionCommunicateKeepsAliveOnHTTP11(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	c := newTestConnection(t, server, echoGateway())
	done := runCommunicate(c)

	if _, err := client.Write([]byte("GET /x HTTP/1.1\r\nHost: example.com\r\n\r\n")); err != nil {
		t.Fatalf("writing request: %v", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(client), nil)
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	select {
	case keepAlive := <-done:
		if !keepAlive {
			t.Fatalf("expected HTTP/1.1 request without Connection: close to keep the connection alive")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Communicate did not return")
	}
}

func TestConnectionCommunicateClosesOnHTTP10WithoutKeepAlive(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	c := newTestConnection(t, server, echoGateway())
	done := runCommunicate(c)

	if _, err := client.Write([]byte("GET /x HTTP/1.0\r\nHost: example.com\r\n\r\n")); err != nil {
		t.Fatalf("writing request: %v", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(client), nil)
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	// net/http moves a "Connection: close" response header into resp.Close
	// and removes it from resp.Header.
	if !resp.Close {
		t.Fatalf("response did not carry Connection: close (headers %v)", resp.Header)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	select {
	case keepAlive := <-done:
		if keepAlive {
			t.Fatalf("HTTP/1.0 without Keep-Alive must force connection close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Communicate did not return")
	}
}

func TestConnectionCommunicateMalformedRequestLine400(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	c := newTestConnection(t, server, echoGateway())
	done := runCommunicate(c)

	if _, err := client.Write([]byte("BOGUS REQUEST LINE\r\n\r\n")); err != nil {
		t.Fatalf("writing request: %v", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(client), nil)
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	if resp.StatusCode != 400 {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	select {
	case keepAlive := <-done:
		if keepAlive {
			t.Fatalf("malformed request line must force a close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Communicate did not return")
	}
}

// TestConnectionCommunicateReadDeadlineExpiryIs408 exercises spec.md §4.4's
// "Request timeout" / §5's "a socket timeout during body reading aborts
// that request with 408 and closes the connection": a client that sends
// nothing within readTimeout gets a 408, not a silent close.
func TestConnectionCommunicateReadDeadlineExpiryIs408(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	c := NewConnection(server, 4096, 4096, echoGateway(), protocol.DefaultHeaderReader{}, "httpd1-test",
		20*time.Millisecond, 5, 1<<16, 1<<20, &stats.Server{}, nil)
	done := runCommunicate(c)

	resp, err := http.ReadResponse(bufio.NewReader(client), nil)
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	if resp.StatusCode != 408 {
		t.Fatalf("status = %d, want 408", resp.StatusCode)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	select {
	case keepAlive := <-done:
		if keepAlive {
			t.Fatalf("a timed-out request must force a close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Communicate did not return")
	}
}

// TestConnectionCommunicateTalliesByteStats exercises spec.md §3's
// "bytes_read/bytes_written are monotonically non-decreasing" invariant and
// §8's bytes_read(c) ≥ Σ sizes of requests parsed on c: after one request
// cycle, both the shared stats.Server counters and the connection's own
// LastCycleStats must report non-zero deltas.
func TestConnectionCommunicateTalliesByteStats(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	st := &stats.Server{}
	c := NewConnection(server, 4096, 4096, echoGateway(), protocol.DefaultHeaderReader{}, "httpd1-test",
		time.Second, 5, 1<<16, 1<<20, st, nil)
	done := runCommunicate(c)

	if _, err := client.Write([]byte("GET /x HTTP/1.1\r\nHost: example.com\r\n\r\n")); err != nil {
		t.Fatalf("writing request: %v", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(client), nil)
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Communicate did not return")
	}

	if got := st.BytesRead.Load(); got <= 0 {
		t.Fatalf("stats.Server.BytesRead = %d, want > 0", got)
	}
	if got := st.BytesWritten.Load(); got <= 0 {
		t.Fatalf("stats.Server.BytesWritten = %d, want > 0", got)
	}

	bytesRead, bytesWritten, workTime := c.LastCycleStats()
	if bytesRead <= 0 {
		t.Fatalf("LastCycleStats bytesRead = %d, want > 0", bytesRead)
	}
	if bytesWritten <= 0 {
		t.Fatalf("LastCycleStats bytesWritten = %d, want > 0", bytesWritten)
	}
	if workTime <= 0 {
		t.Fatalf("LastCycleStats workTime = %d, want > 0", workTime)
	}
}

func TestConnectionDoubleAcquireFailsLoudly(t *testing.T) {
	_, server := net.Pipe()
	c := newTestConnection(t, server, echoGateway())

	if !c.tryAcquire() {
		t.Fatal("first acquire should succeed")
	}
	if c.tryAcquire() {
		t.Fatal("second acquire must fail: single-ownership invariant violated")
	}
	c.release()
	if !c.tryAcquire() {
		t.Fatal("acquire after release should succeed")
	}
}
