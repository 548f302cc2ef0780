package engine

import (
	"bufio"
	"net"
	"net/http"
	"testing"

	"github.com/halfpipe-labs/httpd1/protocol"
)

// TestRespondNoSSLAndCloseWrites400 exercises spec.md §4.2/§8 scenario 4: a
// plain-HTTP client connecting to a TLS port (TLSAdapter.Wrap returning
// (nil, nil, nil)) gets a fixed 400 response, not a silent close.
func TestRespondNoSSLAndCloseWrites400(t *testing.T) {
	m := NewManager(-1, ManagerConfig{
		RBufSize:             4096,
		WBufSize:             4096,
		MaxRequestHeaderSize: 64 * 1024,
		HeaderReader:         protocol.DefaultHeaderReader{},
		ServerName:           "httpd1-test",
	})

	client, server := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		m.respondNoSSLAndClose(server)
		close(done)
	}()

	resp, err := http.ReadResponse(bufio.NewReader(client), nil)
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	if resp.StatusCode != 400 {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	<-done
}
