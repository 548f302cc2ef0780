package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/halfpipe-labs/httpd1/errtax"
	"github.com/halfpipe-labs/httpd1/internal/iostreams"
)

func newRequest(raw string, w *bytes.Buffer) (*Request, *iostreams.SizeCappedReader) {
	r := iostreams.NewSizeCappedReader(bufio.NewReader(strings.NewReader(raw)), 0)
	bw := iostreams.NewBufferedWriter(w)
	req := AcquireRequest(r, bw, DefaultHeaderReader{}, "httpd1-test", 5)
	return req, r
}

func TestReadRequestLineValid(t *testing.T) {
	var out bytes.Buffer
	req, _ := newRequest("GET /index.html?x=1 HTTP/1.1\r\nHost: localhost\r\n\r\n", &out)
	defer Release(req)

	if err := req.ReadRequestLine(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Method != "GET" {
		t.Errorf("method = %q", req.Method)
	}
	if req.Path != "/index.html" || req.Query != "x=1" {
		t.Errorf("path=%q query=%q", req.Path, req.Query)
	}
	if req.ReqMajor != 1 || req.ReqMinor != 1 {
		t.Errorf("version = %d.%d", req.ReqMajor, req.ReqMinor)
	}
}

func TestReadRequestLineAbsoluteForm(t *testing.T) {
	var out bytes.Buffer
	req, _ := newRequest("GET http://example.com/foo?a=b HTTP/1.1\r\n\r\n", &out)
	defer Release(req)

	if err := req.ReadRequestLine(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Form != TargetAbsolute {
		t.Errorf("form = %v, want TargetAbsolute", req.Form)
	}
	if req.Authority != "example.com" || req.Path != "/foo" || req.Query != "a=b" {
		t.Errorf("authority=%q path=%q query=%q", req.Authority, req.Path, req.Query)
	}
}

func TestReadRequestLineAsteriskForm(t *testing.T) {
	var out bytes.Buffer
	req, _ := newRequest("OPTIONS * HTTP/1.1\r\n\r\n", &out)
	defer Release(req)

	if err := req.ReadRequestLine(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Form != TargetAsterisk {
		t.Errorf("form = %v, want TargetAsterisk", req.Form)
	}
}

func TestReadRequestLineAsteriskFormRejectsNonOptions(t *testing.T) {
	var out bytes.Buffer
	req, _ := newRequest("GET * HTTP/1.1\r\n\r\n", &out)
	defer Release(req)

	if err := req.ReadRequestLine(); !errors.Is(err, errtax.ErrMalformedRequest) {
		t.Fatalf("expected ErrMalformedRequest, got %v", err)
	}
}

func TestReadRequestLineConnectIsMethodNotAllowed(t *testing.T) {
	var out bytes.Buffer
	req, _ := newRequest("CONNECT example.com:443 HTTP/1.1\r\n\r\n", &out)
	defer Release(req)

	if err := req.ReadRequestLine(); !errors.Is(err, errtax.ErrMethodNotAllowed) {
		t.Fatalf("expected ErrMethodNotAllowed, got %v", err)
	}
}

func TestReadRequestLineMajorOnlyVersionIsMalformed(t *testing.T) {
	var out bytes.Buffer
	req, _ := newRequest("GET / HTTP/1\r\n\r\n", &out)
	defer Release(req)

	if err := req.ReadRequestLine(); !errors.Is(err, errtax.ErrMalformedRequest) {
		t.Fatalf("expected ErrMalformedRequest, got %v", err)
	}
}

func TestReadRequestLineUnsupportedMajorIsVersionNotSupported(t *testing.T) {
	var out bytes.Buffer
	req, _ := newRequest("GET / HTTP/2.0\r\n\r\n", &out)
	defer Release(req)

	if err := req.ReadRequestLine(); !errors.Is(err, errtax.ErrVersionNotSupported) {
		t.Fatalf("expected ErrVersionNotSupported, got %v", err)
	}
}

func TestReadRequestLineFragmentInOriginFormIsMalformed(t *testing.T) {
	var out bytes.Buffer
	req, _ := newRequest("GET /a#frag HTTP/1.1\r\n\r\n", &out)
	defer Release(req)

	if err := req.ReadRequestLine(); !errors.Is(err, errtax.ErrMalformedRequest) {
		t.Fatalf("expected ErrMalformedRequest, got %v", err)
	}
}

func TestReadHeadersFoldsContinuationAndDuplicates(t *testing.T) {
	var out bytes.Buffer
	raw := "GET / HTTP/1.1\r\nX-Thing: one\r\n two\r\nX-Thing: three\r\n\r\n"
	req, _ := newRequest(raw, &out)
	defer Release(req)

	if err := req.ReadRequestLine(); err != nil {
		t.Fatalf("request line: %v", err)
	}
	if err := req.ReadHeaders(0); err != nil {
		t.Fatalf("headers: %v", err)
	}
	got := req.Headers.Get("X-Thing")
	want := "one two, three"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestReadHeadersRejectsContentLengthAndChunkedTogether(t *testing.T) {
	var out bytes.Buffer
	raw := "POST / HTTP/1.1\r\nContent-Length: 5\r\nTransfer-Encoding: chunked\r\n\r\n"
	req, _ := newRequest(raw, &out)
	defer Release(req)

	if err := req.ReadRequestLine(); err != nil {
		t.Fatalf("request line: %v", err)
	}
	if err := req.ReadHeaders(0); !errors.Is(err, errtax.ErrMalformedRequest) {
		t.Fatalf("expected ErrMalformedRequest, got %v", err)
	}
}

func TestSelectBodyKnownLength(t *testing.T) {
	var out bytes.Buffer
	raw := "POST / HTTP/1.1\r\nContent-Length: 5\r\n\r\nhello"
	req, _ := newRequest(raw, &out)
	defer Release(req)

	if err := req.ReadRequestLine(); err != nil {
		t.Fatalf("request line: %v", err)
	}
	if err := req.ReadHeaders(0); err != nil {
		t.Fatalf("headers: %v", err)
	}
	req.SelectBody(0)
	buf := make([]byte, 5)
	n, err := req.Body.Read(buf)
	if err != nil || n != 5 || string(buf) != "hello" {
		t.Fatalf("n=%d err=%v body=%q", n, err, buf)
	}
}

func TestWriteHeaderDefersUntilWrite(t *testing.T) {
	var out bytes.Buffer
	req, _ := newRequest("GET / HTTP/1.1\r\nHost: x\r\n\r\n", &out)
	defer Release(req)
	if err := req.ReadRequestLine(); err != nil {
		t.Fatalf("request line: %v", err)
	}

	req.WriteHeader(200, HeaderList{{Name: "Content-Type", Value: "text/plain"}, {Name: "Content-Length", Value: "5"}})
	if out.Len() != 0 {
		t.Fatalf("expected nothing written yet, got %q", out.String())
	}
	if _, err := req.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := req.Finish(); err != nil {
		t.Fatalf("finish: %v", err)
	}

	wire := out.String()
	if !strings.HasPrefix(wire, "HTTP/1.1 200 OK\r\n") {
		t.Fatalf("unexpected status line in %q", wire)
	}
	if !strings.HasSuffix(wire, "\r\n\r\nhello") {
		t.Fatalf("unexpected body framing in %q", wire)
	}
}

func TestChunkedWriteWhenNoContentLength(t *testing.T) {
	var out bytes.Buffer
	req, _ := newRequest("GET / HTTP/1.1\r\nHost: x\r\n\r\n", &out)
	defer Release(req)
	if err := req.ReadRequestLine(); err != nil {
		t.Fatalf("request line: %v", err)
	}

	req.WriteHeader(200, HeaderList{{Name: "Content-Type", Value: "text/plain"}})
	if _, err := req.Write([]byte("hi")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := req.Finish(); err != nil {
		t.Fatalf("finish: %v", err)
	}

	wire := out.String()
	if !strings.Contains(wire, "Transfer-Encoding: chunked\r\n") {
		t.Fatalf("missing chunked header in %q", wire)
	}
	if !strings.HasSuffix(wire, "2\r\nhi\r\n0\r\n\r\n") {
		t.Fatalf("unexpected chunk framing in %q", wire)
	}
}

func TestHTTP10WithoutKeepAliveForcesClose(t *testing.T) {
	var out bytes.Buffer
	req, _ := newRequest("GET / HTTP/1.0\r\nHost: x\r\n\r\n", &out)
	defer Release(req)
	if err := req.ReadRequestLine(); err != nil {
		t.Fatalf("request line: %v", err)
	}

	req.WriteHeader(200, HeaderList{{Name: "Content-Length", Value: "0"}})
	req.EnsureHeadersSent()
	if !req.CloseConnection() {
		t.Fatalf("expected CloseConnection() == true")
	}
	if !strings.Contains(out.String(), "Connection: close\r\n") {
		t.Fatalf("missing Connection: close in %q", out.String())
	}
}

func TestSimpleResponseForcesCloseAndWritesBody(t *testing.T) {
	var out bytes.Buffer
	req, _ := newRequest("GET /nope HTTP/1.1\r\n\r\n", &out)
	defer Release(req)

	if err := req.SimpleResponse(404, "not found"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !req.CloseConnection() {
		t.Fatalf("expected CloseConnection() == true")
	}
	if !strings.HasPrefix(out.String(), "HTTP/1.1 404 Not Found\r\n") {
		t.Fatalf("unexpected status line in %q", out.String())
	}
}
