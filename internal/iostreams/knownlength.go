package iostreams

import (
	"io"

	"github.com/halfpipe-labs/httpd1/errtax"
)

// KnownLengthReader exposes a body whose size was declared via
// Content-Length. Read never returns more than min(len(p), remaining); once
// remaining reaches 0 it returns io.EOF. Hitting the underlying stream's EOF
// before remaining reaches 0 is a client disconnect, not a clean end of
// body — ground: cheroot's KnownLengthRFile.read(), where a short read with
// bytes still owed propagates as a kernel read failure rather than a
// truncated success (spec.md §8's testable property).
type KnownLengthReader struct {
	r         io.Reader
	remaining int64
}

func NewKnownLengthReader(r io.Reader, contentLength int64) *KnownLengthReader {
	return &KnownLengthReader{r: r, remaining: contentLength}
}

func (k *KnownLengthReader) Read(p []byte) (int, error) {
	if k.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > k.remaining {
		p = p[:k.remaining]
	}
	n, err := k.r.Read(p)
	k.remaining -= int64(n)
	if err == io.EOF && k.remaining > 0 {
		return n, errtax.ErrClientDisconnect
	}
	if err == nil && k.remaining == 0 {
		return n, nil
	}
	return n, err
}

// Remaining reports how many body bytes are still owed.
func (k *KnownLengthReader) Remaining() int64 {
	return k.remaining
}

// EmptyReader is the body reader used when a request carries neither
// Content-Length nor chunked Transfer-Encoding.
type EmptyReader struct{}

func (EmptyReader) Read([]byte) (int, error) { return 0, io.EOF }
