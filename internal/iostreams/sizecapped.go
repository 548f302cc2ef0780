// Package iostreams implements the three framed reader variants the
// request state machine layers over a buffered socket reader, plus the
// buffered writer used for responses. Grounded on cheroot's
// RFile/KnownLengthRFile/ChunkedRFile family (server.py) for exact
// semantics, and on the teacher's server/engine/write.go for the
// scratch-buffer write discipline.
package iostreams

import (
	"bufio"
	"io"

	"github.com/halfpipe-labs/httpd1/errtax"
)

// SizeCappedReader passes bytes through transparently until the cumulative
// count read would exceed maxlen, at which point it fails with
// errtax.ErrRequestEntityTooLarge. It is used to bound both the request
// line/headers (against MaxRequestHeaderSize) and, as a second instance,
// the whole body (against MaxRequestBodySize) ahead of the chunked/
// known-length decoders.
type SizeCappedReader struct {
	r         *bufio.Reader
	maxlen    int64
	bytesRead int64
}

// NewSizeCappedReader wraps r, capping total reads at maxlen bytes. A
// maxlen of 0 means unlimited, matching MaxRequestHeaderSize's "0 for no
// limit" convention.
func NewSizeCappedReader(r *bufio.Reader, maxlen int64) *SizeCappedReader {
	return &SizeCappedReader{r: r, maxlen: maxlen}
}

func (s *SizeCappedReader) Read(p []byte) (int, error) {
	if s.maxlen > 0 && s.bytesRead >= s.maxlen {
		// Exactly maxlen bytes followed by end of stream is within the cap.
		if _, err := s.r.Peek(1); err != nil {
			return 0, err
		}
		return 0, errtax.ErrRequestEntityTooLarge
	}
	if s.maxlen > 0 {
		remaining := s.maxlen - s.bytesRead
		if int64(len(p)) > remaining {
			p = p[:remaining]
		}
	}
	n, err := s.r.Read(p)
	s.bytesRead += int64(n)
	return n, err
}

// ReadLine reads through the next '\n' (inclusive), enforcing the same cap
// as Read. It is the primitive the request-line and header readers use.
func (s *SizeCappedReader) ReadLine() ([]byte, error) {
	line, err := s.r.ReadSlice('\n')
	if err == bufio.ErrBufferFull {
		// Line longer than the bufio buffer: keep reading in pieces,
		// still honoring maxlen, until we see the terminator or blow the
		// cap.
		var acc []byte
		acc = append(acc, line...)
		for {
			if s.maxlen > 0 && int64(len(acc))+s.bytesRead > s.maxlen {
				return nil, errtax.ErrRequestEntityTooLarge
			}
			more, moreErr := s.r.ReadSlice('\n')
			acc = append(acc, more...)
			if moreErr == nil {
				s.bytesRead += int64(len(acc))
				return acc, nil
			}
			if moreErr != bufio.ErrBufferFull {
				s.bytesRead += int64(len(acc))
				return acc, moreErr
			}
		}
	}
	if s.maxlen > 0 {
		s.bytesRead += int64(len(line))
		if s.bytesRead > s.maxlen {
			return nil, errtax.ErrRequestEntityTooLarge
		}
	} else {
		s.bytesRead += int64(len(line))
	}
	return line, err
}

// BytesRead returns the cumulative count of bytes this reader has passed
// through, monotonically non-decreasing per spec.md §3's invariant.
func (s *SizeCappedReader) BytesRead() int64 {
	return s.bytesRead
}

// Underlying exposes the wrapped *bufio.Reader so a caller can layer a
// second, independently-bounded reader (the chunked body decoder, capped by
// MaxRequestBodySize rather than this reader's MaxRequestHeaderSize) over
// the same buffered socket stream.
func (s *SizeCappedReader) Underlying() *bufio.Reader {
	return s.r
}

// HasData reports whether the underlying bufio.Reader already holds
// buffered, unconsumed bytes. The Connection Manager relies on this being
// accurate at selector-registration time: per spec.md §3's invariant, a
// connection is only ever registered with the selector when this is false.
func (s *SizeCappedReader) HasData() bool {
	return s.r.Buffered() > 0
}

var _ io.Reader = (*SizeCappedReader)(nil)
