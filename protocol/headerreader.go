package protocol

import (
	"bytes"
	"strings"

	"github.com/halfpipe-labs/httpd1/errtax"
	"github.com/halfpipe-labs/httpd1/internal/iostreams"
)

// HeaderReader is the capability spec.md §4.4 calls out as selectable per
// Request instance rather than via inheritance: "capability, not
// inheritance" (spec.md §9).
type HeaderReader interface {
	ReadHeaders(r *iostreams.SizeCappedReader, into *HeaderList) error
}

// DefaultHeaderReader accepts any syntactically valid header field, folding
// obsolete line-continuations (a leading SP/TAB on the following line) into
// the previous value with a single space, and comma-joining duplicates via
// HeaderList.Add.
type DefaultHeaderReader struct{}

func (DefaultHeaderReader) ReadHeaders(r *iostreams.SizeCappedReader, into *HeaderList) error {
	var lastIdx = -1
	for {
		line, err := r.ReadLine()
		if err != nil {
			return errtax.ErrMalformedRequest
		}
		line = bytes.TrimRight(line, "\r\n")
		if len(line) == 0 {
			return nil
		}

		if line[0] == ' ' || line[0] == '\t' {
			if lastIdx < 0 {
				return errtax.ErrMalformedRequest
			}
			cont := strings.TrimSpace(string(line))
			(*into)[lastIdx].Value = (*into)[lastIdx].Value + " " + cont
			continue
		}

		colon := bytes.IndexByte(line, ':')
		if colon <= 0 {
			return errtax.ErrMalformedRequest
		}
		name := string(line[:colon])
		if strings.ContainsAny(name, " \t") {
			return errtax.ErrMalformedRequest
		}
		value := strings.TrimSpace(string(line[colon+1:]))

		before := len(*into)
		into.Add(name, value)
		if len(*into) > before {
			lastIdx = len(*into) - 1
		} else {
			// folded into an existing field
			for i := range *into {
				if strings.EqualFold((*into)[i].Name, name) {
					lastIdx = i
				}
			}
		}
	}
}

// DropUnderscoreHeaderReader wraps another HeaderReader (DefaultHeaderReader
// if Inner is nil) and silently discards any header whose name contains
// '_', preventing ambiguity with proxies/gateways that normalize '_' and
// '-' to the same environment key.
type DropUnderscoreHeaderReader struct {
	Inner HeaderReader
}

func (d DropUnderscoreHeaderReader) ReadHeaders(r *iostreams.SizeCappedReader, into *HeaderList) error {
	inner := d.Inner
	if inner == nil {
		inner = DefaultHeaderReader{}
	}
	var tmp HeaderList
	if err := inner.ReadHeaders(r, &tmp); err != nil {
		return err
	}
	for _, f := range tmp {
		if strings.Contains(f.Name, "_") {
			continue
		}
		*into = append(*into, f)
	}
	return nil
}
