package protocol

import "strings"

// HeaderField is one ordered, case-preserving header as it appeared on the
// wire (or as a gateway set it on the response side).
type HeaderField struct {
	Name  string
	Value string
}

// HeaderList is an ordered header collection. Lookups are case-insensitive
// per RFC 7230 §3.2; the slice otherwise preserves insertion order, matching
// spec.md §3's "ordered, case-preserving" requirement.
type HeaderList []HeaderField

// noFoldHeaders names header classes that must never be comma-joined across
// duplicate occurrences. Set-Cookie is the canonical case: joining two
// Set-Cookie values with a comma produces a single cookie header no client
// can parse back into two cookies.
var noFoldHeaders = map[string]struct{}{
	"set-cookie": {},
}

// Get returns the first value for name (case-insensitive), or "" if absent.
func (h HeaderList) Get(name string) string {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Has reports whether name is present, case-insensitively.
func (h HeaderList) Has(name string) bool {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

// Values returns every value recorded for name, in insertion order. Used for
// the no-fold classes (Set-Cookie) where Add keeps each occurrence distinct
// instead of comma-joining.
func (h HeaderList) Values(name string) []string {
	var out []string
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			out = append(out, f.Value)
		}
	}
	return out
}

// Add appends a header, folding into an existing same-name field by
// comma-joining unless name falls in noFoldHeaders, in which case it is kept
// as a distinct occurrence (ground: cheroot's comma_separated_headers
// table, inverted — everything folds except the documented exceptions).
func (h *HeaderList) Add(name, value string) {
	key := strings.ToLower(name)
	if _, noFold := noFoldHeaders[key]; !noFold {
		for i := range *h {
			if strings.EqualFold((*h)[i].Name, name) {
				(*h)[i].Value = (*h)[i].Value + ", " + value
				return
			}
		}
	}
	*h = append(*h, HeaderField{Name: name, Value: value})
}

// Set replaces every existing occurrence of name with a single field
// carrying value, appending if name was absent.
func (h *HeaderList) Set(name, value string) {
	out := (*h)[:0]
	found := false
	for _, f := range *h {
		if strings.EqualFold(f.Name, name) {
			if found {
				continue
			}
			f.Value = value
			found = true
		}
		out = append(out, f)
	}
	if !found {
		out = append(out, HeaderField{Name: name, Value: value})
	}
	*h = out
}

// Reset truncates the list for pooled reuse without discarding backing
// storage, mirroring the teacher's sessionPool/bufPool reuse discipline.
func (h *HeaderList) Reset() {
	*h = (*h)[:0]
}
