package protocol

import "time"

// rfc7231DateFormat is the HTTP-date format RFC 7231 §7.1.1.1 mandates for
// generated Date headers, ground: cheroot's rfc_822_date (server.py).
const rfc7231DateFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

func httpDate() string {
	return time.Now().UTC().Format(rfc7231DateFormat)
}
