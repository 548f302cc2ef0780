package protocol

import "strconv"

// reasonPhrases is the status-line reason-phrase table, grounded on the
// teacher's flat statusTable (server/protocol/builder.go) but expanded from
// its 18-entry subset to the full set of codes this engine can itself
// generate or pass through from a gateway.
var reasonPhrases = map[int]string{
	100: "Continue",
	101: "Switching Protocols",

	200: "OK",
	201: "Created",
	202: "Accepted",
	203: "Non-Authoritative Information",
	204: "No Content",
	205: "Reset Content",
	206: "Partial Content",

	300: "Multiple Choices",
	301: "Moved Permanently",
	302: "Found",
	303: "See Other",
	304: "Not Modified",
	305: "Use Proxy",
	307: "Temporary Redirect",
	308: "Permanent Redirect",

	400: "Bad Request",
	401: "Unauthorized",
	402: "Payment Required",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	406: "Not Acceptable",
	407: "Proxy Authentication Required",
	408: "Request Timeout",
	409: "Conflict",
	410: "Gone",
	411: "Length Required",
	412: "Precondition Failed",
	413: "Payload Too Large",
	414: "Request-URI Too Long",
	415: "Unsupported Media Type",
	416: "Range Not Satisfiable",
	417: "Expectation Failed",
	426: "Upgrade Required",
	428: "Precondition Required",
	429: "Too Many Requests",
	431: "Request Header Fields Too Large",

	500: "Internal Server Error",
	501: "Not Implemented",
	502: "Bad Gateway",
	503: "Service Unavailable",
	504: "Gateway Timeout",
	505: "HTTP Version Not Supported",
}

// reasonPhrase returns the canonical reason for status, falling back to a
// generic phrase for its status class when the exact code is unlisted, and
// to "Internal Server Error" for a nonsensical code.
func reasonPhrase(status int) string {
	if p, ok := reasonPhrases[status]; ok {
		return p
	}
	switch {
	case status >= 100 && status < 200:
		return "Informational"
	case status >= 200 && status < 300:
		return "OK"
	case status >= 300 && status < 400:
		return "Redirection"
	case status >= 400 && status < 500:
		return "Client Error"
	case status >= 500 && status < 600:
		return "Server Error"
	default:
		return "Internal Server Error"
	}
}

// statusLine renders "<status> <reason>", e.g. "200 OK".
func statusLine(status int) string {
	return strconv.Itoa(status) + " " + reasonPhrase(status)
}

// bodyAllowed reports whether a response with this status may carry a
// message body per RFC 7230 §3.3.1/3.3.2. 1xx, 204 and 304 never do.
func bodyAllowed(status int) bool {
	if status >= 100 && status < 200 {
		return false
	}
	return status != 204 && status != 304
}
