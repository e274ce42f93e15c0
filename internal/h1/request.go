// Package h1 implements the HTTP/1.x message layer: an incremental request
// parser, the parsed Request value and the Response accumulator.
package h1

import (
	"net"
	"path"
	"path/filepath"
	"strings"

	"github.com/FumingPower3925/webserv/internal/config"
	"golang.org/x/net/http/httpguts"
)

// Method is an HTTP request method.
type Method uint8

// Known request methods.
const (
	MethodUnknown Method = iota
	MethodGet
	MethodHead
	MethodPost
	MethodPut
	MethodDelete
	MethodOptions
	MethodPatch
	MethodTrace
	MethodConnect
)

var methodNames = [...]string{
	MethodUnknown: "",
	MethodGet:     "GET",
	MethodHead:    "HEAD",
	MethodPost:    "POST",
	MethodPut:     "PUT",
	MethodDelete:  "DELETE",
	MethodOptions: "OPTIONS",
	MethodPatch:   "PATCH",
	MethodTrace:   "TRACE",
	MethodConnect: "CONNECT",
}

// ParseMethod maps a method token to a Method, MethodUnknown if unrecognized.
func ParseMethod(s string) Method {
	for m, name := range methodNames {
		if m != int(MethodUnknown) && name == s {
			return Method(m)
		}
	}
	return MethodUnknown
}

func (m Method) String() string {
	if int(m) < len(methodNames) {
		return methodNames[m]
	}
	return ""
}

// Request is a parsed HTTP/1.x request. The parser fills it; once parsing
// is done it is not modified again until the parser is cleared.
type Request struct {
	method  Method
	path    string
	query   string
	version string
	header  map[string][]string
	body    []byte

	location    *config.Location
	locationSet bool
	fullPath    string

	contentLength int64
	chunked       bool
	complete      bool
}

func (r *Request) reset() {
	*r = Request{}
}

// Method returns the request method.
func (r *Request) Method() Method { return r.method }

// Path returns the decoded request path.
func (r *Request) Path() string { return r.path }

// Query returns the raw query string, without the leading '?'.
func (r *Request) Query() string { return r.query }

// Version returns the protocol version, e.g. "HTTP/1.1".
func (r *Request) Version() string { return r.version }

// Header returns the header fields keyed by lower-cased name. Repeated
// fields keep every value in arrival order. The map must not be modified.
func (r *Request) Header() map[string][]string { return r.header }

// Values returns every value received for the named field.
func (r *Request) Values(name string) []string {
	return r.header[strings.ToLower(name)]
}

// Get returns the first value of the named field, or "".
func (r *Request) Get(name string) string {
	if v := r.Values(name); len(v) > 0 {
		return v[0]
	}
	return ""
}

// Body returns the request body.
func (r *Request) Body() []byte { return r.body }

// Location returns the location resolved for this request, nil before
// resolution.
func (r *Request) Location() *config.Location { return r.location }

// HasLocation reports whether location resolution has happened.
func (r *Request) HasLocation() bool { return r.locationSet }

// FullPath is the filesystem path of the target: the location root joined
// with the request path.
func (r *Request) FullPath() string { return r.fullPath }

// IsComplete reports whether the whole request, body included, was parsed.
func (r *Request) IsComplete() bool { return r.complete }

// Host returns the Host header without port, lower-cased.
func (r *Request) Host() string {
	host := r.Get("host")
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(host)
}

// KeepAlive reports whether the client allows the connection to persist
// after this request.
func (r *Request) KeepAlive() bool {
	conn := r.Values("connection")
	if httpguts.HeaderValuesContainsToken(conn, "close") {
		return false
	}
	if r.version == "HTTP/1.0" {
		return httpguts.HeaderValuesContainsToken(conn, "keep-alive")
	}
	return r.version != ""
}

// Clone returns a deep copy of the request. The location is shared; it is
// configuration and never mutated.
func (r *Request) Clone() *Request {
	c := *r
	if r.header != nil {
		c.header = make(map[string][]string, len(r.header))
		for k, v := range r.header {
			c.header[k] = append([]string(nil), v...)
		}
	}
	if r.body != nil {
		c.body = append([]byte(nil), r.body...)
	}
	return &c
}

func (r *Request) addHeader(name, value string) {
	if r.header == nil {
		r.header = make(map[string][]string)
	}
	r.header[name] = append(r.header[name], value)
}

// setLocation records the resolved location and derives the full path.
func (r *Request) setLocation(loc *config.Location) {
	r.location = loc
	r.locationSet = true
	r.fullPath = ""
	if loc != nil && loc.Root != "" {
		r.fullPath = filepath.Join(loc.Root, filepath.FromSlash(path.Clean("/"+r.path)))
	}
}
