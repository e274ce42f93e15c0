package h1

import (
	"strconv"
	"strings"
)

// Pre-allocated framing bytes
var (
	statusLine200 = []byte("HTTP/1.1 200 OK\r\n")
	headerSep     = []byte(": ")
	crlf          = []byte("\r\n")
)

// Response accumulates a status, header fields and a body, and tracks how
// much of its serialized form has been transmitted.
type Response struct {
	status  int
	headers [][2]string
	body    []byte

	raw        []byte // serialized form, built on first use
	startIndex int
}

// Status returns the status code, 200 when none has been set.
func (r *Response) Status() int {
	if r.status == 0 {
		return 200
	}
	return r.status
}

// SetStatus sets the status code.
func (r *Response) SetStatus(code int) {
	r.status = code
	r.raw = nil
}

// Header returns the first value of the named field, or "".
func (r *Response) Header(name string) string {
	for _, h := range r.headers {
		if strings.EqualFold(h[0], name) {
			return h[1]
		}
	}
	return ""
}

// Headers returns the header fields in insertion order.
func (r *Response) Headers() [][2]string { return r.headers }

// SetHeader replaces every value of the named field with value.
func (r *Response) SetHeader(name, value string) {
	r.DelHeader(name)
	r.AddHeader(name, value)
}

// AddHeader appends a field, keeping existing ones of the same name.
func (r *Response) AddHeader(name, value string) {
	r.headers = append(r.headers, [2]string{name, value})
	r.raw = nil
}

// DelHeader removes every value of the named field.
func (r *Response) DelHeader(name string) {
	kept := r.headers[:0]
	for _, h := range r.headers {
		if !strings.EqualFold(h[0], name) {
			kept = append(kept, h)
		}
	}
	r.headers = kept
	r.raw = nil
}

// Body returns the body bytes.
func (r *Response) Body() []byte { return r.body }

// SetBody replaces the body.
func (r *Response) SetBody(b []byte) {
	r.body = b
	r.raw = nil
}

// AppendBody appends to the body.
func (r *Response) AppendBody(b []byte) {
	r.body = append(r.body, b...)
	r.raw = nil
}

// Bytes returns the serialized response: status line, header block and
// body. A Content-Length field is added when none was set and the status
// allows a body. The result is cached until the response is modified.
func (r *Response) Bytes() []byte {
	if r.raw != nil {
		return r.raw
	}

	status := r.Status()
	expected := 32 + len(r.body) + 2
	for _, h := range r.headers {
		expected += len(h[0]) + 2 + len(h[1]) + 2
	}
	buf := make([]byte, 0, expected+24)

	if status == 200 {
		buf = append(buf, statusLine200...)
	} else {
		buf = append(buf, "HTTP/1.1 "...)
		buf = strconv.AppendInt(buf, int64(status), 10)
		buf = append(buf, ' ')
		buf = append(buf, StatusText(status)...)
		buf = append(buf, crlf...)
	}

	if bodyAllowed(status) && r.Header("content-length") == "" {
		buf = append(buf, "Content-Length: "...)
		buf = strconv.AppendInt(buf, int64(len(r.body)), 10)
		buf = append(buf, crlf...)
	}
	for _, h := range r.headers {
		buf = append(buf, h[0]...)
		buf = append(buf, headerSep...)
		buf = append(buf, h[1]...)
		buf = append(buf, crlf...)
	}
	buf = append(buf, crlf...)

	if bodyAllowed(status) {
		buf = append(buf, r.body...)
	}
	r.raw = buf
	return buf
}

func (r *Response) String() string { return string(r.Bytes()) }

func bodyAllowed(status int) bool {
	return status >= 200 && status != 204 && status != 304
}

// StartIndex returns the number of serialized bytes already transmitted.
func (r *Response) StartIndex() int { return r.startIndex }

// Pending returns at most limit bytes of the serialized response starting at
// the send cursor.
func (r *Response) Pending(limit int) []byte {
	tail := r.Bytes()[r.startIndex:]
	if limit > 0 && len(tail) > limit {
		tail = tail[:limit]
	}
	return tail
}

// Advance moves the send cursor forward by n bytes, never past the end.
func (r *Response) Advance(n int) {
	if n <= 0 {
		return
	}
	r.startIndex = min(r.startIndex+n, len(r.Bytes()))
}

// IsSent reports whether the cursor has reached the end of the serialized
// response.
func (r *Response) IsSent() bool {
	return r.startIndex == len(r.Bytes())
}
