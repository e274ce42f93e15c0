package h1

import (
	"bytes"
	"net/url"
	"strconv"
	"strings"

	"github.com/FumingPower3925/webserv/internal/config"
	"golang.org/x/net/http/httpguts"
)

// Status is the phase an incremental parse is in.
type Status uint8

// Parser phases. HeaderFieldEnd is a stop: the parser waits there until
// SetLocation supplies the limits the body is parsed under.
const (
	StatusRequestLine Status = iota
	StatusHeaderField
	StatusHeaderFieldEnd
	StatusBody
	StatusChunkSize
	StatusChunkData
	StatusChunkTrailer
	StatusDone
)

func (s Status) String() string {
	switch s {
	case StatusRequestLine:
		return "request-line"
	case StatusHeaderField:
		return "header-field"
	case StatusHeaderFieldEnd:
		return "header-field-end"
	case StatusBody:
		return "body"
	case StatusChunkSize:
		return "chunk-size"
	case StatusChunkData:
		return "chunk-data"
	case StatusChunkTrailer:
		return "chunk-trailer"
	case StatusDone:
		return "done"
	default:
		return "unknown"
	}
}

// Limits bound the request head. Body limits come from the location.
type Limits struct {
	MaxRequestLine int
	MaxHeaderBytes int
}

// DefaultLimits mirror config.DefaultRuntimeConfig.
var DefaultLimits = Limits{MaxRequestLine: 8192, MaxHeaderBytes: 1 << 16}

const maxChunkSizeLine = 1024

// Parser incrementally parses one request at a time from a byte stream.
// Bytes it cannot interpret yet stay in its storage until the next Parse.
type Parser struct {
	req     Request
	status  Status
	storage []byte
	limits  Limits

	headerBytes int
	remaining   int64 // body or chunk bytes still expected
	bodyLimit   int64
}

// NewParser creates a parser enforcing limits.
func NewParser(limits Limits) *Parser {
	if limits.MaxRequestLine <= 0 {
		limits.MaxRequestLine = DefaultLimits.MaxRequestLine
	}
	if limits.MaxHeaderBytes <= 0 {
		limits.MaxHeaderBytes = DefaultLimits.MaxHeaderBytes
	}
	return &Parser{limits: limits}
}

// Status returns the current parse phase.
func (p *Parser) Status() Status { return p.status }

// Request returns the request being parsed.
func (p *Parser) Request() *Request { return &p.req }

// HasBufferedData reports whether bytes are held in storage unconsumed.
func (p *Parser) HasBufferedData() bool { return len(p.storage) > 0 }

// SetLocation injects the location resolved from the request line and Host
// header. The next Parse call, even with no new bytes, continues into the
// body under the location's limits.
func (p *Parser) SetLocation(loc *config.Location) {
	p.req.setLocation(loc)
}

// Clear prepares the parser for the next request on the same connection.
// Bytes already received for that next request are kept.
func (p *Parser) Clear() {
	p.req.reset()
	p.status = StatusRequestLine
	p.headerBytes = 0
	p.remaining = 0
	p.bodyLimit = 0
}

// Parse appends data to storage and consumes as much of it as the current
// phase allows. It returns a *StatusError for input that cannot be accepted.
// Parsing stops at StatusHeaderFieldEnd and at StatusDone.
func (p *Parser) Parse(data []byte) error {
	p.storage = append(p.storage, data...)
	for {
		var (
			progress bool
			err      error
		)
		switch p.status {
		case StatusRequestLine:
			progress, err = p.parseRequestLine()
		case StatusHeaderField:
			progress, err = p.parseHeaderField()
		case StatusHeaderFieldEnd:
			progress, err = p.startBody()
		case StatusBody:
			progress = p.parseBody()
		case StatusChunkSize:
			progress, err = p.parseChunkSize()
		case StatusChunkData:
			progress, err = p.parseChunkData()
		case StatusChunkTrailer:
			progress, err = p.parseChunkTrailer()
		case StatusDone:
			return nil
		}
		if err != nil {
			return err
		}
		if !progress || p.status == StatusHeaderFieldEnd {
			return nil
		}
	}
}

func (p *Parser) consume(n int) {
	p.storage = p.storage[n:]
	if len(p.storage) == 0 {
		p.storage = nil
	}
}

// nextLine returns the next line without its terminator and the number of
// bytes it spans. ok is false when no terminator has arrived yet.
func (p *Parser) nextLine() (line []byte, n int, ok bool) {
	i := bytes.IndexByte(p.storage, '\n')
	if i < 0 {
		return nil, 0, false
	}
	line = p.storage[:i]
	if len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
	}
	return line, i + 1, true
}

func (p *Parser) parseRequestLine() (bool, error) {
	// Tolerate empty lines ahead of a request.
	skipped := false
	for {
		if bytes.HasPrefix(p.storage, []byte("\r\n")) {
			p.consume(2)
		} else if len(p.storage) > 0 && p.storage[0] == '\n' {
			p.consume(1)
		} else {
			break
		}
		skipped = true
	}

	raw, n, ok := p.nextLine()
	if !ok {
		if len(p.storage) > p.limits.MaxRequestLine+1 {
			return false, Errorf(414, "request line exceeds %d bytes", p.limits.MaxRequestLine)
		}
		return skipped, nil
	}
	if len(raw) > p.limits.MaxRequestLine {
		return false, Errorf(414, "request line exceeds %d bytes", p.limits.MaxRequestLine)
	}

	parts := strings.Split(string(raw), " ")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return false, Errorf(400, "malformed request line %q", raw)
	}
	if err := p.setMethod(parts[0]); err != nil {
		return false, err
	}
	if err := p.setVersion(parts[2]); err != nil {
		return false, err
	}
	if err := p.setTarget(parts[1]); err != nil {
		return false, err
	}

	p.consume(n)
	p.headerBytes = n
	p.status = StatusHeaderField
	return true, nil
}

func (p *Parser) setMethod(token string) error {
	if !httpguts.ValidHeaderFieldName(token) {
		return Errorf(400, "invalid method %q", token)
	}
	m := ParseMethod(token)
	if m == MethodUnknown {
		return Errorf(501, "method %q not implemented", token)
	}
	p.req.method = m
	return nil
}

func (p *Parser) setVersion(v string) error {
	switch v {
	case "HTTP/1.1", "HTTP/1.0":
		p.req.version = v
		return nil
	}
	if len(v) == 8 && strings.HasPrefix(v, "HTTP/") && v[6] == '.' &&
		isDigit(v[5]) && isDigit(v[7]) {
		return Errorf(505, "unsupported version %s", v)
	}
	return Errorf(400, "malformed version %q", v)
}

func (p *Parser) setTarget(target string) error {
	if target == "*" {
		p.req.path = target
		return nil
	}
	if target[0] != '/' {
		u, err := url.ParseRequestURI(target)
		if err != nil || u.Host == "" {
			return Errorf(400, "malformed request target %q", target)
		}
		target = u.RequestURI()
	}
	rawPath, query, _ := strings.Cut(target, "?")
	decoded, err := url.PathUnescape(rawPath)
	if err != nil {
		return Errorf(400, "malformed request path %q", rawPath)
	}
	if strings.IndexByte(decoded, 0) >= 0 {
		return Errorf(400, "NUL in request path")
	}
	p.req.path = decoded
	p.req.query = query
	return nil
}

func (p *Parser) parseHeaderField() (bool, error) {
	raw, n, ok := p.nextLine()
	if !ok {
		if p.headerBytes+len(p.storage) > p.limits.MaxHeaderBytes {
			return false, Errorf(431, "header block exceeds %d bytes", p.limits.MaxHeaderBytes)
		}
		return false, nil
	}
	p.headerBytes += n
	if p.headerBytes > p.limits.MaxHeaderBytes {
		return false, Errorf(431, "header block exceeds %d bytes", p.limits.MaxHeaderBytes)
	}

	if len(raw) == 0 {
		p.consume(n)
		if err := p.endHeaders(); err != nil {
			return false, err
		}
		p.status = StatusHeaderFieldEnd
		return true, nil
	}
	if raw[0] == ' ' || raw[0] == '\t' {
		return false, Errorf(400, "obsolete header line folding")
	}

	colon := bytes.IndexByte(raw, ':')
	if colon <= 0 {
		return false, Errorf(400, "malformed header line %q", raw)
	}
	name := string(raw[:colon])
	value := strings.Trim(string(raw[colon+1:]), " \t")
	if !httpguts.ValidHeaderFieldName(name) {
		return false, Errorf(400, "invalid header name %q", name)
	}
	if !httpguts.ValidHeaderFieldValue(value) {
		return false, Errorf(400, "invalid value for header %q", name)
	}

	p.req.addHeader(strings.ToLower(name), value)
	p.consume(n)
	return true, nil
}

// endHeaders validates the header block as a whole and settles framing.
func (p *Parser) endHeaders() error {
	r := &p.req
	hosts := r.Values("host")
	if len(hosts) > 1 {
		return Errorf(400, "multiple Host headers")
	}
	if len(hosts) == 0 && r.version == "HTTP/1.1" {
		return Errorf(400, "missing Host header")
	}

	lengths := r.Values("content-length")
	te := r.Values("transfer-encoding")
	if len(te) > 0 {
		if len(lengths) > 0 {
			return Errorf(400, "both Content-Length and Transfer-Encoding")
		}
		if !strings.EqualFold(strings.TrimSpace(lastToken(te)), "chunked") {
			return Errorf(501, "transfer coding %q not implemented", strings.Join(te, ", "))
		}
		r.chunked = true
		return nil
	}

	for i, v := range lengths {
		cl, ok := parseInt64Bytes([]byte(v))
		if !ok {
			return Errorf(400, "invalid Content-Length %q", v)
		}
		if i > 0 && cl != r.contentLength {
			return Errorf(400, "conflicting Content-Length values")
		}
		r.contentLength = cl
	}
	return nil
}

func lastToken(values []string) string {
	last := values[len(values)-1]
	if i := strings.LastIndexByte(last, ','); i >= 0 {
		return last[i+1:]
	}
	return last
}

func (p *Parser) startBody() (bool, error) {
	if !p.req.locationSet {
		return false, nil
	}
	p.bodyLimit = config.DefaultClientMaxBodySize
	if loc := p.req.location; loc != nil && loc.ClientMaxBodySize > 0 {
		p.bodyLimit = loc.ClientMaxBodySize
	}

	switch {
	case p.req.chunked:
		p.status = StatusChunkSize
	case p.req.contentLength > 0:
		if p.req.contentLength > p.bodyLimit {
			return false, Errorf(413, "body of %d bytes exceeds %d", p.req.contentLength, p.bodyLimit)
		}
		p.req.body = make([]byte, 0, p.req.contentLength)
		p.remaining = p.req.contentLength
		p.status = StatusBody
	default:
		p.done()
	}
	return true, nil
}

func (p *Parser) parseBody() bool {
	n := int(min(p.remaining, int64(len(p.storage))))
	if n == 0 {
		return false
	}
	p.req.body = append(p.req.body, p.storage[:n]...)
	p.consume(n)
	p.remaining -= int64(n)
	if p.remaining == 0 {
		p.done()
	}
	return true
}

func (p *Parser) parseChunkSize() (bool, error) {
	raw, n, ok := p.nextLine()
	if !ok {
		if len(p.storage) > maxChunkSizeLine+1 {
			return false, Errorf(400, "chunk size line too long")
		}
		return false, nil
	}
	if len(raw) > maxChunkSizeLine {
		return false, Errorf(400, "chunk size line too long")
	}
	if i := bytes.IndexByte(raw, ';'); i >= 0 {
		raw = raw[:i]
	}
	raw = bytes.TrimSpace(raw)
	if !isHexString(raw) {
		return false, Errorf(400, "invalid chunk size %q", raw)
	}
	size, err := strconv.ParseInt(string(raw), 16, 64)
	if err != nil || size < 0 {
		return false, Errorf(400, "invalid chunk size %q", raw)
	}
	p.consume(n)

	if size == 0 {
		p.status = StatusChunkTrailer
		return true, nil
	}
	if size > p.bodyLimit-int64(len(p.req.body)) {
		return false, Errorf(413, "chunked body exceeds %d bytes", p.bodyLimit)
	}
	p.remaining = size
	p.status = StatusChunkData
	return true, nil
}

func (p *Parser) parseChunkData() (bool, error) {
	progress := false
	if p.remaining > 0 {
		n := int(min(p.remaining, int64(len(p.storage))))
		if n == 0 {
			return false, nil
		}
		p.req.body = append(p.req.body, p.storage[:n]...)
		p.consume(n)
		p.remaining -= int64(n)
		progress = true
		if p.remaining > 0 {
			return true, nil
		}
	}

	// Chunk data is followed by its own line terminator.
	switch {
	case bytes.HasPrefix(p.storage, []byte("\r\n")):
		p.consume(2)
	case len(p.storage) > 0 && p.storage[0] == '\n':
		p.consume(1)
	case len(p.storage) == 0 || (len(p.storage) == 1 && p.storage[0] == '\r'):
		return progress, nil
	default:
		return false, Errorf(400, "missing CRLF after chunk data")
	}
	p.status = StatusChunkSize
	return true, nil
}

func (p *Parser) parseChunkTrailer() (bool, error) {
	raw, n, ok := p.nextLine()
	if !ok {
		if p.headerBytes+len(p.storage) > p.limits.MaxHeaderBytes {
			return false, Errorf(431, "trailer exceeds %d bytes", p.limits.MaxHeaderBytes)
		}
		return false, nil
	}
	p.headerBytes += n
	p.consume(n)
	if len(raw) == 0 {
		p.done()
	}
	return true, nil
}

func (p *Parser) done() {
	p.req.complete = true
	p.status = StatusDone
}

func isDigit(c byte) bool { return '0' <= c && c <= '9' }

func isHex(c byte) bool { return isDigit(c) || 'a' <= c|0x20 && c|0x20 <= 'f' }

func isHexString(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	for _, c := range b {
		if !isHex(c) {
			return false
		}
	}
	return true
}

// parseInt64Bytes parses a base-10 int64 from ASCII bytes, returning ok=false on error
func parseInt64Bytes(b []byte) (int64, bool) {
	if len(b) == 0 || len(b) > 18 {
		return 0, false
	}
	var n int64
	for i := 0; i < len(b); i++ {
		c := b[i]
		if !isDigit(c) {
			return 0, false
		}
		n = n*10 + int64(c-'0')
	}
	return n, true
}
