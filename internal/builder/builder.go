// Package builder holds the response-building strategies. A Builder turns
// one parsed request into a response across as many event-driven Build
// steps as it needs, claiming auxiliary descriptors (files, CGI pipes) that
// the connection multiplexes on its behalf.
package builder

import (
	"errors"
	"io/fs"
	"mime"
	"path/filepath"
	"strconv"

	"github.com/FumingPower3925/webserv/internal/date"
	"github.com/FumingPower3925/webserv/internal/event"
	"github.com/FumingPower3925/webserv/internal/h1"
)

// Type tags the closed set of builder strategies.
type Type uint8

// Builder types.
const (
	TypeError Type = iota
	TypeStatic
	TypeRedirect
	TypeAutoindex
	TypeCGI
)

func (t Type) String() string {
	switch t {
	case TypeError:
		return "error"
	case TypeStatic:
		return "static"
	case TypeRedirect:
		return "redirect"
	case TypeAutoindex:
		return "autoindex"
	case TypeCGI:
		return "cgi"
	default:
		return "unknown"
	}
}

// Descriptor is an auxiliary descriptor a builder wants multiplexed, with
// the readiness it waits for.
type Descriptor struct {
	FD     int
	Filter event.Type
}

// Builder produces one response. Build may be called repeatedly: once with
// event.None to start, then once per readiness event on a descriptor it
// returned. Errors returned by Build are *h1.StatusError protocol faults.
type Builder interface {
	Type() Type
	Build(ev event.Type) ([]Descriptor, error)
	IsDone() bool
	// Close releases every auxiliary resource claimed while building.
	Close() error
	Response() *h1.Response
	// IsConnectionClose is consulted once IsDone reports true.
	IsConnectionClose() bool
}

// ServerName is sent in the Server header of every response.
const ServerName = "webserv"

// readChunk is the size of a single read from an auxiliary descriptor.
const readChunk = 32 << 10

type base struct {
	typ  Type
	req  *h1.Request
	resp h1.Response
	done bool
}

func newBase(typ Type, req *h1.Request) base {
	if req == nil {
		return base{typ: typ, req: &h1.Request{}}
	}
	return base{typ: typ, req: req.Clone()}
}

func (b *base) Type() Type              { return b.typ }
func (b *base) IsDone() bool            { return b.done }
func (b *base) Response() *h1.Response  { return &b.resp }
func (b *base) IsConnectionClose() bool { return !b.req.IsComplete() || !b.req.KeepAlive() }

// finish stamps the common headers and marks the response complete.
func (b *base) finish(closeConn bool) {
	b.resp.SetHeader("Server", ServerName)
	b.resp.SetHeader("Date", date.Current())
	if closeConn {
		b.resp.SetHeader("Connection", "close")
	} else {
		b.resp.SetHeader("Connection", "keep-alive")
	}
	if b.req.Method() == h1.MethodHead {
		if b.resp.Header("Content-Length") == "" {
			b.resp.SetHeader("Content-Length", strconv.Itoa(len(b.resp.Body())))
		}
		b.resp.SetBody(nil)
	}
	b.done = true
}

func contentType(name string) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}

// fsError maps a filesystem error to the protocol fault it answers with.
func fsError(err error, what string) *h1.StatusError {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return h1.Errorf(404, "%s: %w", what, err)
	case errors.Is(err, fs.ErrPermission):
		return h1.Errorf(403, "%s: %w", what, err)
	default:
		return h1.Errorf(500, "%s: %w", what, err)
	}
}
