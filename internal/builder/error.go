package builder

import (
	"fmt"
	"html"
	"path/filepath"
	"strings"

	"github.com/FumingPower3925/webserv/internal/event"
	"github.com/FumingPower3925/webserv/internal/h1"
)

// Error answers with an error status. The body is the location's error page
// for the code when one is configured and readable, a generated page
// otherwise.
type Error struct {
	base
	code        int
	contextFree bool
	page        *fileReader
	pageName    string
	started     bool
}

// NewError creates an error builder for req answering with code.
func NewError(req *h1.Request, code int) *Error {
	if code < 400 || code > 599 {
		code = 500
	}
	return &Error{base: newBase(TypeError, req), code: code}
}

// NewDefaultError creates a context-free 500 builder, used when nothing is
// known about the request. The connection is closed after it is sent.
func NewDefaultError() *Error {
	b := NewError(nil, 500)
	b.contextFree = true
	return b
}

// Code returns the status code this builder answers with.
func (b *Error) Code() int { return b.code }

func (b *Error) Build(ev event.Type) ([]Descriptor, error) {
	if b.done {
		return nil, nil
	}
	if !b.started {
		b.started = true
		if loc := b.req.Location(); b.code == 405 && loc != nil {
			b.resp.SetHeader("Allow", strings.Join(loc.Methods, ", "))
		}
		if fd, ok := b.openPage(); ok {
			return []Descriptor{{FD: fd, Filter: event.Read}}, nil
		}
		b.generate()
		return nil, nil
	}

	if b.page == nil || ev != event.Read {
		return nil, nil
	}
	eof, err := b.page.read()
	if err != nil {
		b.generate()
		return nil, nil
	}
	if eof {
		b.resp.SetStatus(b.code)
		b.resp.SetHeader("Content-Type", contentType(b.pageName))
		b.resp.SetBody(b.page.data)
		b.finish(b.IsConnectionClose())
	}
	return nil, nil
}

func (b *Error) openPage() (int, bool) {
	if b.contextFree {
		return -1, false
	}
	loc := b.req.Location()
	page, ok := loc.ErrorPage(b.code)
	if !ok {
		return -1, false
	}
	name := page
	if !filepath.IsAbs(name) && loc.Root != "" {
		name = filepath.Join(loc.Root, filepath.FromSlash(page))
	}
	r, err := openReader(name, 0)
	if err != nil {
		return -1, false
	}
	b.page = r
	b.pageName = name
	return r.fd, true
}

func (b *Error) generate() {
	text := h1.StatusText(b.code)
	b.resp.SetStatus(b.code)
	b.resp.SetHeader("Content-Type", "text/html; charset=utf-8")
	b.resp.SetBody([]byte(fmt.Sprintf(
		"<!DOCTYPE html>\n<html><head><title>%d %s</title></head>\n"+
			"<body><h1>%d %s</h1><hr><p>%s</p></body></html>\n",
		b.code, html.EscapeString(text), b.code, html.EscapeString(text), ServerName)))
	b.finish(b.IsConnectionClose())
}

// IsConnectionClose closes after faults that leave the byte stream in an
// unknown state, and whenever the request itself asks for it.
func (b *Error) IsConnectionClose() bool {
	if b.contextFree {
		return true
	}
	switch b.code {
	case 400, 408, 413, 414, 431, 500, 501, 505:
		return true
	}
	return b.base.IsConnectionClose()
}

func (b *Error) Close() error {
	return b.page.close()
}
