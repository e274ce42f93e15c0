package builder

import (
	"fmt"
	"html"

	"github.com/FumingPower3925/webserv/internal/event"
	"github.com/FumingPower3925/webserv/internal/h1"
)

// Redirect answers with a 3xx status pointing at a fixed target.
type Redirect struct {
	base
	code   int
	target string
}

// NewRedirect creates a redirect builder.
func NewRedirect(req *h1.Request, code int, target string) *Redirect {
	return &Redirect{base: newBase(TypeRedirect, req), code: code, target: target}
}

func (b *Redirect) Build(event.Type) ([]Descriptor, error) {
	if b.done {
		return nil, nil
	}
	b.resp.SetStatus(b.code)
	b.resp.SetHeader("Location", b.target)
	b.resp.SetHeader("Content-Type", "text/html; charset=utf-8")
	b.resp.SetBody([]byte(fmt.Sprintf(
		"<!DOCTYPE html>\n<html><head><title>%d %s</title></head>\n<body><a href=\"%s\">%s</a></body></html>\n",
		b.code, h1.StatusText(b.code), html.EscapeString(b.target), html.EscapeString(b.target))))
	b.finish(b.IsConnectionClose())
	return nil, nil
}

func (b *Redirect) Close() error { return nil }
