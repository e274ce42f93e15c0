package builder

import (
	"fmt"
	"html"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"

	"github.com/FumingPower3925/webserv/internal/event"
	"github.com/FumingPower3925/webserv/internal/h1"
)

// Autoindex lists a directory as an HTML page.
type Autoindex struct {
	base
	dir string
}

// NewAutoindex creates a directory listing builder for dir.
func NewAutoindex(req *h1.Request, dir string) *Autoindex {
	return &Autoindex{base: newBase(TypeAutoindex, req), dir: dir}
}

func (b *Autoindex) Build(event.Type) ([]Descriptor, error) {
	if b.done {
		return nil, nil
	}
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, fsError(err, "readdir")
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	title := html.EscapeString("Index of " + b.req.Path())
	var sb strings.Builder
	fmt.Fprintf(&sb, "<!DOCTYPE html>\n<html><head><title>%s</title></head>\n<body><h1>%s</h1><hr><pre>\n", title, title)
	if b.req.Path() != "/" {
		sb.WriteString("<a href=\"../\">../</a>\n")
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		modified := "-"
		size := "-"
		if info, err := e.Info(); err == nil {
			modified = info.ModTime().UTC().Format(http.TimeFormat)
			if !e.IsDir() {
				size = fmt.Sprint(info.Size())
			}
		}
		href := (&url.URL{Path: name}).EscapedPath()
		fmt.Fprintf(&sb, "<a href=\"%s\">%s</a> %s %s\n", html.EscapeString(href), html.EscapeString(name), modified, size)
	}
	sb.WriteString("</pre><hr></body></html>\n")

	b.resp.SetStatus(200)
	b.resp.SetHeader("Content-Type", "text/html; charset=utf-8")
	b.resp.SetBody([]byte(sb.String()))
	b.finish(b.IsConnectionClose())
	return nil, nil
}

func (b *Autoindex) Close() error { return nil }
