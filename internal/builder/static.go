package builder

import (
	"errors"
	"io/fs"
	"net/http"
	"os"
	"strconv"

	"github.com/FumingPower3925/webserv/internal/event"
	"github.com/FumingPower3925/webserv/internal/h1"
)

// Static serves a file from the location root. GET streams it through an
// auxiliary read descriptor, HEAD answers with its metadata, POST and PUT
// store the request body at the target, DELETE removes the target.
type Static struct {
	base
	target   string
	file     *fileReader
	compress h1.CompressConfig
	started  bool
}

// NewStatic creates a static builder serving target for req.
func NewStatic(req *h1.Request, target string) *Static {
	return &Static{
		base:     newBase(TypeStatic, req),
		target:   target,
		compress: h1.DefaultCompressConfig(),
	}
}

func (b *Static) Build(ev event.Type) ([]Descriptor, error) {
	if b.done {
		return nil, nil
	}
	if !b.started {
		b.started = true
		return b.start()
	}
	if b.file == nil || ev != event.Read {
		return nil, nil
	}

	eof, err := b.file.read()
	if err != nil {
		return nil, h1.Errorf(500, "read %s: %w", b.target, err)
	}
	if eof {
		b.resp.SetBody(b.file.data)
		if loc := b.req.Location(); loc != nil && loc.Compress {
			b.resp.Compress(b.req.Get("accept-encoding"), b.compress)
		}
		b.finish(b.IsConnectionClose())
	}
	return nil, nil
}

func (b *Static) start() ([]Descriptor, error) {
	switch b.req.Method() {
	case h1.MethodGet, h1.MethodHead:
		return b.startRead()
	case h1.MethodPost, h1.MethodPut:
		return nil, b.store()
	case h1.MethodDelete:
		return nil, b.remove()
	default:
		return nil, h1.Errorf(405, "%s not supported for static content", b.req.Method())
	}
}

func (b *Static) startRead() ([]Descriptor, error) {
	info, err := os.Stat(b.target)
	if err != nil {
		return nil, fsError(err, "stat")
	}
	if !info.Mode().IsRegular() {
		return nil, h1.Errorf(403, "%s is not a regular file", b.target)
	}

	b.resp.SetStatus(200)
	b.resp.SetHeader("Content-Type", contentType(b.target))
	b.resp.SetHeader("Last-Modified", info.ModTime().UTC().Format(http.TimeFormat))

	if b.req.Method() == h1.MethodHead || info.Size() == 0 {
		b.resp.SetHeader("Content-Length", strconv.FormatInt(info.Size(), 10))
		b.finish(b.IsConnectionClose())
		return nil, nil
	}

	r, err := openReader(b.target, info.Size())
	if err != nil {
		return nil, fsError(err, "open")
	}
	b.file = r
	return []Descriptor{{FD: r.fd, Filter: event.Read}}, nil
}

func (b *Static) store() error {
	info, err := os.Stat(b.target)
	existed := err == nil
	if existed && info.IsDir() {
		return h1.Errorf(409, "%s is a directory", b.target)
	}
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fsError(err, "stat")
	}
	if err := os.WriteFile(b.target, b.req.Body(), 0o644); err != nil {
		return fsError(err, "write")
	}

	if existed {
		b.resp.SetStatus(204)
	} else {
		b.resp.SetStatus(201)
		b.resp.SetHeader("Location", b.req.Path())
	}
	b.finish(b.IsConnectionClose())
	return nil
}

func (b *Static) remove() error {
	info, err := os.Stat(b.target)
	if err != nil {
		return fsError(err, "stat")
	}
	if info.IsDir() {
		return h1.Errorf(409, "%s is a directory", b.target)
	}
	if err := os.Remove(b.target); err != nil {
		return fsError(err, "remove")
	}
	b.resp.SetStatus(204)
	b.finish(b.IsConnectionClose())
	return nil
}

func (b *Static) Close() error {
	return b.file.close()
}
