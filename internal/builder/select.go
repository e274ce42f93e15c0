package builder

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/FumingPower3925/webserv/internal/h1"
)

// Selector picks the builder for a parsed request.
type Selector func(req *h1.Request) (Builder, error)

// Select is the default Selector. It routes on the request's resolved
// location: redirects first, then CGI by extension, directories through their
// index files or a listing, and static content otherwise.
func Select(req *h1.Request) (Builder, error) {
	loc := req.Location()
	if loc == nil {
		return nil, h1.Errorf(404, "no location for %s", req.Path())
	}
	if loc.Redirect != nil {
		return NewRedirect(req, loc.Redirect.Code, loc.Redirect.Target), nil
	}

	target := req.FullPath()
	info, err := os.Stat(target)
	if err == nil && info.IsDir() {
		return selectDir(req, target)
	}

	if interpreter, ok := loc.CGIInterpreter(target); ok {
		if err != nil {
			return nil, fsError(err, "stat")
		}
		return NewCGI(req, target, interpreter), nil
	}

	switch req.Method() {
	case h1.MethodGet, h1.MethodHead, h1.MethodPost, h1.MethodPut, h1.MethodDelete:
		return NewStatic(req, target), nil
	default:
		return nil, h1.Errorf(501, "%s not implemented", req.Method())
	}
}

func selectDir(req *h1.Request, dir string) (Builder, error) {
	if !strings.HasSuffix(req.Path(), "/") {
		target := req.Path() + "/"
		if q := req.Query(); q != "" {
			target += "?" + q
		}
		return NewRedirect(req, 301, target), nil
	}
	if req.Method() != h1.MethodGet && req.Method() != h1.MethodHead {
		if req.Method() == h1.MethodPost {
			// POST to a directory falls through to an index script.
			if b, ok := indexBuilder(req, dir); ok && b.Type() == TypeCGI {
				return b, nil
			}
		}
		return nil, h1.Errorf(409, "%s is a directory", req.Path())
	}

	if b, ok := indexBuilder(req, dir); ok {
		return b, nil
	}
	if req.Location().Autoindex {
		return NewAutoindex(req, dir), nil
	}
	return nil, h1.Errorf(403, "directory listing denied for %s", req.Path())
}

func indexBuilder(req *h1.Request, dir string) (Builder, bool) {
	loc := req.Location()
	for _, index := range loc.Index {
		name := filepath.Join(dir, filepath.FromSlash(index))
		info, err := os.Stat(name)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		if interpreter, ok := loc.CGIInterpreter(name); ok {
			return NewCGI(req, name, interpreter), true
		}
		return NewStatic(req, name), true
	}
	return nil, false
}
