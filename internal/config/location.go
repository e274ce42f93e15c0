package config

import (
	"errors"
	"path/filepath"
	"strings"
)

// Location is a configuration block matched by path prefix. It constrains
// the allowed methods, the document root and the body size of a request.
type Location struct {
	Path              string            `yaml:"path"`
	Root              string            `yaml:"root"`
	Index             []string          `yaml:"index"`
	Methods           []string          `yaml:"methods"`
	Autoindex         bool              `yaml:"autoindex"`
	Redirect          *Redirect         `yaml:"redirect"`
	CGI               map[string]string `yaml:"cgi"` // extension -> interpreter, empty to execute the script
	ClientMaxBodySize int64             `yaml:"client_max_body_size"`
	ErrorPages        map[int]string    `yaml:"error_pages"`
	Compress          bool              `yaml:"compress"`
}

// Redirect answers every request of a location with a fixed redirection.
type Redirect struct {
	Code   int    `yaml:"code"`
	Target string `yaml:"target"`
}

var defaultMethods = []string{"GET", "HEAD"}

func (l *Location) normalize(s *ServerConfig) error {
	if l.Path == "" || l.Path[0] != '/' {
		return errors.New("path must start with /")
	}
	if l.Root == "" && l.Redirect == nil {
		return errors.New("root is required")
	}
	if l.Root != "" {
		l.Root = filepath.Clean(l.Root)
	}
	if len(l.Methods) == 0 {
		l.Methods = append([]string(nil), defaultMethods...)
	}
	for i, m := range l.Methods {
		l.Methods[i] = strings.ToUpper(m)
	}
	if l.ClientMaxBodySize <= 0 {
		l.ClientMaxBodySize = s.ClientMaxBodySize
	}
	if l.Redirect != nil {
		if l.Redirect.Code == 0 {
			l.Redirect.Code = 302
		}
		if l.Redirect.Code < 300 || l.Redirect.Code > 399 {
			return errors.New("redirect code must be 3xx")
		}
	}
	if len(s.ErrorPages) > 0 {
		pages := make(map[int]string, len(s.ErrorPages)+len(l.ErrorPages))
		for code, page := range s.ErrorPages {
			pages[code] = page
		}
		for code, page := range l.ErrorPages {
			pages[code] = page
		}
		l.ErrorPages = pages
	}
	return nil
}

// AllowsMethod reports whether method may be used on this location.
func (l *Location) AllowsMethod(method string) bool {
	for _, m := range l.Methods {
		if m == method {
			return true
		}
	}
	return false
}

// CGIInterpreter returns the interpreter configured for the extension of
// name. ok is false when the extension does not map to CGI.
func (l *Location) CGIInterpreter(name string) (interpreter string, ok bool) {
	if len(l.CGI) == 0 {
		return "", false
	}
	interpreter, ok = l.CGI[filepath.Ext(name)]
	return interpreter, ok
}

// ErrorPage returns the configured error page file for code, if any.
func (l *Location) ErrorPage(code int) (string, bool) {
	if l == nil || l.ErrorPages == nil {
		return "", false
	}
	page, ok := l.ErrorPages[code]
	return page, ok
}

// matches reports whether requestPath falls under this location, on a path
// segment boundary.
func (l *Location) matches(requestPath string) bool {
	if !strings.HasPrefix(requestPath, l.Path) {
		return false
	}
	if len(requestPath) == len(l.Path) || strings.HasSuffix(l.Path, "/") {
		return true
	}
	return requestPath[len(l.Path)] == '/'
}

// Match returns the location serving requestPath on host: the server whose
// names include host (the first server otherwise), then its longest matching
// location prefix. It returns nil when no location matches.
func (c *Config) Match(host, requestPath string) *Location {
	if len(c.Servers) == 0 {
		return nil
	}
	srv := &c.Servers[0]
	for i := range c.Servers {
		if c.Servers[i].hasName(host) {
			srv = &c.Servers[i]
			break
		}
	}

	var best *Location
	for _, loc := range srv.Locations {
		if loc.matches(requestPath) && (best == nil || len(loc.Path) > len(best.Path)) {
			best = loc
		}
	}
	return best
}

func (s *ServerConfig) hasName(host string) bool {
	for _, name := range s.ServerNames {
		if strings.EqualFold(name, host) {
			return true
		}
	}
	return false
}
