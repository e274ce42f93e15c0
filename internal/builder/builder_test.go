package builder

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FumingPower3925/webserv/internal/config"
	"github.com/FumingPower3925/webserv/internal/event"
	"github.com/FumingPower3925/webserv/internal/h1"
)

// parse runs raw through the parser's two phases with loc as the resolved
// location.
func parse(t *testing.T, raw string, loc *config.Location) *h1.Request {
	t.Helper()
	p := h1.NewParser(h1.DefaultLimits)
	require.NoError(t, p.Parse([]byte(raw)))
	require.Equal(t, h1.StatusHeaderFieldEnd, p.Status())
	p.SetLocation(loc)
	require.NoError(t, p.Parse(nil))
	require.Equal(t, h1.StatusDone, p.Status())
	return p.Request()
}

// drive builds b to completion, feeding read readiness to every descriptor
// it claims.
func drive(t *testing.T, b Builder) error {
	t.Helper()
	t.Cleanup(func() { _ = b.Close() })
	fds, err := b.Build(event.None)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(5 * time.Second)
	for !b.IsDone() {
		if time.Now().After(deadline) {
			t.Fatalf("builder %s did not finish", b.Type())
		}
		if len(fds) == 0 {
			t.Fatalf("builder %s is not done and claims no descriptors", b.Type())
		}
		more, err := b.Build(fds[0].Filter)
		if err != nil {
			return err
		}
		fds = append(fds, more...)
	}
	return nil
}

func docRoot(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		full := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
	return root
}

func TestType_String(t *testing.T) {
	assert.Equal(t, "error", TypeError.String())
	assert.Equal(t, "static", TypeStatic.String())
	assert.Equal(t, "redirect", TypeRedirect.String())
	assert.Equal(t, "autoindex", TypeAutoindex.String())
	assert.Equal(t, "cgi", TypeCGI.String())
	assert.Equal(t, "unknown", Type(99).String())
}

func TestError_GeneratedPage(t *testing.T) {
	req := parse(t, "GET /x HTTP/1.1\r\nHost: a\r\n\r\n", &config.Location{Path: "/", Root: t.TempDir()})
	b := NewError(req, 405)
	require.NoError(t, drive(t, b))

	resp := b.Response()
	assert.Equal(t, 405, resp.Status())
	assert.Contains(t, string(resp.Body()), "405 Method Not Allowed")
	assert.Equal(t, "keep-alive", resp.Header("Connection"))
	assert.False(t, b.IsConnectionClose())
	assert.Equal(t, ServerName, resp.Header("Server"))
	assert.NotEmpty(t, resp.Header("Date"))
}

func TestError_ConfiguredPage(t *testing.T) {
	root := docRoot(t, map[string]string{"errors/404.html": "<p>gone</p>"})
	loc := &config.Location{Path: "/", Root: root, ErrorPages: map[int]string{404: "errors/404.html"}}
	req := parse(t, "GET /missing HTTP/1.1\r\nHost: a\r\n\r\n", loc)

	b := NewError(req, 404)
	require.NoError(t, drive(t, b))
	assert.Equal(t, 404, b.Response().Status())
	assert.Equal(t, "<p>gone</p>", string(b.Response().Body()))
	assert.Equal(t, "text/html; charset=utf-8", b.Response().Header("Content-Type"))
}

func TestError_MissingPageFallsBack(t *testing.T) {
	loc := &config.Location{Path: "/", Root: t.TempDir(), ErrorPages: map[int]string{404: "nope.html"}}
	req := parse(t, "GET / HTTP/1.1\r\nHost: a\r\n\r\n", loc)
	b := NewError(req, 404)
	require.NoError(t, drive(t, b))
	assert.Contains(t, string(b.Response().Body()), "404 Not Found")
}

func TestError_ConnectionClose(t *testing.T) {
	req := parse(t, "GET / HTTP/1.1\r\nHost: a\r\n\r\n", &config.Location{Path: "/", Root: "/"})
	for _, code := range []int{400, 408, 413, 414, 431, 500, 501, 505} {
		assert.True(t, NewError(req, code).IsConnectionClose(), "code %d", code)
	}
	assert.False(t, NewError(req, 404).IsConnectionClose())

	closing := parse(t, "GET / HTTP/1.1\r\nHost: a\r\nConnection: close\r\n\r\n", &config.Location{Path: "/", Root: "/"})
	assert.True(t, NewError(closing, 404).IsConnectionClose())

	// A request that never finished parsing cannot be followed by another.
	assert.True(t, NewError(&h1.Request{}, 404).IsConnectionClose())
}

func TestError_Default(t *testing.T) {
	b := NewDefaultError()
	require.NoError(t, drive(t, b))
	assert.Equal(t, 500, b.Code())
	assert.Equal(t, 500, b.Response().Status())
	assert.Equal(t, "close", b.Response().Header("Connection"))
	assert.True(t, b.IsConnectionClose())
}

func TestError_CodeOutOfRange(t *testing.T) {
	assert.Equal(t, 500, NewError(nil, 200).Code())
	assert.Equal(t, 503, NewError(nil, 503).Code())
}

func TestStatic_Get(t *testing.T) {
	root := docRoot(t, map[string]string{"index.html": "<h1>hi</h1>"})
	loc := &config.Location{Path: "/", Root: root}
	req := parse(t, "GET /index.html HTTP/1.1\r\nHost: a\r\n\r\n", loc)

	b := NewStatic(req, req.FullPath())
	fds, err := b.Build(event.None)
	require.NoError(t, err)
	require.Len(t, fds, 1)
	assert.Equal(t, event.Read, fds[0].Filter)
	assert.False(t, b.IsDone())

	for !b.IsDone() {
		_, err := b.Build(event.Read)
		require.NoError(t, err)
	}
	require.NoError(t, b.Close())

	resp := b.Response()
	assert.Equal(t, 200, resp.Status())
	assert.Equal(t, "<h1>hi</h1>", string(resp.Body()))
	assert.Contains(t, resp.Header("Content-Type"), "text/html")
	assert.NotEmpty(t, resp.Header("Last-Modified"))
	assert.Contains(t, resp.String(), "Content-Length: 11\r\n")
}

func TestStatic_SpuriousEventsIgnored(t *testing.T) {
	root := docRoot(t, map[string]string{"a.txt": "abc"})
	req := parse(t, "GET /a.txt HTTP/1.1\r\nHost: a\r\n\r\n", &config.Location{Path: "/", Root: root})
	b := NewStatic(req, req.FullPath())
	_, err := b.Build(event.None)
	require.NoError(t, err)
	_, err = b.Build(event.Write)
	require.NoError(t, err)
	assert.False(t, b.IsDone())
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
}

func TestStatic_Head(t *testing.T) {
	root := docRoot(t, map[string]string{"a.txt": "hello"})
	req := parse(t, "HEAD /a.txt HTTP/1.1\r\nHost: a\r\n\r\n", &config.Location{Path: "/", Root: root})
	b := NewStatic(req, req.FullPath())
	fds, err := b.Build(event.None)
	require.NoError(t, err)
	assert.Empty(t, fds)
	assert.True(t, b.IsDone())
	assert.Equal(t, "5", b.Response().Header("Content-Length"))
	assert.Empty(t, b.Response().Body())
}

func TestStatic_Errors(t *testing.T) {
	root := docRoot(t, map[string]string{"dir/a.txt": "x"})
	loc := &config.Location{Path: "/", Root: root}

	req := parse(t, "GET /missing HTTP/1.1\r\nHost: a\r\n\r\n", loc)
	_, err := NewStatic(req, req.FullPath()).Build(event.None)
	code, ok := h1.StatusCode(err)
	require.True(t, ok)
	assert.Equal(t, 404, code)

	req = parse(t, "GET /dir HTTP/1.1\r\nHost: a\r\n\r\n", loc)
	_, err = NewStatic(req, req.FullPath()).Build(event.None)
	code, _ = h1.StatusCode(err)
	assert.Equal(t, 403, code)

	req = parse(t, "OPTIONS /dir/a.txt HTTP/1.1\r\nHost: a\r\n\r\n", loc)
	_, err = NewStatic(req, req.FullPath()).Build(event.None)
	code, _ = h1.StatusCode(err)
	assert.Equal(t, 405, code)
}

func TestStatic_PutAndDelete(t *testing.T) {
	root := t.TempDir()
	loc := &config.Location{Path: "/", Root: root}

	req := parse(t, "PUT /new.txt HTTP/1.1\r\nHost: a\r\nContent-Length: 4\r\n\r\ndata", loc)
	b := NewStatic(req, req.FullPath())
	require.NoError(t, drive(t, b))
	assert.Equal(t, 201, b.Response().Status())
	assert.Equal(t, "/new.txt", b.Response().Header("Location"))
	got, err := os.ReadFile(filepath.Join(root, "new.txt"))
	require.NoError(t, err)
	assert.Equal(t, "data", string(got))

	req = parse(t, "PUT /new.txt HTTP/1.1\r\nHost: a\r\nContent-Length: 2\r\n\r\nok", loc)
	b = NewStatic(req, req.FullPath())
	require.NoError(t, drive(t, b))
	assert.Equal(t, 204, b.Response().Status())

	req = parse(t, "DELETE /new.txt HTTP/1.1\r\nHost: a\r\n\r\n", loc)
	b = NewStatic(req, req.FullPath())
	require.NoError(t, drive(t, b))
	assert.Equal(t, 204, b.Response().Status())
	_, err = os.Stat(filepath.Join(root, "new.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestStatic_Compress(t *testing.T) {
	body := strings.Repeat("compressible text ", 200)
	root := docRoot(t, map[string]string{"big.txt": body})
	loc := &config.Location{Path: "/", Root: root, Compress: true}
	req := parse(t, "GET /big.txt HTTP/1.1\r\nHost: a\r\nAccept-Encoding: gzip\r\n\r\n", loc)

	b := NewStatic(req, req.FullPath())
	require.NoError(t, drive(t, b))
	assert.Equal(t, "gzip", b.Response().Header("Content-Encoding"))
	assert.Less(t, len(b.Response().Body()), len(body))
}

func TestRedirect(t *testing.T) {
	req := parse(t, "GET /old HTTP/1.1\r\nHost: a\r\n\r\n", &config.Location{Path: "/old"})
	b := NewRedirect(req, 301, "/new")
	require.NoError(t, drive(t, b))
	assert.Equal(t, 301, b.Response().Status())
	assert.Equal(t, "/new", b.Response().Header("Location"))
	assert.NoError(t, b.Close())
}

func TestAutoindex(t *testing.T) {
	root := docRoot(t, map[string]string{"b.txt": "1", "a dir/x": "2"})
	req := parse(t, "GET /files/ HTTP/1.1\r\nHost: a\r\n\r\n", &config.Location{Path: "/files", Root: root, Autoindex: true})

	b := NewAutoindex(req, root)
	require.NoError(t, drive(t, b))
	body := string(b.Response().Body())
	assert.Contains(t, body, "Index of /files/")
	assert.Contains(t, body, `<a href="../">../</a>`)
	assert.Contains(t, body, `<a href="a%20dir/">a dir/</a>`)
	assert.Contains(t, body, `<a href="b.txt">b.txt</a>`)
	assert.Less(t, strings.Index(body, "a dir/"), strings.Index(body, "b.txt"))
}
