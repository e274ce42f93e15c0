package h1

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FumingPower3925/webserv/internal/config"
)

// parseAll runs both parse phases over data, resolving loc in between.
func parseAll(p *Parser, data []byte, loc *config.Location) error {
	if err := p.Parse(data); err != nil {
		return err
	}
	if p.Status() == StatusHeaderFieldEnd {
		p.SetLocation(loc)
		return p.Parse(nil)
	}
	return nil
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "request-line", StatusRequestLine.String())
	assert.Equal(t, "header-field-end", StatusHeaderFieldEnd.String())
	assert.Equal(t, "chunk-trailer", StatusChunkTrailer.String())
	assert.Equal(t, "done", StatusDone.String())
	assert.Equal(t, "unknown", Status(99).String())
}

func TestParserSimpleGet(t *testing.T) {
	p := NewParser(DefaultLimits)
	require.NoError(t, p.Parse([]byte("GET /index.html?x=1 HTTP/1.1\r\nHost: Example.com:8080\r\nAccept: */*\r\n\r\n")))
	require.Equal(t, StatusHeaderFieldEnd, p.Status())

	req := p.Request()
	assert.False(t, req.HasLocation())
	assert.False(t, req.IsComplete())

	// Without a location the parser stays put.
	require.NoError(t, p.Parse(nil))
	assert.Equal(t, StatusHeaderFieldEnd, p.Status())

	p.SetLocation(&config.Location{Path: "/", Root: "/srv"})
	require.NoError(t, p.Parse(nil))
	require.Equal(t, StatusDone, p.Status())

	assert.Equal(t, MethodGet, req.Method())
	assert.Equal(t, "/index.html", req.Path())
	assert.Equal(t, "x=1", req.Query())
	assert.Equal(t, "HTTP/1.1", req.Version())
	assert.Equal(t, "example.com", req.Host())
	assert.Equal(t, "*/*", req.Get("ACCEPT"))
	assert.Equal(t, "/srv/index.html", req.FullPath())
	assert.True(t, req.IsComplete())
	assert.True(t, req.KeepAlive())
	assert.Empty(t, req.Body())
	assert.False(t, p.HasBufferedData())
}

func TestParserByteAtATime(t *testing.T) {
	raw := "PUT /up/file.txt HTTP/1.1\r\nHost: a\r\nContent-Length: 11\r\n\r\nhello world"
	loc := &config.Location{Path: "/up", Root: "/data"}

	p := NewParser(DefaultLimits)
	for i := 0; i < len(raw); i++ {
		require.NoError(t, p.Parse([]byte{raw[i]}), "byte %d", i)
		if p.Status() == StatusHeaderFieldEnd {
			p.SetLocation(loc)
			require.NoError(t, p.Parse(nil))
		}
	}
	require.Equal(t, StatusDone, p.Status())
	req := p.Request()
	assert.Equal(t, MethodPut, req.Method())
	assert.Equal(t, "hello world", string(req.Body()))
	assert.Equal(t, "/data/up/file.txt", req.FullPath())
	assert.Same(t, loc, req.Location())
}

func TestParserChunked(t *testing.T) {
	raw := "POST /cgi HTTP/1.1\r\nHost: a\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"5\r\nhello\r\n6;ext=1\r\n world\r\n0\r\nX-Trailer: y\r\n\r\n"

	p := NewParser(DefaultLimits)
	require.NoError(t, parseAll(p, []byte(raw), &config.Location{Path: "/", Root: "/srv"}))
	require.Equal(t, StatusDone, p.Status())
	assert.Equal(t, "hello world", string(p.Request().Body()))
}

func TestParserChunkedSplitTerminator(t *testing.T) {
	p := NewParser(DefaultLimits)
	require.NoError(t, parseAll(p, []byte("POST / HTTP/1.1\r\nHost: a\r\nTransfer-Encoding: chunked\r\n\r\n3\r\nabc\r"), nil))
	assert.Equal(t, StatusChunkData, p.Status())
	require.NoError(t, p.Parse([]byte("\n0\r\n\r\n")))
	assert.Equal(t, StatusDone, p.Status())
	assert.Equal(t, "abc", string(p.Request().Body()))
}

func TestParserNilLocationUsesDefaultLimit(t *testing.T) {
	p := NewParser(DefaultLimits)
	require.NoError(t, parseAll(p, []byte("POST / HTTP/1.1\r\nHost: a\r\nContent-Length: 3\r\n\r\nabc"), nil))
	req := p.Request()
	assert.Equal(t, StatusDone, p.Status())
	assert.True(t, req.HasLocation())
	assert.Nil(t, req.Location())
	assert.Empty(t, req.FullPath())
}

func TestParserLeadingEmptyLines(t *testing.T) {
	p := NewParser(DefaultLimits)
	require.NoError(t, parseAll(p, []byte("\r\n\nGET / HTTP/1.1\r\nHost: a\r\n\r\n"), nil))
	assert.Equal(t, StatusDone, p.Status())
}

func TestParserTargets(t *testing.T) {
	tests := []struct {
		name  string
		line  string
		path  string
		query string
	}{
		{"origin form", "GET /a/b?c=d HTTP/1.1", "/a/b", "c=d"},
		{"percent decoded", "GET /a%20dir/x HTTP/1.1", "/a dir/x", ""},
		{"absolute form", "GET http://example.com/abs?q=1 HTTP/1.1", "/abs", "q=1"},
		{"asterisk", "OPTIONS * HTTP/1.1", "*", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewParser(DefaultLimits)
			require.NoError(t, parseAll(p, []byte(tt.line+"\r\nHost: a\r\n\r\n"), nil))
			assert.Equal(t, tt.path, p.Request().Path())
			assert.Equal(t, tt.query, p.Request().Query())
		})
	}
}

func TestParserFullPathStaysUnderRoot(t *testing.T) {
	p := NewParser(DefaultLimits)
	require.NoError(t, parseAll(p, []byte("GET /../../etc/passwd HTTP/1.1\r\nHost: a\r\n\r\n"),
		&config.Location{Path: "/", Root: "/srv/www"}))
	assert.Equal(t, "/srv/www/etc/passwd", p.Request().FullPath())
}

func TestParserErrors(t *testing.T) {
	small := &config.Location{Path: "/", Root: "/srv", ClientMaxBodySize: 4}

	tests := []struct {
		name   string
		limits Limits
		raw    string
		code   int
	}{
		{"missing version", DefaultLimits, "GET /\r\n", 400},
		{"extra spaces", DefaultLimits, "GET  / HTTP/1.1\r\n", 400},
		{"unknown method", DefaultLimits, "BREW / HTTP/1.1\r\n", 501},
		{"invalid method", DefaultLimits, "G(T / HTTP/1.1\r\n", 400},
		{"unsupported version", DefaultLimits, "GET / HTTP/2.0\r\n", 505},
		{"malformed version", DefaultLimits, "GET / HTTX/1.1\r\n", 400},
		{"relative target", DefaultLimits, "GET index.html HTTP/1.1\r\n", 400},
		{"bad escape", DefaultLimits, "GET /%zz HTTP/1.1\r\n", 400},
		{"nul in path", DefaultLimits, "GET /a%00b HTTP/1.1\r\n", 400},
		{"request line too long", Limits{MaxRequestLine: 16}, "GET /aaaaaaaaaaaaaaaaaaaaaaaa HTTP/1.1\r\n", 414},
		{"unterminated request line too long", Limits{MaxRequestLine: 16}, "GET /aaaaaaaaaaaaaaaaaaaaaaaa", 414},
		{"missing host", DefaultLimits, "GET / HTTP/1.1\r\n\r\n", 400},
		{"multiple hosts", DefaultLimits, "GET / HTTP/1.1\r\nHost: a\r\nHost: b\r\n\r\n", 400},
		{"folding", DefaultLimits, "GET / HTTP/1.1\r\nHost: a\r\nX-A: 1\r\n 2\r\n\r\n", 400},
		{"no colon", DefaultLimits, "GET / HTTP/1.1\r\nHost: a\r\nbroken\r\n\r\n", 400},
		{"space before colon", DefaultLimits, "GET / HTTP/1.1\r\nHost : a\r\n\r\n", 400},
		{"control in value", DefaultLimits, "GET / HTTP/1.1\r\nHost: a\x01\r\n\r\n", 400},
		{"header block too large", Limits{MaxHeaderBytes: 64}, "GET / HTTP/1.1\r\nX-Big: " + string(make100('a')) + "\r\n\r\n", 431},
		{"length and chunked", DefaultLimits, "POST / HTTP/1.1\r\nHost: a\r\nContent-Length: 3\r\nTransfer-Encoding: chunked\r\n\r\n", 400},
		{"unknown coding", DefaultLimits, "POST / HTTP/1.1\r\nHost: a\r\nTransfer-Encoding: gzip\r\n\r\n", 501},
		{"invalid length", DefaultLimits, "POST / HTTP/1.1\r\nHost: a\r\nContent-Length: abc\r\n\r\n", 400},
		{"conflicting lengths", DefaultLimits, "POST / HTTP/1.1\r\nHost: a\r\nContent-Length: 3\r\nContent-Length: 4\r\n\r\n", 400},
		{"body too large", DefaultLimits, "POST / HTTP/1.1\r\nHost: a\r\nContent-Length: 10\r\n\r\n", 413},
		{"chunk too large", DefaultLimits, "POST / HTTP/1.1\r\nHost: a\r\nTransfer-Encoding: chunked\r\n\r\na\r\n", 413},
		{"chunk size overflows limit", DefaultLimits, "POST / HTTP/1.1\r\nHost: a\r\nTransfer-Encoding: chunked\r\n\r\n1\r\na\r\n7fffffffffffffff\r\n", 413},
		{"signed chunk size", DefaultLimits, "POST / HTTP/1.1\r\nHost: a\r\nTransfer-Encoding: chunked\r\n\r\n+2\r\nab\r\n0\r\n\r\n", 400},
		{"empty chunk size", DefaultLimits, "POST / HTTP/1.1\r\nHost: a\r\nTransfer-Encoding: chunked\r\n\r\n;ext\r\n", 400},
		{"invalid chunk size", DefaultLimits, "POST / HTTP/1.1\r\nHost: a\r\nTransfer-Encoding: chunked\r\n\r\nzz\r\n", 400},
		{"missing chunk terminator", DefaultLimits, "POST / HTTP/1.1\r\nHost: a\r\nTransfer-Encoding: chunked\r\n\r\n3\r\nabcX", 400},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewParser(tt.limits)
			err := parseAll(p, []byte(tt.raw), small)
			require.Error(t, err)
			code, ok := StatusCode(err)
			require.True(t, ok, "expected a StatusError, got %v", err)
			assert.Equal(t, tt.code, code, err.Error())
		})
	}
}

func make100(c byte) []byte {
	b := make([]byte, 100)
	for i := range b {
		b[i] = c
	}
	return b
}

func TestParserPipelined(t *testing.T) {
	raw := "GET /one HTTP/1.1\r\nHost: a\r\n\r\nHEAD /two HTTP/1.1\r\nHost: a\r\n\r\nGET /thr"

	p := NewParser(DefaultLimits)
	require.NoError(t, parseAll(p, []byte(raw), nil))
	require.Equal(t, StatusDone, p.Status())
	assert.Equal(t, "/one", p.Request().Path())
	assert.True(t, p.HasBufferedData())

	// Bytes arriving while done are buffered, not parsed.
	require.NoError(t, p.Parse([]byte("ee")))
	assert.Equal(t, "/one", p.Request().Path())

	p.Clear()
	assert.Equal(t, StatusRequestLine, p.Status())
	assert.False(t, p.Request().HasLocation())
	require.NoError(t, parseAll(p, nil, nil))
	require.Equal(t, StatusDone, p.Status())
	assert.Equal(t, MethodHead, p.Request().Method())
	assert.Equal(t, "/two", p.Request().Path())

	p.Clear()
	require.NoError(t, parseAll(p, nil, nil))
	assert.Equal(t, StatusRequestLine, p.Status())
	require.NoError(t, parseAll(p, []byte(" HTTP/1.1\r\nHost: a\r\n\r\n"), nil))
	require.Equal(t, StatusDone, p.Status())
	assert.Equal(t, "/three", p.Request().Path())
	assert.False(t, p.HasBufferedData())
}

func TestParserHTTP10(t *testing.T) {
	p := NewParser(DefaultLimits)
	require.NoError(t, parseAll(p, []byte("GET / HTTP/1.0\r\n\r\n"), nil))
	require.Equal(t, StatusDone, p.Status())
	assert.Equal(t, "HTTP/1.0", p.Request().Version())
	assert.False(t, p.Request().KeepAlive())
}

func FuzzParser(f *testing.F) {
	f.Add([]byte("GET / HTTP/1.1\r\nHost: a\r\n\r\n"))
	f.Add([]byte("POST /api?id=1 HTTP/1.1\r\nHost: a\r\nContent-Length: 3\r\n\r\nabc"))
	f.Add([]byte("POST / HTTP/1.1\r\nHost: a\r\nTransfer-Encoding: chunked\r\n\r\n3\r\nabc\r\n0\r\n\r\n"))
	f.Add([]byte("OPTIONS * HTTP/1.1\r\nHost: a\r\n\r\n"))
	f.Add([]byte("GET /path\r\n"))
	f.Add([]byte("\r\n"))
	f.Add([]byte(""))

	loc := &config.Location{Path: "/", Root: "/srv", ClientMaxBodySize: 1 << 16}
	f.Fuzz(func(t *testing.T, data []byte) {
		p := NewParser(DefaultLimits)
		if err := parseAll(p, data, loc); err != nil {
			if _, ok := StatusCode(err); !ok {
				t.Fatalf("non-status error: %v", err)
			}
			return
		}
		if p.Status() != StatusDone {
			return
		}
		req := p.Request()
		if !req.IsComplete() {
			t.Fatal("done but not complete")
		}
		if req.Method() == MethodUnknown {
			t.Fatal("done with unknown method")
		}
		if req.Path() == "" {
			t.Fatal("done with empty path")
		}
		if int64(len(req.Body())) > loc.ClientMaxBodySize {
			t.Fatalf("body of %d bytes exceeds limit", len(req.Body()))
		}
	})
}
