package builder

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/FumingPower3925/webserv/internal/event"
	"github.com/FumingPower3925/webserv/internal/h1"
	"golang.org/x/sys/unix"
)

// maxCGIOutput bounds what a script may write before it is answered with 502.
const maxCGIOutput = 16 << 20

// CGI runs a script and answers with its output. The request body is handed
// to the script through a temporary file; its stdout is read through a
// non-blocking pipe registered as an auxiliary descriptor.
type CGI struct {
	base
	script      string
	interpreter string

	cmd    *exec.Cmd
	stdout int
	out    []byte
}

// NewCGI creates a CGI builder running script, through interpreter when it
// is not empty.
func NewCGI(req *h1.Request, script, interpreter string) *CGI {
	return &CGI{
		base:        newBase(TypeCGI, req),
		script:      script,
		interpreter: interpreter,
		stdout:      -1,
	}
}

func (b *CGI) Build(ev event.Type) ([]Descriptor, error) {
	if b.done {
		return nil, nil
	}
	if b.cmd == nil {
		if err := b.start(); err != nil {
			return nil, err
		}
		return []Descriptor{{FD: b.stdout, Filter: event.Read}}, nil
	}
	if ev != event.Read {
		return nil, nil
	}

	var buf [readChunk]byte
	n, err := unix.Read(b.stdout, buf[:])
	switch {
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
		return nil, nil
	case err != nil:
		return nil, h1.Errorf(502, "read cgi output: %w", err)
	case n > 0:
		if len(b.out)+n > maxCGIOutput {
			return nil, h1.Errorf(502, "cgi output exceeds %d bytes", maxCGIOutput)
		}
		b.out = append(b.out, buf[:n]...)
		return nil, nil
	}

	if err := b.parseOutput(); err != nil {
		return nil, err
	}
	b.finish(b.IsConnectionClose())
	return nil, nil
}

func (b *CGI) start() error {
	stdin, err := os.CreateTemp("", "webserv-cgi-*")
	if err != nil {
		return h1.Errorf(500, "cgi stdin: %w", err)
	}
	defer func() {
		_ = stdin.Close()
		_ = os.Remove(stdin.Name())
	}()
	if _, err := stdin.Write(b.req.Body()); err != nil {
		return h1.Errorf(500, "cgi stdin: %w", err)
	}
	if _, err := stdin.Seek(0, 0); err != nil {
		return h1.Errorf(500, "cgi stdin: %w", err)
	}

	// Hold ForkLock so no child started elsewhere inherits the pipe before
	// both ends are close-on-exec.
	var p [2]int
	syscall.ForkLock.RLock()
	err = unix.Pipe(p[:])
	if err == nil {
		unix.CloseOnExec(p[0])
		unix.CloseOnExec(p[1])
	}
	syscall.ForkLock.RUnlock()
	if err != nil {
		return h1.Errorf(500, "cgi pipe: %w", err)
	}
	if err := unix.SetNonblock(p[0], true); err != nil {
		_ = unix.Close(p[0])
		_ = unix.Close(p[1])
		return h1.Errorf(500, "cgi pipe: %w", err)
	}
	childOut := os.NewFile(uintptr(p[1]), "cgi-stdout")
	defer childOut.Close()

	var cmd *exec.Cmd
	if b.interpreter != "" {
		cmd = exec.Command(b.interpreter, b.script)
	} else {
		cmd = exec.Command(b.script)
	}
	cmd.Dir = filepath.Dir(b.script)
	cmd.Env = b.environ()
	cmd.Stdin = stdin
	cmd.Stdout = childOut

	if err := cmd.Start(); err != nil {
		_ = unix.Close(p[0])
		return h1.Errorf(502, "start cgi %s: %w", b.script, err)
	}
	b.cmd = cmd
	b.stdout = p[0]
	return nil
}

func (b *CGI) environ() []string {
	r := b.req
	env := []string{
		"GATEWAY_INTERFACE=CGI/1.1",
		"SERVER_SOFTWARE=" + ServerName,
		"SERVER_PROTOCOL=" + r.Version(),
		"SERVER_NAME=" + r.Host(),
		"REQUEST_METHOD=" + r.Method().String(),
		"QUERY_STRING=" + r.Query(),
		"SCRIPT_NAME=" + r.Path(),
		"SCRIPT_FILENAME=" + b.script,
		"PATH_INFO=" + r.Path(),
		"CONTENT_LENGTH=" + strconv.Itoa(len(r.Body())),
		"CONTENT_TYPE=" + r.Get("content-type"),
		"REDIRECT_STATUS=200",
		"PATH=" + os.Getenv("PATH"),
	}
	for name, values := range r.Header() {
		if name == "content-length" || name == "content-type" || name == "proxy" {
			continue
		}
		key := "HTTP_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		env = append(env, key+"="+strings.Join(values, ", "))
	}
	return env
}

// parseOutput turns the script output, a CGI header block followed by the
// body, into the response.
func (b *CGI) parseOutput() error {
	head, body, ok := bytes.Cut(b.out, []byte("\r\n\r\n"))
	if !ok {
		head, body, ok = bytes.Cut(b.out, []byte("\n\n"))
	}
	if !ok {
		return h1.Errorf(502, "cgi output has no header block")
	}

	status := 200
	hasType := false
	for _, line := range strings.Split(strings.ReplaceAll(string(head), "\r\n", "\n"), "\n") {
		name, value, found := strings.Cut(line, ":")
		if !found {
			return h1.Errorf(502, "malformed cgi header %q", line)
		}
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)
		switch strings.ToLower(name) {
		case "status":
			code, _, _ := strings.Cut(value, " ")
			n, err := strconv.Atoi(code)
			if err != nil || n < 100 || n > 599 {
				return h1.Errorf(502, "invalid cgi status %q", value)
			}
			status = n
		case "location":
			if status == 200 {
				status = 302
			}
			b.resp.SetHeader("Location", value)
		case "content-type":
			hasType = true
			b.resp.SetHeader("Content-Type", value)
		case "content-length", "connection", "transfer-encoding":
			// framing is ours
		default:
			b.resp.AddHeader(name, value)
		}
	}
	if !hasType {
		b.resp.SetHeader("Content-Type", "text/html; charset=utf-8")
	}
	b.resp.SetStatus(status)
	b.resp.SetBody(body)
	return nil
}

func (b *CGI) Close() error {
	var err error
	if b.stdout >= 0 {
		err = unix.Close(b.stdout)
		b.stdout = -1
	}
	if b.cmd != nil && b.cmd.Process != nil {
		if kerr := b.cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) && err == nil {
			err = fmt.Errorf("kill cgi: %w", kerr)
		}
		cmd := b.cmd
		go func() { _ = cmd.Wait() }()
		b.cmd = nil
	}
	return err
}
