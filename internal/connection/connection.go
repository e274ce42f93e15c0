// Package connection implements the per-socket state machine of the server:
// it reads and parses requests, drives one response builder at a time and
// streams the serialized response back, all without blocking the event loop.
package connection

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/FumingPower3925/webserv/internal/builder"
	"github.com/FumingPower3925/webserv/internal/config"
	"github.com/FumingPower3925/webserv/internal/event"
	"github.com/FumingPower3925/webserv/internal/h1"
)

// Status is the phase a connection is in.
type Status uint8

// Connection phases.
const (
	StatusOnWait Status = iota
	StatusOnRecv
	StatusToSend
	StatusOnBuild
	StatusOnSend
	StatusClose
)

func (s Status) String() string {
	switch s {
	case StatusOnWait:
		return "on-wait"
	case StatusOnRecv:
		return "on-recv"
	case StatusToSend:
		return "to-send"
	case StatusOnBuild:
		return "on-build"
	case StatusOnSend:
		return "on-send"
	case StatusClose:
		return "close"
	default:
		return "unknown"
	}
}

// Manager routes auxiliary descriptors back to their owning connection and
// resolves locations.
type Manager interface {
	AddManagedFd(auxFd, ownerFd int) error
	RemoveManagedFd(auxFd int)
	GetLocation(path, host string) *config.Location
}

// Events is the part of the multiplexer a connection arms and disarms.
type Events interface {
	RemoveAllEvents(fd int) error
	AddWriteEvent(fd int) error
	AddReadEvent(fd int) error
}

// ErrClosed is returned by Close on a connection that is already closed.
var ErrClosed = errors.New("connection: already closed")

// TransportError is a socket fault. The connection cannot continue and must
// be closed by the caller.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("connection: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Options configure a Connection.
type Options struct {
	ReadBufferSize int
	SendChunkSize  int
	Limits         h1.Limits
	Selector       builder.Selector
	Logger         *zap.Logger
	Now            func() time.Time
}

func (o *Options) normalize() {
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = 8192
	}
	if o.SendChunkSize <= 0 {
		o.SendChunkSize = 8192
	}
	if o.Selector == nil {
		o.Selector = builder.Select
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Connection binds one client socket to a request parser and, while a
// response is produced, to exactly one builder. It is driven by a single
// goroutine and holds no locks.
type Connection struct {
	id      string
	fd      int
	status  Status
	parser  *h1.Parser
	builder builder.Builder
	// builderFds records the auxiliary descriptors registered for builder.
	builderFds []int

	manager Manager
	events  Events
	opts    Options
	logger  *zap.Logger

	buf      []byte
	lastCall time.Time
	closed   bool
}

// New creates a connection owning fd, which must be a non-blocking socket.
func New(fd int, manager Manager, events Events, opts Options) *Connection {
	opts.normalize()
	id := uuid.NewString()
	return &Connection{
		id:       id,
		fd:       fd,
		status:   StatusOnWait,
		parser:   h1.NewParser(opts.Limits),
		manager:  manager,
		events:   events,
		opts:     opts,
		logger:   opts.Logger.With(zap.Int("fd", fd), zap.String("conn_id", id)),
		buf:      make([]byte, opts.ReadBufferSize),
		lastCall: opts.Now(),
	}
}

// ID returns the identifier used in logs and traces.
func (c *Connection) ID() string { return c.id }

// FD returns the client socket descriptor.
func (c *Connection) FD() int { return c.fd }

// Status returns the current state.
func (c *Connection) Status() Status { return c.status }

// Builder returns the active response builder, or nil.
func (c *Connection) Builder() builder.Builder { return c.builder }

// Request returns the request being parsed or answered.
func (c *Connection) Request() *h1.Request { return c.parser.Request() }

// IsClosed reports whether Close has run.
func (c *Connection) IsClosed() bool { return c.closed }

// ElapsedTime returns the time since the last read, build or send that made
// progress. The reaper compares it against the idle timeout.
func (c *Connection) ElapsedTime() time.Duration { return c.opts.Now().Sub(c.lastCall) }

// BuilderFds returns the auxiliary descriptors registered for the active
// builder.
func (c *Connection) BuilderFds() []int {
	return append([]int(nil), c.builderFds...)
}

func (c *Connection) touch() { c.lastCall = c.opts.Now() }

// ReadSocket performs one non-blocking read and feeds the bytes to the
// parser. A read of zero bytes means the peer is gone: the status becomes
// StatusClose whatever the parse progress. A read that would block leaves
// the parser and the status untouched.
func (c *Connection) ReadSocket() error {
	n, err := unix.Read(c.fd, c.buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return nil
		}
		return &TransportError{Op: "read", Err: err}
	}
	if n == 0 {
		c.status = StatusClose
		c.touch()
		return nil
	}
	if c.status == StatusOnWait {
		c.status = StatusOnRecv
	}
	c.touch()
	return c.parseRequest(c.buf[:n])
}

// ReadStorage resumes parsing from bytes the parser already holds. It never
// reads from the socket.
func (c *Connection) ReadStorage() error {
	if c.status == StatusOnWait {
		c.status = StatusOnRecv
	}
	c.touch()
	return c.parseRequest(nil)
}

// IsReadStorageRequired reports whether the parser holds unconsumed bytes.
// Those bytes will not raise a readiness event on their own.
func (c *Connection) IsReadStorageRequired() bool {
	return c.parser.HasBufferedData()
}

// parseRequest runs the parser in two phases: once the header section is
// complete the location is resolved and injected, then parsing resumes with
// no new bytes under the location's limits.
func (c *Connection) parseRequest(data []byte) error {
	if err := c.parser.Parse(data); err != nil {
		return err
	}
	if c.parser.Status() == h1.StatusHeaderFieldEnd {
		req := c.parser.Request()
		c.parser.SetLocation(c.manager.GetLocation(req.Path(), req.Host()))
		if err := c.parser.Parse(nil); err != nil {
			return err
		}
	}
	if c.parser.Status() != h1.StatusDone {
		return nil
	}

	req := c.parser.Request()
	c.status = StatusToSend
	c.logger.Debug("request parsed",
		zap.String("method", req.Method().String()),
		zap.String("path", req.Path()),
		zap.Int("body", len(req.Body())))
	if err := c.events.RemoveAllEvents(c.fd); err != nil {
		return &TransportError{Op: "disarm", Err: err}
	}
	return nil
}

// SelectResponseBuilder checks the request against its location and obtains
// the builder that will answer it. Failures are protocol faults.
func (c *Connection) SelectResponseBuilder() error {
	if c.status != StatusToSend {
		return h1.Errorf(500, "select builder in status %s", c.status)
	}
	req := c.parser.Request()
	if loc := req.Location(); loc != nil && !loc.AllowsMethod(req.Method().String()) {
		return h1.Errorf(405, "%s not allowed on %s", req.Method(), loc.Path)
	}
	b, err := c.opts.Selector(req)
	if err != nil {
		if _, ok := h1.StatusCode(err); !ok {
			err = &h1.StatusError{Code: 500, Err: err}
		}
		return err
	}
	c.destroyBuilder()
	c.builder = b
	c.status = StatusOnBuild
	c.touch()
	return nil
}

// BuildResponse advances the active builder by one step for ev. Descriptors
// the builder claims are registered with the manager and armed. Once the
// builder is done its descriptors are drained, its resources released and
// the socket armed for writing.
func (c *Connection) BuildResponse(ev event.Type) error {
	if c.status != StatusOnBuild || c.builder == nil {
		return nil
	}
	fds, buildErr := c.builder.Build(ev)
	c.touch()
	for _, d := range fds {
		if err := c.manager.AddManagedFd(d.FD, c.fd); err != nil {
			return h1.Errorf(500, "register fd %d: %w", d.FD, err)
		}
		c.builderFds = append(c.builderFds, d.FD)
		if err := c.arm(d); err != nil {
			return h1.Errorf(500, "arm fd %d: %w", d.FD, err)
		}
	}
	if buildErr != nil {
		if _, ok := h1.StatusCode(buildErr); !ok {
			buildErr = &h1.StatusError{Code: 500, Err: buildErr}
		}
		return buildErr
	}
	if !c.builder.IsDone() {
		return nil
	}

	c.status = StatusOnSend
	c.drainBuilderFds()
	if err := c.builder.Close(); err != nil {
		c.logger.Warn("release builder resources", zap.Stringer("builder", c.builder.Type()), zap.Error(err))
	}
	if err := c.events.AddWriteEvent(c.fd); err != nil {
		return &TransportError{Op: "arm write", Err: err}
	}
	return nil
}

func (c *Connection) arm(d builder.Descriptor) error {
	if d.Filter == event.Write {
		return c.events.AddWriteEvent(d.FD)
	}
	return c.events.AddReadEvent(d.FD)
}

// SendResponse writes at most one chunk of the serialized response from the
// send cursor. When the cursor reaches the end the connection moves to
// StatusClose if the builder asks for it, otherwise back to StatusOnWait with
// the socket armed for reading; the caller then runs Clear.
func (c *Connection) SendResponse() error {
	if c.status != StatusOnSend || c.builder == nil {
		return nil
	}
	resp := c.builder.Response()
	if chunk := resp.Pending(c.opts.SendChunkSize); len(chunk) > 0 {
		n, err := unix.Write(c.fd, chunk)
		if err != nil {
			if !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EINTR) {
				return &TransportError{Op: "write", Err: err}
			}
			n = 0
		}
		resp.Advance(n)
		c.touch()
	}
	if !resp.IsSent() {
		return nil
	}

	c.logger.Debug("response sent",
		zap.Int("status", resp.Status()),
		zap.Int("bytes", resp.StartIndex()),
		zap.Stringer("builder", c.builder.Type()))
	if c.builder.IsConnectionClose() {
		c.status = StatusClose
		return nil
	}
	c.status = StatusOnWait
	if err := c.events.RemoveAllEvents(c.fd); err != nil {
		return &TransportError{Op: "disarm", Err: err}
	}
	if err := c.events.AddReadEvent(c.fd); err != nil {
		return &TransportError{Op: "arm read", Err: err}
	}
	return nil
}

// ResetResponseBuilder discards the in-flight response and answers with code
// instead, keeping the parsed request and the connection.
func (c *Connection) ResetResponseBuilder(code int) error {
	return c.reset(builder.NewError(c.parser.Request(), code))
}

// ResetResponseBuilderDefault is ResetResponseBuilder with a context-free
// 500 that closes the connection once sent.
func (c *Connection) ResetResponseBuilderDefault() error {
	return c.reset(builder.NewDefaultError())
}

func (c *Connection) reset(b builder.Builder) error {
	if err := c.events.RemoveAllEvents(c.fd); err != nil {
		return &TransportError{Op: "disarm", Err: err}
	}
	c.destroyBuilder()
	c.builder = b
	c.status = StatusOnBuild
	c.touch()
	return c.BuildResponse(event.None)
}

// Clear prepares the connection for the next request. Bytes of a pipelined
// request already received stay in the parser.
func (c *Connection) Clear() {
	c.destroyBuilder()
	c.parser.Clear()
	if c.status != StatusClose {
		c.status = StatusOnWait
	}
	c.touch()
}

// Close releases the builder and the socket. A second call returns ErrClosed.
func (c *Connection) Close() error {
	if c.closed {
		return ErrClosed
	}
	c.closed = true
	c.destroyBuilder()
	c.status = StatusClose
	_ = c.events.RemoveAllEvents(c.fd)
	if err := unix.Close(c.fd); err != nil {
		return &TransportError{Op: "close", Err: err}
	}
	c.logger.Debug("connection closed")
	return nil
}

func (c *Connection) drainBuilderFds() {
	for _, fd := range c.builderFds {
		if err := c.events.RemoveAllEvents(fd); err != nil {
			c.logger.Warn("disarm builder fd", zap.Int("aux_fd", fd), zap.Error(err))
		}
		c.manager.RemoveManagedFd(fd)
	}
	c.builderFds = c.builderFds[:0]
}

// destroyBuilder drains the builder's descriptors before releasing it, so no
// event is ever routed to a builder that no longer exists.
func (c *Connection) destroyBuilder() {
	if c.builder == nil {
		return
	}
	c.drainBuilderFds()
	if err := c.builder.Close(); err != nil {
		c.logger.Warn("release builder resources", zap.Stringer("builder", c.builder.Type()), zap.Error(err))
	}
	c.builder = nil
}
