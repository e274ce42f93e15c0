// Package server runs the event loop: it accepts client sockets, routes
// readiness events to connections and to the auxiliary descriptors their
// builders claim, and reaps idle connections.
package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/FumingPower3925/webserv/internal/builder"
	"github.com/FumingPower3925/webserv/internal/config"
	"github.com/FumingPower3925/webserv/internal/connection"
	"github.com/FumingPower3925/webserv/internal/event"
	"github.com/FumingPower3925/webserv/internal/h1"
)

// maxPollWait bounds a single multiplexer wait so cancellation and the
// reaper are noticed promptly.
const maxPollWait = 100 * time.Millisecond

// maxSteps bounds the state transitions driven for one event.
const maxSteps = 16

// rejectResponse is written to sockets refused at accept time.
const rejectResponse = "HTTP/1.1 503 Service Unavailable\r\n" +
	"Content-Type: text/plain\r\n" +
	"Content-Length: 19\r\n" +
	"Connection: close\r\n" +
	"\r\n" +
	"Service Unavailable"

// Options are the collaborators of a Server. Every field is optional.
type Options struct {
	Logger *zap.Logger
	// Registerer receives the server metrics (default: a private registry)
	Registerer prometheus.Registerer
	Tracing    TracingConfig
	Selector   builder.Selector
	Now        func() time.Time
}

// Server owns the listeners, the multiplexer and every connection. All of
// its state is touched only by the goroutine running Run.
type Server struct {
	cfg     *config.Config
	rt      config.RuntimeConfig
	logger  *zap.Logger
	metrics *Metrics
	tracer  *tracer
	limiter *rate.Limiter
	now     func() time.Time
	connOpt connection.Options

	mux       event.Multiplexer
	listeners map[int]string
	conns     map[int]*connection.Connection
	managed   map[int]int // auxiliary fd -> owning connection fd
	inflight  map[int]*inflight
	lastReap  time.Time
}

// New creates a server for cfg, which must have been validated.
func New(cfg *config.Config, opts Options) (*Server, error) {
	if len(cfg.Servers) == 0 {
		return nil, config.ErrNoServers
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.NewRegistry()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	mux, err := event.New()
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}

	s := &Server{
		cfg:       cfg,
		rt:        cfg.Runtime,
		logger:    opts.Logger,
		metrics:   NewMetrics(opts.Registerer),
		tracer:    newTracer(opts.Tracing),
		now:       opts.Now,
		mux:       mux,
		listeners: make(map[int]string),
		conns:     make(map[int]*connection.Connection),
		managed:   make(map[int]int),
		inflight:  make(map[int]*inflight),
		lastReap:  opts.Now(),
	}
	if s.rt.AcceptRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(s.rt.AcceptRate), s.rt.AcceptBurst)
	}
	s.connOpt = connection.Options{
		ReadBufferSize: s.rt.ReadBufferSize,
		SendChunkSize:  s.rt.SendChunkSize,
		Limits:         h1.Limits{MaxRequestLine: s.rt.MaxRequestLine, MaxHeaderBytes: s.rt.MaxHeaderBytes},
		Selector:       opts.Selector,
		Logger:         opts.Logger,
		Now:            opts.Now,
	}
	return s, nil
}

// Listen opens a listening socket for every distinct server address.
func (s *Server) Listen() error {
	if len(s.listeners) > 0 {
		return nil
	}
	seen := make(map[string]bool)
	for _, srv := range s.cfg.Servers {
		if seen[srv.Listen] {
			continue
		}
		seen[srv.Listen] = true

		fd, err := listen(srv.Listen, s.rt.ReusePort)
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("server: %w", err)
		}
		if err := s.mux.AddReadEvent(fd); err != nil {
			_ = unix.Close(fd)
			s.closeListeners()
			return fmt.Errorf("server: watch listener: %w", err)
		}
		addr, _ := sockname(fd)
		s.listeners[fd] = addr
		s.logger.Info("listening", zap.String("addr", addr))
	}
	return nil
}

// Addrs returns the bound listener addresses.
func (s *Server) Addrs() []string {
	addrs := make([]string, 0, len(s.listeners))
	for _, addr := range s.listeners {
		addrs = append(addrs, addr)
	}
	return addrs
}

// Run drives the event loop until ctx is done, then closes every connection
// and listener.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	defer s.shutdown()

	wait := min(s.rt.ReapInterval, maxPollWait)
	for {
		if ctx.Err() != nil {
			return nil
		}
		events, err := s.mux.Wait(wait)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("server: wait: %w", err)
		}
		for _, ev := range events {
			s.dispatch(ev)
		}
		if now := s.now(); now.Sub(s.lastReap) >= s.rt.ReapInterval {
			s.lastReap = now
			s.reap()
		}
	}
}

func (s *Server) dispatch(ev event.Event) {
	if _, ok := s.listeners[ev.FD]; ok {
		s.acceptAll(ev.FD)
		return
	}
	if c, ok := s.conns[ev.FD]; ok {
		s.handleConn(c, ev.Type)
		return
	}
	if owner, ok := s.managed[ev.FD]; ok {
		if c, ok := s.conns[owner]; ok {
			s.advance(c, s.protect(c, func() error { return c.BuildResponse(ev.Type) }))
		}
		return
	}
	// Events for descriptors released earlier in this batch are stale.
}

func (s *Server) acceptAll(lfd int) {
	for {
		fd, err := accept(lfd)
		switch {
		case errors.Is(err, unix.EAGAIN):
			return
		case errors.Is(err, unix.EINTR), errors.Is(err, unix.ECONNABORTED):
			continue
		case err != nil:
			s.logger.Warn("accept", zap.String("addr", s.listeners[lfd]), zap.Error(err))
			return
		}

		if s.rt.MaxConnections > 0 && len(s.conns) >= s.rt.MaxConnections {
			s.reject(fd, "limit")
			continue
		}
		if s.limiter != nil && !s.limiter.Allow() {
			s.reject(fd, "rate")
			continue
		}

		c := connection.New(fd, s, s.mux, s.connOpt)
		if err := s.mux.AddReadEvent(fd); err != nil {
			s.logger.Warn("watch connection", zap.Int("fd", fd), zap.Error(err))
			_ = c.Close()
			continue
		}
		s.conns[fd] = c
		s.metrics.connectionsAccepted.Inc()
		s.metrics.connectionsActive.Inc()
		s.logger.Info("connection accepted", zap.Int("fd", fd), zap.String("conn_id", c.ID()))
	}
}

// reject answers fd with a canned 503 and closes it.
func (s *Server) reject(fd int, reason string) {
	_, _ = unix.Write(fd, []byte(rejectResponse))
	_ = unix.Close(fd)
	s.metrics.connectionsRejected.WithLabelValues(reason).Inc()
	s.logger.Warn("connection rejected", zap.String("reason", reason),
		zap.Int("active", len(s.conns)), zap.Int("max", s.rt.MaxConnections))
}

func (s *Server) handleConn(c *connection.Connection, typ event.Type) {
	switch {
	case typ == event.Read && (c.Status() == connection.StatusOnWait || c.Status() == connection.StatusOnRecv):
		s.advance(c, s.protect(c, c.ReadSocket))
	case typ == event.Write && c.Status() == connection.StatusOnSend:
		s.advance(c, s.protect(c, c.SendResponse))
	}
}

// protect runs op and turns a panic raised while serving c into a 500
// protocol fault, leaving the event loop running.
func (s *Server) protect(c *connection.Connection, op func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.metrics.faultsTotal.WithLabelValues("panic").Inc()
			s.logger.Error("panic while serving connection", zap.Int("fd", c.FD()),
				zap.String("conn_id", c.ID()), zap.Any("panic", r), zap.Stack("stack"))
			err = h1.Errorf(500, "panic: %v", r)
		}
	}()
	return op()
}

// advance handles the outcome of the last connection operation and drives
// every transition that does not wait for readiness.
func (s *Server) advance(c *connection.Connection, err error) {
	resets := 0
	for range maxSteps {
		if err != nil {
			var te *connection.TransportError
			if errors.As(err, &te) {
				s.metrics.faultsTotal.WithLabelValues("transport").Inc()
				s.logger.Warn("transport fault", zap.Int("fd", c.FD()), zap.String("conn_id", c.ID()), zap.Error(err))
				s.closeConn(c)
				return
			}
			s.metrics.faultsTotal.WithLabelValues("protocol").Inc()
			code, ok := h1.StatusCode(err)
			if !ok {
				code = 500
			}
			s.logger.Warn("protocol fault", zap.Int("fd", c.FD()), zap.String("conn_id", c.ID()),
				zap.Int("status", code), zap.Error(err))
			resets++
			switch resets {
			case 1:
				err = s.protect(c, func() error { return c.ResetResponseBuilder(code) })
			case 2:
				err = s.protect(c, c.ResetResponseBuilderDefault)
			default:
				s.closeConn(c)
				return
			}
			continue
		}

		switch c.Status() {
		case connection.StatusClose:
			s.closeConn(c)
			return
		case connection.StatusToSend:
			s.inflight[c.FD()] = s.tracer.start(c.Request(), c.ID(), s.now())
			err = s.protect(c, func() error {
				if err := c.SelectResponseBuilder(); err != nil {
					return err
				}
				return c.BuildResponse(event.None)
			})
		case connection.StatusOnWait:
			if c.Builder() == nil {
				return
			}
			s.finishRequest(c, nil)
			c.Clear()
			if !c.IsReadStorageRequired() {
				return
			}
			err = c.ReadStorage()
		default:
			return
		}
	}
	s.logger.Warn("connection made no progress", zap.Int("fd", c.FD()), zap.Stringer("status", c.Status()))
}

// finishRequest records the response of the active builder once it has been
// sent, or the abandoned request when the connection goes away first.
func (s *Server) finishRequest(c *connection.Connection, cause error) {
	b := c.Builder()
	f := s.inflight[c.FD()]
	delete(s.inflight, c.FD())
	if b == nil || !b.IsDone() || !b.Response().IsSent() {
		if f != nil {
			if cause == nil {
				cause = errors.New("connection closed before the response was sent")
			}
			f.end(0, 0, cause, s.now())
		}
		return
	}

	resp := b.Response()
	now := s.now()
	if f == nil {
		// Faults raised while parsing skip StatusToSend.
		f = s.tracer.start(c.Request(), c.ID(), now)
	}
	f.end(resp.Status(), resp.StartIndex(), nil, now)
	s.metrics.observeResponse(f.method, resp.Status(), resp.StartIndex(), now.Sub(f.start))
}

func (s *Server) closeConn(c *connection.Connection) {
	s.finishRequest(c, nil)
	if err := c.Close(); err != nil && !errors.Is(err, connection.ErrClosed) {
		s.logger.Warn("close connection", zap.Int("fd", c.FD()), zap.Error(err))
	}
	if _, ok := s.conns[c.FD()]; ok {
		delete(s.conns, c.FD())
		s.metrics.connectionsActive.Dec()
	}
	s.logger.Info("connection closed", zap.Int("fd", c.FD()), zap.String("conn_id", c.ID()))
}

// reap handles connections idle for longer than the idle timeout. A request
// stuck mid-parse is answered with 408, a stuck builder with 504, anything
// else is closed.
func (s *Server) reap() {
	for _, c := range s.conns {
		if c.ElapsedTime() < s.rt.IdleTimeout {
			continue
		}
		status := c.Status()
		s.metrics.connectionsReaped.WithLabelValues(status.String()).Inc()
		s.logger.Info("reaping idle connection", zap.Int("fd", c.FD()), zap.String("conn_id", c.ID()),
			zap.Stringer("status", status), zap.Duration("idle", c.ElapsedTime()))
		switch status {
		case connection.StatusOnRecv:
			s.advance(c, c.ResetResponseBuilder(408))
		case connection.StatusOnBuild:
			s.advance(c, c.ResetResponseBuilder(504))
		default:
			s.closeConn(c)
		}
	}
}

// AddManagedFd routes events on auxFd to the connection owning ownerFd.
func (s *Server) AddManagedFd(auxFd, ownerFd int) error {
	if _, ok := s.conns[auxFd]; ok {
		return fmt.Errorf("fd %d is a client connection", auxFd)
	}
	if owner, ok := s.managed[auxFd]; ok && owner != ownerFd {
		return fmt.Errorf("fd %d already managed for %d", auxFd, owner)
	}
	s.managed[auxFd] = ownerFd
	return nil
}

// RemoveManagedFd stops routing events on auxFd.
func (s *Server) RemoveManagedFd(auxFd int) {
	delete(s.managed, auxFd)
}

// GetLocation returns the location serving path on host.
func (s *Server) GetLocation(path, host string) *config.Location {
	return s.cfg.Match(host, path)
}

func (s *Server) closeListeners() {
	for fd, addr := range s.listeners {
		_ = s.mux.RemoveAllEvents(fd)
		if err := unix.Close(fd); err != nil {
			s.logger.Warn("close listener", zap.String("addr", addr), zap.Error(err))
		}
		delete(s.listeners, fd)
	}
}

func (s *Server) shutdown() {
	s.logger.Info("shutting down", zap.Int("connections", len(s.conns)))
	for _, c := range s.conns {
		s.closeConn(c)
	}
	s.closeListeners()
	if err := s.mux.Close(); err != nil {
		s.logger.Warn("close multiplexer", zap.Error(err))
	}
}
