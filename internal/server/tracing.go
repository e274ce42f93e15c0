package server

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/FumingPower3925/webserv/internal/h1"
)

// TracingConfig configures request spans.
type TracingConfig struct {
	// TracerName is the name of the tracer (default: "webserv")
	TracerName string
	// Provider supplies the tracer (default: the global provider)
	Provider trace.TracerProvider
	// Propagator extracts the parent context from request headers (default: TraceContext)
	Propagator propagation.TextMapPropagator
}

type tracer struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

func newTracer(cfg TracingConfig) *tracer {
	if cfg.TracerName == "" {
		cfg.TracerName = "webserv"
	}
	if cfg.Provider == nil {
		cfg.Provider = otel.GetTracerProvider()
	}
	if cfg.Propagator == nil {
		cfg.Propagator = propagation.TraceContext{}
	}
	return &tracer{tracer: cfg.Provider.Tracer(cfg.TracerName), propagator: cfg.Propagator}
}

// inflight is a request between its parse and its sent response.
type inflight struct {
	span   trace.Span
	method string
	start  time.Time
}

func (t *tracer) start(req *h1.Request, connID string, now time.Time) *inflight {
	parent := t.propagator.Extract(context.Background(), headerCarrier(req.Header()))
	method := req.Method().String()
	_, span := t.tracer.Start(parent, method+" "+req.Path(),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithTimestamp(now),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.target", req.Path()),
			attribute.String("http.host", req.Host()),
			attribute.String("http.flavor", strings.TrimPrefix(req.Version(), "HTTP/")),
			attribute.Int("http.request_content_length", len(req.Body())),
			attribute.String("webserv.conn_id", connID),
		))
	return &inflight{span: span, method: method, start: now}
}

func (f *inflight) end(status, size int, err error, now time.Time) {
	f.span.SetAttributes(
		attribute.Int("http.status_code", status),
		attribute.Int("http.response_content_length", size),
	)
	switch {
	case err != nil:
		f.span.RecordError(err)
		f.span.SetStatus(codes.Error, err.Error())
	case status >= 500:
		f.span.SetStatus(codes.Error, h1.StatusText(status))
	default:
		f.span.SetStatus(codes.Ok, "")
	}
	f.span.End(trace.WithTimestamp(now))
}

// headerCarrier adapts parsed request headers, keyed by lower-case name, to
// propagation.TextMapCarrier.
type headerCarrier map[string][]string

func (hc headerCarrier) Get(key string) string {
	if v := hc[strings.ToLower(key)]; len(v) > 0 {
		return v[0]
	}
	return ""
}

func (hc headerCarrier) Set(key, value string) {
	hc[strings.ToLower(key)] = []string{value}
}

func (hc headerCarrier) Keys() []string {
	keys := make([]string, 0, len(hc))
	for k := range hc {
		keys = append(keys, k)
	}
	return keys
}
