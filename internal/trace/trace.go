// Package trace carries trace and session identifiers through contexts and logs.
package trace

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"time"
)

// Propagation keys for gRPC metadata and HTTP headers.
const (
	TraceIDKey      = "x-trace-id"
	SpanIDKey       = "x-span-id"
	ParentSpanIDKey = "x-parent-span-id"
	SessionIDKey    = "x-session-id"
)

type ctxKey struct{}

// Context holds the identifiers of one span.
type Context struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
	SessionID    string
}

// New creates a trace context with fresh IDs.
func New() Context {
	return Context{TraceID: generateTraceID(), SpanID: generateSpanID()}
}

// NewChild derives a child span that keeps the trace and session.
func NewChild(parent Context) Context {
	return Context{
		TraceID:      parent.TraceID,
		SpanID:       generateSpanID(),
		ParentSpanID: parent.SpanID,
		SessionID:    parent.SessionID,
	}
}

func FromContext(ctx context.Context) (Context, bool) {
	tc, ok := ctx.Value(ctxKey{}).(Context)
	return tc, ok
}

func WithContext(ctx context.Context, tc Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, tc)
}

// WithSession starts a trace rooted at a session.
func WithSession(ctx context.Context, sessionID string) context.Context {
	tc, ok := FromContext(ctx)
	if !ok {
		tc = New()
	}
	tc.SessionID = sessionID
	return WithContext(ctx, tc)
}

// EnsureContext returns the existing trace context or creates one.
func EnsureContext(ctx context.Context) (context.Context, Context) {
	if tc, ok := FromContext(ctx); ok {
		return ctx, tc
	}
	tc := New()
	return WithContext(ctx, tc), tc
}

func generateTraceID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func generateSpanID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// ToMap exports the context for propagation.
func (c Context) ToMap() map[string]string {
	m := map[string]string{TraceIDKey: c.TraceID, SpanIDKey: c.SpanID}
	if c.ParentSpanID != "" {
		m[ParentSpanIDKey] = c.ParentSpanID
	}
	if c.SessionID != "" {
		m[SessionIDKey] = c.SessionID
	}
	return m
}

// FromMap rebuilds a context on the receiving side; the caller's span becomes the parent.
func FromMap(m map[string]string) Context {
	tc := Context{
		TraceID:      m[TraceIDKey],
		SpanID:       generateSpanID(),
		ParentSpanID: m[SpanIDKey],
		SessionID:    m[SessionIDKey],
	}
	if tc.TraceID == "" {
		tc.TraceID = generateTraceID()
	}
	return tc
}

func (c Context) logArgs() []any {
	args := []any{"trace_id", c.TraceID, "span_id", c.SpanID}
	if c.ParentSpanID != "" {
		args = append(args, "parent_span_id", c.ParentSpanID)
	}
	if c.SessionID != "" {
		args = append(args, "session_id", c.SessionID)
	}
	return args
}

// Span is a timed operation within a trace.
type Span struct {
	Name      string
	Ctx       Context
	StartTime time.Time
	EndTime   time.Time
	Attrs     map[string]any
	err       error
}

// StartSpan begins a child span of whatever trace ctx carries.
func StartSpan(ctx context.Context, name string) (context.Context, *Span) {
	parent, ok := FromContext(ctx)
	tc := NewChild(parent)
	if !ok || parent.TraceID == "" {
		tc = New()
		tc.SessionID = parent.SessionID
	}
	s := &Span{Name: name, Ctx: tc, StartTime: time.Now(), Attrs: make(map[string]any)}
	return WithContext(ctx, tc), s
}

func (s *Span) SetAttr(key string, val any) { s.Attrs[key] = val }

// SetError records the failure logged by End.
func (s *Span) SetError(err error) { s.err = err }

// End stamps the span and logs it at debug, or warn when it failed.
func (s *Span) End() {
	s.EndTime = time.Now()
	if s.err != nil {
		slog.Warn("span failed", "span", s, "error", s.err)
		return
	}
	slog.Debug("span finished", "span", s)
}

func (s *Span) Duration() time.Duration {
	if s.EndTime.IsZero() {
		return 0
	}
	return s.EndTime.Sub(s.StartTime)
}

// LogValue implements slog.LogValuer.
func (s *Span) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("name", s.Name),
		slog.String("trace_id", s.Ctx.TraceID),
		slog.String("span_id", s.Ctx.SpanID),
		slog.Duration("duration", s.Duration()),
	}
	if s.Ctx.SessionID != "" {
		attrs = append(attrs, slog.String("session_id", s.Ctx.SessionID))
	}
	for k, v := range s.Attrs {
		attrs = append(attrs, slog.Any(k, v))
	}
	return slog.GroupValue(attrs...)
}

// Logger returns the default logger annotated with ctx's trace.
func Logger(ctx context.Context) *slog.Logger {
	tc, ok := FromContext(ctx)
	if !ok {
		return slog.Default()
	}
	return slog.Default().With(tc.logArgs()...)
}
