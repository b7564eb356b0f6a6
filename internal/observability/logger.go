// Package observability provides structured logging and metrics.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is the logging surface handed to every component. It is a
// *slog.Logger whose handler also emits the request and job fields carried
// by the context.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	DebugContext(ctx context.Context, msg string, args ...any)
	InfoContext(ctx context.Context, msg string, args ...any)
	WarnContext(ctx context.Context, msg string, args ...any)
	ErrorContext(ctx context.Context, msg string, args ...any)

	With(args ...any) Logger
	// WithComponent tags every entry with component=name.
	WithComponent(name string) Logger

	Slog() *slog.Logger
}

// Config holds configuration for the logger.
type Config struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string
	// Format is json (default) or text.
	Format string
	// Output defaults to os.Stdout.
	Output    io.Writer
	AddSource bool
}

// DefaultConfig returns the default logger configuration.
func DefaultConfig() Config {
	return Config{Level: "info", Format: "json", Output: os.Stdout}
}

// NewLogger builds a Logger writing to cfg.Output.
func NewLogger(cfg Config) Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level), AddSource: cfg.AddSource}

	var h slog.Handler = slog.NewJSONHandler(out, opts)
	if strings.EqualFold(cfg.Format, "text") {
		h = slog.NewTextHandler(out, opts)
	}
	return slogLogger{slog.New(contextHandler{h})}
}

// NewLoggerFromSlog wraps l so context fields are emitted as well.
func NewLoggerFromSlog(l *slog.Logger) Logger {
	if l == nil {
		l = slog.Default()
	}
	return slogLogger{slog.New(contextHandler{l.Handler()})}
}

// Discard returns a Logger that drops everything.
func Discard() Logger {
	return slogLogger{slog.New(slog.DiscardHandler)}
}

// parseLevel accepts slog level names plus "warning"; anything else is info.
func parseLevel(s string) slog.Level {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "warning") {
		return slog.LevelWarn
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

type slogLogger struct {
	*slog.Logger
}

func (l slogLogger) With(args ...any) Logger { return slogLogger{l.Logger.With(args...)} }

func (l slogLogger) WithComponent(name string) Logger { return l.With("component", name) }

func (l slogLogger) Slog() *slog.Logger { return l.Logger }

// contextHandler appends the fields stored by WithRequestID, WithComponent,
// WithJob and WithCategory to each record.
type contextHandler struct {
	slog.Handler
}

func (h contextHandler) Handle(ctx context.Context, rec slog.Record) error {
	if f, ok := fieldsFrom(ctx); ok {
		rec.AddAttrs(f.attrs()...)
	}
	return h.Handler.Handle(ctx, rec)
}

func (h contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return contextHandler{h.Handler.WithAttrs(attrs)}
}

func (h contextHandler) WithGroup(name string) slog.Handler {
	return contextHandler{h.Handler.WithGroup(name)}
}

type fieldsKey struct{}

// logFields is stored by value; every With* helper copies it.
type logFields struct {
	requestID string
	component string
	jobID     string
	category  string
}

func (f logFields) attrs() []slog.Attr {
	var out []slog.Attr
	add := func(k, v string) {
		if v != "" {
			out = append(out, slog.String(k, v))
		}
	}
	add("request_id", f.requestID)
	add("component", f.component)
	add("job_id", f.jobID)
	add("category", f.category)
	return out
}

func fieldsFrom(ctx context.Context) (logFields, bool) {
	if ctx == nil {
		return logFields{}, false
	}
	f, ok := ctx.Value(fieldsKey{}).(logFields)
	return f, ok
}

func withFields(ctx context.Context, set func(*logFields)) context.Context {
	f, _ := fieldsFrom(ctx)
	set(&f)
	return context.WithValue(ctx, fieldsKey{}, f)
}

// WithRequestID stores the request ID in the context. Empty IDs are ignored.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if requestID == "" {
		return ctx
	}
	return withFields(ctx, func(f *logFields) { f.requestID = requestID })
}

// RequestIDFromContext retrieves the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	f, _ := fieldsFrom(ctx)
	return f.requestID
}

// WithComponent stores the component name in the context.
func WithComponent(ctx context.Context, component string) context.Context {
	if component == "" {
		return ctx
	}
	return withFields(ctx, func(f *logFields) { f.component = component })
}

// ComponentFromContext retrieves the component name from context.
func ComponentFromContext(ctx context.Context) string {
	f, _ := fieldsFrom(ctx)
	return f.component
}

// WithJob tags the context with the job being processed and its category.
func WithJob(ctx context.Context, jobID, category string) context.Context {
	return withFields(ctx, func(f *logFields) {
		f.jobID = jobID
		f.category = category
	})
}

// JobIDFromContext retrieves the job id from context.
func JobIDFromContext(ctx context.Context) string {
	f, _ := fieldsFrom(ctx)
	return f.jobID
}

// WithCategory tags the context with the mirror category a request addresses.
func WithCategory(ctx context.Context, category string) context.Context {
	if category == "" {
		return ctx
	}
	return withFields(ctx, func(f *logFields) { f.category = category })
}

// CategoryFromContext retrieves the category from context.
func CategoryFromContext(ctx context.Context) string {
	f, _ := fieldsFrom(ctx)
	return f.category
}
