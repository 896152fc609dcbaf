// Package telemetry carries the structured logger and the metric
// instruments shared by every component.
package telemetry

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTELHook adds trace and span IDs to every log entry
type OTELHook struct{}

func (h OTELHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	ctx := e.GetCtx()
	if ctx == nil {
		return
	}

	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return
	}

	e.Str("trace_id", span.SpanContext().TraceID().String())
	e.Str("span_id", span.SpanContext().SpanID().String())

	if level == zerolog.ErrorLevel {
		span.SetStatus(codes.Error, msg)
	}
}

// Logger wraps zerolog with OTEL integration
type Logger struct {
	zerolog.Logger
}

// NewLogger creates a stdout logger with OTEL hooks
func NewLogger(service string) *Logger {
	return NewLoggerWithWriter(os.Stdout, service, zerolog.InfoLevel)
}

// NewLoggerWithWriter creates a logger writing to w at level
func NewLoggerWithWriter(w io.Writer, service string, level zerolog.Level) *Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	logger := zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("service", service).
		Logger().
		Hook(OTELHook{})

	return &Logger{Logger: logger}
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	return &Logger{Logger: zerolog.Nop()}
}

// ParseLevel maps a config level name to a zerolog level, defaulting to info
func ParseLevel(name string) zerolog.Level {
	level, err := zerolog.ParseLevel(name)
	if err != nil || name == "" {
		return zerolog.InfoLevel
	}
	return level
}

// WithContext returns a logger with context (for trace propagation)
func (l *Logger) WithContext(ctx context.Context) *zerolog.Logger {
	logger := l.Logger.With().Ctx(ctx).Logger()
	return &logger
}

// Component returns a child logger tagged with a component name
func (l *Logger) Component(name string) *Logger {
	return &Logger{Logger: l.Logger.With().Str("component", name).Logger()}
}

// LogTaskStart logs a task about to run, with its span attributes as fields
func (l *Logger) LogTaskStart(ctx context.Context, task string, attrs ...attribute.KeyValue) {
	event := l.WithContext(ctx).Debug().Str("task", task)
	for _, attr := range attrs {
		event = withAttribute(event, attr)
	}
	event.Msg("task started")
}

// LogTaskEnd logs the outcome of a task. A nil err logs at debug.
func (l *Logger) LogTaskEnd(ctx context.Context, task string, elapsed time.Duration, err error) {
	logger := l.WithContext(ctx)
	if err == nil {
		logger.Debug().Str("task", task).Dur("elapsed", elapsed).Msg("task completed")
		return
	}
	logger.Error().Err(err).Str("task", task).Dur("elapsed", elapsed).Msg("task failed")
}

func withAttribute(event *zerolog.Event, attr attribute.KeyValue) *zerolog.Event {
	key := string(attr.Key)
	switch attr.Value.Type() {
	case attribute.INT64:
		return event.Int64(key, attr.Value.AsInt64())
	case attribute.FLOAT64:
		return event.Float64(key, attr.Value.AsFloat64())
	case attribute.BOOL:
		return event.Bool(key, attr.Value.AsBool())
	default:
		return event.Str(key, attr.Value.Emit())
	}
}

// LogStorageError logs a failed storage write that the caller chose to swallow
func (l *Logger) LogStorageError(ctx context.Context, operation, target string, err error) {
	l.WithContext(ctx).Debug().
		Err(err).
		Str("operation", operation).
		Str("target", target).
		Msg("storage operation failed")
}
