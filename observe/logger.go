package observe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// LogLevel represents a logging level.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLogLevel parses a string log level. Unknown values map to info.
func ParseLogLevel(s string) LogLevel {
	switch s {
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

// structuredLogger writes one JSON object per line.
type structuredLogger struct {
	level     LogLevel
	out       *syncWriter
	baseAttrs map[string]any
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) writeLine(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.w.Write(append(data, '\n'))
}

// NewLogger creates a new structured logger writing to stderr.
func NewLogger(level string) Logger {
	return NewLoggerWithWriter(level, os.Stderr)
}

// NewLoggerWithWriter creates a new structured logger with a custom writer.
func NewLoggerWithWriter(level string, w io.Writer) Logger {
	return &structuredLogger{
		level:     ParseLogLevel(level),
		out:       &syncWriter{w: w},
		baseAttrs: make(map[string]any),
	}
}

// WithAction returns a logger with action context attached.
// Derived loggers share the parent's writer lock.
func (l *structuredLogger) WithAction(meta ActionMeta) Logger {
	attrs := make(map[string]any, len(l.baseAttrs)+4)
	for k, v := range l.baseAttrs {
		attrs[k] = v
	}

	attrs["action.type"] = meta.Type
	if meta.RiskLevel != "" {
		attrs["action.risk"] = meta.RiskLevel
	}
	if meta.ConversationID != "" {
		attrs["action.conversation_id"] = meta.ConversationID
	}
	if meta.IdempotencyKey != "" {
		attrs["idempotency_key"] = meta.IdempotencyKey
	}

	return &structuredLogger{
		level:     l.level,
		out:       l.out,
		baseAttrs: attrs,
	}
}

func (l *structuredLogger) Info(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LevelInfo, msg, fields)
}

func (l *structuredLogger) Warn(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LevelWarn, msg, fields)
}

func (l *structuredLogger) Error(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LevelError, msg, fields)
}

func (l *structuredLogger) Debug(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LevelDebug, msg, fields)
}

func (l *structuredLogger) log(ctx context.Context, level LogLevel, msg string, fields []Field) {
	if level < l.level {
		return
	}

	entry := make(map[string]any, len(l.baseAttrs)+len(fields)+5)
	entry["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["level"] = level.String()
	entry["msg"] = msg

	if ctx != nil {
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			entry["trace_id"] = sc.TraceID().String()
			entry["span_id"] = sc.SpanID().String()
		}
	}

	for k, v := range l.baseAttrs {
		entry[k] = v
	}

	for _, f := range fields {
		switch {
		case contains(RedactedFields, f.Key):
			entry[f.Key] = "[REDACTED]"
		default:
			if err, ok := f.Value.(error); ok {
				entry[f.Key] = err.Error()
				continue
			}
			entry[f.Key] = f.Value
		}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		data = []byte(fmt.Sprintf(`{"level":%q,"msg":%q,"log_error":%q}`, level.String(), msg, err.Error()))
	}
	l.out.writeLine(data)
}

var _ Logger = (*structuredLogger)(nil)
