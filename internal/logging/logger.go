package logging

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// LogLevel orders log severities; entries below the logger's level are dropped.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = [...]string{"debug", "info", "warn", "error"}

func (l LogLevel) String() string {
	if l < LevelDebug || l > LevelError {
		return "unknown"
	}
	return levelNames[l]
}

// MarshalText writes the level by name so entries stay readable.
func (l LogLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// ParseLevel converts a config string into a LogLevel, defaulting to info.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger writes one JSON object per line. Secrets in messages and string
// fields are redacted before they reach the writer.
type Logger struct {
	mu      sync.Mutex
	output  io.Writer
	level   LogLevel
	service string
	now     func() time.Time
}

// LoggerOption configures a Logger.
type LoggerOption func(*Logger)

// WithOutput sets the writer; the default is stdout.
func WithOutput(w io.Writer) LoggerOption {
	return func(l *Logger) {
		l.output = w
	}
}

// WithLevel sets the minimum level written.
func WithLevel(level LogLevel) LoggerOption {
	return func(l *Logger) {
		l.level = level
	}
}

// WithService sets the service name stamped on every entry.
func WithService(service string) LoggerOption {
	return func(l *Logger) {
		l.service = service
	}
}

func NewLogger(opts ...LoggerOption) *Logger {
	logger := &Logger{
		output:  os.Stdout,
		level:   LevelInfo,
		service: "quotamux",
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(logger)
	}
	return logger
}

type logEntry struct {
	Timestamp     string         `json:"timestamp"`
	Level         LogLevel       `json:"level"`
	Service       string         `json:"service"`
	Message       string         `json:"message"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Fields        map[string]any `json:"fields,omitempty"`
}

// Enabled reports whether entries at level would be written.
func (l *Logger) Enabled(level LogLevel) bool {
	return level >= l.level
}

func (l *Logger) emit(level LogLevel, correlationID, message string, fields map[string]any) {
	if !l.Enabled(level) {
		return
	}
	entry := logEntry{
		Timestamp:     l.now().UTC().Format(time.RFC3339Nano),
		Level:         level,
		Service:       l.service,
		Message:       Redact(message),
		CorrelationID: correlationID,
		Fields:        fields,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		// A field that cannot be encoded should not cost the message.
		entry.Fields = map[string]any{"marshal_error": err.Error()}
		if data, err = json.Marshal(entry); err != nil {
			return
		}
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.output.Write(data)
}

func (l *Logger) Debug(message string, kv ...any) { l.write(context.Background(), LevelDebug, message, kv) }
func (l *Logger) Info(message string, kv ...any) { l.write(context.Background(), LevelInfo, message, kv) }
func (l *Logger) Warn(message string, kv ...any) { l.write(context.Background(), LevelWarn, message, kv) }
func (l *Logger) Error(message string, kv ...any) { l.write(context.Background(), LevelError, message, kv) }

// The WithContext variants take the correlation id from ctx.

func (l *Logger) DebugWithContext(ctx context.Context, message string, kv ...any) {
	l.write(ctx, LevelDebug, message, kv)
}

func (l *Logger) InfoWithContext(ctx context.Context, message string, kv ...any) {
	l.write(ctx, LevelInfo, message, kv)
}

func (l *Logger) WarnWithContext(ctx context.Context, message string, kv ...any) {
	l.write(ctx, LevelWarn, message, kv)
}

func (l *Logger) ErrorWithContext(ctx context.Context, message string, kv ...any) {
	l.write(ctx, LevelError, message, kv)
}

func (l *Logger) write(ctx context.Context, level LogLevel, message string, kv []any) {
	if !l.Enabled(level) {
		return
	}
	cid, fields := splitFields(kv)
	if fromCtx := GetCorrelationID(ctx); fromCtx != "" {
		cid = fromCtx
	}
	l.emit(level, cid, message, fields)
}

// splitFields turns alternating key/value pairs into a field map. A
// "correlation_id" pair is lifted out of the map; non-string keys and a
// trailing key without a value are dropped.
func splitFields(kv []any) (string, map[string]any) {
	if len(kv) < 2 {
		return "", nil
	}
	cid := ""
	fields := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		if key == correlationField {
			if id, ok := kv[i+1].(string); ok {
				cid = id
				continue
			}
		}
		fields[key] = redactValue(kv[i+1])
	}
	if len(fields) == 0 {
		fields = nil
	}
	return cid, fields
}
