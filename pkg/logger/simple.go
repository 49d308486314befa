package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Output formats understood by SimpleLogger
const (
	FormatText = "text"
	FormatJSON = "json"
)

// SimpleLogger provides a basic structured logger implementation.
// Loggers derived through With/WithField share the parent's writer and lock.
type SimpleLogger struct {
	level  LogLevel
	format string
	fields map[string]interface{}
	out    *syncWriter
	now    func() time.Time
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

// Option configures a SimpleLogger
type Option func(*SimpleLogger)

// WithWriter sends log lines to w instead of stderr
func WithWriter(w io.Writer) Option {
	return func(l *SimpleLogger) {
		l.out = &syncWriter{w: w}
	}
}

// WithFormat selects "text" or "json" output
func WithFormat(format string) Option {
	return func(l *SimpleLogger) {
		if strings.EqualFold(format, FormatJSON) {
			l.format = FormatJSON
		} else {
			l.format = FormatText
		}
	}
}

// WithLevel sets the minimum level
func WithLevel(level string) Option {
	return func(l *SimpleLogger) {
		l.level = ParseLevel(level)
	}
}

// NewSimpleLogger creates a new simple logger writing text lines to stderr at INFO level
func NewSimpleLogger(opts ...Option) *SimpleLogger {
	l := &SimpleLogger{
		level:  InfoLevel,
		format: FormatText,
		fields: make(map[string]interface{}),
		out:    &syncWriter{w: os.Stderr},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// NewDefaultLogger creates a logger configured from LOG_LEVEL and LOG_FORMAT
func NewDefaultLogger() Logger {
	return NewSimpleLogger(WithLevel(GetLogLevel()), WithFormat(GetLogFormat()))
}

// Debug logs a debug message
func (l *SimpleLogger) Debug(msg string, fields ...interface{}) {
	l.log(DebugLevel, msg, fields...)
}

// Info logs an info message
func (l *SimpleLogger) Info(msg string, fields ...interface{}) {
	l.log(InfoLevel, msg, fields...)
}

// Warn logs a warning message
func (l *SimpleLogger) Warn(msg string, fields ...interface{}) {
	l.log(WarnLevel, msg, fields...)
}

// Error logs an error message
func (l *SimpleLogger) Error(msg string, fields ...interface{}) {
	l.log(ErrorLevel, msg, fields...)
}

// SetLevel sets the logging level
func (l *SimpleLogger) SetLevel(level string) {
	l.level = ParseLevel(level)
}

// WithField returns a logger with an additional field
func (l *SimpleLogger) WithField(key string, value interface{}) Logger {
	return l.derive(map[string]interface{}{key: value})
}

// WithFields returns a logger with additional fields
func (l *SimpleLogger) WithFields(fields map[string]interface{}) Logger {
	return l.derive(fields)
}

// With returns a logger with additional fields
func (l *SimpleLogger) With(fields ...Field) Logger {
	m := make(map[string]interface{}, len(fields))
	for _, f := range fields {
		m[f.Key] = f.Value
	}
	return l.derive(m)
}

func (l *SimpleLogger) derive(extra map[string]interface{}) *SimpleLogger {
	merged := make(map[string]interface{}, len(l.fields)+len(extra))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return &SimpleLogger{
		level:  l.level,
		format: l.format,
		fields: merged,
		out:    l.out,
		now:    l.now,
	}
}

// log performs the actual logging
func (l *SimpleLogger) log(level LogLevel, msg string, fields ...interface{}) {
	if level < l.level {
		return
	}

	all := make(map[string]interface{}, len(l.fields)+len(fields)/2)
	for k, v := range l.fields {
		all[k] = v
	}
	for i := 0; i+1 < len(fields); i += 2 {
		all[fmt.Sprintf("%v", fields[i])] = fields[i+1]
	}
	if len(fields)%2 == 1 {
		all["_extra"] = fields[len(fields)-1]
	}

	var line string
	if l.format == FormatJSON {
		line = l.jsonLine(level, msg, all)
	} else {
		line = l.textLine(level, msg, all)
	}

	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	fmt.Fprintln(l.out.w, line)
}

func (l *SimpleLogger) textLine(level LogLevel, msg string, fields map[string]interface{}) string {
	parts := []string{l.now().Format(time.RFC3339), fmt.Sprintf("[%s]", level), msg}
	for _, k := range sortedKeys(fields) {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return strings.Join(parts, " ")
}

func (l *SimpleLogger) jsonLine(level LogLevel, msg string, fields map[string]interface{}) string {
	entry := make(map[string]interface{}, len(fields)+3)
	for k, v := range fields {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		entry[k] = v
	}
	entry["time"] = l.now().Format(time.RFC3339Nano)
	entry["level"] = level.String()
	entry["msg"] = msg

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Sprintf(`{"level":"ERROR","msg":"log marshal failed","error":%q}`, err.Error())
	}
	return string(data)
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// GetLogLevel gets the current log level from environment
func GetLogLevel() string {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		return "INFO"
	}
	return level
}

// GetLogFormat gets the output format from environment
func GetLogFormat() string {
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		return format
	}
	return FormatText
}
