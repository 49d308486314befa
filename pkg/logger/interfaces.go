package logger

// Logger interface defines the logging contract.
// Fields are passed as alternating key/value pairs:
//
//	log.Info("step invoked", "step", 2, "status", 200)
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	SetLevel(level string)
	WithField(key string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
	With(fields ...Field) Logger
}

// Field represents a key-value pair for structured logging
type Field struct {
	Key   string
	Value interface{}
}

// LogLevel represents the logging level
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// String returns the upper-case level name used in log output
func (l LogLevel) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	}
	return "UNKNOWN"
}

// ParseLevel converts a level name to a LogLevel. Unknown names map to InfoLevel.
func ParseLevel(level string) LogLevel {
	switch level {
	case "debug", "DEBUG":
		return DebugLevel
	case "warn", "WARN", "warning", "WARNING":
		return WarnLevel
	case "error", "ERROR":
		return ErrorLevel
	}
	return InfoLevel
}

// NoOpLogger discards everything. It is the default logger of every component.
type NoOpLogger struct{}

func (NoOpLogger) Debug(msg string, fields ...interface{}) {}
func (NoOpLogger) Info(msg string, fields ...interface{}) {}
func (NoOpLogger) Warn(msg string, fields ...interface{}) {}
func (NoOpLogger) Error(msg string, fields ...interface{}) {}
func (NoOpLogger) SetLevel(level string) {}
func (n NoOpLogger) WithField(key string, value interface{}) Logger { return n }
func (n NoOpLogger) WithFields(map[string]interface{}) Logger { return n }
func (n NoOpLogger) With(fields ...Field) Logger { return n }

// OrNoOp returns l, or a NoOpLogger when l is nil
func OrNoOp(l Logger) Logger {
	if l == nil {
		return NoOpLogger{}
	}
	return l
}
