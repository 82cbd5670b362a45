package utils

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	baseMu     sync.RWMutex
	baseLogger = zerolog.New(os.Stdout).With().Timestamp().Logger()
)

// ConfigureLogging sets the process-wide level and output format. With
// console=true records are rendered for humans instead of JSON lines.
func ConfigureLogging(level string, console bool) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	var out io.Writer = os.Stdout
	if console {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	baseMu.Lock()
	baseLogger = zerolog.New(out).With().Timestamp().Logger()
	baseMu.Unlock()
}

// Logger is a component-scoped structured logger
type Logger struct {
	prefix string
	zl     zerolog.Logger
}

// NewLogger creates a new logger tagged with the given component name
func NewLogger(prefix string) *Logger {
	baseMu.RLock()
	defer baseMu.RUnlock()
	return &Logger{
		prefix: prefix,
		zl:     baseLogger.With().Str("component", prefix).Logger(),
	}
}

// NewLoggerTo creates a logger writing to w; used by tests to capture output.
func NewLoggerTo(prefix string, w io.Writer) *Logger {
	return &Logger{
		prefix: prefix,
		zl:     zerolog.New(w).With().Str("component", prefix).Logger(),
	}
}

// Info logs an informational message
func (l *Logger) Info(msg string, keyvals ...interface{}) {
	withFields(l.zl.Info(), keyvals).Msg(msg)
}

// Error logs an error message
func (l *Logger) Error(msg string, keyvals ...interface{}) {
	withFields(l.zl.Error(), keyvals).Msg(msg)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, keyvals ...interface{}) {
	withFields(l.zl.Warn(), keyvals).Msg(msg)
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, keyvals ...interface{}) {
	withFields(l.zl.Debug(), keyvals).Msg(msg)
}

// withFields attaches key-value pairs to the event. Errors are logged under
// their key with their message; a trailing key without value is dropped.
func withFields(e *zerolog.Event, keyvals []interface{}) *zerolog.Event {
	for i := 0; i+1 < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		switch v := keyvals[i+1].(type) {
		case error:
			if v != nil {
				e = e.Str(key, v.Error())
			}
		case string:
			e = e.Str(key, v)
		case int:
			e = e.Int(key, v)
		case int64:
			e = e.Int64(key, v)
		case bool:
			e = e.Bool(key, v)
		case time.Duration:
			e = e.Dur(key, v)
		case time.Time:
			e = e.Time(key, v)
		default:
			e = e.Interface(key, v)
		}
	}
	return e
}
