package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is a structured logger. Methods take a message followed by
// alternating key/value pairs.
type Logger struct {
	zl zerolog.Logger
}

// NewLogger creates a new Logger writing JSON to stdout at info level.
func NewLogger() *Logger {
	return New(os.Stdout, "info", false)
}

// New creates a Logger writing to w. When console is true output is
// human-readable instead of JSON.
func New(w io.Writer, level string, console bool) *Logger {
	if console {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return &Logger{zl: zerolog.New(w).Level(lvl).With().Timestamp().Logger()}
}

// Nop returns a Logger that discards everything.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

// With returns a child logger that always carries the given key/value pairs.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{zl: l.zl.With().Fields(fields(args)).Logger()}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, args ...any) {
	l.zl.Debug().Fields(fields(args)).Msg(msg)
}

// Info logs an informational message.
func (l *Logger) Info(msg string, args ...any) {
	l.zl.Info().Fields(fields(args)).Msg(msg)
}

// Warn logs a warning.
func (l *Logger) Warn(msg string, args ...any) {
	l.zl.Warn().Fields(fields(args)).Msg(msg)
}

// Error logs an error message.
func (l *Logger) Error(msg string, args ...any) {
	l.zl.Error().Fields(fields(args)).Msg(msg)
}

// Zerolog exposes the underlying logger for libraries that want one.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zl
}

// fields turns key/value pairs into a map. A trailing key without a value is
// logged under "extra".
func fields(args []any) map[string]any {
	if len(args) == 0 {
		return nil
	}
	m := make(map[string]any, len(args)/2+1)
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = "extra"
		}
		if i+1 >= len(args) {
			m["extra"] = args[i]
			break
		}
		if err, isErr := args[i+1].(error); isErr && err != nil {
			m[key] = err.Error()
			continue
		}
		m[key] = args[i+1]
	}
	return m
}
