// Package logging provides the structured, named-logger facade the rest
// of this module writes diagnostics through.
//
// The shape is deliberately small: a Logger interface any backend (stdout,
// zerolog, logrus, a test spy) can satisfy, a process-wide registry of
// named loggers (the core always writes to the one named "system", mirroring
// the original GET_LOGGER_BY_NAME("system") convention), and a dependency-free
// default implementation for when nothing else is wired up.
package logging

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// Level is the severity of a log entry.
type Level int32

const (
	// LevelDebug is for detailed diagnostic information.
	LevelDebug Level = iota
	// LevelInfo is for general informational messages.
	LevelInfo
	// LevelWarn is for warning conditions.
	LevelWarn
	// LevelError is for error conditions.
	LevelError
	// LevelFatal is for conditions that abort the process.
	LevelFatal
)

// String returns the human-readable name of the level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelFatal:
		return "FATAL"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", l)
	}
}

// Entry is a single structured log record.
type Entry struct {
	Level     Level
	Logger    string
	Message   string
	Err       error
	Fields    map[string]any
	Timestamp time.Time
}

// Logger is the structured logging interface every backend implements.
type Logger interface {
	Log(Entry)
	Enabled(Level) bool
}

// Named is a convenience wrapper bound to a single logger name, so call
// sites read like the original GET_LOGGER_BY_NAME("system") pattern:
// logging.Get("system").Error("message", err).
type Named struct {
	name string
}

// Get returns a handle for the logger registered under name. The backend
// is looked up on every entry, so a SetLogger or SetDefault call made
// after Get still takes effect; while neither has supplied a backend for
// name, entries are dropped, so callers never need to nil-check.
func Get(name string) Named {
	return Named{name: name}
}

func (n Named) log(level Level, msg string, err error, fields map[string]any) {
	logger := registry.lookup(n.name)
	if !logger.Enabled(level) {
		return
	}
	logger.Log(Entry{
		Level:     level,
		Logger:    n.name,
		Message:   msg,
		Err:       err,
		Fields:    fields,
		Timestamp: time.Now(),
	})
}

// Debug emits a debug-level entry.
func (n Named) Debug(msg string, fields ...any) { n.log(LevelDebug, msg, nil, kv(fields)) }

// Info emits an info-level entry.
func (n Named) Info(msg string, fields ...any) { n.log(LevelInfo, msg, nil, kv(fields)) }

// Warn emits a warn-level entry.
func (n Named) Warn(msg string, fields ...any) { n.log(LevelWarn, msg, nil, kv(fields)) }

// Error emits an error-level entry. err, if non-nil, is attached to the entry.
func (n Named) Error(msg string, err error, fields ...any) { n.log(LevelError, msg, err, kv(fields)) }

// Fatal emits a fatal-level entry. Callers are responsible for actually
// terminating; this method only records the entry.
func (n Named) Fatal(msg string, err error, fields ...any) { n.log(LevelFatal, msg, err, kv(fields)) }

func kv(pairs []any) map[string]any {
	if len(pairs) == 0 {
		return nil
	}
	m := make(map[string]any, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		key, ok := pairs[i].(string)
		if !ok {
			continue
		}
		m[key] = pairs[i+1]
	}
	return m
}

// registry is the process-wide named-logger store.
var registry = &loggerRegistry{loggers: make(map[string]Logger)}

type loggerRegistry struct {
	mu      sync.RWMutex
	loggers map[string]Logger
	fallback Logger
}

func (r *loggerRegistry) lookup(name string) Logger {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if l, ok := r.loggers[name]; ok {
		return l
	}
	if r.fallback != nil {
		return r.fallback
	}
	return noop{}
}

// SetLogger registers (or replaces) the backend used for a named logger.
func SetLogger(name string, l Logger) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.loggers[name] = l
}

// SetDefault registers a fallback backend used for any name that has not
// been explicitly configured via SetLogger.
func SetDefault(l Logger) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.fallback = l
}

type noop struct{}

func (noop) Log(Entry)        {}
func (noop) Enabled(Level) bool { return false }

// StdLogger is a dependency-free Logger backend that writes lines to an
// io.Writer-like *os.File, gated by a minimum level. It exists so this
// module has a usable default without forcing in a third-party logging
// stack; production deployments are expected to call SetDefault with a
// real structured-logging backend instead.
type StdLogger struct {
	mu    sync.Mutex
	Out   *os.File
	Level Level
}

// NewStdLogger creates a StdLogger writing to os.Stderr at the given
// minimum level.
func NewStdLogger(level Level) *StdLogger {
	return &StdLogger{Out: os.Stderr, Level: level}
}

// Enabled reports whether level is at or above the configured threshold.
func (l *StdLogger) Enabled(level Level) bool {
	return level >= l.Level
}

// Log writes a single formatted line for the entry.
func (l *StdLogger) Log(e Entry) {
	if !l.Enabled(e.Level) {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	line := fmt.Sprintf("%s [%s] %s: %s", e.Timestamp.Format(time.RFC3339Nano), e.Level, e.Logger, e.Message)
	if e.Err != nil {
		line += " err=" + e.Err.Error()
	}
	for k, v := range e.Fields {
		line += fmt.Sprintf(" %s=%v", k, v)
	}
	fmt.Fprintln(l.Out, line)
}
