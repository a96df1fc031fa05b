package assistant

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// LogLevel controls SDK logging verbosity.
type LogLevel int

const (
	// LevelDebug logs request/stream internals, including per-event traces.
	LevelDebug LogLevel = iota
	// LevelInfo logs request and stream completions.
	LevelInfo
	// LevelWarn logs recoverable oddities (dropped frames, retries).
	LevelWarn
	// LevelError logs failures only.
	LevelError
	// LevelOff disables all logging.
	LevelOff
)

// Logger wraps slog for SDK logging. The zero default is off: a library
// embedded in someone else's process stays quiet unless asked.
type Logger struct {
	slog  *slog.Logger
	level LogLevel
}

var defaultLogger = &Logger{level: LevelOff}

// SetLogger sets the package default logger used by clients and controllers
// that were not given one explicitly.
func SetLogger(l *Logger) {
	if l != nil {
		defaultLogger = l
	}
}

// GetLogger returns the current package default logger.
func GetLogger() *Logger {
	return defaultLogger
}

// NewLogger creates a logger writing to w at the given level.
func NewLogger(level LogLevel, w io.Writer) *Logger {
	if w == nil {
		w = os.Stderr
	}

	var slogLevel slog.Level
	switch level {
	case LevelDebug:
		slogLevel = slog.LevelDebug
	case LevelInfo:
		slogLevel = slog.LevelInfo
	case LevelWarn:
		slogLevel = slog.LevelWarn
	case LevelError:
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: slogLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Wall-clock dates are noise in interactive logs.
			if a.Key == slog.TimeKey {
				a.Value = slog.StringValue(a.Value.Time().Format("15:04:05.000"))
			}
			return a
		},
	}

	return &Logger{
		slog:  slog.New(slog.NewTextHandler(w, opts)),
		level: level,
	}
}

// NewLoggerFromEnv creates a logger from the LOG_LEVEL environment variable
// (DEBUG, INFO, WARN, ERROR). Unset or unrecognized values leave logging off.
func NewLoggerFromEnv() *Logger {
	var level LogLevel
	switch strings.ToUpper(os.Getenv("LOG_LEVEL")) {
	case "DEBUG":
		level = LevelDebug
	case "INFO":
		level = LevelInfo
	case "WARN", "WARNING":
		level = LevelWarn
	case "ERROR":
		level = LevelError
	default:
		return &Logger{level: LevelOff}
	}
	return NewLogger(level, os.Stderr)
}

// IsEnabled reports whether the logger emits anything at all.
func (l *Logger) IsEnabled() bool {
	return l != nil && l.level != LevelOff && l.slog != nil
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, args ...any) {
	if l.IsEnabled() && l.level <= LevelDebug {
		l.slog.Debug(msg, args...)
	}
}

// Info logs an info message.
func (l *Logger) Info(msg string, args ...any) {
	if l.IsEnabled() && l.level <= LevelInfo {
		l.slog.Info(msg, args...)
	}
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, args ...any) {
	if l.IsEnabled() && l.level <= LevelWarn {
		l.slog.Warn(msg, args...)
	}
}

// Error logs an error message.
func (l *Logger) Error(msg string, args ...any) {
	if l.IsEnabled() && l.level <= LevelError {
		l.slog.Error(msg, args...)
	}
}

// With returns a logger carrying the given attributes on every record.
func (l *Logger) With(args ...any) *Logger {
	if !l.IsEnabled() {
		return l
	}
	return &Logger{
		slog:  l.slog.With(args...),
		level: l.level,
	}
}

// RequestLogger times one HTTP exchange.
type RequestLogger struct {
	logger    *Logger
	method    string
	path      string
	startTime time.Time
}

// StartRequest begins timing an HTTP request.
func (l *Logger) StartRequest(method, path string) *RequestLogger {
	if !l.IsEnabled() {
		return &RequestLogger{logger: l}
	}
	l.Debug("request started", "method", method, "path", path)
	return &RequestLogger{
		logger:    l,
		method:    method,
		path:      path,
		startTime: time.Now(),
	}
}

// Success logs a completed request.
func (r *RequestLogger) Success(statusCode int) {
	if !r.logger.IsEnabled() {
		return
	}
	r.logger.Info("request completed",
		"method", r.method,
		"path", r.path,
		"status", statusCode,
		"duration_ms", time.Since(r.startTime).Milliseconds(),
	)
}

// Error logs a failed request.
func (r *RequestLogger) Error(err error) {
	if !r.logger.IsEnabled() {
		return
	}
	r.logger.Error("request failed",
		"method", r.method,
		"path", r.path,
		"error", err.Error(),
		"duration_ms", time.Since(r.startTime).Milliseconds(),
	)
}

// StreamLogger traces one SSE stream.
type StreamLogger struct {
	logger    *Logger
	startTime time.Time
	events    int
}

// StartStream begins tracing a streaming exchange.
func (l *Logger) StartStream() *StreamLogger {
	return &StreamLogger{logger: l, startTime: time.Now()}
}

// Event traces one decoded event.
func (s *StreamLogger) Event(t EventType) {
	s.events++
	if s.logger.IsEnabled() && s.logger.level <= LevelDebug {
		s.logger.Debug("stream event", "type", string(t), "n", s.events)
	}
}

// End logs the stream outcome.
func (s *StreamLogger) End(err error) {
	if !s.logger.IsEnabled() {
		return
	}
	if err != nil {
		s.logger.Error("stream failed",
			"events", s.events,
			"error", err.Error(),
			"duration_ms", time.Since(s.startTime).Milliseconds(),
		)
		return
	}
	s.logger.Info("stream ended",
		"events", s.events,
		"duration_ms", time.Since(s.startTime).Milliseconds(),
	)
}
