package obs

import (
	"context"
	"fmt"
	"log/slog"
)

type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Warn:
		return "WARN"
	case Error:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Logger is a minimal logging interface for observability.
type Logger interface {
	Logf(level Level, format string, args ...interface{})
	// DebugEnabled reports whether Debug output would be emitted. Callers
	// use it to skip work (such as installing diagnostic stages) when
	// nobody is listening.
	DebugEnabled() bool
}

// NopLogger discards all logs.
type NopLogger struct{}

func (NopLogger) Logf(level Level, format string, args ...interface{}) {}
func (NopLogger) DebugEnabled() bool                                   { return false }

// SlogLogger adapts a *slog.Logger.
type SlogLogger struct {
	L *slog.Logger
}

// Default returns a Logger backed by slog.Default().
func Default() Logger {
	return SlogLogger{L: slog.Default()}
}

func (s SlogLogger) Logf(level Level, format string, args ...interface{}) {
	if s.L == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	switch level {
	case Debug:
		s.L.Debug(msg)
	case Info:
		s.L.Info(msg)
	case Warn:
		s.L.Warn(msg)
	default:
		s.L.Error(msg)
	}
}

func (s SlogLogger) DebugEnabled() bool {
	if s.L == nil {
		return false
	}
	return s.L.Enabled(context.Background(), slog.LevelDebug)
}
