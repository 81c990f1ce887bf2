package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	defaultLogger *slog.Logger
	once          sync.Once
)

// Init initializes the global logger based on environment variables.
// DEBUG=true enables debug level logging (which includes relay byte traces),
// LOG_FORMAT=json switches from text to JSON output.
func Init() {
	once.Do(func() {
		defaultLogger = newLogger(os.Stdout, os.Getenv("DEBUG") == "true", os.Getenv("LOG_FORMAT"))
		slog.SetDefault(defaultLogger)
	})
}

func newLogger(w io.Writer, debug bool, format string) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{
		Level: level,
		// Add source file information if in debug mode
		AddSource: debug,
	}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

func get() *slog.Logger {
	if defaultLogger == nil {
		Init()
	}
	return defaultLogger
}

// Enabled reports whether debug output would be emitted. Used to skip
// building expensive trace arguments on hot relay paths.
func Enabled(level slog.Level) bool {
	return get().Enabled(context.Background(), level)
}

// Debug logs at Debug level.
func Debug(msg string, args ...any) {
	get().Debug(msg, args...)
}

// Info logs at Info level.
func Info(msg string, args ...any) {
	get().Info(msg, args...)
}

// Warn logs at Warn level.
func Warn(msg string, args ...any) {
	get().Warn(msg, args...)
}

// Error logs at Error level.
func Error(msg string, args ...any) {
	get().Error(msg, args...)
}

// Fatal logs at Error level and then exits.
func Fatal(msg string, args ...any) {
	get().Error(msg, args...)
	os.Exit(1)
}

// Component returns a logger tagged with the emitting subsystem.
func Component(name string) *slog.Logger {
	return get().With("component", name)
}
