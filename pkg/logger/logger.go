// Package logger provides structured logging for the faultline pipeline.
// It is also the pipeline's self-reporting channel: internal failures
// (persistence errors, drop notices) are logged here and never re-enter
// the capture pipeline, which prevents infinite reporting loops.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

var (
	globalLogger *Logger
	once         sync.Once
)

// Logger wraps slog.Logger with pipeline-specific helpers.
type Logger struct {
	*slog.Logger
	component string
}

// Config holds logger configuration.
type Config struct {
	Level     string // "debug", "info", "warn", "error"
	Format    string // "json" or "text"
	Output    string // "stdout", "stderr", or file path
	Component string
}

// New creates a new logger instance.
func New(cfg Config) (*Logger, error) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var writer io.Writer
	output := cfg.Output
	if output == "" {
		output = "stdout"
	}

	switch output {
	case "stdout":
		writer = os.Stdout
	case "stderr":
		writer = os.Stderr
	default:
		if err := os.MkdirAll(filepath.Dir(output), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		file, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		writer = file
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(writer, opts)
	} else {
		handler = slog.NewTextHandler(writer, opts)
	}

	logger := slog.New(handler).With(
		"service", "faultline",
		"component", cfg.Component,
	)

	return &Logger{
		Logger:    logger,
		component: cfg.Component,
	}, nil
}

// Initialize sets up the global logger with configuration.
func Initialize(level, format, output string) error {
	var onceErr error
	once.Do(func() {
		if format == "" {
			format = "text"
		}
		if level == "" {
			level = "info"
		}

		var err error
		globalLogger, err = New(Config{
			Level:     level,
			Format:    format,
			Output:    output,
			Component: "pipeline",
		})
		if err != nil {
			onceErr = fmt.Errorf("failed to initialize logger: %w", err)
			return
		}

		globalLogger.Info("logger initialized",
			"level", level,
			"format", format,
		)
	})

	return onceErr
}

// Global returns the global logger instance.
func Global() *Logger {
	if globalLogger == nil {
		logger, _ := New(Config{
			Level:     "info",
			Format:    "text",
			Output:    "stdout",
			Component: "pipeline",
		})
		return logger
	}
	return globalLogger
}

// WithComponent returns a new logger with the component name set.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger:    l.Logger.With("component", component),
		component: component,
	}
}

// WithSession returns a new logger carrying the app-run session id.
func (l *Logger) WithSession(sessionID string) *Logger {
	return &Logger{
		Logger:    l.Logger.With("session_id", sessionID),
		component: l.component,
	}
}

// SelfReport logs a pipeline-internal failure. This is the terminal
// fallback channel: it must never feed back into Submit.
func (l *Logger) SelfReport(msg string, err error, args ...any) {
	all := append([]any{"error", err}, args...)
	l.Error(msg, all...)
}

// Convenience functions using the global logger.

// Info logs an info message.
func Info(msg string, args ...any) {
	Global().Info(msg, args...)
}

// Warn logs a warning message.
func Warn(msg string, args ...any) {
	Global().Warn(msg, args...)
}

// Error logs an error message.
func Error(msg string, args ...any) {
	Global().Error(msg, args...)
}

// Debug logs a debug message.
func Debug(msg string, args ...any) {
	Global().Debug(msg, args...)
}
