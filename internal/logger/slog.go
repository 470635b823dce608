package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

var (
	slogger *slog.Logger
	logFile *os.File
)

// InitSlog initializes the slog-based logger
// If jsonOutput is true, logs are formatted as JSON for production
func InitSlog(logDir string, jsonOutput bool) error {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}

	logFileName := "threadcast-" + time.Now().Format("2006-01-02") + ".log"
	logFilePath := filepath.Join(logDir, logFileName)

	var err error
	logFile, err = os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}

	// Write to both stdout and file
	writer := io.MultiWriter(os.Stdout, logFile)

	var handler slog.Handler
	if jsonOutput {
		handler = slog.NewJSONHandler(writer, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	} else {
		handler = slog.NewTextHandler(writer, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}

	slogger = slog.New(handler)
	slog.SetDefault(slogger)

	return nil
}

// CloseSlog closes the slog log file
func CloseSlog() error {
	if logFile != nil {
		return logFile.Close()
	}
	return nil
}

// Slog returns the slog.Logger instance for structured logging
func Slog() *slog.Logger {
	if slogger == nil {
		return slog.Default()
	}
	return slogger
}

// Context keys for structured logging
type contextKey string

const (
	ContextKeyConnectionID contextKey = "connection_id"
	ContextKeyThreadID     contextKey = "thread_id"
	ContextKeyUserID       contextKey = "user_id"
)

// WithContext returns a logger with context fields
func WithContext(ctx context.Context) *slog.Logger {
	logger := Slog()

	if connID := ctx.Value(ContextKeyConnectionID); connID != nil {
		logger = logger.With("connection_id", connID)
	}
	if threadID := ctx.Value(ContextKeyThreadID); threadID != nil {
		logger = logger.With("thread_id", threadID)
	}
	if userID := ctx.Value(ContextKeyUserID); userID != nil {
		logger = logger.With("user_id", userID)
	}

	return logger
}

// InfoContext logs an info message with context
func InfoContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Info(msg, args...)
}

// ErrorContext logs an error with context
func ErrorContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Error(msg, args...)
}

// WarnContext logs a warning with context
func WarnContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Warn(msg, args...)
}
