// Package logging provides a thin structured-logging wrapper shared by every
// component of the broker, backed by log/slog.
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

var (
	mu  sync.RWMutex
	log = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
)

// SetLogger replaces the package-level logger. Used by cmd/brokerd to switch
// between human-readable and JSON output based on the runtime environment.
func SetLogger(l *slog.Logger) {
	mu.Lock()
	defer mu.Unlock()
	log = l
}

func current() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}

// Debugf logs a debug-level message.
func Debugf(format string, args ...any) {
	current().Debug(sprintf(format, args...))
}

// Infof logs an info-level message.
func Infof(format string, args ...any) {
	current().Info(sprintf(format, args...))
}

// Warnf logs a warn-level message.
func Warnf(format string, args ...any) {
	current().Warn(sprintf(format, args...))
}

// Errorf logs an error-level message.
func Errorf(format string, args ...any) {
	current().Error(sprintf(format, args...))
}

// InfoContext logs an info-level message carrying trace/span attributes from ctx.
func InfoContext(ctx context.Context, format string, args ...any) {
	current().InfoContext(ctx, sprintf(format, args...))
}

// ErrorContext logs an error-level message carrying trace/span attributes from ctx.
func ErrorContext(ctx context.Context, format string, args ...any) {
	current().ErrorContext(ctx, sprintf(format, args...))
}

func sprintf(format string, args ...any) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}
