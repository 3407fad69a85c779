// Package logger provides contextual-fields structured logging used
// throughout the gateway: every call names the emitting component and
// carries a map of extra fields, rather than formatting them into the
// message string.
package logger

import (
	"context"
	"log/slog"
	"os"
	"sync"
)

var (
	mu      sync.RWMutex
	handler slog.Handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	base                 = slog.New(handler)
)

// SetLevel adjusts the minimum level logged. Accepts "debug", "info",
// "warn", "error"; anything else defaults to info.
func SetLevel(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	mu.Lock()
	defer mu.Unlock()
	handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	base = slog.New(handler)
}

// SetJSON switches the sink to JSON-lines output, useful when logs are
// shipped to a collector instead of a terminal.
func SetJSON(json bool) {
	mu.Lock()
	defer mu.Unlock()
	if json {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	}
	base = slog.New(handler)
}

func logger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

func attrs(fields map[string]interface{}) []any {
	out := make([]any, 0, len(fields)*2+2)
	for k, v := range fields {
		out = append(out, k, v)
	}
	return out
}

// DebugCF logs a debug-level message tagged with its owning component.
func DebugCF(component, msg string, fields map[string]interface{}) {
	args := append([]any{"component", component}, attrs(fields)...)
	logger().Log(context.Background(), slog.LevelDebug, msg, args...)
}

// InfoCF logs an info-level message tagged with its owning component.
func InfoCF(component, msg string, fields map[string]interface{}) {
	args := append([]any{"component", component}, attrs(fields)...)
	logger().Log(context.Background(), slog.LevelInfo, msg, args...)
}

// WarnCF logs a warning tagged with its owning component.
func WarnCF(component, msg string, fields map[string]interface{}) {
	args := append([]any{"component", component}, attrs(fields)...)
	logger().Log(context.Background(), slog.LevelWarn, msg, args...)
}

// ErrorCF logs an error tagged with its owning component.
func ErrorCF(component, msg string, fields map[string]interface{}) {
	args := append([]any{"component", component}, attrs(fields)...)
	logger().Log(context.Background(), slog.LevelError, msg, args...)
}
