package shared

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Version is stamped into every log record and printed by `plldb version`.
var Version = "0.3.0"

var (
	// Global structured logger
	logger *slog.Logger

	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// LogConfig holds configuration for the logger
type LogConfig struct {
	Level       slog.Level
	Format      string // "json" or "text"
	AddSource   bool
	ServiceName string
	Output      io.Writer
}

// DefaultLogConfig returns a default logger configuration
func DefaultLogConfig() *LogConfig {
	return &LogConfig{
		Level:       slog.LevelInfo,
		Format:      "text",
		ServiceName: "plldb",
	}
}

// LambdaLogConfig is used by the binaries that run inside Lambda sandboxes,
// where CloudWatch ingests one JSON record per line.
func LambdaLogConfig(service string) *LogConfig {
	return &LogConfig{
		Level:       ParseLevel(os.Getenv("PLLDB_LOG_LEVEL")),
		Format:      "json",
		AddSource:   true,
		ServiceName: service,
	}
}

// ParseLevel maps a textual level to slog. Unknown values fall back to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// InitLogger initializes the structured logger
func InitLogger(config *LogConfig) {
	if config == nil {
		config = DefaultLogConfig()
	}

	out := config.Output
	if out == nil {
		out = os.Stdout
	}

	opts := &slog.HandlerOptions{
		Level:     config.Level,
		AddSource: config.AddSource,
	}

	var handler slog.Handler
	if config.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	logger = slog.New(handler).With(
		"service", config.ServiceName,
		"version", Version,
	)

	slog.SetDefault(logger)
}

// GetLogger returns the global structured logger
func GetLogger() *slog.Logger {
	if logger == nil {
		InitLogger(nil)
	}
	return logger
}

// LogWithContext logs a message with context and structured fields
func LogWithContext(ctx context.Context, level slog.Level, msg string, attrs ...slog.Attr) {
	GetLogger().LogAttrs(ctx, level, msg, attrs...)
}

// LogDebug logs a debug message with structured fields
func LogDebug(msg string, attrs ...slog.Attr) {
	GetLogger().LogAttrs(context.Background(), slog.LevelDebug, msg, attrs...)
}

// StructuredInfo logs an info message with structured fields
func StructuredInfo(msg string, attrs ...slog.Attr) {
	GetLogger().LogAttrs(context.Background(), slog.LevelInfo, msg, attrs...)
}

// StructuredWarn logs a warning message with structured fields
func StructuredWarn(msg string, attrs ...slog.Attr) {
	GetLogger().LogAttrs(context.Background(), slog.LevelWarn, msg, attrs...)
}

// StructuredError logs an error message with structured fields
func StructuredError(msg string, attrs ...slog.Attr) {
	GetLogger().LogAttrs(context.Background(), slog.LevelError, msg, attrs...)
}

// LogErrorWithDetails logs an error with operation context
func LogErrorWithDetails(operation string, err error, attrs ...slog.Attr) {
	allAttrs := append([]slog.Attr{
		slog.String("operation", operation),
		slog.String("error", err.Error()),
		slog.Time("timestamp", time.Now()),
	}, attrs...)
	StructuredError("Operation failed", allAttrs...)
}

// LogInvocation records one pass through the shim loop.
func LogInvocation(requestID, mode string, elapsed time.Duration, attrs ...slog.Attr) {
	allAttrs := append([]slog.Attr{
		slog.String("request_id", requestID),
		slog.String("mode", mode),
		slog.Duration("elapsed", elapsed),
	}, attrs...)
	StructuredInfo("Invocation completed", allAttrs...)
}

// LogResourceEvent logs a per-function instrumentation outcome
func LogResourceEvent(action, function, outcome string, attrs ...slog.Attr) {
	allAttrs := append([]slog.Attr{
		slog.String("action", action),
		slog.String("function", function),
		slog.String("outcome", outcome),
	}, attrs...)
	StructuredInfo("Resource event", allAttrs...)
}
