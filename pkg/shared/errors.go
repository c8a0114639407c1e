package shared

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go/aws/awserr"
)

// Error classes shared by the control plane, the shim and the debugger client.
// Callers wrap these with fmt.Errorf("...: %w") and test with errors.Is.
var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrNotFound         = errors.New("not found")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrUpstreamFailure  = errors.New("upstream failure")
	ErrBridgeTimeout    = errors.New("bridge timeout")
	ErrExecutionFailure = errors.New("execution failure")
	ErrInvalidState     = errors.New("invalid state")
	ErrConditionFailed  = errors.New("condition failed")
)

// HTTPStatus maps an error class to the status code returned by the gateway handlers.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrConditionFailed):
		return http.StatusConflict
	case errors.Is(err, ErrUpstreamFailure):
		return http.StatusBadGateway
	case errors.Is(err, ErrBridgeTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// AWSErrorCode returns the awserr code carried by err, or "".
func AWSErrorCode(err error) string {
	var awsErr awserr.Error
	if errors.As(err, &awsErr) {
		return awsErr.Code()
	}
	return ""
}

// LogError logs an error with consistent formatting and emoji prefix
func LogError(operation string, err error) {
	msg := fmt.Sprintf("❌ %s: %v", operation, err)
	GetLogger().Error(msg,
		slog.String("operation", operation),
		slog.String("error", err.Error()),
		slog.Time("timestamp", time.Now()),
	)
}

func emit(level slog.Level, prefix, format string, args ...interface{}) {
	text := fmt.Sprintf(format, args...)
	l := GetLogger()
	switch level {
	case slog.LevelError:
		l.Error(prefix+" "+text, slog.String("formatted_message", text))
	case slog.LevelWarn:
		l.Warn(prefix+" "+text, slog.String("formatted_message", text))
	case slog.LevelDebug:
		l.Debug(prefix+" "+text, slog.String("formatted_message", text))
	default:
		l.Info(prefix+" "+text, slog.String("formatted_message", text))
	}
}

// LogErrorf logs a formatted error message with emoji prefix
func LogErrorf(format string, args ...interface{}) { emit(slog.LevelError, "❌", format, args...) }

// LogWarnf logs a formatted warning with emoji prefix
func LogWarnf(format string, args ...interface{}) { emit(slog.LevelWarn, "⚠️", format, args...) }

// LogDebugf logs a formatted debug message
func LogDebugf(format string, args ...interface{}) { emit(slog.LevelDebug, "🔍", format, args...) }

// LogSuccessf logs a formatted success message with emoji prefix
func LogSuccessf(format string, args ...interface{}) { emit(slog.LevelInfo, "✅", format, args...) }

// LogInfof logs a formatted informational message with emoji prefix
func LogInfof(format string, args ...interface{}) { emit(slog.LevelInfo, "ℹ️", format, args...) }

// LogProgressf logs a formatted progress message with emoji prefix
func LogProgressf(format string, args ...interface{}) { emit(slog.LevelInfo, "🔄", format, args...) }

// LogTargetf logs a formatted target message with emoji prefix
func LogTargetf(format string, args ...interface{}) { emit(slog.LevelInfo, "🎯", format, args...) }

// LogNetworkf logs a formatted network message with emoji prefix
func LogNetworkf(format string, args ...interface{}) { emit(slog.LevelInfo, "🌐", format, args...) }

// LogConnectionf logs a formatted connection message with emoji prefix
func LogConnectionf(format string, args ...interface{}) { emit(slog.LevelInfo, "🔗", format, args...) }

// LogStoragef logs a formatted storage message with emoji prefix
func LogStoragef(format string, args ...interface{}) { emit(slog.LevelInfo, "📂", format, args...) }

// LogClosef logs a formatted closure message with emoji prefix
func LogClosef(format string, args ...interface{}) { emit(slog.LevelInfo, "🔚", format, args...) }

// Upstream tags err as an upstream failure while keeping it unwrappable.
func Upstream(operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, ErrUpstreamFailure, err)
}
