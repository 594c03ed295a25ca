package logging

import (
	"context"
	"log/slog"
)

// Logger wraps slog for structured audit records of bus calls.
type Logger struct {
	*slog.Logger
}

// New wraps base. A nil base uses the default logger.
func New(base *slog.Logger) *Logger {
	if base == nil {
		base = slog.Default()
	}
	return &Logger{Logger: base}
}

// Caller identifies the peer that issued a call.
type Caller struct {
	Sender  string
	UID     uint32
	PID     uint32
	Process string
}

// LogMethod logs a D-Bus method call with its result. Failed calls are
// logged at error level.
func (l *Logger) LogMethod(ctx context.Context, requestID, method string, caller Caller, args map[string]any, result string, err error) {
	attrs := []slog.Attr{
		slog.String("request_id", requestID),
		slog.String("method", method),
		slog.String("sender", caller.Sender),
		slog.String("result", result),
	}
	if caller.PID != 0 {
		attrs = append(attrs, slog.Any("pid", caller.PID), slog.Any("uid", caller.UID))
	}
	if caller.Process != "" {
		attrs = append(attrs, slog.String("process", caller.Process))
	}
	for k, v := range args {
		attrs = append(attrs, slog.Any(k, v))
	}

	level := slog.LevelInfo
	if err != nil {
		level = slog.LevelError
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	l.LogAttrs(ctx, level, "dbus_call", attrs...)
}

// LogWriteReason logs a WriteDeadendReason call.
func (l *Logger) LogWriteReason(ctx context.Context, requestID string, caller Caller, reason, path string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	l.LogMethod(ctx, requestID, "WriteDeadendReason", caller, map[string]any{
		"reason": reason,
		"path":   path,
	}, result, err)
}
