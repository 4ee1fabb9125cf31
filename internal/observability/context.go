package observability

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

type contextKey string

const (
	sessionIDKey  contextKey = "session_id"
	userIDKey     contextKey = "user_id"
	groupIDKey    contextKey = "group_id"
	toolCallIDKey contextKey = "tool_call_id"
)

// WithSessionID stores the session ID for log correlation.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// SessionID returns the session ID from the context, or "".
func SessionID(ctx context.Context) string {
	v, _ := ctx.Value(sessionIDKey).(string)
	return v
}

// WithUserID stores the user ID for log correlation.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

// UserID returns the user ID from the context, or "".
func UserID(ctx context.Context) string {
	v, _ := ctx.Value(userIDKey).(string)
	return v
}

// WithGroupID stores the group ID for log correlation.
func WithGroupID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, groupIDKey, id)
}

// GroupID returns the group ID from the context, or "".
func GroupID(ctx context.Context) string {
	v, _ := ctx.Value(groupIDKey).(string)
	return v
}

// WithToolCallID stores the in-flight tool call ID.
func WithToolCallID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, toolCallIDKey, id)
}

// ToolCallID returns the tool call ID from the context, or "".
func ToolCallID(ctx context.Context) string {
	v, _ := ctx.Value(toolCallIDKey).(string)
	return v
}

// NewLogger builds the process-wide slog logger. Format is "json" or "text";
// level is one of debug, info, warn, error.
func NewLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// LoggerFrom annotates a logger with any correlation IDs present on the
// context.
func LoggerFrom(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	if id := SessionID(ctx); id != "" {
		logger = logger.With("session_id", id)
	}
	if id := UserID(ctx); id != "" {
		logger = logger.With("user_id", id)
	}
	if id := GroupID(ctx); id != "" {
		logger = logger.With("group_id", id)
	}
	return logger
}
