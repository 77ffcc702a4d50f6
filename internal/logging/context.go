package logging

import (
	"context"

	"go.uber.org/zap"
)

type contextKey int

const (
	sessionIDKey contextKey = iota
	taskIDKey
	groupIDKey
)

// WithSession attaches a session id to the context.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// WithTask attaches a task id to the context.
func WithTask(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey, taskID)
}

// WithGroup attaches a parallel-group id to the context.
func WithGroup(ctx context.Context, groupID string) context.Context {
	return context.WithValue(ctx, groupIDKey, groupID)
}

// SessionID returns the session id carried by the context, or "".
func SessionID(ctx context.Context) string {
	v, _ := ctx.Value(sessionIDKey).(string)
	return v
}

// ContextFields extracts identity fields from the context for logging.
func ContextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	var fields []zap.Field
	if v, ok := ctx.Value(sessionIDKey).(string); ok && v != "" {
		fields = append(fields, zap.String("session_id", v))
	}
	if v, ok := ctx.Value(taskIDKey).(string); ok && v != "" {
		fields = append(fields, zap.String("task_id", v))
	}
	if v, ok := ctx.Value(groupIDKey).(string); ok && v != "" {
		fields = append(fields, zap.String("group_id", v))
	}
	return fields
}
