package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type sessionIDKey struct{}
type callerKey struct{}
type skillKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithSessionID attaches the agent session id to the context.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, sessionID)
}

// SessionID extracts session_id from context. Returns "" if absent.
func SessionID(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey{}).(string); ok {
		return v
	}
	return ""
}

// NewSessionID generates a new session id.
func NewSessionID() string {
	return uuid.NewString()
}

// WithCallerIdentity attaches the identity of the end user on whose behalf
// tools run. Scripts of skills gated by requires_app refuse to run without it.
func WithCallerIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, callerKey{}, identity)
}

// CallerIdentity extracts the caller identity. Returns "" if absent.
func CallerIdentity(ctx context.Context) string {
	if v, ok := ctx.Value(callerKey{}).(string); ok {
		return v
	}
	return ""
}

// WithSkill records the skill currently executing.
func WithSkill(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, skillKey{}, name)
}

// Skill extracts the skill name. Returns "" if absent.
func Skill(ctx context.Context) string {
	if v, ok := ctx.Value(skillKey{}).(string); ok {
		return v
	}
	return ""
}
