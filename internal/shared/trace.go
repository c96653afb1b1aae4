package shared

import (
	"context"

	"github.com/google/uuid"
)

// GlobalWorkspace is the wildcard workspace id used for default policy rows.
const GlobalWorkspace = "*"

// ctxKey identifies one request-scoped id carried on a context.
type ctxKey int

const (
	keyTrace ctxKey = iota
	keyWorkspace
	keySession
	keyObjective
)

func withID(ctx context.Context, k ctxKey, id string) context.Context {
	return context.WithValue(ctx, k, id)
}

func idFrom(ctx context.Context, k ctxKey) string {
	v, _ := ctx.Value(k).(string)
	return v
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return withID(ctx, keyTrace, traceID)
}

// TraceID returns the context's trace_id, or "-" when there is none.
func TraceID(ctx context.Context) string {
	if v := idFrom(ctx, keyTrace); v != "" {
		return v
	}
	return "-"
}

func NewTraceID() string { return uuid.NewString() }

// EnsureTraceID returns ctx unchanged when it already carries a trace_id,
// otherwise a child context with a fresh one.
func EnsureTraceID(ctx context.Context) context.Context {
	if idFrom(ctx, keyTrace) != "" {
		return ctx
	}
	return WithTraceID(ctx, NewTraceID())
}

func WithWorkspaceID(ctx context.Context, id string) context.Context {
	return withID(ctx, keyWorkspace, id)
}

func WithSessionID(ctx context.Context, id string) context.Context {
	return withID(ctx, keySession, id)
}

func WithObjectiveID(ctx context.Context, id string) context.Context {
	return withID(ctx, keyObjective, id)
}

// WorkspaceID, SessionID and ObjectiveID return "" when unset.
func WorkspaceID(ctx context.Context) string { return idFrom(ctx, keyWorkspace) }
func SessionID(ctx context.Context) string   { return idFrom(ctx, keySession) }
func ObjectiveID(ctx context.Context) string { return idFrom(ctx, keyObjective) }
