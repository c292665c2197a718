// Package shared holds request-scoped context values, id generation and
// secret redaction used across the bridge.
package shared

import (
	"context"
	"encoding/hex"

	"github.com/google/uuid"
)

// requestScope is what the router knows about the request being handled.
// It is stored by value so derived contexts never alias each other.
type requestScope struct {
	traceID   string
	command   string
	contextID string
}

type scopeKey struct{}

func scope(ctx context.Context) requestScope {
	s, _ := ctx.Value(scopeKey{}).(requestScope)
	return s
}

func withScope(ctx context.Context, edit func(*requestScope)) context.Context {
	s := scope(ctx)
	edit(&s)
	return context.WithValue(ctx, scopeKey{}, s)
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return withScope(ctx, func(s *requestScope) { s.traceID = traceID })
}

// TraceID returns "-" when no trace id is set, matching the log schema.
func TraceID(ctx context.Context) string {
	if id := scope(ctx).traceID; id != "" {
		return id
	}
	return "-"
}

// NewTraceID returns a fresh id in canonical uuid form.
func NewTraceID() string {
	return uuid.NewString()
}

// WithContextID records the execution context a request targets.
func WithContextID(ctx context.Context, contextID string) context.Context {
	return withScope(ctx, func(s *requestScope) { s.contextID = contextID })
}

func ContextID(ctx context.Context) string { return scope(ctx).contextID }

// WithCommand records the wire command being handled.
func WithCommand(ctx context.Context, cmd string) context.Context {
	return withScope(ctx, func(s *requestScope) { s.command = cmd })
}

func Command(ctx context.Context) string { return scope(ctx).command }

// CompactID returns a random uuid as 32 lowercase hex characters. Context and
// instance ids use this form.
func CompactID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}
