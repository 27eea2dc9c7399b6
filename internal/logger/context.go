package logger

import (
	"context"
	"log/slog"
)

type contextKey int

const (
	decisionIDKey contextKey = iota
	leaseIDKey
	agentIDKey
)

// WithDecisionID returns a context carrying the decision ID for log records.
func WithDecisionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, decisionIDKey, id)
}

// WithLeaseID returns a context carrying the lease ID for log records.
func WithLeaseID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, leaseIDKey, id)
}

// WithAgentID returns a context carrying the agent ID for log records.
func WithAgentID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, agentIDKey, id)
}

// DecisionID extracts the decision ID from the context, or "".
func DecisionID(ctx context.Context) string {
	id, _ := ctx.Value(decisionIDKey).(string)
	return id
}

// LeaseID extracts the lease ID from the context, or "".
func LeaseID(ctx context.Context) string {
	id, _ := ctx.Value(leaseIDKey).(string)
	return id
}

// AgentID extracts the agent ID from the context, or "".
func AgentID(ctx context.Context) string {
	id, _ := ctx.Value(agentIDKey).(string)
	return id
}

// ContextHandler adds the IDs stored in the record's context as attributes.
type ContextHandler struct {
	inner slog.Handler
}

// NewContextHandler wraps inner.
func NewContextHandler(inner slog.Handler) *ContextHandler {
	return &ContextHandler{inner: inner}
}

func (h *ContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *ContextHandler) Handle(ctx context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	if id := AgentID(ctx); id != "" {
		rec.AddAttrs(slog.String("agent_id", id))
	}
	if id := DecisionID(ctx); id != "" {
		rec.AddAttrs(slog.String("decision_id", id))
	}
	if id := LeaseID(ctx); id != "" {
		rec.AddAttrs(slog.String("lease_id", id))
	}
	return h.inner.Handle(ctx, rec)
}

func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{inner: h.inner.WithGroup(name)}
}
