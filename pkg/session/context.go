package session

import (
	"context"
)

// sessionKey is the context key under which Runtime.Execute exposes the
// loaded session to actions and event sinks.
type sessionKey struct{}

// SessionFromContext returns the session Execute is operating on.
func SessionFromContext(ctx context.Context) (AgentSession, bool) {
	s, ok := ctx.Value(sessionKey{}).(AgentSession)
	return s, ok
}

// ContextWithSession attaches s to ctx.
func ContextWithSession(ctx context.Context, s AgentSession) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}
