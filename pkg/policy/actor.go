package policy

import "context"

type actorKey struct{}

// SystemActor is the fallback actor when none is present in the context.
const SystemActor = "system"

// WithActor returns a context carrying the acting principal's id.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the ambient actor, or SystemActor when unset.
func ActorFromContext(ctx context.Context) string {
	if actor, ok := ctx.Value(actorKey{}).(string); ok && actor != "" {
		return actor
	}
	return SystemActor
}
