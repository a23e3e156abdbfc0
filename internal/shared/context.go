package shared

import "context"

// Actor identifies who performs a payroll operation and for which company.
type Actor struct {
	UserID    int64
	CompanyID int64
}

// Valid reports whether the actor carries both identifiers.
func (a Actor) Valid() bool {
	return a.UserID > 0 && a.CompanyID > 0
}

type actorContextKey struct{}

// ContextWithActor stores the resolved actor in context. Only the HTTP layer uses
// this; services receive the actor as an explicit argument.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the actor from context.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(Actor)
	return actor, ok
}
