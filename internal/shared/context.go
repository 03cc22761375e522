package shared

import "context"

// Actor is the authenticated caller of a request.
type Actor struct {
	ID      string
	TokenID string
}

type (
	actorContextKey struct{}
	actorSlotKey    struct{}
)

// ContextWithActor stores the actor in context and copies it into any slot
// installed upstream by ContextWithActorSlot.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	if slot, ok := ctx.Value(actorSlotKey{}).(*Actor); ok && slot != nil {
		*slot = actor
	}
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ContextWithActorSlot lets outer middleware observe the actor resolved by
// inner middleware once the request has been served.
func ContextWithActorSlot(ctx context.Context, slot *Actor) context.Context {
	return context.WithValue(ctx, actorSlotKey{}, slot)
}

// ActorFromContext extracts the actor from context.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(Actor)
	if !ok || actor.ID == "" {
		return Actor{}, false
	}
	return actor, true
}
