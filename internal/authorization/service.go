package authorization

import "context"

// Service decides whether an actor holding role may perform action on object.
// Actors are "system" or "user:<subject>".
type Service interface {
	Authorize(ctx context.Context, actor string, role string, object string, action string) error
}
