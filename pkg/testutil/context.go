package testutil

import (
	"net/http"

	id "careleave/pkg/domain"
	"careleave/pkg/requestcontext"
)

// WithActor attaches an actor and role to the request context the way the
// auth middleware does. An invalid actor leaves the request anonymous.
func WithActor(req *http.Request, actor, role string) *http.Request {
	parsed, err := id.ParseActorID(actor)
	if err != nil {
		return req
	}
	return req.WithContext(requestcontext.WithActor(req.Context(), parsed, role))
}
