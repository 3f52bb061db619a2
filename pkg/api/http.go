// Package api assembles the versioned HTTP surface. Authentication, role
// scoping and rate limiting happen in the middleware wrapped around this
// handler; the routes here assume X-Role-Name is already trustworthy.
package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"relaydesk/pkg/api/handlers"
)

// Handler wires the service singletons into the /v1 route tree.
func Handler(d handlers.Deps) http.Handler {
	handlers.SetDeps(d)

	r := mux.NewRouter()
	v1 := r.PathPrefix("/v1").Subrouter()
	handlers.RegisterInbound(v1)
	handlers.RegisterThreads(v1)
	handlers.RegisterMessages(v1)
	handlers.RegisterBlocks(v1)
	handlers.RegisterAdmin(v1)
	return r
}
