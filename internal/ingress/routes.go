package ingress

import (
	"net/http"

	"github.com/oriys/aurora/internal/auth"
)

// Router builds the ingress HTTP surface using Go 1.22+ ServeMux pattern
// matching. Submit requires at least the SERVICE role and the status and
// stream reads at least READONLY, checked by internal/auth's RequireRole
// against the identity that internal/auth's Middleware, mounted by the
// caller, puts on the request context. The webhook routes carry no role
// check; they verify a signature instead.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /tasks", auth.RequireRole(auth.RoleService, s.Submit))
	mux.HandleFunc("GET /tasks/{id}", auth.RequireRole(auth.RoleReadonly, func(w http.ResponseWriter, r *http.Request) {
		s.Status(w, r, r.PathValue("id"))
	}))
	mux.HandleFunc("GET /tasks/{id}/stream", auth.RequireRole(auth.RoleReadonly, func(w http.ResponseWriter, r *http.Request) {
		s.Stream(w, r, r.PathValue("id"))
	}))
	mux.HandleFunc("POST /webhooks/github", s.WebhookGitHub)
	mux.HandleFunc("POST /webhooks/generic", s.WebhookGeneric)

	return mux
}
