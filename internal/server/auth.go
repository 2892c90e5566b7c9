// Auth HTTP surface: whoami introspection, plus stub
// account endpoints for the signup/login/accept-invite flows that are
// explicitly left to an external identity provider (Auth0).
// This service only needs to turn a JWT into a Principal, never to issue one.
package server

import (
	"net/http"

	"github.com/rakunlabs/ada"

	"github.com/rakunlabs/gatekit/internal/auth"
)

func (s *Server) registerAuthRoutes(g *ada.Mux) {
	authGroup := g.Group("/auth")
	authGroup.GET("/whoami", s.WhoAmI)
	authGroup.POST("/signup", s.notImplemented)
	authGroup.POST("/login", s.notImplemented)
	authGroup.POST("/accept-invite", s.notImplemented)
}

// WhoAmI handles GET /api/v1/auth/whoami: it returns the resolved
// Principal's public fields for either credential kind.
func (s *Server) WhoAmI(w http.ResponseWriter, r *http.Request) {
	ctx, p, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	body := map[string]any{
		"authType":    p.Kind,
		"permissions": p.Scopes,
		"rateLimit": map[string]any{
			"limit": s.rateDef.Max,
			"ttl":   s.rateDef.Window.String(),
		},
	}

	switch p.Kind {
	case auth.KindAPIKey:
		body["apiKey"] = map[string]any{"id": p.KeyID, "name": p.KeyName}
		if project, err := s.store.GetProject(ctx, p.ProjectID); err == nil && project != nil {
			body["project"] = map[string]any{
				"id":          project.ID,
				"slug":        project.Slug,
				"name":        project.Name,
				"environment": project.Environment,
			}
		}
	case auth.KindJWT:
		body["user"] = map[string]any{"id": p.UserID, "email": p.Email}
	}

	httpResponseJSON(w, body, http.StatusOK)
}

// notImplemented answers the account-management endpoints GateKit
// delegates entirely to the configured identity provider.
func (s *Server) notImplemented(w http.ResponseWriter, r *http.Request) {
	httpResponse(w, "account management is delegated to the configured identity provider", http.StatusNotImplemented)
}
