// API key CRUD and roll surface.
package server

import (
	"errors"
	"net/http"

	"github.com/rakunlabs/ada"
	"github.com/rakunlabs/gatekit/internal/apikeys"
	"github.com/rakunlabs/gatekit/internal/apperr"
	"github.com/rakunlabs/gatekit/internal/service"
)

func (s *Server) registerKeyRoutes(g *ada.Mux) {
	kg := g.Group("/projects/{project}/keys")
	kg.GET("", s.ListKeys)
	kg.POST("", s.CreateKey)
	kg.DELETE("/{keyId}", s.RevokeKey)
	kg.POST("/{keyId}/roll", s.RollKey)
}

type createKeyRequest struct {
	Name          string         `json:"name"`
	Scopes        []service.Scope `json:"scopes"`
	ExpiresInDays int            `json:"expiresInDays,omitempty"`
}

// ListKeys handles GET /api/v1/projects/{project}/keys.
func (s *Server) ListKeys(w http.ResponseWriter, r *http.Request) {
	ctx, p, ok := s.authenticate(w, r, service.ScopeKeysRead)
	if !ok {
		return
	}
	project, ok := s.loadProjectByParam(ctx, w, r, p, false)
	if !ok {
		return
	}

	keys, err := apikeys.New(s.store).List(ctx, project.ID)
	if err != nil {
		writeErr(w, apperr.Internal(err))
		return
	}
	httpResponseJSON(w, keys, http.StatusOK)
}

// CreateKey handles POST /api/v1/projects/{project}/keys. The plaintext
// key is returned exactly once, in this response.
func (s *Server) CreateKey(w http.ResponseWriter, r *http.Request) {
	ctx, p, ok := s.authenticate(w, r, service.ScopeKeysManage)
	if !ok {
		return
	}
	project, ok := s.loadProjectByParam(ctx, w, r, p, true)
	if !ok {
		return
	}

	var req createKeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeErr(w, apperr.Validation("name", "name is required"))
		return
	}

	createdBy := p.UserID
	if createdBy == "" {
		createdBy = p.KeyID
	}

	created, err := apikeys.New(s.store).Create(ctx, project.ID, string(project.Environment), req.Name, req.Scopes, req.ExpiresInDays, createdBy)
	if err != nil {
		writeErr(w, err)
		return
	}
	httpResponseJSON(w, createdKeyResponse(created), http.StatusCreated)
}

// createdKeyResponse is the only response shape that ever carries a key's
// plaintext.
func createdKeyResponse(c *apikeys.Created) map[string]any {
	return map[string]any{
		"id":        c.Key.ID,
		"key":       c.Plain,
		"name":      c.Key.Name,
		"prefix":    c.Key.KeyPrefix,
		"suffix":    c.Key.KeySuffix,
		"scopes":    c.Key.Scopes,
		"expiresAt": c.Key.ExpiresAt,
		"createdAt": c.Key.CreatedAt,
	}
}

// RevokeKey handles DELETE /api/v1/projects/{project}/keys/{keyId}.
func (s *Server) RevokeKey(w http.ResponseWriter, r *http.Request) {
	ctx, p, ok := s.authenticate(w, r, service.ScopeKeysManage)
	if !ok {
		return
	}
	if _, ok := s.loadProjectByParam(ctx, w, r, p, true); !ok {
		return
	}
	if err := apikeys.New(s.store).Revoke(ctx, r.PathValue("keyId")); err != nil {
		if errors.Is(err, service.ErrNotFound) {
			writeErr(w, apperr.NotFound("api key not found"))
			return
		}
		writeErr(w, err)
		return
	}
	httpResponse(w, "revoked", http.StatusOK)
}

// RollKey handles POST /api/v1/projects/{project}/keys/{keyId}/roll: it
// starts the dual-live window and returns the new plaintext key.
func (s *Server) RollKey(w http.ResponseWriter, r *http.Request) {
	ctx, p, ok := s.authenticate(w, r, service.ScopeKeysManage)
	if !ok {
		return
	}
	project, ok := s.loadProjectByParam(ctx, w, r, p, true)
	if !ok {
		return
	}

	rolled, err := apikeys.New(s.store).Roll(ctx, r.PathValue("keyId"), string(project.Environment))
	if err != nil {
		writeErr(w, err)
		return
	}
	httpResponseJSON(w, createdKeyResponse(rolled), http.StatusOK)
}
