// Identity HTTP surface: cross-platform identity
// CRUD and alias management.
package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/rakunlabs/ada"
	"github.com/rakunlabs/gatekit/internal/apperr"
	"github.com/rakunlabs/gatekit/internal/auth"
	"github.com/rakunlabs/gatekit/internal/service"
)

func (s *Server) registerIdentityRoutes(g *ada.Mux) {
	ig := g.Group("/projects/{project}/identities")
	ig.GET("", s.ListIdentities)
	ig.POST("", s.CreateIdentity)
	ig.GET("/{id}", s.GetIdentity)
	ig.PUT("/{id}", s.UpdateIdentity)
	ig.DELETE("/{id}", s.DeleteIdentity)

	ig.GET("/{id}/aliases", s.ListAliases)
	ig.POST("/{id}/aliases", s.CreateAlias)
	ig.DELETE("/{id}/aliases/{aliasId}", s.RemoveAlias)
}

type identityRequest struct {
	DisplayName string         `json:"displayName,omitempty"`
	Email       string         `json:"email,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// ListIdentities handles GET /api/v1/projects/{project}/identities.
func (s *Server) ListIdentities(w http.ResponseWriter, r *http.Request) {
	ctx, p, ok := s.authenticate(w, r, service.ScopeIdentitiesRead)
	if !ok {
		return
	}
	project, ok := s.loadProjectByParam(ctx, w, r, p, false)
	if !ok {
		return
	}
	identities, err := s.store.ListIdentities(ctx, project.ID, queryInt(r, "limit", 50), queryInt(r, "offset", 0))
	if err != nil {
		writeErr(w, apperr.Internal(err))
		return
	}
	httpResponseJSON(w, identities, http.StatusOK)
}

// CreateIdentity handles POST /api/v1/projects/{project}/identities.
func (s *Server) CreateIdentity(w http.ResponseWriter, r *http.Request) {
	ctx, p, ok := s.authenticate(w, r, service.ScopeIdentitiesWrite)
	if !ok {
		return
	}
	project, ok := s.loadProjectByParam(ctx, w, r, p, true)
	if !ok {
		return
	}

	var req identityRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	created, err := s.store.CreateIdentity(ctx, service.Identity{
		ProjectID:   project.ID,
		DisplayName: req.DisplayName,
		Email:       req.Email,
		Metadata:    req.Metadata,
	})
	if err != nil {
		writeErr(w, apperr.Internal(err))
		return
	}
	httpResponseJSON(w, created, http.StatusCreated)
}

// GetIdentity handles GET /api/v1/projects/{project}/identities/{id}.
func (s *Server) GetIdentity(w http.ResponseWriter, r *http.Request) {
	ctx, p, ok := s.authenticate(w, r, service.ScopeIdentitiesRead)
	if !ok {
		return
	}
	_, identity, ok := s.loadIdentity(ctx, w, r, p, false)
	if !ok {
		return
	}
	httpResponseJSON(w, identity, http.StatusOK)
}

// UpdateIdentity handles PUT /api/v1/projects/{project}/identities/{id}.
func (s *Server) UpdateIdentity(w http.ResponseWriter, r *http.Request) {
	ctx, p, ok := s.authenticate(w, r, service.ScopeIdentitiesWrite)
	if !ok {
		return
	}
	_, identity, ok := s.loadIdentity(ctx, w, r, p, true)
	if !ok {
		return
	}

	var req identityRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	next := *identity
	if req.DisplayName != "" {
		next.DisplayName = req.DisplayName
	}
	if req.Email != "" {
		next.Email = req.Email
	}
	if req.Metadata != nil {
		next.Metadata = req.Metadata
	}

	updated, err := s.store.UpdateIdentity(ctx, identity.ID, next)
	if err != nil {
		writeErr(w, apperr.Internal(err))
		return
	}
	httpResponseJSON(w, updated, http.StatusOK)
}

// DeleteIdentity handles DELETE
// /api/v1/projects/{project}/identities/{id}, cascading its aliases.
func (s *Server) DeleteIdentity(w http.ResponseWriter, r *http.Request) {
	ctx, p, ok := s.authenticate(w, r, service.ScopeIdentitiesWrite)
	if !ok {
		return
	}
	_, identity, ok := s.loadIdentity(ctx, w, r, p, true)
	if !ok {
		return
	}
	if err := s.store.DeleteIdentity(ctx, identity.ID); err != nil {
		writeErr(w, apperr.Internal(err))
		return
	}
	httpResponse(w, "deleted", http.StatusOK)
}

// ListAliases handles GET
// /api/v1/projects/{project}/identities/{id}/aliases.
func (s *Server) ListAliases(w http.ResponseWriter, r *http.Request) {
	ctx, p, ok := s.authenticate(w, r, service.ScopeIdentitiesRead)
	if !ok {
		return
	}
	_, identity, ok := s.loadIdentity(ctx, w, r, p, false)
	if !ok {
		return
	}
	aliases, err := s.store.ListAliases(ctx, identity.ID)
	if err != nil {
		writeErr(w, apperr.Internal(err))
		return
	}
	httpResponseJSON(w, aliases, http.StatusOK)
}

type aliasRequest struct {
	PlatformConfigID    string `json:"platformConfigId"`
	Platform            string `json:"platform"`
	ProviderUserID      string `json:"providerUserId"`
	ProviderUserDisplay string `json:"providerUserDisplay,omitempty"`
}

// CreateAlias handles POST
// /api/v1/projects/{project}/identities/{id}/aliases. A duplicate
// (platformConfigId, providerUserId) tuple reports Conflict.
func (s *Server) CreateAlias(w http.ResponseWriter, r *http.Request) {
	ctx, p, ok := s.authenticate(w, r, service.ScopeIdentitiesWrite)
	if !ok {
		return
	}
	_, identity, ok := s.loadIdentity(ctx, w, r, p, true)
	if !ok {
		return
	}

	var req aliasRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.PlatformConfigID == "" || req.ProviderUserID == "" {
		writeErr(w, apperr.Validation("providerUserId", "platformConfigId and providerUserId are required"))
		return
	}

	created, err := s.store.CreateAlias(ctx, service.IdentityAlias{
		IdentityID:          identity.ID,
		PlatformConfigID:    req.PlatformConfigID,
		Platform:            req.Platform,
		ProviderUserID:      req.ProviderUserID,
		ProviderUserDisplay: req.ProviderUserDisplay,
		LinkMethod:          service.LinkManual,
	})
	if err != nil {
		if errors.Is(err, service.ErrDuplicateKey) {
			writeErr(w, apperr.Conflict("alias already linked to another identity"))
			return
		}
		writeErr(w, apperr.Internal(err))
		return
	}
	httpResponseJSON(w, created, http.StatusCreated)
}

// loadIdentity resolves {project}/{id}, guarding project access and
// verifying the identity belongs to that project.
func (s *Server) loadIdentity(ctx context.Context, w http.ResponseWriter, r *http.Request, p *auth.Principal, write bool) (*service.Project, *service.Identity, bool) {
	project, ok := s.loadProjectByParam(ctx, w, r, p, write)
	if !ok {
		return nil, nil, false
	}
	identity, err := s.store.GetIdentity(ctx, r.PathValue("id"))
	if err != nil {
		writeErr(w, apperr.Internal(err))
		return nil, nil, false
	}
	if identity == nil || identity.ProjectID != project.ID {
		writeErr(w, apperr.NotFound("identity not found"))
		return nil, nil, false
	}
	return project, identity, true
}

// RemoveAlias handles DELETE
// /api/v1/projects/{project}/identities/{id}/aliases/{aliasId}.
func (s *Server) RemoveAlias(w http.ResponseWriter, r *http.Request) {
	ctx, p, ok := s.authenticate(w, r, service.ScopeIdentitiesWrite)
	if !ok {
		return
	}
	if _, _, ok := s.loadIdentity(ctx, w, r, p, true); !ok {
		return
	}
	if err := s.store.RemoveAlias(ctx, r.PathValue("aliasId")); err != nil {
		writeErr(w, apperr.Internal(err))
		return
	}
	httpResponse(w, "removed", http.StatusOK)
}
