// Project CRUD and membership management. Projects are the tenant
// boundary: every other resource group below nests under
// /projects/{project}, where {project} is the project's slug.
package server

import (
	"errors"
	"net/http"

	"github.com/rakunlabs/ada"
	"github.com/rakunlabs/gatekit/internal/apperr"
	"github.com/rakunlabs/gatekit/internal/auth"
	"github.com/rakunlabs/gatekit/internal/service"
)

func (s *Server) registerProjectRoutes(g *ada.Mux) {
	pg := g.Group("/projects")
	pg.GET("", s.ListProjects)
	pg.POST("", s.CreateProject)
	pg.GET("/{project}", s.GetProject)
	pg.PUT("/{project}", s.UpdateProject)
	pg.DELETE("/{project}", s.DeleteProject)

	pg.GET("/{project}/members", s.ListMembers)
	pg.PUT("/{project}/members/{userId}", s.UpsertMember)
	pg.DELETE("/{project}/members/{userId}", s.RemoveMember)
}

type projectRequest struct {
	Slug        string             `json:"slug"`
	Name        string             `json:"name"`
	Environment service.Environment `json:"environment"`
}

// ListProjects handles GET /api/v1/projects. A JWT principal sees every
// project it owns or is a member of; an API-key principal only ever sees
// its own single project.
func (s *Server) ListProjects(w http.ResponseWriter, r *http.Request) {
	ctx, p, ok := s.authenticate(w, r, service.ScopeProjectsRead)
	if !ok {
		return
	}

	if p.Kind == auth.KindAPIKey {
		project, err := s.store.GetProject(ctx, p.ProjectID)
		if err != nil {
			writeErr(w, apperr.Internal(err))
			return
		}
		if project == nil {
			httpResponseJSON(w, []service.Project{}, http.StatusOK)
			return
		}
		httpResponseJSON(w, []service.Project{*project}, http.StatusOK)
		return
	}

	projects, err := s.store.ListProjects(ctx, p.UserID)
	if err != nil {
		writeErr(w, apperr.Internal(err))
		return
	}
	httpResponseJSON(w, projects, http.StatusOK)
}

// CreateProject handles POST /api/v1/projects. Only a JWT principal may
// create a project; it becomes the owner.
func (s *Server) CreateProject(w http.ResponseWriter, r *http.Request) {
	ctx, p, ok := s.authenticate(w, r, service.ScopeProjectsWrite)
	if !ok {
		return
	}
	if p.Kind != auth.KindJWT {
		writeErr(w, apperr.Authorization("only an interactive user may create a project"))
		return
	}

	var req projectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Slug == "" {
		writeErr(w, apperr.Validation("slug", "slug is required"))
		return
	}
	if req.Environment == "" {
		req.Environment = service.EnvDevelopment
	}
	switch req.Environment {
	case service.EnvDevelopment, service.EnvStaging, service.EnvProduction:
	default:
		writeErr(w, apperr.Validation("environment", "unknown environment %q", req.Environment))
		return
	}

	created, err := s.store.CreateProject(ctx, service.Project{
		Slug:        req.Slug,
		Name:        req.Name,
		Environment: req.Environment,
		OwnerID:     p.UserID,
	})
	if err != nil {
		if errors.Is(err, service.ErrDuplicateKey) {
			writeErr(w, apperr.Conflict("slug %q already in use", req.Slug))
			return
		}
		writeErr(w, apperr.Internal(err))
		return
	}
	httpResponseJSON(w, created, http.StatusCreated)
}

// GetProject handles GET /api/v1/projects/{project}.
func (s *Server) GetProject(w http.ResponseWriter, r *http.Request) {
	ctx, p, ok := s.authenticate(w, r, service.ScopeProjectsRead)
	if !ok {
		return
	}
	project, ok := s.loadProjectByParam(ctx, w, r, p, false)
	if !ok {
		return
	}
	httpResponseJSON(w, project, http.StatusOK)
}

// UpdateProject handles PUT /api/v1/projects/{project}.
func (s *Server) UpdateProject(w http.ResponseWriter, r *http.Request) {
	ctx, p, ok := s.authenticate(w, r, service.ScopeProjectsWrite)
	if !ok {
		return
	}
	project, ok := s.loadProjectByParam(ctx, w, r, p, true)
	if !ok {
		return
	}

	var req projectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	next := *project
	if req.Name != "" {
		next.Name = req.Name
	}
	if req.Environment != "" {
		next.Environment = req.Environment
	}

	updated, err := s.store.UpdateProject(ctx, project.ID, next)
	if err != nil {
		writeErr(w, apperr.Internal(err))
		return
	}
	httpResponseJSON(w, updated, http.StatusOK)
}

// DeleteProject handles DELETE /api/v1/projects/{project}.
func (s *Server) DeleteProject(w http.ResponseWriter, r *http.Request) {
	ctx, p, ok := s.authenticate(w, r, service.ScopeProjectsWrite)
	if !ok {
		return
	}
	project, ok := s.loadProjectByParam(ctx, w, r, p, true)
	if !ok {
		return
	}
	if err := s.store.DeleteProject(ctx, project.ID); err != nil {
		writeErr(w, apperr.Internal(err))
		return
	}
	httpResponse(w, "deleted", http.StatusOK)
}

// ListMembers handles GET /api/v1/projects/{project}/members.
func (s *Server) ListMembers(w http.ResponseWriter, r *http.Request) {
	ctx, p, ok := s.authenticate(w, r, service.ScopeMembersRead)
	if !ok {
		return
	}
	project, ok := s.loadProjectByParam(ctx, w, r, p, false)
	if !ok {
		return
	}
	members, err := s.store.ListMembers(ctx, project.ID)
	if err != nil {
		writeErr(w, apperr.Internal(err))
		return
	}
	httpResponseJSON(w, members, http.StatusOK)
}

type memberRequest struct {
	Role service.MemberRole `json:"role"`
}

// UpsertMember handles PUT /api/v1/projects/{project}/members/{userId}.
func (s *Server) UpsertMember(w http.ResponseWriter, r *http.Request) {
	ctx, p, ok := s.authenticate(w, r, service.ScopeMembersWrite)
	if !ok {
		return
	}
	project, ok := s.loadProjectByParam(ctx, w, r, p, true)
	if !ok {
		return
	}

	var req memberRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	switch req.Role {
	case service.RoleAdmin, service.RoleMember, service.RoleViewer:
	case service.RoleOwner:
		// The owner is implicit, never a member row.
		writeErr(w, apperr.Validation("role", "ownership is not assignable"))
		return
	default:
		writeErr(w, apperr.Validation("role", "unknown role %q", req.Role))
		return
	}
	if r.PathValue("userId") == project.OwnerID {
		writeErr(w, apperr.Validation("userId", "the project owner cannot be demoted"))
		return
	}

	member, err := s.store.UpsertMember(ctx, service.ProjectMember{
		ProjectID: project.ID,
		UserID:    r.PathValue("userId"),
		Role:      req.Role,
	})
	if err != nil {
		writeErr(w, apperr.Internal(err))
		return
	}
	httpResponseJSON(w, member, http.StatusOK)
}

// RemoveMember handles DELETE /api/v1/projects/{project}/members/{userId}.
func (s *Server) RemoveMember(w http.ResponseWriter, r *http.Request) {
	ctx, p, ok := s.authenticate(w, r, service.ScopeMembersWrite)
	if !ok {
		return
	}
	project, ok := s.loadProjectByParam(ctx, w, r, p, true)
	if !ok {
		return
	}
	if err := s.store.RemoveMember(ctx, project.ID, r.PathValue("userId")); err != nil {
		writeErr(w, apperr.Internal(err))
		return
	}
	httpResponse(w, "removed", http.StatusOK)
}
