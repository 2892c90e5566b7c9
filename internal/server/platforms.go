// PlatformConfig configuration surface: CRUD over
// PlatformConfig rows, propagating lifecycle transitions to the Platform
// Registry so a running adapter connection tracks config state.
package server

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/rakunlabs/ada"
	"github.com/rakunlabs/gatekit/internal/apperr"
	"github.com/rakunlabs/gatekit/internal/auth"
	"github.com/rakunlabs/gatekit/internal/envelope"
	"github.com/rakunlabs/gatekit/internal/service"
)

func (s *Server) registerPlatformRoutes(g *ada.Mux) {
	g.GET("/platforms/health", s.PlatformsHealth)

	pg := g.Group("/projects/{project}/platforms")
	pg.GET("", s.ListPlatformConfigs)
	pg.POST("", s.CreatePlatformConfig)
	pg.GET("/{id}", s.GetPlatformConfig)
	pg.PUT("/{id}", s.UpdatePlatformConfig)
	pg.DELETE("/{id}", s.DeletePlatformConfig)
}

type platformConfigRequest struct {
	Platform    string         `json:"platform"`
	Credentials map[string]any `json:"credentials"`
	IsActive    *bool          `json:"isActive,omitempty"`
	TestMode    bool           `json:"testMode,omitempty"`
}

// PlatformsHealth handles GET /api/v1/platforms/health: per-adapter
// health aggregated by the Platform Registry. A provider with zero
// connections reads healthy (idle).
func (s *Server) PlatformsHealth(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := s.authenticate(w, r, service.ScopePlatformsRead); !ok {
		return
	}
	httpResponseJSON(w, map[string]any{
		"platforms": s.registry.Health(),
	}, http.StatusOK)
}

// ListPlatformConfigs handles GET /api/v1/projects/{project}/platforms.
func (s *Server) ListPlatformConfigs(w http.ResponseWriter, r *http.Request) {
	ctx, p, ok := s.authenticate(w, r, service.ScopePlatformsRead)
	if !ok {
		return
	}
	project, ok := s.loadProjectByParam(ctx, w, r, p, false)
	if !ok {
		return
	}
	configs, err := s.store.ListPlatformConfigs(ctx, project.ID)
	if err != nil {
		writeErr(w, apperr.Internal(err))
		return
	}
	httpResponseJSON(w, configs, http.StatusOK)
}

// CreatePlatformConfig handles POST /api/v1/projects/{project}/platforms.
// The new config gets a random UUID v4 webhook token. When the config is
// created active, it immediately propagates a created lifecycle event so
// a webhook-class adapter can register its inbound URL with the provider;
// an inactive config propagates nothing.
func (s *Server) CreatePlatformConfig(w http.ResponseWriter, r *http.Request) {
	ctx, p, ok := s.authenticate(w, r, service.ScopePlatformsWrite)
	if !ok {
		return
	}
	project, ok := s.loadProjectByParam(ctx, w, r, p, true)
	if !ok {
		return
	}

	var req platformConfigRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Platform == "" {
		writeErr(w, apperr.Validation("platform", "platform is required"))
		return
	}
	if _, ok := s.registry.Get(req.Platform); !ok {
		writeErr(w, apperr.Validation("platform", "unknown platform %q", req.Platform))
		return
	}

	isActive := true
	if req.IsActive != nil {
		isActive = *req.IsActive
	}

	created, err := s.store.CreatePlatformConfig(ctx, service.PlatformConfig{
		ProjectID:    project.ID,
		Platform:     req.Platform,
		WebhookToken: uuid.NewString(),
		IsActive:     isActive,
		TestMode:     req.TestMode,
	}, req.Credentials)
	if err != nil {
		writeErr(w, apperr.Internal(err))
		return
	}

	if isActive {
		s.propagateLifecycle(ctx, *created, service.LifecycleCreated)
	}

	httpResponseJSON(w, created, http.StatusCreated)
}

// GetPlatformConfig handles GET /api/v1/projects/{project}/platforms/{id}.
func (s *Server) GetPlatformConfig(w http.ResponseWriter, r *http.Request) {
	ctx, p, ok := s.authenticate(w, r, service.ScopePlatformsRead)
	if !ok {
		return
	}
	_, cfg, ok := s.loadPlatformConfig(ctx, w, r, p, false)
	if !ok {
		return
	}
	httpResponseJSON(w, cfg, http.StatusOK)
}

// UpdatePlatformConfig handles PUT
// /api/v1/projects/{project}/platforms/{id}, propagating an activate or
// deactivate lifecycle event when IsActive toggles, and an update event
// when the config stays active.
func (s *Server) UpdatePlatformConfig(w http.ResponseWriter, r *http.Request) {
	ctx, p, ok := s.authenticate(w, r, service.ScopePlatformsWrite)
	if !ok {
		return
	}
	_, cfg, ok := s.loadPlatformConfig(ctx, w, r, p, true)
	if !ok {
		return
	}

	var req platformConfigRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	wasActive := cfg.IsActive
	next := *cfg
	next.TestMode = req.TestMode
	if req.IsActive != nil {
		next.IsActive = *req.IsActive
	}

	updated, err := s.store.UpdatePlatformConfig(ctx, cfg.ID, next, req.Credentials)
	if err != nil {
		writeErr(w, apperr.Internal(err))
		return
	}

	switch {
	case !wasActive && updated.IsActive:
		s.propagateLifecycle(ctx, *updated, service.LifecycleActivated)
	case wasActive && !updated.IsActive:
		s.propagateLifecycle(ctx, *updated, service.LifecycleDeactivated)
		_ = s.registry.Disconnect(ctx, updated.Platform, envelope.ConnectionKey(updated.ProjectID, updated.ID))
	case updated.IsActive:
		s.propagateLifecycle(ctx, *updated, service.LifecycleUpdated)
	}

	httpResponseJSON(w, updated, http.StatusOK)
}

// DeletePlatformConfig handles DELETE
// /api/v1/projects/{project}/platforms/{id}.
func (s *Server) DeletePlatformConfig(w http.ResponseWriter, r *http.Request) {
	ctx, p, ok := s.authenticate(w, r, service.ScopePlatformsWrite)
	if !ok {
		return
	}
	_, cfg, ok := s.loadPlatformConfig(ctx, w, r, p, true)
	if !ok {
		return
	}

	s.propagateLifecycle(ctx, *cfg, service.LifecycleDeleted)
	_ = s.registry.Disconnect(ctx, cfg.Platform, envelope.ConnectionKey(cfg.ProjectID, cfg.ID))
	if err := s.store.DeletePlatformConfig(ctx, cfg.ID); err != nil {
		writeErr(w, apperr.Internal(err))
		return
	}
	httpResponse(w, "deleted", http.StatusOK)
}

// loadPlatformConfig resolves {project}/{id}, guarding project access and
// verifying the config actually belongs to that project (an id alone
// would otherwise let a principal probe other projects' configs).
func (s *Server) loadPlatformConfig(ctx context.Context, w http.ResponseWriter, r *http.Request, p *auth.Principal, write bool) (*service.Project, *service.PlatformConfig, bool) {
	project, ok := s.loadProjectByParam(ctx, w, r, p, write)
	if !ok {
		return nil, nil, false
	}

	cfg, err := s.store.GetPlatformConfig(ctx, r.PathValue("id"))
	if err != nil {
		writeErr(w, apperr.Internal(err))
		return nil, nil, false
	}
	if cfg == nil || cfg.ProjectID != project.ID {
		writeErr(w, apperr.NotFound("platform configuration not found"))
		return nil, nil, false
	}
	return project, cfg, true
}

func (s *Server) propagateLifecycle(ctx context.Context, cfg service.PlatformConfig, typ service.LifecycleEventType) {
	creds, err := s.store.DecryptCredentials(ctx, cfg)
	if err != nil {
		creds = nil
	}
	_ = s.registry.Propagate(ctx, cfg.Platform, service.LifecycleEvent{
		Type:             typ,
		ConnectionKey:    envelope.ConnectionKey(cfg.ProjectID, cfg.ID),
		PlatformConfigID: cfg.ID,
		Credentials:      creds,
	})
}
