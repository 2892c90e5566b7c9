// Webhook subscriber CRUD and delivery-history surface.
package server

import (
	"context"
	"net/http"

	"github.com/rakunlabs/ada"
	"github.com/rakunlabs/gatekit/internal/apperr"
	"github.com/rakunlabs/gatekit/internal/auth"
	"github.com/rakunlabs/gatekit/internal/service"
)

func (s *Server) registerWebhookSubscriberRoutes(g *ada.Mux) {
	wg := g.Group("/projects/{project}/webhooks")
	wg.GET("", s.ListWebhooks)
	wg.POST("", s.CreateWebhook)
	wg.GET("/{id}", s.GetWebhook)
	wg.PUT("/{id}", s.UpdateWebhook)
	wg.DELETE("/{id}", s.DeleteWebhook)
	wg.GET("/{id}/deliveries", s.ListWebhookDeliveries)
	wg.GET("/{id}/stats", s.GetWebhookDeliveryStats)
}

type webhookRequest struct {
	Name   string          `json:"name"`
	URL    string          `json:"url"`
	Events []service.Event `json:"events"`
	Secret string          `json:"secret,omitempty"` // auto-generated when omitted
}

// ListWebhooks handles GET /api/v1/projects/{project}/webhooks.
func (s *Server) ListWebhooks(w http.ResponseWriter, r *http.Request) {
	ctx, p, ok := s.authenticate(w, r, service.ScopeWebhooksRead)
	if !ok {
		return
	}
	project, ok := s.loadProjectByParam(ctx, w, r, p, false)
	if !ok {
		return
	}
	hooks, err := s.store.ListWebhooks(ctx, project.ID)
	if err != nil {
		writeErr(w, apperr.Internal(err))
		return
	}
	httpResponseJSON(w, hooks, http.StatusOK)
}

// CreateWebhook handles POST /api/v1/projects/{project}/webhooks. The
// generated signing secret is returned exactly once, in this response.
func (s *Server) CreateWebhook(w http.ResponseWriter, r *http.Request) {
	ctx, p, ok := s.authenticate(w, r, service.ScopeWebhooksWrite)
	if !ok {
		return
	}
	project, ok := s.loadProjectByParam(ctx, w, r, p, true)
	if !ok {
		return
	}

	var req webhookRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.URL == "" || len(req.Events) == 0 {
		writeErr(w, apperr.Validation("events", "url and at least one event are required"))
		return
	}

	created, err := s.webhooks.Register(ctx, service.Webhook{
		ProjectID: project.ID,
		Name:      req.Name,
		URL:       req.URL,
		Events:    req.Events,
		Secret:    req.Secret,
	})
	if err != nil {
		writeErr(w, apperr.Validation("events", "%v", err))
		return
	}
	httpResponseJSON(w, map[string]any{
		"webhook": created,
		"secret":  created.Secret,
	}, http.StatusCreated)
}

// GetWebhook handles GET /api/v1/projects/{project}/webhooks/{id}.
func (s *Server) GetWebhook(w http.ResponseWriter, r *http.Request) {
	ctx, p, ok := s.authenticate(w, r, service.ScopeWebhooksRead)
	if !ok {
		return
	}
	_, hook, ok := s.loadWebhook(ctx, w, r, p, false)
	if !ok {
		return
	}
	httpResponseJSON(w, hook, http.StatusOK)
}

// UpdateWebhook handles PUT /api/v1/projects/{project}/webhooks/{id}.
func (s *Server) UpdateWebhook(w http.ResponseWriter, r *http.Request) {
	ctx, p, ok := s.authenticate(w, r, service.ScopeWebhooksWrite)
	if !ok {
		return
	}
	_, hook, ok := s.loadWebhook(ctx, w, r, p, true)
	if !ok {
		return
	}

	var req webhookRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	next := *hook
	if req.Name != "" {
		next.Name = req.Name
	}
	if req.URL != "" {
		next.URL = req.URL
	}
	if len(req.Events) > 0 {
		for _, evt := range req.Events {
			if !service.ValidEvents[evt] {
				writeErr(w, apperr.Validation("events", "unknown event %q", evt))
				return
			}
		}
		next.Events = req.Events
	}

	updated, err := s.store.UpdateWebhook(ctx, hook.ID, next)
	if err != nil {
		writeErr(w, apperr.Internal(err))
		return
	}
	httpResponseJSON(w, updated, http.StatusOK)
}

// DeleteWebhook handles DELETE /api/v1/projects/{project}/webhooks/{id}.
func (s *Server) DeleteWebhook(w http.ResponseWriter, r *http.Request) {
	ctx, p, ok := s.authenticate(w, r, service.ScopeWebhooksWrite)
	if !ok {
		return
	}
	_, hook, ok := s.loadWebhook(ctx, w, r, p, true)
	if !ok {
		return
	}
	if err := s.store.DeleteWebhook(ctx, hook.ID); err != nil {
		writeErr(w, apperr.Internal(err))
		return
	}
	httpResponse(w, "deleted", http.StatusOK)
}

// ListWebhookDeliveries handles GET
// /api/v1/projects/{project}/webhooks/{id}/deliveries.
func (s *Server) ListWebhookDeliveries(w http.ResponseWriter, r *http.Request) {
	ctx, p, ok := s.authenticate(w, r, service.ScopeWebhooksRead)
	if !ok {
		return
	}
	_, hook, ok := s.loadWebhook(ctx, w, r, p, false)
	if !ok {
		return
	}

	filter := service.DeliveryFilter{
		Event:  service.Event(r.URL.Query().Get("event")),
		Status: service.DeliveryStatus(r.URL.Query().Get("status")),
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}
	deliveries, err := s.store.ListDeliveries(ctx, hook.ID, filter)
	if err != nil {
		writeErr(w, apperr.Internal(err))
		return
	}
	httpResponseJSON(w, deliveries, http.StatusOK)
}

// GetWebhookDeliveryStats handles GET
// /api/v1/projects/{project}/webhooks/{id}/stats: delivery counts grouped
// by status.
func (s *Server) GetWebhookDeliveryStats(w http.ResponseWriter, r *http.Request) {
	ctx, p, ok := s.authenticate(w, r, service.ScopeWebhooksRead)
	if !ok {
		return
	}
	_, hook, ok := s.loadWebhook(ctx, w, r, p, false)
	if !ok {
		return
	}
	stats, err := s.store.DeliveryStats(ctx, hook.ID)
	if err != nil {
		writeErr(w, apperr.Internal(err))
		return
	}
	httpResponseJSON(w, stats, http.StatusOK)
}

// loadWebhook resolves {project}/{id}, guarding project access and
// verifying the webhook belongs to that project.
func (s *Server) loadWebhook(ctx context.Context, w http.ResponseWriter, r *http.Request, p *auth.Principal, write bool) (*service.Project, *service.Webhook, bool) {
	project, ok := s.loadProjectByParam(ctx, w, r, p, write)
	if !ok {
		return nil, nil, false
	}
	hook, err := s.store.GetWebhook(ctx, r.PathValue("id"))
	if err != nil {
		writeErr(w, apperr.Internal(err))
		return nil, nil, false
	}
	if hook == nil || hook.ProjectID != project.ID {
		writeErr(w, apperr.NotFound("webhook not found"))
		return nil, nil, false
	}
	return project, hook, true
}
