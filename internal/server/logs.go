// Platform connection/webhook/message log query surface.
package server

import (
	"net/http"
	"time"

	"github.com/rakunlabs/ada"
	"github.com/rakunlabs/gatekit/internal/apperr"
	"github.com/rakunlabs/gatekit/internal/service"
)

func (s *Server) registerLogRoutes(g *ada.Mux) {
	lg := g.Group("/projects/{project}/logs")
	lg.GET("", s.ListLogs)
	lg.GET("/stats", s.GetLogStats)
}

// ListLogs handles GET /api/v1/projects/{project}/logs.
func (s *Server) ListLogs(w http.ResponseWriter, r *http.Request) {
	ctx, p, ok := s.authenticate(w, r, service.ScopePlatformsRead)
	if !ok {
		return
	}
	project, ok := s.loadProjectByParam(ctx, w, r, p, false)
	if !ok {
		return
	}

	filter := service.LogFilter{
		Platform:         r.URL.Query().Get("platform"),
		PlatformConfigID: r.URL.Query().Get("platformConfigId"),
		Level:            service.LogLevel(r.URL.Query().Get("level")),
		Category:         service.LogCategory(r.URL.Query().Get("category")),
		Limit:            queryInt(r, "limit", 50),
		Offset:           queryInt(r, "offset", 0),
	}
	if v := r.URL.Query().Get("startDate"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.StartDate = &t
		}
	}
	if v := r.URL.Query().Get("endDate"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.EndDate = &t
		}
	}

	logs, err := s.store.ListLogs(ctx, project.ID, filter)
	if err != nil {
		writeErr(w, apperr.Internal(err))
		return
	}
	httpResponseJSON(w, logs, http.StatusOK)
}

// GetLogStats handles GET /api/v1/projects/{project}/logs/stats.
func (s *Server) GetLogStats(w http.ResponseWriter, r *http.Request) {
	ctx, p, ok := s.authenticate(w, r, service.ScopePlatformsRead)
	if !ok {
		return
	}
	project, ok := s.loadProjectByParam(ctx, w, r, p, false)
	if !ok {
		return
	}
	stats, err := s.store.LogStats(ctx, project.ID)
	if err != nil {
		writeErr(w, apperr.Internal(err))
		return
	}
	httpResponseJSON(w, stats, http.StatusOK)
}
