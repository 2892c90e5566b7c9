// Message send, job status, and message-history HTTP surface.
package server

import (
	"net/http"
	"time"

	"github.com/rakunlabs/ada"
	"github.com/rakunlabs/gatekit/internal/apperr"
	"github.com/rakunlabs/gatekit/internal/outbound"
	"github.com/rakunlabs/gatekit/internal/service"
)

func (s *Server) registerMessageRoutes(g *ada.Mux) {
	mg := g.Group("/projects/{project}/messages")
	mg.POST("/send", s.SendMessage)
	mg.GET("/status/{jobId}", s.GetMessageStatus)
	mg.POST("/retry/{jobId}", s.RetryMessage)
	mg.GET("", s.ListReceivedMessages)
	mg.GET("/sent", s.ListSentMessages)
	mg.GET("/stats", s.GetMessageStats)
}

// SendMessage handles POST /api/v1/projects/{project}/messages/send.
func (s *Server) SendMessage(w http.ResponseWriter, r *http.Request) {
	ctx, p, ok := s.authenticate(w, r, service.ScopeMessagesSend)
	if !ok {
		return
	}
	project, ok := s.loadProjectByParam(ctx, w, r, p, false)
	if !ok {
		return
	}

	var req outbound.SendRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	jobID, err := s.outbound.Accept(ctx, project.Slug, project.ID, req)
	if err != nil {
		writeErr(w, err)
		return
	}
	httpResponseJSON(w, map[string]any{
		"jobId":     jobID,
		"status":    "queued",
		"targets":   req.Targets,
		"timestamp": time.Now().UTC(),
	}, http.StatusAccepted)
}

// GetMessageStatus handles GET
// /api/v1/projects/{project}/messages/status/{jobId}.
func (s *Server) GetMessageStatus(w http.ResponseWriter, r *http.Request) {
	ctx, p, ok := s.authenticate(w, r, service.ScopeMessagesRead)
	if !ok {
		return
	}
	if _, ok := s.loadProjectByParam(ctx, w, r, p, false); !ok {
		return
	}

	status := s.outbound.GetStatus(r.PathValue("jobId"))
	if status == nil {
		writeErr(w, apperr.NotFound("job not found"))
		return
	}
	httpResponseJSON(w, status, http.StatusOK)
}

// RetryMessage handles POST
// /api/v1/projects/{project}/messages/retry/{jobId}: it re-enqueues the
// original job's targets under a fresh jobId without mutating the
// original SentMessage rows.
func (s *Server) RetryMessage(w http.ResponseWriter, r *http.Request) {
	ctx, p, ok := s.authenticate(w, r, service.ScopeMessagesSend)
	if !ok {
		return
	}
	project, ok := s.loadProjectByParam(ctx, w, r, p, false)
	if !ok {
		return
	}

	jobID, err := s.outbound.Retry(ctx, project.Slug, project.ID, r.PathValue("jobId"))
	if err != nil {
		writeErr(w, err)
		return
	}
	httpResponseJSON(w, map[string]any{"jobId": jobID}, http.StatusAccepted)
}

// ListReceivedMessages handles GET /api/v1/projects/{project}/messages. The
// optional ?reactions=true query param attaches each message's current
// visible reaction set.
func (s *Server) ListReceivedMessages(w http.ResponseWriter, r *http.Request) {
	ctx, p, ok := s.authenticate(w, r, service.ScopeMessagesRead)
	if !ok {
		return
	}
	project, ok := s.loadProjectByParam(ctx, w, r, p, false)
	if !ok {
		return
	}

	filter := service.MessageFilter{
		Platform:         r.URL.Query().Get("platform"),
		PlatformConfigID: r.URL.Query().Get("platformConfigId"),
		Limit:            queryInt(r, "limit", 50),
		Offset:           queryInt(r, "offset", 0),
	}

	messages, err := s.store.ListReceivedMessages(ctx, project.ID, filter)
	if err != nil {
		writeErr(w, apperr.Internal(err))
		return
	}

	if !queryBool(r, "reactions") {
		httpResponseJSON(w, messages, http.StatusOK)
		return
	}

	type messageWithReactions struct {
		service.ReceivedMessage
		Reactions []service.ReceivedReaction `json:"reactions"`
	}
	out := make([]messageWithReactions, 0, len(messages))
	for _, m := range messages {
		reactions, err := s.store.CurrentReactions(ctx, project.ID, m.ProviderMessageID)
		if err != nil {
			writeErr(w, apperr.Internal(err))
			return
		}
		out = append(out, messageWithReactions{ReceivedMessage: m, Reactions: reactions})
	}
	httpResponseJSON(w, out, http.StatusOK)
}

// ListSentMessages handles GET /api/v1/projects/{project}/messages/sent.
func (s *Server) ListSentMessages(w http.ResponseWriter, r *http.Request) {
	ctx, p, ok := s.authenticate(w, r, service.ScopeMessagesRead)
	if !ok {
		return
	}
	project, ok := s.loadProjectByParam(ctx, w, r, p, false)
	if !ok {
		return
	}

	filter := service.MessageFilter{
		Platform:         r.URL.Query().Get("platform"),
		PlatformConfigID: r.URL.Query().Get("platformConfigId"),
		Limit:            queryInt(r, "limit", 50),
		Offset:           queryInt(r, "offset", 0),
	}

	messages, err := s.store.ListSentMessages(ctx, project.ID, filter)
	if err != nil {
		writeErr(w, apperr.Internal(err))
		return
	}
	httpResponseJSON(w, messages, http.StatusOK)
}

// GetMessageStats handles GET /api/v1/projects/{project}/messages/stats.
func (s *Server) GetMessageStats(w http.ResponseWriter, r *http.Request) {
	ctx, p, ok := s.authenticate(w, r, service.ScopeMessagesRead)
	if !ok {
		return
	}
	project, ok := s.loadProjectByParam(ctx, w, r, p, false)
	if !ok {
		return
	}
	stats, err := s.store.MessageStats(ctx, project.ID)
	if err != nil {
		writeErr(w, apperr.Internal(err))
		return
	}
	httpResponseJSON(w, stats, http.StatusOK)
}
