// Generic inbound webhook dispatch: every webhook-class
// adapter is mounted under one shared route family, validated and routed
// by internal/registry.Registry.DispatchByToken before the request ever
// reaches adapter-specific decoding.
package server

import (
	"net/http"

	"github.com/rakunlabs/ada"
	"github.com/rakunlabs/gatekit/internal/adapters/webhookctx"
)

func (s *Server) registerWebhookDispatchRoutes(g *ada.Mux) {
	g.POST("/webhooks/{platform}/{webhookToken}", s.DispatchWebhook)
}

// DispatchWebhook handles POST
// /api/v1/webhooks/{platform}/{webhookToken}. It is intentionally outside
// the authenticate() path: the webhookToken itself is the credential.
func (s *Server) DispatchWebhook(w http.ResponseWriter, r *http.Request) {
	platform := r.PathValue("platform")
	webhookToken := r.PathValue("webhookToken")

	adapter, cfg, status, err := s.registry.DispatchByToken(r.Context(), platform, webhookToken)
	if err != nil {
		httpResponse(w, "internal error", http.StatusInternalServerError)
		return
	}
	if status != http.StatusOK {
		httpResponse(w, "not found", status)
		return
	}

	webhookConfig := (*adapter).GetWebhookConfig()
	if webhookConfig == nil {
		httpResponse(w, "not found", http.StatusNotFound)
		return
	}

	ctx := webhookctx.With(r.Context(), webhookctx.Config{
		ProjectID:        cfg.ProjectID,
		PlatformConfigID: cfg.ID,
	})
	webhookConfig.Handler(w, r.WithContext(ctx), map[string]string{
		"platform":     platform,
		"webhookToken": webhookToken,
	})
}
